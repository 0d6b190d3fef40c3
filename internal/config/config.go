package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	User      UserConfig      `yaml:"user"`
	Sync      SyncConfig      `yaml:"sync"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
	DevServer DevServerConfig `yaml:"devserver"`
}

type ServerConfig struct {
	RealtimeURL string `yaml:"realtime_url"`
	APIURL      string `yaml:"api_url"`
}

type UserConfig struct {
	ID        string `yaml:"id"`
	TokenFile string `yaml:"token_file"`
}

type SyncConfig struct {
	ActionTimeout    time.Duration `yaml:"action_timeout"`
	BackoffBase      time.Duration `yaml:"backoff_base"`
	BackoffCap       time.Duration `yaml:"backoff_cap"`
	BackoffJitter    float64       `yaml:"backoff_jitter"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	NodeID           int64         `yaml:"node_id"`
}

type StorageConfig struct {
	DataDir     string `yaml:"data_dir"`
	ContactsDir string `yaml:"contacts_dir"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

type DevServerConfig struct {
	Addr string `yaml:"addr"`
	// Users maps bearer tokens to user ids.
	Users map[string]string `yaml:"users"`
}

// Dir returns the tutorchat home directory (~/.tutorchat).
func Dir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".tutorchat")
}

// Path returns the default config file path.
func Path() string {
	return filepath.Join(Dir(), "config.yml")
}

func Default() Config {
	dir := Dir()
	return Config{
		Server: ServerConfig{
			RealtimeURL: "ws://127.0.0.1:8787/ws",
			APIURL:      "http://127.0.0.1:8787",
		},
		User: UserConfig{
			TokenFile: filepath.Join(dir, "session.yml"),
		},
		Sync: SyncConfig{
			ActionTimeout:    15 * time.Second,
			BackoffBase:      time.Second,
			BackoffCap:       30 * time.Second,
			BackoffJitter:    0.2,
			HandshakeTimeout: 10 * time.Second,
			PingInterval:     25 * time.Second,
			NodeID:           1,
		},
		Storage: StorageConfig{
			DataDir:     dir,
			ContactsDir: filepath.Join(dir, "contacts"),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			File:   filepath.Join(dir, "tutorchat.log"),
		},
		DevServer: DevServerConfig{
			Addr: "127.0.0.1:8787",
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// TUTORCHAT_* environment overrides. A .env file in the working directory
// is loaded first if present. A missing config file is not an error.
func Load(path string) (Config, error) {
	_ = godotenv.Load(".env")

	cfg := Default()
	if path == "" {
		path = getEnv("TUTORCHAT_CONFIG", Path())
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Server.RealtimeURL = getEnv("TUTORCHAT_REALTIME_URL", c.Server.RealtimeURL)
	c.Server.APIURL = getEnv("TUTORCHAT_API_URL", c.Server.APIURL)
	c.User.ID = getEnv("TUTORCHAT_USER_ID", c.User.ID)
	c.User.TokenFile = getEnv("TUTORCHAT_TOKEN_FILE", c.User.TokenFile)
	c.Storage.DataDir = getEnv("TUTORCHAT_DATA_DIR", c.Storage.DataDir)
	c.Storage.ContactsDir = getEnv("TUTORCHAT_CONTACTS_DIR", c.Storage.ContactsDir)
	c.Logging.Level = getEnv("TUTORCHAT_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("TUTORCHAT_LOG_FORMAT", c.Logging.Format)
	c.Logging.File = getEnv("TUTORCHAT_LOG_FILE", c.Logging.File)
	c.DevServer.Addr = getEnv("TUTORCHAT_DEVSERVER_ADDR", c.DevServer.Addr)

	var err error
	if c.Sync.ActionTimeout, err = getEnvDuration("TUTORCHAT_ACTION_TIMEOUT", c.Sync.ActionTimeout); err != nil {
		return err
	}
	if c.Sync.BackoffBase, err = getEnvDuration("TUTORCHAT_BACKOFF_BASE", c.Sync.BackoffBase); err != nil {
		return err
	}
	if c.Sync.BackoffCap, err = getEnvDuration("TUTORCHAT_BACKOFF_CAP", c.Sync.BackoffCap); err != nil {
		return err
	}
	if c.Sync.NodeID, err = getEnvInt64("TUTORCHAT_NODE_ID", c.Sync.NodeID); err != nil {
		return err
	}
	return nil
}

// Validate checks the fields the engine cannot run without.
func (c Config) Validate() error {
	var errs []error

	if _, err := url.Parse(c.Server.RealtimeURL); err != nil || c.Server.RealtimeURL == "" {
		errs = append(errs, fmt.Errorf("server.realtime_url is invalid: %q", c.Server.RealtimeURL))
	}
	if _, err := url.Parse(c.Server.APIURL); err != nil || c.Server.APIURL == "" {
		errs = append(errs, fmt.Errorf("server.api_url is invalid: %q", c.Server.APIURL))
	}
	if c.Sync.ActionTimeout <= 0 {
		errs = append(errs, errors.New("sync.action_timeout must be positive"))
	}
	if c.Sync.BackoffBase <= 0 || c.Sync.BackoffCap < c.Sync.BackoffBase {
		errs = append(errs, errors.New("sync.backoff_cap must be at least sync.backoff_base, both positive"))
	}
	if c.Sync.BackoffJitter < 0 || c.Sync.BackoffJitter >= 1 {
		errs = append(errs, errors.New("sync.backoff_jitter must be in [0, 1)"))
	}
	if c.Sync.NodeID < 0 || c.Sync.NodeID > 1023 {
		errs = append(errs, errors.New("sync.node_id must be in [0, 1023]"))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", key, err)
	}
	return d, nil
}

func getEnvInt64(key string, fallback int64) (int64, error) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", key, err)
	}
	return n, nil
}
