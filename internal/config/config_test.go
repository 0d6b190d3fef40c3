package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yml"))
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, cfg.Sync.ActionTimeout)
	assert.Equal(t, time.Second, cfg.Sync.BackoffBase)
	assert.Equal(t, 30*time.Second, cfg.Sync.BackoffCap)
	assert.InDelta(t, 0.2, cfg.Sync.BackoffJitter, 1e-9)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	data := `
server:
  realtime_url: ws://chat.example.test/ws
  api_url: http://chat.example.test
user:
  id: student-1
sync:
  action_timeout: 5s
  backoff_cap: 10s
logging:
  format: json
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	t.Setenv("TUTORCHAT_USER_ID", "tutor-9")
	t.Setenv("TUTORCHAT_BACKOFF_BASE", "2s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ws://chat.example.test/ws", cfg.Server.RealtimeURL)
	assert.Equal(t, "tutor-9", cfg.User.ID)
	assert.Equal(t, 5*time.Second, cfg.Sync.ActionTimeout)
	assert.Equal(t, 2*time.Second, cfg.Sync.BackoffBase)
	assert.Equal(t, 10*time.Second, cfg.Sync.BackoffCap)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
		env  map[string]string
	}{
		{name: "bad yaml", data: "server: [unclosed"},
		{name: "negative timeout", data: "sync:\n  action_timeout: -1s\n"},
		{name: "cap below base", data: "sync:\n  backoff_base: 10s\n  backoff_cap: 1s\n"},
		{name: "unknown log format", data: "logging:\n  format: xml\n"},
		{name: "bad env duration", env: map[string]string{"TUTORCHAT_ACTION_TIMEOUT": "soon"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yml")
			require.NoError(t, os.WriteFile(path, []byte(tt.data), 0o600))
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}
