// Package contacts keeps a local directory of people the user chats with,
// one YAML file per contact, and resolves user ids to display names.
package contacts

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

var ErrNotFound = errors.New("contact not found")

type Role string

const (
	RoleStudent Role = "student"
	RoleTutor   Role = "tutor"
)

type Contact struct {
	Name   string `yaml:"name"`
	UserID string `yaml:"user_id"`
	Role   Role   `yaml:"role,omitempty"`
	Email  string `yaml:"email,omitempty"`
}

const cacheDuration = 30 * time.Second

type Directory struct {
	dir string

	mu        sync.RWMutex
	cache     []Contact
	byUserID  map[string]string
	cacheTime time.Time
}

// GetDir returns the default contacts directory under the config dir.
func GetDir(configDir string) string {
	return filepath.Join(configDir, "contacts")
}

func NewDirectory(dir string) *Directory {
	return &Directory{dir: dir}
}

// sanitizeFilename converts a user id to a safe filename.
func sanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	name = strings.ReplaceAll(name, "/", "-")
	name = strings.ReplaceAll(name, "\\", "-")
	name = strings.ReplaceAll(name, ":", "-")
	return name
}

func (d *Directory) path(userID string) string {
	return filepath.Join(d.dir, sanitizeFilename(userID)+".yml")
}

// Save writes c, replacing any contact with the same user id.
func (d *Directory) Save(c Contact) error {
	c.Name = strings.TrimSpace(c.Name)
	c.UserID = strings.TrimSpace(c.UserID)
	if c.Name == "" {
		return errors.New("contact name cannot be empty")
	}
	if c.UserID == "" {
		return errors.New("contact user id cannot be empty")
	}

	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create contacts directory: %w", err)
	}
	data, err := yaml.Marshal(&c)
	if err != nil {
		return fmt.Errorf("failed to marshal contact: %w", err)
	}
	if err := os.WriteFile(d.path(c.UserID), data, 0o644); err != nil {
		return fmt.Errorf("failed to write contact file: %w", err)
	}

	d.Invalidate()
	return nil
}

func (d *Directory) Load(userID string) (Contact, error) {
	data, err := os.ReadFile(d.path(userID))
	if err != nil {
		if os.IsNotExist(err) {
			return Contact{}, fmt.Errorf("%s: %w", userID, ErrNotFound)
		}
		return Contact{}, fmt.Errorf("failed to read contact file: %w", err)
	}

	var c Contact
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Contact{}, fmt.Errorf("failed to parse contact file: %w", err)
	}
	return c, nil
}

func (d *Directory) Delete(userID string) error {
	if err := os.Remove(d.path(userID)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s: %w", userID, ErrNotFound)
		}
		return fmt.Errorf("failed to delete contact: %w", err)
	}
	d.Invalidate()
	return nil
}

// List returns all contacts sorted by name. Results are cached for 30
// seconds; Save and Delete invalidate the cache.
func (d *Directory) List() ([]Contact, error) {
	d.mu.RLock()
	if d.cache != nil && time.Since(d.cacheTime) < cacheDuration {
		defer d.mu.RUnlock()
		return slices.Clone(d.cache), nil
	}
	d.mu.RUnlock()

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cache != nil && time.Since(d.cacheTime) < cacheDuration {
		return slices.Clone(d.cache), nil
	}

	entries, err := os.ReadDir(d.dir)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read contacts directory: %w", err)
	}

	contacts := []Contact{}
	byUserID := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(d.dir, entry.Name()))
		if err != nil {
			continue
		}
		var c Contact
		if err := yaml.Unmarshal(data, &c); err != nil || c.UserID == "" {
			continue
		}
		contacts = append(contacts, c)
		byUserID[c.UserID] = c.Name
	}
	slices.SortFunc(contacts, func(a, b Contact) int {
		return strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name))
	})

	d.cache = contacts
	d.byUserID = byUserID
	d.cacheTime = time.Now()
	return slices.Clone(contacts), nil
}

// Invalidate forces the cache to be refreshed on next access.
func (d *Directory) Invalidate() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cacheTime = time.Time{}
	d.cache = nil
}

// NameFor returns the contact name for userID, or "" if unknown.
func (d *Directory) NameFor(userID string) string {
	if userID == "" {
		return ""
	}
	if _, err := d.List(); err != nil {
		return ""
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.byUserID[userID]
}

// DisplayName is NameFor with the user id as fallback.
func (d *Directory) DisplayName(userID string) string {
	if name := d.NameFor(userID); name != "" {
		return name
	}
	return userID
}

// Resolve maps a contact name (case-insensitive) or a user id to a user
// id. Unknown input is returned trimmed, as a user id.
func (d *Directory) Resolve(nameOrID string) string {
	nameOrID = strings.TrimSpace(nameOrID)
	all, err := d.List()
	if err != nil {
		return nameOrID
	}
	for _, c := range all {
		if strings.EqualFold(c.Name, nameOrID) {
			return c.UserID
		}
	}
	return nameOrID
}
