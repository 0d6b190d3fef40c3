// Package session carries the signed-in user and the capability to fetch
// their bearer token. It is passed explicitly to everything that needs it.
package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// TokenSource returns the current bearer token, or false when the user is
// signed out.
type TokenSource interface {
	Token() (string, bool)
}

// StaticToken is a fixed token. An empty value means signed out.
type StaticToken string

func (s StaticToken) Token() (string, bool) {
	return string(s), s != ""
}

// FileTokenSource reads the token from a YAML file on every call so a
// token refreshed by another process is picked up on the next reconnect.
type FileTokenSource struct {
	Path string
}

type tokenFile struct {
	UserID string `yaml:"user_id,omitempty"`
	Token  string `yaml:"token"`
}

func (f FileTokenSource) Token() (string, bool) {
	tf, ok := f.read()
	if !ok {
		return "", false
	}
	tok := strings.TrimSpace(tf.Token)
	return tok, tok != ""
}

// UserID is the user the token was saved for, or "".
func (f FileTokenSource) UserID() string {
	tf, _ := f.read()
	return strings.TrimSpace(tf.UserID)
}

func (f FileTokenSource) read() (tokenFile, bool) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return tokenFile{}, false
	}
	var tf tokenFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return tokenFile{}, false
	}
	return tf, true
}

// SaveToken writes a token file readable by FileTokenSource.
func SaveToken(path, userID, token string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}
	data, err := yaml.Marshal(tokenFile{UserID: userID, Token: token})
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}
	return nil
}

// Session is the signed-in user. Close revokes it: after Close, Token
// reports signed out.
type Session struct {
	userID string
	tokens TokenSource

	mu     sync.RWMutex
	closed bool
}

func New(userID string, tokens TokenSource) (*Session, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("session user id cannot be empty")
	}
	if tokens == nil {
		tokens = StaticToken("")
	}
	return &Session{userID: userID, tokens: tokens}, nil
}

func (s *Session) UserID() string {
	return s.userID
}

func (s *Session) Token() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", false
	}
	return s.tokens.Token()
}

func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}
