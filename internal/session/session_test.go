package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileTokenSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.yml")
	src := FileTokenSource{Path: path}

	_, ok := src.Token()
	assert.False(t, ok, "missing file means signed out")

	require.NoError(t, SaveToken(path, "student-1", "tok-1"))
	tok, ok := src.Token()
	require.True(t, ok)
	assert.Equal(t, "tok-1", tok)

	// Re-read on every call.
	require.NoError(t, SaveToken(path, "student-1", "tok-2"))
	tok, _ = src.Token()
	assert.Equal(t, "tok-2", tok)
	assert.Equal(t, "student-1", src.UserID())

	require.NoError(t, os.WriteFile(path, []byte("token: \"  \"\n"), 0o600))
	_, ok = src.Token()
	assert.False(t, ok)
}

func TestSession(t *testing.T) {
	_, err := New(" ", StaticToken("x"))
	require.Error(t, err)

	s, err := New("student-1", StaticToken("secret"))
	require.NoError(t, err)
	assert.Equal(t, "student-1", s.UserID())

	tok, ok := s.Token()
	assert.True(t, ok)
	assert.Equal(t, "secret", tok)

	s.Close()
	_, ok = s.Token()
	assert.False(t, ok)

	anon, err := New("student-2", nil)
	require.NoError(t, err)
	_, ok = anon.Token()
	assert.False(t, ok)
}
