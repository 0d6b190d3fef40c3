package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saravenpi/tutorchat/internal/config"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel(" error "))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestNew_FormatAndLevel(t *testing.T) {
	var buf bytes.Buffer
	log := Component(New(&buf, "warn", "json"), "transport")

	log.Info("dropped")
	assert.Empty(t, buf.String())

	log.Warn("reconnecting", "attempt", 3)
	assert.Contains(t, buf.String(), `"component":"transport"`)
	assert.Contains(t, buf.String(), `"attempt":3`)
}

func TestOpen_WritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "tutorchat.log")
	log, closer, err := Open(config.LoggingConfig{Level: "info", Format: "text", File: path})
	require.NoError(t, err)

	log.Info("engine opened", "user", "student-1")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "engine opened")
	assert.Contains(t, string(data), "user=student-1")
}
