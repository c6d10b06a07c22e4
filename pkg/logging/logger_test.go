package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
		"":        slog.LevelInfo,
		" debug ": slog.LevelDebug,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), "level %q", in)
	}
}

func TestDefaultOutputIsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, Config{Level: "info"})
	logger.Info("listener ready", "address", "127.0.0.1:8443")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "listener ready", record["msg"])
	assert.Equal(t, "127.0.0.1:8443", record["address"])
}

func TestTextOutputWhenRequested(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, Config{Level: "info", Text: true})
	logger.Info("listener ready")

	out := buf.String()
	assert.False(t, strings.HasPrefix(strings.TrimSpace(out), "{"))
	assert.Contains(t, out, "msg=\"listener ready\"")
}

func TestLevelFiltersRecords(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, Config{Level: "warn"})
	logger.Info("dropped")
	logger.Warn("kept")

	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "kept")
}
