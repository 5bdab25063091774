package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"info", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), "level %q", tt.in)
	}
}

func TestNewLoggerTo_WritesJSONWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, "info")
	logger = WithStage(WithSessionID(logger, "abc123"), "render")
	logger.Debug("hidden")
	logger.Info("rendered", "outputs", 2)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "rendered", entry["msg"])
	assert.Equal(t, "abc123", entry["session_id"])
	assert.Equal(t, "render", entry["stage"])
	assert.EqualValues(t, 2, entry["outputs"])
}

func TestSanitizeToken(t *testing.T) {
	assert.Equal(t, "****", SanitizeToken("short"))
	assert.Equal(t, "****", SanitizeToken("12345678"))
	assert.Equal(t, "abcd...wxyz", SanitizeToken("abcdefghijklmnopqrstuvwxyz"))
}
