package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestNew_JSONRespectsLevelVar(t *testing.T) {
	var buf bytes.Buffer
	lv := new(slog.LevelVar)
	lv.Set(slog.LevelInfo)
	log := New(&buf, "json", lv)

	log.Debug("relay: hidden")
	log.Info("relay: shown", "topic", "room1")
	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"topic":"room1"`)
	assert.Contains(t, out, "relay: shown")

	buf.Reset()
	lv.Set(slog.LevelDebug)
	log.Debug("relay: now visible")
	assert.Contains(t, buf.String(), "relay: now visible")
	assert.Equal(t, 1, strings.Count(buf.String(), "\n"))
}

func TestNew_Console(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "console", new(slog.LevelVar)).Warn("config: reload failed", "path", "x.yaml")
	assert.Contains(t, buf.String(), "config: reload failed")
	assert.Contains(t, buf.String(), "x.yaml")
}
