// Package logging builds the process slog.Logger. Records are written by
// zerolog through the zeroslog handler; the level is held in a slog.LevelVar
// so it can change on config reload.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/phsym/zeroslog"
	"github.com/rs/zerolog"
)

// ParseLevel maps debug, info, warn (or warning) and error to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("log level %q unknown", s)
	}
}

// New returns a logger writing to w. format is "console" for human-readable
// output; anything else writes one JSON object per line.
func New(w io.Writer, format string, level *slog.LevelVar) *slog.Logger {
	var zl zerolog.Logger
	if format == "console" {
		zl = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.Stamp})
	} else {
		zl = zerolog.New(w)
	}
	zl = zl.With().Timestamp().Logger()
	return slog.New(zeroslog.NewHandler(zl, &zeroslog.HandlerOptions{Level: level}))
}
