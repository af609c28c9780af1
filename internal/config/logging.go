package config

import (
	"io"
	"log/slog"
	"time"
)

// SlogLevel maps the configured level name to a slog.Level. Unknown names
// fall back to info; Validate rejects them earlier.
func (l LogConfig) SlogLevel() slog.Level {
	switch l.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the process logger described by l, writing to w.
func (l LogConfig) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: l.SlogLevel()}
	if l.Format == LogText {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// Offset parses MaxOffset.
func (d DemoConfig) Offset() (time.Duration, error) {
	return time.ParseDuration(d.MaxOffset)
}
