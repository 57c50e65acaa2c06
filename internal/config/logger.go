package config

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// InitLogger installs the default slog logger on stderr, so command output
// on stdout stays machine-readable.
func InitLogger(cfg *Config) {
	slog.SetDefault(NewLogger(cfg.Log, os.Stderr))

	slog.Debug("Logger initialized",
		"level", cfg.Log.Level,
		"format", cfg.Log.Format,
	)
}

// NewLogger builds a logger for the given level (debug, info, warn, error)
// and format (json or text).
func NewLogger(cfg LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{
		Level: level,
	}

	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}
