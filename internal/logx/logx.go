// Package logx provides structured logging for the mount engine: a JSON
// stdout handler plus a per-module log file fan-out, following the same
// shared-state handler-wrapping shape the rest of this codebase's lineage
// uses for slog.Handler composition.
package logx

import (
	"log/slog"
	"os"
	"strings"
)

// Config controls the default log level and source-location inclusion.
type Config struct {
	Level     slog.Level
	AddSource bool
}

// NewConfigFromEnv builds a Config from LOG_LEVEL (debug/info/warn/error).
func NewConfigFromEnv() Config {
	cfg := Config{Level: slog.LevelInfo}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Level = parseLevel(v)
	}
	return cfg
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewBase returns the root JSON handler all other handlers wrap.
func NewBase(cfg Config) slog.Handler {
	return slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     cfg.Level,
		AddSource: cfg.AddSource,
	})
}

// NewLogger builds a ready-to-use *slog.Logger wrapping base with the
// per-module log fan-out given by logPathFunc.
func NewLogger(base slog.Handler, logPathFunc func(module string) string) *slog.Logger {
	return slog.New(NewControllerLogHandler(base, logPathFunc))
}
