// Package telemetry centralizes Moat's log/slog setup so every subsystem
// gets the same level and component-tagging convention, grounded on
// cmd/agentwarden/main.go's inline logger setup.
package telemetry

import (
	"log/slog"
	"os"
	"strings"
)

// NewLogger builds the root logger from a config log level string
// ("debug", "info", "warn", "error"; anything else defaults to info).
func NewLogger(level string) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(level)}))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// Component returns a child logger tagged with the "component" key, the
// convention every constructor in this codebase uses to identify its log
// lines (e.g. "pipeline.Pipeline", "capability.FileRegistry").
func Component(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("component", name)
}
