// Package log configures the process-wide slog default and hands out
// module-scoped loggers. Long-lived components take their logger from
// WithModule so lines can be filtered per subsystem.
package log

import (
	"log/slog"
	"os"
	"strings"
)

// Setup installs the default text handler at the requested level. Unknown
// level names fall back to info.
func Setup(logLevel string) {
	var level slog.Level

	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

// WithModule returns a logger tagged with the subsystem name.
func WithModule(module string) *slog.Logger {
	return slog.With("module", module)
}
