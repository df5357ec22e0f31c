package config

import (
	"log/slog"
	"os"
	"strings"
)

// SetupLogging installs the process-wide JSON slog handler. Every component
// logger derives from the default, so this runs once in main before any
// other initialization logs. The level comes from LOG_LEVEL.
func SetupLogging() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: ParseLogLevel(os.Getenv("LOG_LEVEL")),
	})))
}

// ParseLogLevel maps a LOG_LEVEL value onto a slog level. Unset or
// unrecognized values mean info.
func ParseLogLevel(v string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(v)) {
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
