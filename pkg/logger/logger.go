package logger

import (
	"os"
	"strings"

	"log/slog"

	"github.com/splax/tailscope/pkg/config"
)

// New returns a JSON slog.Logger writing to stdout, tagged with the service
// name so api and producer processes can be told apart in aggregated output.
func New(service string, level slog.Level) *slog.Logger {
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(h).With("service", service)
}

// LevelFromEnv maps LOG_LEVEL onto a slog level. Unknown or unset values fall
// back to info.
func LevelFromEnv() slog.Level {
	switch strings.ToLower(strings.TrimSpace(config.GetString("LOG_LEVEL", "info"))) {
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
