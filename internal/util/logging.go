package util

import (
	"log/slog"
	"os"
	"strings"
)

// InitLogger installs a JSON slog logger tagged with service as the default.
// Unknown levels fall back to info; "warning" is accepted for warn.
func InitLogger(service, level string) *slog.Logger {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "warning" {
		level = "warn"
	}
	var slogLevel slog.Level
	if err := slogLevel.UnmarshalText([]byte(level)); err != nil {
		slogLevel = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     slogLevel,
		AddSource: true,
	})
	logger := slog.New(handler).With("service", service)
	slog.SetDefault(logger)
	return logger
}
