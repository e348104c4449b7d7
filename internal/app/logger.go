package app

import (
	"log/slog"
	"os"
)

// NewLogger builds the process logger. JSON output carries source locations
// for production log pipelines; the text handler stays terse for local runs.
func NewLogger(cfg *Config) *slog.Logger {
	if cfg != nil && cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{AddSource: true}))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}
