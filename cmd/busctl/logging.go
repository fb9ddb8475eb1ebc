package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/c360/jsonrpcbus/config"
)

// setupLogger writes to w so command output on stdout stays clean
func setupLogger(w io.Writer, level, format string) *slog.Logger {
	logLevel, err := config.ParseLevel(level)
	if err != nil {
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	var handler slog.Handler
	switch format {
	case config.FormatText:
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler).With(
		"service", appName,
		"version", Version,
		"pid", os.Getpid(),
	)
}
