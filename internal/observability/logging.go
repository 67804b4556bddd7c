// Package observability wires structured logging, tracing, and metrics for
// the server. Logging uses the standard library's log/slog, the same choice
// the reference gateway makes; tracing and metrics are the domain-stack
// additions this server needs that the reference gateway does not.
package observability

import (
	"log/slog"
	"os"
	"strings"
)

// NewLogger builds the process-wide structured logger. level accepts
// "debug", "info", "warn", "error"; anything else defaults to info.
func NewLogger(level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(level),
	}))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
