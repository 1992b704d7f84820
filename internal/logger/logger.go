// Package logger provides structured logging using log/slog.
// It sets up a JSON handler with service-level context, installed as the
// default so plain log.Printf lines come out structured too, and propagates
// the current session (token, instrument, timeframe) through context.Context.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

type ctxKey string

const sessionKey ctxKey = "session"

// SessionInfo is what gets attached to log lines for a session.
type SessionInfo struct {
	Token      uint64
	Instrument string
	Timeframe  string
}

// Init creates and returns a structured logger for the given service.
// The logger outputs JSON to stdout with the service name embedded.
func Init(service string, level slog.Level) *slog.Logger {
	return InitWriter(os.Stdout, service, level)
}

// InitWriter is Init with an explicit destination.
func InitWriter(w io.Writer, service string, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})

	logger := slog.New(handler).With(
		slog.String("service", service),
	)

	// Set as default so log/slog.Info() etc. also use structured output
	slog.SetDefault(logger)

	return logger
}

// ParseLevel maps "debug", "info", "warn", "error" to a slog level.
// Anything else is info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// WithSession stores the session in the context for downstream logging.
func WithSession(ctx context.Context, s SessionInfo) context.Context {
	return context.WithValue(ctx, sessionKey, s)
}

// Session extracts the session from context.
func Session(ctx context.Context) (SessionInfo, bool) {
	s, ok := ctx.Value(sessionKey).(SessionInfo)
	return s, ok
}

// Tag formats the session in ctx for a log line, e.g. "session=3 AAPL/1D".
// It is empty when ctx carries no session.
// Usage: log.Printf("[engine] %s: loaded", logger.Tag(ctx))
func Tag(ctx context.Context) string {
	s, ok := Session(ctx)
	if !ok {
		return ""
	}
	return fmt.Sprintf("session=%d %s/%s", s.Token, s.Instrument, s.Timeframe)
}
