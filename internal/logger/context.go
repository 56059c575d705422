package logger

import (
	"context"
	"log/slog"
)

type contextKey string

// Context keys under which request-scoped identifiers travel
const (
	ContextKeyRequestID contextKey = "request_id"
	ContextKeySessionID contextKey = "session_id"
)

// FromContext returns a structured logger carrying whichever request or
// session identifiers the context holds. Safe to call before Init.
func FromContext(ctx context.Context) *slog.Logger {
	l := current()
	if l == nil {
		l = slog.Default()
	}
	if requestID := ctx.Value(ContextKeyRequestID); requestID != nil {
		l = l.With("request_id", requestID)
	}
	if sessionID := ctx.Value(ContextKeySessionID); sessionID != nil {
		l = l.With("session_id", sessionID)
	}
	return l
}
