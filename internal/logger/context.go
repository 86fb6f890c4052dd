package logger

import (
	"context"
	"time"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey struct{}

var logContextKey = contextKey{}

// LogContext holds request-scoped logging context.
type LogContext struct {
	RequestID string    // chi request ID
	UserID    string    // authenticated user
	Operation string    // engine operation (upload.init, files.move, ...)
	ClientIP  string    // client IP address (without port)
	StartTime time.Time // for duration calculation
}

// WithContext returns a new context carrying the given LogContext.
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext from ctx, or nil if not present.
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// NewLogContext creates a new LogContext for a request from the given client IP.
func NewLogContext(clientIP string) *LogContext {
	return &LogContext{
		ClientIP:  clientIP,
		StartTime: time.Now(),
	}
}

// appendContextFields appends LogContext fields to the slog arg list.
func appendContextFields(ctx context.Context, args []any) []any {
	lc := FromContext(ctx)
	if lc == nil {
		return args
	}
	if lc.RequestID != "" {
		args = append(args, "request_id", lc.RequestID)
	}
	if lc.UserID != "" {
		args = append(args, "user_id", lc.UserID)
	}
	if lc.Operation != "" {
		args = append(args, "operation", lc.Operation)
	}
	if lc.ClientIP != "" {
		args = append(args, "client_ip", lc.ClientIP)
	}
	return args
}
