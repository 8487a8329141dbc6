package infrastructure

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

type contextKey string

const traceIDKey contextKey = "trace_id"

// GenerateTraceID creates a new unique trace identifier
func GenerateTraceID() string {
	return uuid.New().String()
}

// WithTraceID returns a context carrying the given trace ID
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// GetTraceID extracts the trace ID from context, or "" if absent
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(traceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// EnsureTraceID returns the context unchanged if it already carries a
// trace ID, otherwise attaches a freshly generated one.
func EnsureTraceID(ctx context.Context) (context.Context, string) {
	if traceID := GetTraceID(ctx); traceID != "" {
		return ctx, traceID
	}
	traceID := GenerateTraceID()
	return WithTraceID(ctx, traceID), traceID
}

// LoggerWithContext returns a logger pre-populated with context attributes
func LoggerWithContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = GetLogger()
	}
	if traceID := GetTraceID(ctx); traceID != "" {
		return base.With(slog.String("trace_id", traceID))
	}
	return base
}

// WithComponent returns a logger tagged with a component name
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		logger = GetLogger()
	}
	return logger.With(slog.String("component", component))
}

// InfoContext logs at info level with trace context
func InfoContext(ctx context.Context, msg string, args ...any) {
	GetLogger().InfoContext(ctx, msg, args...)
}

// WarnContext logs at warn level with trace context
func WarnContext(ctx context.Context, msg string, args ...any) {
	GetLogger().WarnContext(ctx, msg, args...)
}

// ErrorContext logs at error level with trace context
func ErrorContext(ctx context.Context, msg string, args ...any) {
	GetLogger().ErrorContext(ctx, msg, args...)
}

// DebugContext logs at debug level with trace context
func DebugContext(ctx context.Context, msg string, args ...any) {
	GetLogger().DebugContext(ctx, msg, args...)
}
