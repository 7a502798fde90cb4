package infrastructure

import "context"

// contextKey is a private type for context keys.
type contextKey string

// traceIDKey stores the trace ID used to correlate logs across a request.
const traceIDKey contextKey = "trace_id"

// WithTraceID returns a context carrying the trace ID.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceIDFromContext returns the trace ID, or "" when none is set.
func TraceIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(traceIDKey).(string); ok {
		return id
	}
	return ""
}
