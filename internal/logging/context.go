package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if id := ProjectIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("project.id", id))
	}
	if id := DestinationIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("destination.id", id))
	}
	if id := RequestIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("request.id", id))
	}

	return fields
}

type projectCtxKey struct{}
type destinationCtxKey struct{}
type requestCtxKey struct{}
type loggerCtxKey struct{}

// WithProjectID tags the context with the project whose events are being delivered.
func WithProjectID(ctx context.Context, projectID string) context.Context {
	if projectID == "" {
		return ctx
	}
	return context.WithValue(ctx, projectCtxKey{}, projectID)
}

// ProjectIDFromContext returns the project id or "".
func ProjectIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(projectCtxKey{}).(string)
	return s
}

// WithDestinationID tags the context with a webhook destination id.
func WithDestinationID(ctx context.Context, destinationID string) context.Context {
	if destinationID == "" {
		return ctx
	}
	return context.WithValue(ctx, destinationCtxKey{}, destinationID)
}

// DestinationIDFromContext returns the destination id or "".
func DestinationIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(destinationCtxKey{}).(string)
	return s
}

// WithRequestID tags the context with an admin API request id.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}

// RequestIDFromContext returns the request id or "".
func RequestIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(requestCtxKey{}).(string)
	return s
}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves logger from context.
// Returns a nop logger if not found.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return NewNop()
}
