package logctx

import (
	"context"

	"github.com/notiq/notiq/internal/observability"
	"go.opentelemetry.io/otel/trace"
)

type loggerKey struct{}
type fieldsKey struct{}

// With stores the provided logger on the context for call-scoped logging.
func With(ctx context.Context, logger observability.Logger) context.Context {
	if ctx == nil || logger == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerKey{}, logger)
}

// From retrieves a logger from the context if present.
func From(ctx context.Context) observability.Logger {
	if ctx == nil {
		return nil
	}
	logger, _ := ctx.Value(loggerKey{}).(observability.Logger)
	return logger
}

// FromOr returns the context logger when available, otherwise falls back to the supplied logger.
func FromOr(ctx context.Context, fallback observability.Logger) observability.Logger {
	if logger := From(ctx); logger != nil {
		return logger
	}
	return fallback
}

// WithFields attaches ambient fields (correlation_id, user_id, ...) to ctx.
// Fields already on ctx are kept; a later field with the same key wins.
func WithFields(ctx context.Context, fields ...observability.Field) context.Context {
	if ctx == nil || len(fields) == 0 {
		return ctx
	}
	prev, _ := ctx.Value(fieldsKey{}).([]observability.Field)
	merged := make([]observability.Field, 0, len(prev)+len(fields))
	for _, f := range prev {
		if !containsKey(fields, f.Key) {
			merged = append(merged, f)
		}
	}
	merged = append(merged, fields...)
	return context.WithValue(ctx, fieldsKey{}, merged)
}

// Fields returns the ambient fields on ctx, plus trace_id/span_id when ctx
// carries a valid span context. The returned slice is owned by the caller.
func Fields(ctx context.Context) []observability.Field {
	if ctx == nil {
		return nil
	}
	prev, _ := ctx.Value(fieldsKey{}).([]observability.Field)
	out := make([]observability.Field, 0, len(prev)+2)
	out = append(out, prev...)
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		out = append(out,
			observability.F("trace_id", sc.TraceID().String()),
			observability.F("span_id", sc.SpanID().String()),
		)
	}
	return out
}

func containsKey(fields []observability.Field, key string) bool {
	for _, f := range fields {
		if f.Key == key {
			return true
		}
	}
	return false
}
