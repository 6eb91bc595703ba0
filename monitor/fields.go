package monitor

import (
	"context"

	"github.com/notiq/notiq/internal/observability"
	"github.com/notiq/notiq/internal/observability/logctx"
)

// Field is an ambient key/value added to the log lines of instrumented calls.
type Field = observability.Field

func F(key string, value any) Field { return observability.F(key, value) }

// WithFields returns a context whose instrumented calls log fields next to
// their own. Fields already on ctx are kept; a repeated key takes the new value.
func WithFields(ctx context.Context, fields ...Field) context.Context {
	return logctx.WithFields(ctx, fields...)
}

// Fields returns the ambient fields on ctx, including trace_id and span_id
// when ctx carries a valid span.
func Fields(ctx context.Context) []Field {
	return logctx.Fields(ctx)
}
