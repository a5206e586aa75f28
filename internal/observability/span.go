package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/qbroker/qbroker"

// StartSpan opens a span on the global tracer provider. When tracing is
// disabled (InitTracing's no-op path), this is a harmless no-op span.
func StartSpan(ctx context.Context, op string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, op)
}
