package tracing

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Context carries W3C trace context inside queue jobs.
type Context map[string]string

func (tc Context) Get(key string) string {
	return tc[key]
}

func (tc Context) Set(key string, value string) {
	tc[key] = value
}

func (tc Context) Keys() []string {
	r := make([]string, 0, len(tc))

	for k := range tc {
		r = append(r, k)
	}

	return r
}

var propagator propagation.TraceContext

// Inject captures the span in ctx. Returns nil if there is no valid span.
func Inject(ctx context.Context) Context {
	if !trace.SpanContextFromContext(ctx).IsValid() {
		return nil
	}

	carrier := make(Context)
	propagator.Inject(ctx, carrier)
	return carrier
}

// Extract returns a context whose remote span is the one captured by Inject.
func Extract(ctx context.Context, tc Context) context.Context {
	if len(tc) == 0 {
		return ctx
	}

	return propagator.Extract(ctx, tc)
}

// TraceID returns the trace ID of the span in ctx, or a random ID if there is none.
func TraceID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}

	return uuid.NewString()
}
