package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestInjectExtract(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	ctx, span := tp.Tracer("test").Start(context.Background(), "orchestrate")
	defer span.End()

	tc := Inject(ctx)
	require.NotEmpty(t, tc.Get("traceparent"))

	remote := trace.SpanContextFromContext(Extract(context.Background(), tc))
	require.True(t, remote.IsRemote())
	require.Equal(t, span.SpanContext().TraceID(), remote.TraceID())

	require.Equal(t, span.SpanContext().TraceID().String(), TraceID(ctx))
}

func TestInject_NoSpan(t *testing.T) {
	require.Nil(t, Inject(context.Background()))

	ctx := Extract(context.Background(), nil)
	require.False(t, trace.SpanContextFromContext(ctx).IsValid())

	require.NotEmpty(t, TraceID(context.Background()))
}
