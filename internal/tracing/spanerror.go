package tracing

import (
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// WithSpanError marks the span as failed if err is set and returns err unchanged, so it can
// wrap return statements.
func WithSpanError(span trace.Span, err error) error {
	if err == nil {
		return nil
	}

	span.RecordError(err, trace.WithStackTrace(false))
	span.SetStatus(codes.Error, err.Error())

	return err
}
