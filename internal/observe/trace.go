package observe

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/pendant"

// Span attribute keys shared by the capture engine.
const (
	AttrDevice   = attribute.Key("pendant.device.name")
	AttrClip     = attribute.Key("pendant.clip.ref")
	AttrSamples  = attribute.Key("pendant.clip.samples")
	AttrLanguage = attribute.Key("pendant.stt.language")
	AttrProvider = attribute.Key("pendant.stt.provider")
	AttrOutcome  = attribute.Key("pendant.outcome")
)

// StartSpan starts a span named name with attrs, using the globally
// registered tracer provider. The caller must end the span.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// CorrelationID returns the trace ID of the span in ctx, or "".
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger tagged with the trace and span IDs of
// ctx, if any.
func Logger(ctx context.Context) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return slog.Default()
	}
	return slog.Default().With("trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String())
}

// RecordError closes out the outcome of span. A nil err is a no-op.
// Cancellation is recorded as an interrupted outcome without failing the
// span; anything else is recorded as an exception and marks it failed.
func RecordError(span trace.Span, err error) {
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		span.SetAttributes(AttrOutcome.String("interrupted"))
	default:
		span.RecordError(err)
		span.SetAttributes(AttrOutcome.String("error"))
		span.SetStatus(codes.Error, err.Error())
	}
}
