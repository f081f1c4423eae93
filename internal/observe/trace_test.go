package observe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useTestTracer installs an in-memory tracer provider globally for the test.
func useTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })
	return exp
}

func TestCorrelationID_EmptyWithoutSpan(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}
}

func TestStartSpan_NestsUnderParent(t *testing.T) {
	exp := useTestTracer(t)

	ctx, parent := StartSpan(context.Background(), "session.connect")
	child, span := StartSpan(ctx, "peripheral.discover")
	if CorrelationID(child) != CorrelationID(ctx) {
		t.Error("child span has a different trace ID")
	}
	span.End()
	parent.End()

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	if spans[0].Name != "peripheral.discover" || spans[0].Parent.SpanID() != spans[1].SpanContext.SpanID() {
		t.Errorf("unexpected span tree: %q parent %s", spans[0].Name, spans[0].Parent.SpanID())
	}
}

func TestRecordError(t *testing.T) {
	exp := useTestTracer(t)

	_, ok := StartSpan(context.Background(), "ok")
	RecordError(ok, nil)
	ok.End()

	_, failed := StartSpan(context.Background(), "failed")
	RecordError(failed, errors.New("HTTP 500"))
	failed.End()

	spans := exp.GetSpans()
	if spans[0].Status.Code != codes.Unset {
		t.Errorf("nil error changed status to %v", spans[0].Status.Code)
	}
	if spans[1].Status.Code != codes.Error || spans[1].Status.Description != "HTTP 500" {
		t.Errorf("status = %+v", spans[1].Status)
	}
	if len(spans[1].Events) != 1 {
		t.Errorf("events = %d, want 1 exception event", len(spans[1].Events))
	}
	attrs := attribute.NewSet(spans[1].Attributes...)
	if v, _ := attrs.Value(AttrOutcome); v.AsString() != "error" {
		t.Errorf("outcome = %q, want error", v.AsString())
	}
}

func TestRecordError_CancellationIsInterrupted(t *testing.T) {
	exp := useTestTracer(t)

	_, span := StartSpan(context.Background(), "clips.transcribe", AttrClip.String("20250101-120000"))
	RecordError(span, fmt.Errorf("deepgram: %w", context.Canceled))
	span.End()

	got := exp.GetSpans()[0]
	if got.Status.Code != codes.Unset {
		t.Errorf("status = %v, want unset", got.Status.Code)
	}
	if len(got.Events) != 0 {
		t.Errorf("events = %d, want none", len(got.Events))
	}
	attrs := attribute.NewSet(got.Attributes...)
	if v, _ := attrs.Value(AttrOutcome); v.AsString() != "interrupted" {
		t.Errorf("outcome = %q, want interrupted", v.AsString())
	}
	if v, _ := attrs.Value(AttrClip); v.AsString() != "20250101-120000" {
		t.Errorf("clip ref = %q", v.AsString())
	}
}

func TestLogger_AddsTraceAttributes(t *testing.T) {
	useTestTracer(t)

	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })

	ctx, span := StartSpan(context.Background(), "log-test")
	defer span.End()
	Logger(ctx).Info("clip saved")

	out := buf.String()
	if !bytes.Contains([]byte(out), []byte("trace_id="+CorrelationID(ctx))) {
		t.Errorf("log line missing trace_id: %s", out)
	}
	if !bytes.Contains([]byte(out), []byte("span_id=")) {
		t.Errorf("log line missing span_id: %s", out)
	}

	buf.Reset()
	Logger(context.Background()).Info("no span")
	if bytes.Contains(buf.Bytes(), []byte("trace_id")) {
		t.Errorf("log line without span has trace_id: %s", buf.String())
	}
}
