// Package observe provides application-wide observability primitives for
// pendant: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all pendant metrics.
const meterName = "github.com/MrWong99/pendant"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Capture path ---

	// PacketsReceived counts notification payloads delivered by the device.
	PacketsReceived metric.Int64Counter

	// SamplesDecoded counts PCM samples produced by the frame decoder. Use
	// with attribute.String("codec", ...).
	SamplesDecoded metric.Int64Counter

	// FramesDropped counts frames that never reached the segmenter or the
	// live session. Use with attribute.String("reason", ...).
	FramesDropped metric.Int64Counter

	// ClipsProduced counts flushed clips.
	ClipsProduced metric.Int64Counter

	// ClipDuration tracks the audio length of flushed clips.
	ClipDuration metric.Float64Histogram

	// --- Resilience ---

	// DeviceReconnects counts automatic device reconnection attempts. Use with
	// attribute.String("outcome", ...).
	DeviceReconnects metric.Int64Counter

	// LiveReopens counts live transcription session reopen attempts. Use with
	// attribute.String("outcome", ...).
	LiveReopens metric.Int64Counter

	// --- Transcription ---

	// STTDuration tracks batch speech-to-text latency. Use with
	// attribute.String("provider", ...).
	STTDuration metric.Float64Histogram

	// Transcripts counts transcript fragments and clip transcriptions. Use
	// with attribute.String("source", "live"|"batch") and
	// attribute.Bool("final", ...).
	Transcripts metric.Int64Counter

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ConnectedDevices is 1 while the peripheral is connected.
	ConnectedDevices metric.Int64UpDownCounter

	// ActiveRecordings is 1 while recording is active.
	ActiveRecordings metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...), attribute.Int("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// request-style latencies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// clipBuckets defines histogram bucket boundaries (in seconds) for clip
// lengths around the default 10 second window.
var clipBuckets = []float64{
	0.5, 1, 2.5, 5, 7.5, 10, 12.5, 15, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Capture path.
	if met.PacketsReceived, err = m.Int64Counter("pendant.packets.received",
		metric.WithDescription("Total notification payloads received from the device."),
	); err != nil {
		return nil, err
	}
	if met.SamplesDecoded, err = m.Int64Counter("pendant.samples.decoded",
		metric.WithDescription("Total PCM samples decoded by codec."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("pendant.frames.dropped",
		metric.WithDescription("Total frames dropped by reason."),
	); err != nil {
		return nil, err
	}
	if met.ClipsProduced, err = m.Int64Counter("pendant.clips.produced",
		metric.WithDescription("Total WAV clips flushed from the segment buffer."),
	); err != nil {
		return nil, err
	}
	if met.ClipDuration, err = m.Float64Histogram("pendant.clip.duration",
		metric.WithDescription("Audio length of flushed clips."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(clipBuckets...),
	); err != nil {
		return nil, err
	}

	// Resilience.
	if met.DeviceReconnects, err = m.Int64Counter("pendant.device.reconnects",
		metric.WithDescription("Total automatic device reconnection attempts by outcome."),
	); err != nil {
		return nil, err
	}
	if met.LiveReopens, err = m.Int64Counter("pendant.live.reopens",
		metric.WithDescription("Total live transcription session reopen attempts by outcome."),
	); err != nil {
		return nil, err
	}

	// Transcription.
	if met.STTDuration, err = m.Float64Histogram("pendant.stt.duration",
		metric.WithDescription("Latency of batch speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Transcripts, err = m.Int64Counter("pendant.transcripts",
		metric.WithDescription("Total transcripts by source and finality."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("pendant.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("pendant.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ConnectedDevices, err = m.Int64UpDownCounter("pendant.connected_devices",
		metric.WithDescription("Number of connected capture devices."),
	); err != nil {
		return nil, err
	}
	if met.ActiveRecordings, err = m.Int64UpDownCounter("pendant.active_recordings",
		metric.WithDescription("Number of active recordings."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("pendant.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordPacket records one received notification payload and the samples it
// decoded to. Empty frames are additionally counted as dropped.
func (m *Metrics) RecordPacket(ctx context.Context, codec string, samples int) {
	m.PacketsReceived.Add(ctx, 1)
	if samples == 0 {
		m.RecordDroppedFrame(ctx, "empty")
		return
	}
	m.SamplesDecoded.Add(ctx, int64(samples),
		metric.WithAttributes(attribute.String("codec", codec)),
	)
}

// RecordDroppedFrame records a frame that was discarded.
func (m *Metrics) RecordDroppedFrame(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordClip records a flushed clip of the given audio length.
func (m *Metrics) RecordClip(ctx context.Context, d time.Duration) {
	m.ClipsProduced.Add(ctx, 1)
	m.ClipDuration.Record(ctx, d.Seconds())
}

// RecordDeviceReconnect records one automatic reconnection attempt.
func (m *Metrics) RecordDeviceReconnect(ctx context.Context, outcome string) {
	m.DeviceReconnects.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordLiveReopen records one live session reopen attempt.
func (m *Metrics) RecordLiveReopen(ctx context.Context, outcome string) {
	m.LiveReopens.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordTranscript records a transcript fragment or clip transcription.
func (m *Metrics) RecordTranscript(ctx context.Context, source string, final bool) {
	m.Transcripts.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("source", source),
			attribute.Bool("final", final),
		),
	)
}

// RecordTranscription records the latency and outcome of one batch
// transcription request.
func (m *Metrics) RecordTranscription(ctx context.Context, provider string, d time.Duration, err error) {
	m.STTDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("provider", provider)),
	)
	status := "ok"
	if err != nil {
		status = "error"
		m.RecordProviderError(ctx, provider, "stt")
	}
	m.RecordProviderRequest(ctx, provider, "stt", status)
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
