// Package observe provides observability primitives for the voice server:
// OpenTelemetry metrics, tracing helpers, and HTTP middleware tying them
// together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported
// via the Prometheus bridge set up by [InitProvider], so the standard
// /metrics endpoint keeps working. Tests should use [NewMetrics] with
// their own [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope for all pipeline metrics.
const meterName = "github.com/MCERQUA/openvoiceui"

// Metrics holds the metric instruments of the conversation pipeline. All
// fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// HandshakeDuration tracks gateway connection handshake latency.
	HandshakeDuration metric.Float64Histogram

	// GatewayDuration tracks full gateway stream latency (request to
	// text_done).
	GatewayDuration metric.Float64Histogram

	// TTSDuration tracks per-sentence synthesis latency.
	TTSDuration metric.Float64Histogram

	// RequestDuration tracks end-to-end conversation request latency.
	RequestDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP handler time by method and path.
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// Conversations counts conversation requests. Attributes: gateway,
	// status (ok | error).
	Conversations metric.Int64Counter

	// AudioChunks counts audio frames shipped to clients. Attribute:
	// provider.
	AudioChunks metric.Int64Counter

	// TTSErrors counts synthesis failures. Attributes: provider, reason.
	TTSErrors metric.Int64Counter

	// FallbacksUsed counts requests answered by the fallback chain.
	FallbacksUsed metric.Int64Counter

	// SessionResets counts session bumps. Attribute: reason.
	SessionResets metric.Int64Counter

	// --- Gauges ---

	// ActiveStreams tracks currently open conversation streams.
	ActiveStreams metric.Int64UpDownCounter
}

// latencyBuckets are histogram boundaries (seconds) tuned for a voice
// pipeline: sub-second synthesis up to multi-minute agent turns.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300,
}

// NewMetrics creates all instruments on the given provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&met.HandshakeDuration, "openvoiceui.gateway.handshake.duration", "Gateway connection handshake latency."},
		{&met.GatewayDuration, "openvoiceui.gateway.stream.duration", "Gateway stream latency from request to text_done."},
		{&met.TTSDuration, "openvoiceui.tts.duration", "Per-sentence TTS synthesis latency."},
		{&met.RequestDuration, "openvoiceui.request.duration", "End-to-end conversation request latency."},
		{&met.HTTPRequestDuration, "openvoiceui.http.request.duration", "HTTP request latency by method and path."},
	}
	for _, h := range histograms {
		if *h.dst, err = m.Float64Histogram(h.name,
			metric.WithDescription(h.desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		); err != nil {
			return nil, err
		}
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.Conversations, "openvoiceui.conversations", "Conversation requests by gateway and status."},
		{&met.AudioChunks, "openvoiceui.audio.chunks", "Audio frames shipped to clients by provider."},
		{&met.TTSErrors, "openvoiceui.tts.errors", "TTS synthesis failures by provider and reason."},
		{&met.FallbacksUsed, "openvoiceui.fallbacks", "Requests answered by the fallback chain."},
		{&met.SessionResets, "openvoiceui.session.resets", "Session bumps by reason."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	if met.ActiveStreams, err = m.Int64UpDownCounter("openvoiceui.active_streams",
		metric.WithDescription("Currently open conversation streams."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level Metrics, created on first call
// from the global meter provider.
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

// ─── convenience recorders ───

// RecordConversation records one finished conversation request.
func (m *Metrics) RecordConversation(ctx context.Context, gateway, status string, seconds float64) {
	m.Conversations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("gateway", gateway),
		attribute.String("status", status),
	))
	m.RequestDuration.Record(ctx, seconds)
}

// RecordAudioChunk records one audio frame shipped to a client.
func (m *Metrics) RecordAudioChunk(ctx context.Context, provider string, seconds float64) {
	m.AudioChunks.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
	m.TTSDuration.Record(ctx, seconds)
}

// RecordTTSError records one synthesis failure.
func (m *Metrics) RecordTTSError(ctx context.Context, provider, reason string) {
	m.TTSErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("reason", reason),
	))
}

// RecordFallback records one request answered by the fallback chain.
func (m *Metrics) RecordFallback(ctx context.Context) {
	m.FallbacksUsed.Add(ctx, 1)
}

// RecordSessionReset records one session bump.
func (m *Metrics) RecordSessionReset(ctx context.Context, reason string) {
	m.SessionResets.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
