// Package observe provides the pipeline's observability primitives:
// OpenTelemetry metric instruments and the Prometheus-backed provider setup.
//
// Metrics are recorded through the OTel Metrics API and scraped via the
// standard /metrics endpoint (see [InitProvider]). Tests should use
// [NewMetrics] with their own [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope for all pipeline metrics.
const meterName = "github.com/ravenhq/ravenpipe"

// Metrics holds the pipeline's metric instruments. All fields are safe for
// concurrent use.
type Metrics struct {
	// RecordsConsumed counts stream entries handled by a stage. Attributes:
	//   stage, status (ok | failed | dead_letter)
	RecordsConsumed metric.Int64Counter

	// RecordsEmitted counts records appended downstream. Attributes:
	//   stage, stream
	RecordsEmitted metric.Int64Counter

	// WakeDetections counts wake-phrase hits by pattern kind.
	WakeDetections metric.Int64Counter

	// RateLimited counts commands suppressed by the per-session limiter.
	RateLimited metric.Int64Counter

	// LLMDuration tracks reply-generation latency. Attributes: model, status.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks synthesis latency. Attributes: engine, status.
	TTSDuration metric.Float64Histogram

	// PlaybackDuration tracks bot playback wall time. Attributes: status.
	PlaybackDuration metric.Float64Histogram

	// QueueDepth tracks the bot's pending playback queue.
	QueueDepth metric.Int64UpDownCounter

	// ActiveSessions tracks sessions with recent wake activity.
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets are histogram boundaries (seconds) sized for the pipeline:
// sub-second synthesis up to slow LLM generations and long playbacks.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] using mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.RecordsConsumed, err = m.Int64Counter("ravenpipe.records.consumed",
		metric.WithDescription("Stream entries handled, by stage and outcome."),
	); err != nil {
		return nil, err
	}
	if met.RecordsEmitted, err = m.Int64Counter("ravenpipe.records.emitted",
		metric.WithDescription("Records appended downstream, by stage and stream."),
	); err != nil {
		return nil, err
	}
	if met.WakeDetections, err = m.Int64Counter("ravenpipe.wake.detections",
		metric.WithDescription("Wake-phrase detections by pattern kind."),
	); err != nil {
		return nil, err
	}
	if met.RateLimited, err = m.Int64Counter("ravenpipe.wake.rate_limited",
		metric.WithDescription("Commands suppressed by the per-session rate limiter."),
	); err != nil {
		return nil, err
	}

	if met.LLMDuration, err = m.Float64Histogram("ravenpipe.llm.duration",
		metric.WithDescription("Latency of reply generation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("ravenpipe.tts.duration",
		metric.WithDescription("Latency of speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PlaybackDuration, err = m.Float64Histogram("ravenpipe.playback.duration",
		metric.WithDescription("Wall time of bot audio playback."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.QueueDepth, err = m.Int64UpDownCounter("ravenpipe.playback.queue_depth",
		metric.WithDescription("Audio records queued for playback."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("ravenpipe.active_sessions",
		metric.WithDescription("Sessions with recent wake activity."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics], creating it on first
// call from the global meter provider. Panics if instrument creation fails,
// which cannot happen with the global provider.
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

// RecordConsumed increments the consumed counter for one handled entry.
func (m *Metrics) RecordConsumed(ctx context.Context, stage, status string) {
	m.RecordsConsumed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("status", status),
	))
}

// RecordEmitted increments the emitted counter for one appended record.
func (m *Metrics) RecordEmitted(ctx context.Context, stage, stream string) {
	m.RecordsEmitted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("stream", stream),
	))
}

// RecordWakeDetection counts one detection of the given pattern kind.
func (m *Metrics) RecordWakeDetection(ctx context.Context, kind string) {
	m.WakeDetections.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
	))
}

// RecordLLMCall records one generation attempt's latency and outcome.
func (m *Metrics) RecordLLMCall(ctx context.Context, model, status string, seconds float64) {
	m.LLMDuration.Record(ctx, seconds, metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("status", status),
	))
}

// RecordSynthesis records one synthesis attempt's latency and outcome.
func (m *Metrics) RecordSynthesis(ctx context.Context, engine, status string, seconds float64) {
	m.TTSDuration.Record(ctx, seconds, metric.WithAttributes(
		attribute.String("engine", engine),
		attribute.String("status", status),
	))
}

// RecordPlayback records one playback's wall time and outcome.
func (m *Metrics) RecordPlayback(ctx context.Context, status string, seconds float64) {
	m.PlaybackDuration.Record(ctx, seconds, metric.WithAttributes(
		attribute.String("status", status),
	))
}
