package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetricsCreatesAllInstruments(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestRecordConsumedCountsByStageAndStatus(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordConsumed(ctx, "detector", "ok")
	m.RecordConsumed(ctx, "detector", "ok")
	m.RecordConsumed(ctx, "detector", "dead_letter")

	rm := collect(t, reader)
	metric := findMetric(rm, "ravenpipe.records.consumed")
	if metric == nil {
		t.Fatal("consumed counter not exported")
	}
	sum, ok := metric.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("data type = %T", metric.Data)
	}

	counts := make(map[string]int64)
	for _, dp := range sum.DataPoints {
		status, _ := dp.Attributes.Value(attribute.Key("status"))
		counts[status.AsString()] = dp.Value
	}
	if counts["ok"] != 2 || counts["dead_letter"] != 1 {
		t.Fatalf("counts = %v, want ok=2 dead_letter=1", counts)
	}
}

func TestRecordSynthesisHistogram(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordSynthesis(ctx, "remote", "ok", 0.8)
	m.RecordSynthesis(ctx, "espeak", "failed", 0.2)

	rm := collect(t, reader)
	metric := findMetric(rm, "ravenpipe.tts.duration")
	if metric == nil {
		t.Fatal("tts histogram not exported")
	}
	hist, ok := metric.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("data type = %T", metric.Data)
	}
	if len(hist.DataPoints) != 2 {
		t.Fatalf("data points = %d, want one per engine/status pair", len(hist.DataPoints))
	}
	for _, dp := range hist.DataPoints {
		if dp.Count != 1 {
			t.Errorf("count = %d, want 1", dp.Count)
		}
	}
}

func TestQueueDepthUpDown(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.QueueDepth.Add(ctx, 3)
	m.QueueDepth.Add(ctx, -1)

	rm := collect(t, reader)
	metric := findMetric(rm, "ravenpipe.playback.queue_depth")
	if metric == nil {
		t.Fatal("queue depth not exported")
	}
	sum, ok := metric.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("data type = %T", metric.Data)
	}
	if len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 2 {
		t.Fatalf("queue depth = %+v, want single point of 2", sum.DataPoints)
	}
}

func TestDefaultMetricsIsSingleton(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Fatal("DefaultMetrics returned different pointers")
	}
}
