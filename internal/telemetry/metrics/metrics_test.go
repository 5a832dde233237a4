package metrics

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	totals := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				totals[m.Name] += dp.Value
			}
		}
	}
	return totals
}

func TestInstruments_Record(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	in, err := New(mp.Meter(InstrumentationName))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	in.Admitted(ctx, "key_down")
	in.Admitted(ctx, "click")
	in.Rejected(ctx, "sampled_out")
	in.Flushed(ctx, "size")
	in.DeliveryFailed(ctx)
	in.Dropped(ctx, 3)
	in.Dropped(ctx, 0)
	in.Ingested(ctx, 7)

	got := collect(t, reader)
	want := map[string]int64{
		"telemetry.events.admitted":   2,
		"telemetry.events.rejected":   1,
		"telemetry.flushes":           1,
		"telemetry.delivery.failures": 1,
		"telemetry.events.dropped":    3,
		"telemetry.events.ingested":   7,
	}
	for name, v := range want {
		if got[name] != v {
			t.Errorf("%s = %d, want %d", name, got[name], v)
		}
	}
}

func TestInstruments_NilIsNoop(t *testing.T) {
	var in *Instruments
	ctx := context.Background()
	// Should not panic
	in.Admitted(ctx, "key_down")
	in.Rejected(ctx, "paused")
	in.Flushed(ctx, "interval")
	in.DeliveryFailed(ctx)
	in.Dropped(ctx, 1)
	in.Ingested(ctx, 1)

	noop, err := New(nil)
	if err != nil || noop == nil {
		t.Fatalf("New(nil) = %v, %v", noop, err)
	}
	noop.Admitted(ctx, "click")
}
