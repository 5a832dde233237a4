// Package metrics defines the counters recorded by the telemetry pipeline.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// InstrumentationName is the meter name used for all pipeline instruments.
const InstrumentationName = "simlab-telemetry"

// Instruments groups the pipeline counters. A nil *Instruments records nothing.
type Instruments struct {
	admitted         metric.Int64Counter
	rejected         metric.Int64Counter
	flushes          metric.Int64Counter
	deliveryFailures metric.Int64Counter
	dropped          metric.Int64Counter
	ingested         metric.Int64Counter
}

// New creates the instruments on meter. A nil meter yields no-op instruments.
func New(meter metric.Meter) (*Instruments, error) {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter(InstrumentationName)
	}
	var (
		in  Instruments
		err error
	)
	if in.admitted, err = meter.Int64Counter("telemetry.events.admitted",
		metric.WithDescription("Events admitted into the buffer")); err != nil {
		return nil, err
	}
	if in.rejected, err = meter.Int64Counter("telemetry.events.rejected",
		metric.WithDescription("Events refused by the capture policy, by reason")); err != nil {
		return nil, err
	}
	if in.flushes, err = meter.Int64Counter("telemetry.flushes",
		metric.WithDescription("Upload attempts, by trigger")); err != nil {
		return nil, err
	}
	if in.deliveryFailures, err = meter.Int64Counter("telemetry.delivery.failures",
		metric.WithDescription("Upload attempts that failed and were re-buffered")); err != nil {
		return nil, err
	}
	if in.dropped, err = meter.Int64Counter("telemetry.events.dropped",
		metric.WithDescription("Buffered events discarded because the buffer was full")); err != nil {
		return nil, err
	}
	if in.ingested, err = meter.Int64Counter("telemetry.events.ingested",
		metric.WithDescription("Events persisted by the sink")); err != nil {
		return nil, err
	}
	return &in, nil
}

// Admitted counts one admitted event of eventType.
func (in *Instruments) Admitted(ctx context.Context, eventType string) {
	if in == nil {
		return
	}
	in.admitted.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

// Rejected counts one event refused for reason.
func (in *Instruments) Rejected(ctx context.Context, reason string) {
	if in == nil {
		return
	}
	in.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// Flushed counts one upload attempt started by trigger.
func (in *Instruments) Flushed(ctx context.Context, trigger string) {
	if in == nil {
		return
	}
	in.flushes.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", trigger)))
}

// DeliveryFailed counts one failed upload.
func (in *Instruments) DeliveryFailed(ctx context.Context) {
	if in == nil {
		return
	}
	in.deliveryFailures.Add(ctx, 1)
}

// Dropped counts n events discarded from a full buffer.
func (in *Instruments) Dropped(ctx context.Context, n int) {
	if in == nil || n <= 0 {
		return
	}
	in.dropped.Add(ctx, int64(n))
}

// Ingested counts n events persisted by the sink.
func (in *Instruments) Ingested(ctx context.Context, n int) {
	if in == nil || n <= 0 {
		return
	}
	in.ingested.Add(ctx, int64(n))
}
