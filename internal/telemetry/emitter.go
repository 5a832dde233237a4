package telemetry

import (
	"context"

	"simlab-telemetry/internal/telemetry/domain"
)

// BatchSink accepts a batch of event records for durable storage. An error means the batch was
// not accepted and may be retried.
type BatchSink interface {
	Deliver(ctx context.Context, batch *domain.Batch) error
}

// RecordEmitter forwards an accepted record downstream (e.g. to Kafka or OTel Logs). Best-effort;
// callers log and ignore errors.
type RecordEmitter interface {
	Emit(ctx context.Context, record *domain.Record) error
}

// BatchSinkFunc adapts a function to BatchSink.
type BatchSinkFunc func(ctx context.Context, batch *domain.Batch) error

// Deliver calls f.
func (f BatchSinkFunc) Deliver(ctx context.Context, batch *domain.Batch) error { return f(ctx, batch) }

// MultiEmitter fans a record out to every emitter. The first error is returned after all ran.
type MultiEmitter []RecordEmitter

// Emit implements RecordEmitter.
func (m MultiEmitter) Emit(ctx context.Context, record *domain.Record) error {
	var first error
	for _, e := range m {
		if e == nil {
			continue
		}
		if err := e.Emit(ctx, record); err != nil && first == nil {
			first = err
		}
	}
	return first
}
