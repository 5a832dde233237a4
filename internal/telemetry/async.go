package telemetry

import (
	"context"
	"log"
	"time"

	"simlab-telemetry/internal/telemetry/domain"
)

// DefaultDeliverTimeout is the max time allowed for a single async delivery or emit.
const DefaultDeliverTimeout = 5 * time.Second

// ShutdownDrainDuration is how long to wait after the HTTP server stops before shutting down OTel
// providers, so in-flight async emits have time to complete. Must be >= DefaultDeliverTimeout.
const ShutdownDrainDuration = DefaultDeliverTimeout

// DeliverAsync runs Deliver in a goroutine with a timeout so the caller is not blocked. done, if
// non-nil, receives the result from that goroutine.
//
// sink and batch may be nil; DeliverAsync returns immediately without starting a goroutine.
// The goroutine uses context.Background() so that a page teardown does not abort the upload.
func DeliverAsync(sink BatchSink, batch *domain.Batch, timeout time.Duration, done func(error)) {
	if sink == nil || batch == nil {
		return
	}
	if timeout <= 0 {
		timeout = DefaultDeliverTimeout
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		err := sink.Deliver(ctx, batch)
		if err != nil {
			log.Printf("telemetry: async delivery of %d events failed: %v", batch.Len(), err)
		}
		if done != nil {
			done(err)
		}
	}()
}

// EmitAsync runs Emit in a goroutine with DefaultDeliverTimeout. Use from request handlers for
// fire-and-forget forwarding; errors are logged.
//
// emitter and record may be nil; EmitAsync returns immediately.
func EmitAsync(emitter RecordEmitter, record *domain.Record) {
	if emitter == nil || record == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultDeliverTimeout)
		defer cancel()
		if err := emitter.Emit(ctx, record); err != nil {
			log.Printf("telemetry: async emit failed: %v", err)
		}
	}()
}
