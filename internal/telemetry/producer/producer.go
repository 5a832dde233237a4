// Package producer fans ingested telemetry records out to a message broker (Kafka).
package producer

import (
	"simlab-telemetry/internal/telemetry"
)

// Producer emits records. Callers use it best-effort: log and ignore errors.
type Producer interface {
	telemetry.RecordEmitter
	// Close releases resources (e.g. Kafka writer). Safe to call if already closed.
	Close() error
}
