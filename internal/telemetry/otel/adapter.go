package otel

import (
	"context"
	"encoding/json"
	"time"

	otellog "go.opentelemetry.io/otel/log"

	"simlab-telemetry/internal/telemetry"
	"simlab-telemetry/internal/telemetry/domain"
)

// LoggerName is the instrumentation scope of exported records.
const LoggerName = "simlab.telemetry"

// logEmitter is the subset of otellog.Logger the adapter needs.
type logEmitter interface {
	Emit(ctx context.Context, record otellog.Record)
}

// NewRecordEmitter returns a RecordEmitter that exports records as OTel log records through
// provider. A nil provider yields a no-op emitter.
func NewRecordEmitter(provider otellog.LoggerProvider) telemetry.RecordEmitter {
	if provider == nil {
		return noopEmitter{}
	}
	return &recordEmitter{logger: provider.Logger(LoggerName)}
}

type noopEmitter struct{}

func (noopEmitter) Emit(context.Context, *domain.Record) error { return nil }

type recordEmitter struct {
	logger logEmitter
}

// Emit maps identity and type to attributes and the payload JSON to the body.
func (e *recordEmitter) Emit(ctx context.Context, r *domain.Record) error {
	if r == nil {
		return nil
	}
	e.logger.Emit(ctx, toLogRecord(r))
	return nil
}

func toLogRecord(r *domain.Record) otellog.Record {
	var rec otellog.Record
	ts := r.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	rec.SetTimestamp(ts)
	rec.SetObservedTimestamp(time.Now().UTC())
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetEventName(string(r.EventType()))

	if r.Payload != nil {
		if body, err := json.Marshal(r.Payload); err == nil {
			rec.SetBody(otellog.BytesValue(body))
		}
	}
	rec.AddAttributes(
		otellog.String("event_id", r.EventID),
		otellog.String("session_id", r.SessionID),
		otellog.String("module_id", r.ModuleID),
		otellog.String("event_type", string(r.EventType())),
		otellog.Int64("client_timestamp", r.ClientTimestamp),
	)
	if r.UserID != nil {
		rec.AddAttributes(otellog.String("user_id", *r.UserID))
	}
	if r.GuestID != nil {
		rec.AddAttributes(otellog.String("guest_id", *r.GuestID))
	}
	return rec
}
