package otel

import (
	"context"
	"sync"
	"testing"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"simlab-telemetry/internal/telemetry/domain"
)

// recordCapture stores records passed to Emit for assertion.
type recordCapture struct {
	mu   sync.Mutex
	recs []otellog.Record
}

func (r *recordCapture) Emit(_ context.Context, rec otellog.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
}

func testRecord(t *testing.T) domain.Record {
	t.Helper()
	user := "user-1"
	rec, err := domain.NewRecord(domain.SessionDescriptor{SessionID: "sess-1", UserID: &user, ModuleID: "mod-1"},
		domain.Click{X: 10, Y: 20, Button: 0, Target: "BUTTON"}, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("NewRecord: %v", err)
	}
	return rec
}

func TestNewRecordEmitter_NilProvider_ReturnsNoop(t *testing.T) {
	em := NewRecordEmitter(nil)
	if em == nil {
		t.Fatal("NewRecordEmitter(nil) returned nil")
	}
	rec := testRecord(t)
	if err := em.Emit(context.Background(), &rec); err != nil {
		t.Errorf("noop Emit: %v", err)
	}
}

func TestEmit_NilRecord(t *testing.T) {
	provider := sdklog.NewLoggerProvider()
	defer func() { _ = provider.Shutdown(context.Background()) }()
	if err := NewRecordEmitter(provider).Emit(context.Background(), nil); err != nil {
		t.Errorf("Emit(ctx, nil): %v", err)
	}
}

func TestEmit_AttributeAndBodyMapping(t *testing.T) {
	capture := &recordCapture{}
	em := &recordEmitter{logger: capture}
	rec := testRecord(t)
	if err := em.Emit(context.Background(), &rec); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if len(capture.recs) != 1 {
		t.Fatalf("emitted %d records, want 1", len(capture.recs))
	}
	got := capture.recs[0]

	if !got.Timestamp().Equal(rec.Timestamp) {
		t.Errorf("timestamp = %v, want %v", got.Timestamp(), rec.Timestamp)
	}
	if got.EventName() != "click" {
		t.Errorf("event name = %q, want click", got.EventName())
	}
	if body := string(got.Body().AsBytes()); body != `{"button":0,"x":10,"y":20,"target":"BUTTON"}` {
		t.Errorf("body = %s", body)
	}

	attrs := make(map[string]otellog.Value)
	got.WalkAttributes(func(kv otellog.KeyValue) bool {
		attrs[kv.Key] = kv.Value
		return true
	})
	want := map[string]string{
		"event_id": rec.EventID, "session_id": "sess-1", "module_id": "mod-1",
		"event_type": "click", "user_id": "user-1",
	}
	for k, v := range want {
		if attrs[k].AsString() != v {
			t.Errorf("attr %s = %q, want %q", k, attrs[k].AsString(), v)
		}
	}
	if _, ok := attrs["guest_id"]; ok {
		t.Error("guest_id should be absent for a registered user")
	}
	if attrs["client_timestamp"].AsInt64() != rec.ClientTimestamp {
		t.Errorf("client_timestamp = %d", attrs["client_timestamp"].AsInt64())
	}
}
