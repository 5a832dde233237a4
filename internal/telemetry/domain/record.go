package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TimestampLayout is the wire format of Record.Timestamp (ISO-8601, millisecond precision, UTC).
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Record is one admitted telemetry event. Records are immutable once built.
type Record struct {
	EventID         string
	SessionID       string
	UserID          *string
	GuestID         *string
	ModuleID        string
	Payload         Payload
	Timestamp       time.Time
	ClientTimestamp int64 // epoch millis
}

// NewRecord builds a Record for the session, validating the payload. now is the admission time.
func NewRecord(session SessionDescriptor, p Payload, now time.Time) (Record, error) {
	if err := ValidatePayload(p); err != nil {
		return Record{}, err
	}
	return Record{
		EventID:         uuid.NewString(),
		SessionID:       session.SessionID,
		UserID:          session.UserID,
		GuestID:         session.GuestID,
		ModuleID:        session.ModuleID,
		Payload:         p,
		Timestamp:       now.UTC(),
		ClientTimestamp: now.UnixMilli(),
	}, nil
}

// EventType returns the tag of the record's payload.
func (r Record) EventType() EventType {
	if r.Payload == nil {
		return ""
	}
	return r.Payload.EventType()
}

type wireRecord struct {
	EventID         string          `json:"event_id"`
	SessionID       string          `json:"session_id"`
	UserID          *string         `json:"user_id"`
	GuestID         *string         `json:"guest_id"`
	ModuleID        string          `json:"module_id"`
	EventType       EventType       `json:"event_type"`
	Payload         json.RawMessage `json:"payload"`
	Timestamp       string          `json:"timestamp"`
	ClientTimestamp int64           `json:"client_timestamp"`
}

// MarshalJSON writes the record in the event sink wire format.
func (r Record) MarshalJSON() ([]byte, error) {
	if r.Payload == nil {
		return nil, fmt.Errorf("%w: record %s has no payload", ErrInvalidPayload, r.EventID)
	}
	payload, err := json.Marshal(r.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireRecord{
		EventID:         r.EventID,
		SessionID:       r.SessionID,
		UserID:          r.UserID,
		GuestID:         r.GuestID,
		ModuleID:        r.ModuleID,
		EventType:       r.Payload.EventType(),
		Payload:         payload,
		Timestamp:       r.Timestamp.UTC().Format(TimestampLayout),
		ClientTimestamp: r.ClientTimestamp,
	})
}

// UnmarshalJSON parses the wire format and validates the payload against its event type.
func (r *Record) UnmarshalJSON(data []byte) error {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	p, err := DecodePayload(w.EventType, w.Payload)
	if err != nil {
		return err
	}
	ts, err := time.Parse(time.RFC3339Nano, w.Timestamp)
	if err != nil {
		return fmt.Errorf("%w: timestamp %q: %v", ErrInvalidPayload, w.Timestamp, err)
	}
	*r = Record{
		EventID:         w.EventID,
		SessionID:       w.SessionID,
		UserID:          w.UserID,
		GuestID:         w.GuestID,
		ModuleID:        w.ModuleID,
		Payload:         p,
		Timestamp:       ts.UTC(),
		ClientTimestamp: w.ClientTimestamp,
	}
	return nil
}

// Batch is the body of one upload to the event sink.
type Batch struct {
	SessionID string   `json:"session_id"`
	Events    []Record `json:"events"`
}

// Len returns the number of records in the batch.
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Events)
}
