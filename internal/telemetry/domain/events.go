// Package domain holds the telemetry event model shared by the client pipeline and the event sink.
//
// Every event type has exactly one payload shape. Payloads are validated when a Record is built,
// and none of them has a field that could carry typed text.
package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

// ErrInvalidPayload is returned when a payload fails validation or does not match its event type.
var ErrInvalidPayload = errors.New("invalid payload")

// EventType tags a Record's payload variant.
type EventType string

const (
	EventKeyDown          EventType = "key_down"
	EventKeyUp            EventType = "key_up"
	EventClick            EventType = "click"
	EventWindowFocus      EventType = "window_focus"
	EventWindowBlur       EventType = "window_blur"
	EventUnityFocus       EventType = "unity_focus"
	EventUnityBlur        EventType = "unity_blur"
	EventGameEvent        EventType = "game_event"
	EventSessionStart     EventType = "session_start"
	EventSessionEnd       EventType = "session_end"
	EventTelemetryPaused  EventType = "telemetry_paused"
	EventTelemetryResumed EventType = "telemetry_resumed"
)

// IsInputClass reports whether t is captured from user input and therefore gated on runtime focus.
func (t EventType) IsInputClass() bool {
	switch t {
	case EventKeyDown, EventKeyUp, EventClick:
		return true
	}
	return false
}

// IsMarker reports whether t is a lifecycle marker. Markers bypass sampling and the per-session cap.
func (t EventType) IsMarker() bool {
	switch t {
	case EventWindowFocus, EventWindowBlur, EventUnityFocus, EventUnityBlur,
		EventSessionStart, EventSessionEnd, EventTelemetryPaused, EventTelemetryResumed:
		return true
	}
	return false
}

// Payload is the variant-specific body of a Record. The set of implementations is closed.
type Payload interface {
	EventType() EventType
	validate() error
}

// KeyStroke is the only keyboard state ever recorded: the physical key code and modifiers.
type KeyStroke struct {
	Code  KeyCode `json:"code"`
	Alt   bool    `json:"alt"`
	Ctrl  bool    `json:"ctrl"`
	Shift bool    `json:"shift"`
	Meta  bool    `json:"meta"`
}

func (k KeyStroke) validate() error {
	if !k.Code.Valid() {
		return fmt.Errorf("%w: unknown key code %q", ErrInvalidPayload, string(k.Code))
	}
	return nil
}

// KeyDown is the payload of a key_down event.
type KeyDown struct {
	KeyStroke
	Repeat bool `json:"repeat"`
}

func (KeyDown) EventType() EventType { return EventKeyDown }

// KeyUp is the payload of a key_up event.
type KeyUp struct {
	KeyStroke
}

func (KeyUp) EventType() EventType { return EventKeyUp }

var tagName = regexp.MustCompile(`^[A-Z][A-Z0-9-]{0,31}$`)

// ValidTagName reports whether s is an upper-case element tag name acceptable as a click target.
func ValidTagName(s string) bool { return tagName.MatchString(s) }

// Click is the payload of a click event. Target is the element tag name (e.g. "CANVAS").
type Click struct {
	Button int    `json:"button"`
	X      int    `json:"x"`
	Y      int    `json:"y"`
	Target string `json:"target"`
}

func (Click) EventType() EventType { return EventClick }

func (c Click) validate() error {
	if c.Button < 0 || c.Button > 4 {
		return fmt.Errorf("%w: mouse button %d", ErrInvalidPayload, c.Button)
	}
	if c.Target != "" && !tagName.MatchString(c.Target) {
		return fmt.Errorf("%w: click target %q is not a tag name", ErrInvalidPayload, c.Target)
	}
	return nil
}

// MaxGameEventSize bounds the encoded size of a game_event payload.
const MaxGameEventSize = 4096

// GameEvent is the payload of a game_event relayed from the embedded runtime.
// Fields must be a JSON object; it is recorded as-is.
type GameEvent struct {
	Fields json.RawMessage
}

func (GameEvent) EventType() EventType { return EventGameEvent }

func (g GameEvent) validate() error {
	if len(g.Fields) > MaxGameEventSize {
		return fmt.Errorf("%w: game event is %d bytes, max %d", ErrInvalidPayload, len(g.Fields), MaxGameEventSize)
	}
	trimmed := bytes.TrimSpace(g.Fields)
	if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(trimmed) {
		return fmt.Errorf("%w: game event must be a JSON object", ErrInvalidPayload)
	}
	return nil
}

// MarshalJSON writes the runtime-supplied object unchanged.
func (g GameEvent) MarshalJSON() ([]byte, error) {
	if len(g.Fields) == 0 {
		return []byte("{}"), nil
	}
	return g.Fields, nil
}

// UnmarshalJSON keeps a copy of the raw object.
func (g *GameEvent) UnmarshalJSON(data []byte) error {
	g.Fields = append(g.Fields[:0], data...)
	return nil
}

// SessionStart is the payload of the session_start marker.
type SessionStart struct {
	ModuleID string `json:"module_id"`
}

func (SessionStart) EventType() EventType { return EventSessionStart }
func (SessionStart) validate() error      { return nil }

// SessionEnd is the payload of the session_end marker.
type SessionEnd struct {
	TotalEvents int   `json:"total_events"`
	DurationMs  int64 `json:"duration_ms"`
}

func (SessionEnd) EventType() EventType { return EventSessionEnd }

func (s SessionEnd) validate() error {
	if s.TotalEvents < 0 || s.DurationMs < 0 {
		return fmt.Errorf("%w: negative session totals", ErrInvalidPayload)
	}
	return nil
}

// WindowFocus, WindowBlur, UnityFocus, UnityBlur, TelemetryPaused and TelemetryResumed carry no data.
type (
	WindowFocus      struct{}
	WindowBlur       struct{}
	UnityFocus       struct{}
	UnityBlur        struct{}
	TelemetryPaused  struct{}
	TelemetryResumed struct{}
)

func (WindowFocus) EventType() EventType      { return EventWindowFocus }
func (WindowBlur) EventType() EventType       { return EventWindowBlur }
func (UnityFocus) EventType() EventType       { return EventUnityFocus }
func (UnityBlur) EventType() EventType        { return EventUnityBlur }
func (TelemetryPaused) EventType() EventType  { return EventTelemetryPaused }
func (TelemetryResumed) EventType() EventType { return EventTelemetryResumed }

func (WindowFocus) validate() error      { return nil }
func (WindowBlur) validate() error       { return nil }
func (UnityFocus) validate() error       { return nil }
func (UnityBlur) validate() error        { return nil }
func (TelemetryPaused) validate() error  { return nil }
func (TelemetryResumed) validate() error { return nil }

// ValidatePayload checks p against the rules of its variant.
func ValidatePayload(p Payload) error {
	if p == nil {
		return fmt.Errorf("%w: nil payload", ErrInvalidPayload)
	}
	return p.validate()
}

// DecodePayload decodes raw as the payload variant for t. Unknown fields are rejected so that a
// payload carrying anything beyond its declared shape (for example a typed character) never
// passes validation.
func DecodePayload(t EventType, raw json.RawMessage) (Payload, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage("{}")
	}
	var p Payload
	switch t {
	case EventKeyDown:
		var v KeyDown
		if err := strictDecode(raw, &v); err != nil {
			return nil, err
		}
		p = v
	case EventKeyUp:
		var v KeyUp
		if err := strictDecode(raw, &v); err != nil {
			return nil, err
		}
		p = v
	case EventClick:
		var v Click
		if err := strictDecode(raw, &v); err != nil {
			return nil, err
		}
		p = v
	case EventGameEvent:
		p = GameEvent{Fields: append(json.RawMessage(nil), raw...)}
	case EventSessionStart:
		var v SessionStart
		if err := strictDecode(raw, &v); err != nil {
			return nil, err
		}
		p = v
	case EventSessionEnd:
		var v SessionEnd
		if err := strictDecode(raw, &v); err != nil {
			return nil, err
		}
		p = v
	case EventWindowFocus:
		p, _ = emptyPayload(raw, WindowFocus{})
	case EventWindowBlur:
		p, _ = emptyPayload(raw, WindowBlur{})
	case EventUnityFocus:
		p, _ = emptyPayload(raw, UnityFocus{})
	case EventUnityBlur:
		p, _ = emptyPayload(raw, UnityBlur{})
	case EventTelemetryPaused:
		p, _ = emptyPayload(raw, TelemetryPaused{})
	case EventTelemetryResumed:
		p, _ = emptyPayload(raw, TelemetryResumed{})
	default:
		return nil, fmt.Errorf("%w: unknown event type %q", ErrInvalidPayload, string(t))
	}
	if p == nil {
		return nil, fmt.Errorf("%w: %s payload must be empty", ErrInvalidPayload, t)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func strictDecode(raw json.RawMessage, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

func emptyPayload(raw json.RawMessage, p Payload) (Payload, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || len(fields) != 0 {
		return nil, false
	}
	return p, true
}
