// Package bridge exchanges messages with the interactive runtime embedded in the page.
//
// Messages are JSON envelopes tagged with their sender ("host" or "runtime"). Outbound messages
// are queued until the runtime announces readiness; inbound messages are matched against
// pending requests by message id or fanned out to subscribers by type.
package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// SourceHost tags envelopes sent by the host page.
	SourceHost = "host"
	// SourceRuntime tags envelopes sent by the embedded runtime.
	SourceRuntime = "runtime"
)

// Message types understood by the host.
const (
	TypeRuntimeReady = "runtime_ready"
	TypeGameEvent    = "game_event"
	TypeFocusChange  = "focus_change"
)

// FocusChange is the payload of a focus_change message: whether the runtime's surface now holds
// input focus.
type FocusChange struct {
	Focused bool `json:"focused"`
}

var (
	// ErrInvalidEnvelope is returned for inbound data that is not a well-formed envelope.
	ErrInvalidEnvelope = errors.New("bridge: invalid envelope")
	// ErrUnexpectedSource is returned for inbound envelopes not tagged as coming from the runtime.
	ErrUnexpectedSource = errors.New("bridge: unexpected envelope source")
	// ErrOriginNotAllowed is returned for inbound messages from an origin outside the allow-list.
	ErrOriginNotAllowed = errors.New("bridge: origin not allowed")
	// ErrWildcardOrigin is returned when "*" appears in an allow-list.
	ErrWildcardOrigin = errors.New("bridge: wildcard origin is not allowed")
)

// Envelope is the unit of exchange across the bridge. MessageID is set only when a response is
// expected, and a response carries the id of the request it answers.
type Envelope struct {
	Source    string          `json:"source"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	MessageID *int64          `json:"messageId,omitempty"`
}

// DecodeEnvelope parses data and checks that it names a type.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrInvalidEnvelope)
	}
	return env, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, fmt.Errorf("%w: payload is not valid JSON", ErrInvalidEnvelope)
		}
		return p, nil
	}
	return json.Marshal(payload)
}

// OriginAllowList is an exact-match set of origins ("https://games.example.org").
type OriginAllowList struct {
	origins map[string]struct{}
}

// NewOriginAllowList builds an allow-list. The wildcard origin is rejected.
func NewOriginAllowList(origins []string) (*OriginAllowList, error) {
	l := &OriginAllowList{origins: make(map[string]struct{}, len(origins))}
	for _, o := range origins {
		if o == "*" {
			return nil, ErrWildcardOrigin
		}
		if o == "" {
			continue
		}
		l.origins[o] = struct{}{}
	}
	return l, nil
}

// Allowed reports whether origin is in the list.
func (l *OriginAllowList) Allowed(origin string) bool {
	if l == nil {
		return false
	}
	_, ok := l.origins[origin]
	return ok
}
