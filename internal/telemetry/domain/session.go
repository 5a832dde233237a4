package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidSession is returned when a session descriptor or policy cannot start a session.
var ErrInvalidSession = errors.New("invalid session")

// SessionDescriptor identifies a telemetry session. It is fixed for the session's lifetime.
type SessionDescriptor struct {
	SessionID string  `json:"session_id"`
	UserID    *string `json:"user_id"`  // nil for guests
	GuestID   *string `json:"guest_id"` // nil for registered users
	ModuleID  string  `json:"module_id"`
}

// Validate returns an error if the descriptor lacks a session or module id.
func (d SessionDescriptor) Validate() error {
	if d.SessionID == "" {
		return fmt.Errorf("%w: session_id is empty", ErrInvalidSession)
	}
	if d.ModuleID == "" {
		return fmt.Errorf("%w: module_id is empty", ErrInvalidSession)
	}
	return nil
}

// OrgPolicy is the organization's telemetry policy, resolved once when a session starts.
type OrgPolicy struct {
	TelemetryEnabled    bool    `json:"telemetry_enabled" yaml:"telemetry_enabled"`
	CaptureKeyboard     bool    `json:"capture_keyboard" yaml:"capture_keyboard"`
	CaptureMouse        bool    `json:"capture_mouse" yaml:"capture_mouse"`
	CaptureFocusBlur    bool    `json:"capture_focus_blur" yaml:"capture_focus_blur"`
	SamplingRate        float64 `json:"sampling_rate" yaml:"sampling_rate"`
	MaxEventsPerSession int     `json:"max_events_per_session" yaml:"max_events_per_session"`
	BatchIntervalMs     int     `json:"batch_interval_ms" yaml:"batch_interval_ms"`
}

// DefaultOrgPolicy returns the policy used when an organization has not configured telemetry.
func DefaultOrgPolicy() OrgPolicy {
	return OrgPolicy{
		TelemetryEnabled:    true,
		CaptureKeyboard:     true,
		CaptureMouse:        false,
		CaptureFocusBlur:    true,
		SamplingRate:        1.0,
		MaxEventsPerSession: 10000,
		BatchIntervalMs:     5000,
	}
}

// Validate checks ranges: sampling in [0,1], positive cap and batch interval.
func (p OrgPolicy) Validate() error {
	if p.SamplingRate < 0 || p.SamplingRate > 1 {
		return fmt.Errorf("%w: sampling_rate %v outside [0,1]", ErrInvalidSession, p.SamplingRate)
	}
	if p.MaxEventsPerSession <= 0 {
		return fmt.Errorf("%w: max_events_per_session must be positive", ErrInvalidSession)
	}
	if p.BatchIntervalMs <= 0 {
		return fmt.Errorf("%w: batch_interval_ms must be positive", ErrInvalidSession)
	}
	return nil
}

// BatchInterval returns BatchIntervalMs as a duration.
func (p OrgPolicy) BatchInterval() time.Duration {
	return time.Duration(p.BatchIntervalMs) * time.Millisecond
}

// PolicyOverride holds the fields an organization has explicitly set. Nil fields fall back to
// the defaults.
type PolicyOverride struct {
	TelemetryEnabled    *bool    `json:"telemetry_enabled,omitempty" yaml:"telemetry_enabled,omitempty"`
	CaptureKeyboard     *bool    `json:"capture_keyboard,omitempty" yaml:"capture_keyboard,omitempty"`
	CaptureMouse        *bool    `json:"capture_mouse,omitempty" yaml:"capture_mouse,omitempty"`
	CaptureFocusBlur    *bool    `json:"capture_focus_blur,omitempty" yaml:"capture_focus_blur,omitempty"`
	SamplingRate        *float64 `json:"sampling_rate,omitempty" yaml:"sampling_rate,omitempty"`
	MaxEventsPerSession *int     `json:"max_events_per_session,omitempty" yaml:"max_events_per_session,omitempty"`
	BatchIntervalMs     *int     `json:"batch_interval_ms,omitempty" yaml:"batch_interval_ms,omitempty"`
}

// MergeWithDefaults returns the default policy with every set field of o applied.
func MergeWithDefaults(o *PolicyOverride) OrgPolicy {
	p := DefaultOrgPolicy()
	if o == nil {
		return p
	}
	if o.TelemetryEnabled != nil {
		p.TelemetryEnabled = *o.TelemetryEnabled
	}
	if o.CaptureKeyboard != nil {
		p.CaptureKeyboard = *o.CaptureKeyboard
	}
	if o.CaptureMouse != nil {
		p.CaptureMouse = *o.CaptureMouse
	}
	if o.CaptureFocusBlur != nil {
		p.CaptureFocusBlur = *o.CaptureFocusBlur
	}
	if o.SamplingRate != nil {
		p.SamplingRate = *o.SamplingRate
	}
	if o.MaxEventsPerSession != nil && *o.MaxEventsPerSession > 0 {
		p.MaxEventsPerSession = *o.MaxEventsPerSession
	}
	if o.BatchIntervalMs != nil && *o.BatchIntervalMs > 0 {
		p.BatchIntervalMs = *o.BatchIntervalMs
	}
	return p
}

// Session is the server-side view of a started session.
type Session struct {
	SessionDescriptor
	OrgID     string     `json:"org_id,omitempty"`
	Policy    OrgPolicy  `json:"org_settings"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Ended reports whether the session has been closed.
func (s *Session) Ended() bool {
	return s != nil && s.EndedAt != nil
}
