// Package focus derives whether the embedded runtime currently owns user input.
package focus

import "sync"

// Tracker combines host window focus with the focus the runtime reports over the bridge.
//
// The window starts focused; the runtime starts unfocused until it says otherwise. When the
// runtime is not embedded as a frame, only window focus counts.
type Tracker struct {
	mu             sync.RWMutex
	windowFocused  bool
	runtimeFocused bool
	frame          bool
}

// NewTracker returns a tracker. frame reports whether the runtime is embedded as a frame, in which
// case it must report focus before input is considered its own.
func NewTracker(frame bool) *Tracker {
	return &Tracker{windowFocused: true, frame: frame}
}

// SetWindowFocus records a host window focus or blur. Returns true if the value changed.
func (t *Tracker) SetWindowFocus(focused bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	changed := t.windowFocused != focused
	t.windowFocused = focused
	return changed
}

// SetRuntimeFocus records focus reported by the runtime. Returns true if the value changed.
func (t *Tracker) SetRuntimeFocus(focused bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	changed := t.runtimeFocused != focused
	t.runtimeFocused = focused
	return changed
}

// WindowFocused reports the last window focus state.
func (t *Tracker) WindowFocused() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.windowFocused
}

// RuntimeFocused reports the last focus state the runtime announced.
func (t *Tracker) RuntimeFocused() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.runtimeFocused
}

// RequireRuntimeFocus reports whether runtime focus is part of the gate.
func (t *Tracker) RequireRuntimeFocus() bool { return t.frame }

// Focused is the admission gate for input events.
func (t *Tracker) Focused() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.windowFocused {
		return false
	}
	return !t.frame || t.runtimeFocused
}
