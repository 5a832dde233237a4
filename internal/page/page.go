// Package page models the host page's input and lifecycle events as seen by the telemetry
// collector, independent of where they come from (a WebAssembly DOM binding, a recorded script,
// or tests).
package page

import "strings"

// Kind names a page event, using the DOM event names.
type Kind string

const (
	KindKeyDown          Kind = "keydown"
	KindKeyUp            Kind = "keyup"
	KindClick            Kind = "click"
	KindFocus            Kind = "focus"
	KindBlur             Kind = "blur"
	KindFocusIn          Kind = "focusin"
	KindFocusOut         Kind = "focusout"
	KindBeforeUnload     Kind = "beforeunload"
	KindPageHide         Kind = "pagehide"
	KindVisibilityChange Kind = "visibilitychange"
)

// Visibility is document.visibilityState.
type Visibility string

const (
	VisibilityVisible Visibility = "visible"
	VisibilityHidden  Visibility = "hidden"
)

// Element describes an event target.
type Element struct {
	Tag             string `json:"tag"`
	InputType       string `json:"input_type,omitempty"`
	ContentEditable bool   `json:"content_editable,omitempty"`
}

// nonTextInputs are <input> types that cannot receive typed text.
var nonTextInputs = map[string]bool{
	"button": true, "checkbox": true, "color": true, "file": true, "hidden": true,
	"image": true, "radio": true, "range": true, "reset": true, "submit": true,
}

// IsTextEntry reports whether keystrokes directed at e would produce text content.
func (e Element) IsTextEntry() bool {
	if e.ContentEditable {
		return true
	}
	switch strings.ToUpper(e.Tag) {
	case "TEXTAREA":
		return true
	case "INPUT":
		return !nonTextInputs[strings.ToLower(e.InputType)]
	}
	return false
}

// Event is a single page event. Only the fields relevant to Kind are set.
type Event struct {
	Kind Kind `json:"kind"`

	// Keyboard. Key is the produced character as reported by the browser; consumers must not
	// record it.
	Code   string `json:"code,omitempty"`
	Key    string `json:"key,omitempty"`
	Repeat bool   `json:"repeat,omitempty"`
	Alt    bool   `json:"alt,omitempty"`
	Ctrl   bool   `json:"ctrl,omitempty"`
	Shift  bool   `json:"shift,omitempty"`
	Meta   bool   `json:"meta,omitempty"`

	// Mouse.
	Button  int `json:"button,omitempty"`
	ClientX int `json:"x,omitempty"`
	ClientY int `json:"y,omitempty"`

	Target     Element    `json:"target"`
	Visibility Visibility `json:"visibility,omitempty"`
}

// Listener receives page events.
type Listener func(Event)

// Source delivers page events to listeners. Listen returns a disposer that removes the listener;
// calling it more than once is safe.
type Source interface {
	Listen(kind Kind, fn Listener) (dispose func())
}
