//go:build js && wasm

// Package dom binds page.Source to the browser DOM for Go WebAssembly hosts.
package dom

import (
	"syscall/js"

	"simlab-telemetry/internal/page"
)

// Window is a page.Source backed by window and document event listeners.
type Window struct {
	window   js.Value
	document js.Value
}

var _ page.Source = (*Window)(nil)

// NewWindow binds to the global window.
func NewWindow() *Window {
	g := js.Global()
	return &Window{window: g.Get("window"), document: g.Get("document")}
}

// Listen adds a DOM listener for kind. focusin and focusout listen in the capture phase so focus
// changes inside nested elements are seen; visibilitychange is a document event.
func (w *Window) Listen(kind page.Kind, fn page.Listener) func() {
	target := w.window
	if kind == page.KindVisibilityChange {
		target = w.document
	}
	capture := kind == page.KindFocusIn || kind == page.KindFocusOut

	jsFn := js.FuncOf(func(this js.Value, args []js.Value) any {
		if len(args) == 0 {
			return nil
		}
		fn(w.convert(kind, args[0]))
		return nil
	})
	target.Call("addEventListener", string(kind), jsFn, capture)

	released := false
	return func() {
		if released {
			return
		}
		released = true
		target.Call("removeEventListener", string(kind), jsFn, capture)
		jsFn.Release()
	}
}

func (w *Window) convert(kind page.Kind, ev js.Value) page.Event {
	out := page.Event{Kind: kind, Target: element(ev.Get("target"))}
	switch kind {
	case page.KindKeyDown, page.KindKeyUp:
		out.Code = str(ev.Get("code"))
		out.Repeat = truthy(ev.Get("repeat"))
		out.Alt = truthy(ev.Get("altKey"))
		out.Ctrl = truthy(ev.Get("ctrlKey"))
		out.Shift = truthy(ev.Get("shiftKey"))
		out.Meta = truthy(ev.Get("metaKey"))
	case page.KindClick:
		out.Button = num(ev.Get("button"))
		out.ClientX = num(ev.Get("clientX"))
		out.ClientY = num(ev.Get("clientY"))
	case page.KindVisibilityChange:
		out.Visibility = page.Visibility(str(w.document.Get("visibilityState")))
	}
	return out
}

func element(v js.Value) page.Element {
	if v.IsUndefined() || v.IsNull() {
		return page.Element{}
	}
	return page.Element{
		Tag:             str(v.Get("tagName")),
		InputType:       str(v.Get("type")),
		ContentEditable: truthy(v.Get("isContentEditable")),
	}
}

func str(v js.Value) string {
	if v.Type() != js.TypeString {
		return ""
	}
	return v.String()
}

func num(v js.Value) int {
	if v.Type() != js.TypeNumber {
		return 0
	}
	return v.Int()
}

func truthy(v js.Value) bool {
	return v.Type() == js.TypeBoolean && v.Bool()
}
