//go:build js && wasm

// Package jstransport carries bridge envelopes over window.postMessage when the host page runs as
// Go WebAssembly and the runtime is embedded in an iframe.
package jstransport

import (
	"context"
	"errors"
	"syscall/js"

	"simlab-telemetry/internal/bridge"
)

// Transport posts envelopes to one frame's content window, addressed to an explicit origin.
type Transport struct {
	target       js.Value
	targetOrigin string
}

var _ bridge.Transport = (*Transport)(nil)

// New returns a transport posting to frame's contentWindow. targetOrigin must be the runtime's
// exact origin; "*" is refused.
func New(frame js.Value, targetOrigin string) (*Transport, error) {
	if targetOrigin == "" || targetOrigin == "*" {
		return nil, bridge.ErrWildcardOrigin
	}
	if frame.IsUndefined() || frame.IsNull() {
		return nil, errors.New("jstransport: frame is not set")
	}
	return &Transport{target: frame.Get("contentWindow"), targetOrigin: targetOrigin}, nil
}

// Post sends data as a string message.
func (t *Transport) Post(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.target.IsUndefined() || t.target.IsNull() {
		return errors.New("jstransport: frame has no content window")
	}
	t.target.Call("postMessage", string(data), t.targetOrigin)
	return nil
}

// Listen forwards window "message" events to b. Messages whose origin is not allowed or whose
// data is not a string are dropped by the bridge or here. The returned function removes the
// listener.
func Listen(b *bridge.Bridge) (stop func()) {
	window := js.Global().Get("window")
	fn := js.FuncOf(func(this js.Value, args []js.Value) any {
		if len(args) == 0 {
			return nil
		}
		ev := args[0]
		data := ev.Get("data")
		if data.Type() != js.TypeString {
			return nil
		}
		_ = b.Receive(ev.Get("origin").String(), []byte(data.String()))
		return nil
	})
	window.Call("addEventListener", "message", fn)

	stopped := false
	return func() {
		if stopped {
			return
		}
		stopped = true
		window.Call("removeEventListener", "message", fn)
		fn.Release()
	}
}
