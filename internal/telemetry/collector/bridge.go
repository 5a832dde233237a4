package collector

import (
	"context"
	"encoding/json"
	"sync"

	"simlab-telemetry/internal/bridge"
	"simlab-telemetry/internal/telemetry/domain"
)

// AttachBridge connects the collector to the runtime bridge: game events are logged, focus
// changes feed the focus gate, and the runtime is told when telemetry starts. The returned
// function detaches and tells the runtime telemetry stopped; calling it again does nothing.
func (c *Collector) AttachBridge(b *bridge.Bridge) (detach func()) {
	announce := func() {
		if !c.Active() {
			return
		}
		if err := b.TelemetryStarted(context.Background(), c.SessionID()); err != nil {
			c.logger.Debug("collector: could not announce telemetry start", "error", err)
		}
	}

	subs := []bridge.Subscription{
		b.On(bridge.TypeRuntimeReady, func(json.RawMessage) { announce() }),
		b.On(bridge.TypeGameEvent, func(payload json.RawMessage) {
			c.LogEvent(domain.GameEvent{Fields: payload})
		}),
		b.On(bridge.TypeFocusChange, func(payload json.RawMessage) {
			var fc bridge.FocusChange
			if err := json.Unmarshal(payload, &fc); err != nil {
				c.logger.Debug("collector: malformed focus_change", "error", err)
				return
			}
			c.SetUnityFocus(fc.Focused)
		}),
	}
	if b.State() == bridge.StateReady {
		announce()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for _, sub := range subs {
				b.Off(sub)
			}
			if err := b.TelemetryStopped(context.Background()); err != nil {
				c.logger.Debug("collector: could not announce telemetry stop", "error", err)
			}
		})
	}
}
