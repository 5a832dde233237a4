//go:build js && wasm

// Command wasmhost is the browser build of the telemetry collector. It exposes a global
// simlabTelemetry object to the host page and binds the collector to the DOM and, when a
// runtime frame is configured, to the bridge.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"syscall/js"

	"simlab-telemetry/internal/bridge"
	"simlab-telemetry/internal/bridge/jstransport"
	"simlab-telemetry/internal/page/dom"
	"simlab-telemetry/internal/telemetry/collector"
	"simlab-telemetry/internal/telemetry/domain"
	"simlab-telemetry/internal/telemetry/sink"
)

// hostConfig is the JSON object passed to simlabTelemetry.initialize.
type hostConfig struct {
	SinkURL        string                   `json:"sinkUrl"`
	Token          string                   `json:"token"`
	Gzip           bool                     `json:"gzip"`
	Session        domain.SessionDescriptor `json:"session"`
	ConsentGranted bool                     `json:"consentGranted"`
	OrgSettings    domain.OrgPolicy         `json:"orgSettings"`
	MaxBufferSize  int                      `json:"maxBufferSize"`
	// FrameSelector and RuntimeOrigin locate the embedded runtime; both or neither.
	FrameSelector string `json:"frameSelector"`
	RuntimeOrigin string `json:"runtimeOrigin"`
}

type host struct {
	logger *slog.Logger

	mu        sync.Mutex
	collector *collector.Collector
	bridge    *bridge.Bridge
	teardown  []func()
}

func (h *host) initialize(raw string) (bool, error) {
	var cfg hostConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return false, err
	}
	if (cfg.FrameSelector == "") != (cfg.RuntimeOrigin == "") {
		return false, errors.New("frameSelector and runtimeOrigin must be set together")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.collector != nil && h.collector.Active() {
		return true, nil
	}
	h.releaseLocked()

	var token sink.TokenSource
	if cfg.Token != "" {
		token = sink.StaticToken(cfg.Token)
	}
	events, err := sink.New(cfg.SinkURL, sink.Options{Token: token, Gzip: cfg.Gzip})
	if err != nil {
		return false, err
	}
	c, err := collector.New(events, collector.Options{
		Source:         dom.NewWindow(),
		MaxBufferSize:  cfg.MaxBufferSize,
		FrameTransport: cfg.FrameSelector != "",
		Logger:         h.logger,
	})
	if err != nil {
		return false, err
	}
	h.collector = c

	if cfg.FrameSelector != "" {
		frame := js.Global().Get("document").Call("querySelector", cfg.FrameSelector)
		t, err := jstransport.New(frame, cfg.RuntimeOrigin)
		if err != nil {
			return false, err
		}
		b, err := bridge.New(t, bridge.Options{AllowedOrigins: []string{cfg.RuntimeOrigin}, Logger: h.logger})
		if err != nil {
			return false, err
		}
		h.bridge = b
		h.teardown = append(h.teardown, jstransport.Listen(b))
	}

	c.Initialize(collector.Config{Session: cfg.Session, ConsentGranted: cfg.ConsentGranted, Policy: cfg.OrgSettings})
	if h.bridge != nil {
		h.teardown = append(h.teardown, c.AttachBridge(h.bridge))
	}
	return c.Active(), nil
}

// releaseLocked detaches the bridge of a previous session.
func (h *host) releaseLocked() {
	for i := len(h.teardown) - 1; i >= 0; i-- {
		h.teardown[i]()
	}
	h.teardown = nil
	if h.bridge != nil {
		h.bridge.Destroy()
		h.bridge = nil
	}
}

func (h *host) current() *collector.Collector {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.collector
}

func (h *host) endSession() error {
	c := h.current()
	if c == nil {
		return nil
	}
	err := c.EndSession(context.Background())
	h.mu.Lock()
	h.releaseLocked()
	h.mu.Unlock()
	return err
}

func (h *host) exports() map[string]any {
	return map[string]any{
		"initialize": js.FuncOf(func(this js.Value, args []js.Value) any {
			if len(args) == 0 || args[0].Type() != js.TypeString {
				return false
			}
			active, err := h.initialize(args[0].String())
			if err != nil {
				h.logger.Warn("wasmhost: initialize failed", "error", err)
			}
			return active
		}),
		"logEvent": js.FuncOf(func(this js.Value, args []js.Value) any {
			c := h.current()
			if c == nil || len(args) == 0 || args[0].Type() != js.TypeString {
				return false
			}
			data := []byte(args[0].String())
			if !json.Valid(data) {
				return false
			}
			return c.LogEvent(domain.GameEvent{Fields: data})
		}),
		"pause": js.FuncOf(func(this js.Value, args []js.Value) any {
			if c := h.current(); c != nil {
				c.Pause()
			}
			return nil
		}),
		"resume": js.FuncOf(func(this js.Value, args []js.Value) any {
			if c := h.current(); c != nil {
				c.Resume()
			}
			return nil
		}),
		"endSession": js.FuncOf(func(this js.Value, args []js.Value) any {
			return promise(func() (any, error) { return nil, h.endSession() })
		}),
		"getStats": js.FuncOf(func(this js.Value, args []js.Value) any {
			c := h.current()
			if c == nil {
				return js.Null()
			}
			data, err := json.Marshal(c.Stats())
			if err != nil {
				return js.Null()
			}
			return string(data)
		}),
	}
}

// promise runs fn off the event loop; HTTP calls block on fetch and must not run on it.
func promise(fn func() (any, error)) js.Value {
	var executor js.Func
	executor = js.FuncOf(func(this js.Value, args []js.Value) any {
		resolve, reject := args[0], args[1]
		go func() {
			defer executor.Release()
			v, err := fn()
			if err != nil {
				reject.Invoke(js.Global().Get("Error").New(err.Error()))
				return
			}
			resolve.Invoke(v)
		}()
		return nil
	})
	return js.Global().Get("Promise").New(executor)
}

func main() {
	h := &host{logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))}
	js.Global().Set("simlabTelemetry", js.ValueOf(h.exports()))
	select {}
}
