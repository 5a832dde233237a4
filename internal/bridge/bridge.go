package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultResponseTimeout bounds how long a request waits for its response.
const DefaultResponseTimeout = 10 * time.Second

// Transport carries encoded envelopes to the runtime.
type Transport interface {
	Post(ctx context.Context, data []byte) error
}

// State is the bridge lifecycle: NotReady until the runtime announces itself, then Ready.
// Destroyed is terminal.
type State int

const (
	StateNotReady State = iota
	StateReady
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateNotReady:
		return "not_ready"
	case StateReady:
		return "ready"
	case StateDestroyed:
		return "destroyed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Handler receives the payload of an inbound broadcast envelope.
type Handler func(payload json.RawMessage)

// Subscription identifies a registered handler for Off.
type Subscription struct {
	msgType string
	id      uint64
}

// Options configures a Bridge.
type Options struct {
	// AllowedOrigins lists the origins inbound messages may come from. "*" is rejected.
	AllowedOrigins []string
	// ResponseTimeout expires pending requests; zero means DefaultResponseTimeout.
	ResponseTimeout time.Duration
	Logger          *slog.Logger
}

type queuedEnvelope struct {
	msgType string
	data    []byte
	call    *Call
}

type handlerEntry struct {
	id uint64
	fn Handler
}

// Bridge is the host side of the messaging channel to the embedded runtime.
//
// Thread-safe. Posts to the transport are serialized so that envelopes queued before readiness
// reach the runtime before anything sent afterwards.
type Bridge struct {
	mu        sync.Mutex
	state     State
	transport Transport
	queue     []queuedEnvelope
	pending   map[int64]*Call
	nextID    int64
	handlers  map[string][]handlerEntry
	nextSub   uint64

	postMu sync.Mutex

	origins *OriginAllowList
	timeout time.Duration
	logger  *slog.Logger
}

// New returns a NotReady bridge. transport may be nil and set later with SetTransport; until
// then outbound envelopes are queued.
func New(transport Transport, opts Options) (*Bridge, error) {
	origins, err := NewOriginAllowList(opts.AllowedOrigins)
	if err != nil {
		return nil, err
	}
	timeout := opts.ResponseTimeout
	if timeout <= 0 {
		timeout = DefaultResponseTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		transport: transport,
		pending:   make(map[int64]*Call),
		handlers:  make(map[string][]handlerEntry),
		origins:   origins,
		timeout:   timeout,
		logger:    logger,
	}, nil
}

// State returns the current lifecycle state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Queued returns the number of envelopes waiting for readiness.
func (b *Bridge) Queued() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Pending returns the number of requests awaiting a response.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// SetTransport binds the transport. If the runtime is already ready, queued envelopes are
// delivered immediately.
func (b *Bridge) SetTransport(t Transport) {
	b.mu.Lock()
	if b.state == StateDestroyed {
		b.mu.Unlock()
		return
	}
	b.transport = t
	if b.state == StateReady && t != nil {
		b.drainLocked()
		return
	}
	b.mu.Unlock()
}

// Send posts a fire-and-forget envelope, or queues it if the runtime is not ready.
func (b *Bridge) Send(ctx context.Context, msgType string, payload any) error {
	return b.send(ctx, msgType, payload, nil)
}

// Request posts an envelope that expects a response and returns the pending Call.
func (b *Bridge) Request(ctx context.Context, msgType string, payload any) (*Call, error) {
	call := newCall(msgType, nil)
	if err := b.send(ctx, msgType, payload, call); err != nil {
		return nil, err
	}
	return call, nil
}

// SendWithCallback is Request with the outcome delivered to cb instead of a Call.
func (b *Bridge) SendWithCallback(ctx context.Context, msgType string, payload any, cb ResponseFunc) error {
	if cb == nil {
		return b.Send(ctx, msgType, payload)
	}
	return b.send(ctx, msgType, payload, newCall(msgType, cb))
}

func (b *Bridge) send(ctx context.Context, msgType string, payload any, call *Call) error {
	if msgType == "" {
		return fmt.Errorf("%w: missing type", ErrInvalidEnvelope)
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return fmt.Errorf("bridge: encode %s payload: %w", msgType, err)
	}
	env := Envelope{Source: SourceHost, Type: msgType, Payload: raw}

	b.mu.Lock()
	if b.state == StateDestroyed {
		b.mu.Unlock()
		return ErrDestroyed
	}
	if call != nil {
		b.nextID++
		id := b.nextID
		call.id = id
		env.MessageID = &id
	}
	data, err := json.Marshal(env)
	if err != nil {
		b.mu.Unlock()
		return fmt.Errorf("bridge: encode %s: %w", msgType, err)
	}
	if call != nil {
		b.pending[call.id] = call
		id := call.id
		call.timer = time.AfterFunc(b.timeout, func() { b.expire(id) })
	}

	if b.state != StateReady || b.transport == nil {
		b.queue = append(b.queue, queuedEnvelope{msgType: msgType, data: data, call: call})
		b.mu.Unlock()
		b.logger.Debug("bridge: envelope queued until runtime is ready", "type", msgType)
		return nil
	}

	t := b.transport
	b.postMu.Lock()
	b.mu.Unlock()
	err = t.Post(ctx, data)
	b.postMu.Unlock()

	if err != nil {
		if call != nil {
			b.resolve(call.id, nil, fmt.Errorf("bridge: post %s: %w", msgType, err))
		}
		return fmt.Errorf("bridge: post %s: %w", msgType, err)
	}
	return nil
}

// drainLocked posts every queued envelope in FIFO order. Called with b.mu held; releases it.
func (b *Bridge) drainLocked() {
	queue := b.queue
	b.queue = nil
	t := b.transport
	b.postMu.Lock()
	b.mu.Unlock()

	if len(queue) > 0 {
		b.logger.Debug("bridge: flushing queued envelopes", "count", len(queue))
	}
	type failure struct {
		id  int64
		err error
	}
	var failed []failure
	for _, q := range queue {
		if err := t.Post(context.Background(), q.data); err != nil {
			b.logger.Warn("bridge: failed to post queued envelope", "type", q.msgType, "error", err)
			if q.call != nil {
				failed = append(failed, failure{q.call.id, fmt.Errorf("bridge: post %s: %w", q.msgType, err)})
			}
		}
	}
	b.postMu.Unlock()

	// mu must not be taken while postMu is held.
	for _, f := range failed {
		b.resolve(f.id, nil, f.err)
	}
}

// Receive handles one inbound message from origin. Messages from disallowed origins and envelopes
// not sent by the runtime are ignored; the returned error says why.
func (b *Bridge) Receive(origin string, data []byte) error {
	if !b.origins.Allowed(origin) {
		b.logger.Debug("bridge: ignoring message from disallowed origin", "origin", origin)
		return fmt.Errorf("%w: %q", ErrOriginNotAllowed, origin)
	}
	env, err := DecodeEnvelope(data)
	if err != nil {
		b.logger.Debug("bridge: ignoring malformed message", "error", err)
		return err
	}
	return b.Dispatch(env)
}

// Dispatch routes an already-authenticated envelope. A message id that matches a pending request
// completes it; anything else, including an id with no pending request, goes to the handlers for
// its type.
func (b *Bridge) Dispatch(env Envelope) error {
	if env.Source != SourceRuntime {
		return fmt.Errorf("%w: %q", ErrUnexpectedSource, env.Source)
	}

	b.mu.Lock()
	if b.state == StateDestroyed {
		b.mu.Unlock()
		return ErrDestroyed
	}

	if env.Type == TypeRuntimeReady {
		if b.state == StateNotReady {
			b.state = StateReady
			b.logger.Debug("bridge: runtime ready")
		}
		if b.transport != nil {
			b.drainLocked()
		} else {
			b.mu.Unlock()
		}
		b.notify(env.Type, env.Payload)
		return nil
	}

	b.mu.Unlock()
	if env.MessageID != nil {
		if b.resolve(*env.MessageID, env.Payload, nil) {
			return nil
		}
		b.logger.Debug("bridge: no pending request for message, broadcasting", "type", env.Type, "message_id", *env.MessageID)
	}

	if !b.notify(env.Type, env.Payload) {
		b.logger.Debug("bridge: no handler for message", "type", env.Type)
	}
	return nil
}

// resolve completes and removes the pending call for id. Returns false if none was pending.
func (b *Bridge) resolve(id int64, payload json.RawMessage, err error) bool {
	b.mu.Lock()
	call, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}
	call.complete(payload, err)
	return true
}

func (b *Bridge) expire(id int64) {
	if b.resolve(id, nil, ErrResponseTimeout) {
		b.logger.Debug("bridge: request expired", "message_id", id)
	}
}

func (b *Bridge) notify(msgType string, payload json.RawMessage) bool {
	b.mu.Lock()
	entries := append([]handlerEntry(nil), b.handlers[msgType]...)
	b.mu.Unlock()
	for _, h := range entries {
		h.fn(payload)
	}
	return len(entries) > 0
}

// On registers h for envelopes of msgType. Several handlers may share a type.
func (b *Bridge) On(msgType string, h Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSub++
	sub := Subscription{msgType: msgType, id: b.nextSub}
	if b.state == StateDestroyed {
		return sub
	}
	b.handlers[msgType] = append(b.handlers[msgType], handlerEntry{id: sub.id, fn: h})
	return sub
}

// Off removes the handler registered as sub. Removing twice is a no-op.
func (b *Bridge) Off(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.handlers[sub.msgType]
	for i, e := range list {
		if e.id == sub.id {
			b.handlers[sub.msgType] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(b.handlers[sub.msgType]) == 0 {
		delete(b.handlers, sub.msgType)
	}
}

// Destroy moves the bridge to its terminal state. Pending requests complete with ErrDestroyed,
// queued envelopes and handlers are discarded.
func (b *Bridge) Destroy() {
	b.mu.Lock()
	if b.state == StateDestroyed {
		b.mu.Unlock()
		return
	}
	b.state = StateDestroyed
	pending := b.pending
	b.pending = make(map[int64]*Call)
	b.queue = nil
	b.handlers = make(map[string][]handlerEntry)
	b.transport = nil
	b.mu.Unlock()

	for _, call := range pending {
		call.complete(nil, ErrDestroyed)
	}
}
