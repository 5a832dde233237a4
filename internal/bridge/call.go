package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

var (
	// ErrResponseTimeout completes a request whose response did not arrive in time.
	ErrResponseTimeout = errors.New("bridge: response timeout")
	// ErrDestroyed is returned by operations on a destroyed bridge and completes its pending requests.
	ErrDestroyed = errors.New("bridge: destroyed")
)

// ResponseFunc receives the outcome of a request: the response payload, or an error if the
// request expired, failed to send, or the bridge was destroyed.
type ResponseFunc func(payload json.RawMessage, err error)

// Call is a request awaiting its response. It completes exactly once.
type Call struct {
	id      int64
	msgType string

	once     sync.Once
	done     chan struct{}
	payload  json.RawMessage
	err      error
	callback ResponseFunc
	timer    *time.Timer
}

func newCall(msgType string, cb ResponseFunc) *Call {
	return &Call{msgType: msgType, done: make(chan struct{}), callback: cb}
}

// ID returns the message id the response must carry.
func (c *Call) ID() int64 { return c.id }

// Type returns the request's message type.
func (c *Call) Type() string { return c.msgType }

// Done is closed when the call completes.
func (c *Call) Done() <-chan struct{} { return c.done }

// Result returns the response payload and error. Valid only after Done is closed.
func (c *Call) Result() (json.RawMessage, error) {
	select {
	case <-c.done:
		return c.payload, c.err
	default:
		return nil, errors.New("bridge: call still pending")
	}
}

// Wait blocks until the call completes or ctx is done.
func (c *Call) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-c.done:
		return c.payload, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// complete resolves the call. Only the first completion has any effect.
func (c *Call) complete(payload json.RawMessage, err error) bool {
	first := false
	c.once.Do(func() {
		first = true
		if c.timer != nil {
			c.timer.Stop()
		}
		c.payload = payload
		c.err = err
		close(c.done)
	})
	if first && c.callback != nil {
		c.callback(payload, err)
	}
	return first
}
