package page

import (
	"sync"
	"sync/atomic"
)

// Bus is an in-memory Source. Dispatch delivers an event synchronously to every listener
// registered for its kind, in registration order.
type Bus struct {
	mu        sync.RWMutex
	listeners map[Kind][]*listenerEntry
}

type listenerEntry struct {
	fn      Listener
	removed atomic.Bool
}

// NewBus returns an empty Bus.
func NewBus() *Bus {
	return &Bus{listeners: make(map[Kind][]*listenerEntry)}
}

// Listen registers fn for kind.
func (b *Bus) Listen(kind Kind, fn Listener) func() {
	entry := &listenerEntry{fn: fn}
	b.mu.Lock()
	b.listeners[kind] = append(b.listeners[kind], entry)
	b.mu.Unlock()

	return func() {
		if entry.removed.Swap(true) {
			return
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.listeners[kind]
		for i, e := range list {
			if e == entry {
				b.listeners[kind] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
		if len(b.listeners[kind]) == 0 {
			delete(b.listeners, kind)
		}
	}
}

// Dispatch delivers ev to the listeners registered for ev.Kind.
func (b *Bus) Dispatch(ev Event) {
	b.mu.RLock()
	list := append([]*listenerEntry(nil), b.listeners[ev.Kind]...)
	b.mu.RUnlock()
	for _, e := range list {
		if e.removed.Load() {
			continue
		}
		e.fn(ev)
	}
}

// ListenerCount returns the number of listeners registered for kind, or for all kinds when kind
// is empty.
func (b *Bus) ListenerCount(kind Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if kind != "" {
		return len(b.listeners[kind])
	}
	n := 0
	for _, list := range b.listeners {
		n += len(list)
	}
	return n
}

// Scope collects disposers so a group of listeners can be removed together.
type Scope struct {
	mu        sync.Mutex
	disposers []func()
}

// Listen registers fn on src and records its disposer in the scope.
func (s *Scope) Listen(src Source, kind Kind, fn Listener) {
	dispose := src.Listen(kind, fn)
	s.Add(dispose)
}

// Add records a disposer.
func (s *Scope) Add(dispose func()) {
	s.mu.Lock()
	s.disposers = append(s.disposers, dispose)
	s.mu.Unlock()
}

// Close runs every recorded disposer in reverse order and empties the scope.
func (s *Scope) Close() {
	s.mu.Lock()
	disposers := s.disposers
	s.disposers = nil
	s.mu.Unlock()
	for i := len(disposers) - 1; i >= 0; i-- {
		disposers[i]()
	}
}
