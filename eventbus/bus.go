// Package eventbus is the process-wide notification channel for conditions that cut across
// components, such as an endpoint whose connections have all died.
//
// Publishing is fire-and-forget: every listener runs on its own goroutine and Publish returns
// without waiting for any of them.
package eventbus

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Kind classifies an Event.
type Kind int

const (
	// KindSysErr marks a systemic error: something a single caller cannot recover from by
	// retrying, e.g. losing every connection to an endpoint.
	KindSysErr Kind = iota + 1
	// KindInfo marks purely informational events.
	KindInfo
)

func (k Kind) String() string {
	switch k {
	case KindSysErr:
		return "sys-err"
	case KindInfo:
		return "info"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Event is a single notification.
type Event struct {
	Kind     Kind
	Endpoint string
	Err      error
}

// Listener receives published events.
type Listener func(Event)

// Bus fans events out to its listeners. The zero value is not usable; use New.
type Bus struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners map[uint64]Listener
	logger    *zap.Logger
}

// Option customizes a Bus.
type Option func(*Bus)

// WithLogger sets the logger used to report panicking listeners.
func WithLogger(l *zap.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// New creates an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		listeners: make(map[uint64]Listener),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers l and returns a function that removes it again.
func (b *Bus) Subscribe(l Listener) (cancel func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = l
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.listeners, id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers e to every current listener asynchronously.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	targets := make([]Listener, 0, len(b.listeners))
	for _, l := range b.listeners {
		targets = append(targets, l)
	}
	b.mu.RUnlock()

	for _, l := range targets {
		go b.deliver(l, e)
	}
}

func (b *Bus) deliver(l Listener, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event listener panicked",
				zap.Stringer("kind", e.Kind),
				zap.String("endpoint", e.Endpoint),
				zap.Any("panic", r))
		}
	}()
	l(e)
}
