package endpoint

import (
	"sync"

	"rpcagent/transport"
)

// Observer receives the events of every pool in the registry.
type Observer interface {
	OnConnect(transport.ConnectEvent)
	OnData(transport.DataEvent)
	// OnClose is called after the registry has swept fully closed pools.
	OnClose(transport.CloseEvent)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields ignore their event.
type ObserverFuncs struct {
	Connect func(transport.ConnectEvent)
	Data    func(transport.DataEvent)
	Close   func(transport.CloseEvent)
}

func (f ObserverFuncs) OnConnect(e transport.ConnectEvent) {
	if f.Connect != nil {
		f.Connect(e)
	}
}

func (f ObserverFuncs) OnData(e transport.DataEvent) {
	if f.Data != nil {
		f.Data(e)
	}
}

func (f ObserverFuncs) OnClose(e transport.CloseEvent) {
	if f.Close != nil {
		f.Close(e)
	}
}

var noopObserver Observer = ObserverFuncs{}

// Subscription is the handle returned by Registry.Subscribe.
type Subscription struct {
	slot     *observerSlot
	observer Observer
}

// Cancel detaches the observer if it is still the current one. Later subscriptions are
// left untouched.
func (s *Subscription) Cancel() {
	s.slot.mu.Lock()
	defer s.slot.mu.Unlock()
	if s.slot.current == s {
		s.slot.current = nil
	}
}

// observerSlot holds the single current subscription. Dispatch reads it at delivery time.
type observerSlot struct {
	mu      sync.RWMutex
	current *Subscription
}

func (s *observerSlot) replace(o Observer) *Subscription {
	sub := &Subscription{slot: s, observer: o}
	s.mu.Lock()
	s.current = sub
	s.mu.Unlock()
	return sub
}

func (s *observerSlot) load() Observer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil || s.current.observer == nil {
		return noopObserver
	}
	return s.current.observer
}
