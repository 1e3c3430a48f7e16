package discovery

import (
	"context"
	"sync"
)

// StaticRegistry is an in-memory Registry for local setups and tests. TTLs are ignored.
type StaticRegistry struct {
	mu        sync.Mutex
	instances map[string]map[string]ServiceInstance // service → addr → instance
	watchers  map[string]map[chan []ServiceInstance]struct{}
}

// NewStaticRegistry creates a registry pre-populated with services.
func NewStaticRegistry(services map[string][]ServiceInstance) *StaticRegistry {
	s := &StaticRegistry{
		instances: make(map[string]map[string]ServiceInstance),
		watchers:  make(map[string]map[chan []ServiceInstance]struct{}),
	}
	for name, list := range services {
		for _, in := range list {
			s.put(name, in)
		}
	}
	return s
}

func (s *StaticRegistry) put(serviceName string, instance ServiceInstance) {
	byAddr, ok := s.instances[serviceName]
	if !ok {
		byAddr = make(map[string]ServiceInstance)
		s.instances[serviceName] = byAddr
	}
	byAddr[instance.Addr] = instance
}

func (s *StaticRegistry) Register(_ context.Context, serviceName string, instance ServiceInstance, _ int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(serviceName, instance)
	s.notify(serviceName)
	return nil
}

func (s *StaticRegistry) Deregister(_ context.Context, serviceName string, addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.instances[serviceName], addr)
	s.notify(serviceName)
	return nil
}

func (s *StaticRegistry) Discover(_ context.Context, serviceName string) ([]ServiceInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.list(serviceName)
	if len(list) == 0 {
		return nil, ErrServiceNotFound
	}
	return list, nil
}

func (s *StaticRegistry) Watch(ctx context.Context, serviceName string) (<-chan []ServiceInstance, error) {
	ch := make(chan []ServiceInstance, 1)
	s.mu.Lock()
	ch <- s.list(serviceName)
	ws, ok := s.watchers[serviceName]
	if !ok {
		ws = make(map[chan []ServiceInstance]struct{})
		s.watchers[serviceName] = ws
	}
	ws[ch] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.watchers[serviceName], ch)
		close(ch)
		s.mu.Unlock()
	}()
	return ch, nil
}

// list must be called with s.mu held.
func (s *StaticRegistry) list(serviceName string) []ServiceInstance {
	byAddr := s.instances[serviceName]
	list := make([]ServiceInstance, 0, len(byAddr))
	for _, in := range byAddr {
		list = append(list, in)
	}
	return list
}

// notify replaces any unread snapshot with the latest one. Must be called with s.mu held.
func (s *StaticRegistry) notify(serviceName string) {
	list := s.list(serviceName)
	for ch := range s.watchers[serviceName] {
		select {
		case <-ch:
		default:
		}
		ch <- list
	}
}
