package loadbalance

import "go.uber.org/atomic"

// RoundRobin rotates through the candidates across successive calls.
type RoundRobin[T any] struct {
	counter atomic.Uint64
}

func (b *RoundRobin[T]) Pick(candidates []T) (T, error) {
	var zero T
	if len(candidates) == 0 {
		return zero, ErrNoCandidates
	}
	i := (b.counter.Inc() - 1) % uint64(len(candidates))
	return candidates[i], nil
}

func (b *RoundRobin[T]) Name() string {
	return "roundrobin"
}
