package loadbalance

import (
	"math/rand"
	"sync"
	"time"
)

type randomOptions struct {
	source rand.Source
}

// RandomOption customizes a Random balancer.
type RandomOption func(*randomOptions)

// Seed makes the sequence of choices reproducible.
func Seed(seed int64) RandomOption {
	return func(o *randomOptions) { o.source = rand.NewSource(seed) }
}

// Source sets the source of randomness.
func Source(src rand.Source) RandomOption {
	return func(o *randomOptions) { o.source = src }
}

// Random picks uniformly among the candidates.
type Random[T any] struct {
	mu  sync.Mutex // *rand.Rand is not safe for concurrent use
	rnd *rand.Rand
}

// NewRandom builds a Random balancer, seeded from the clock unless an option says otherwise.
func NewRandom[T any](opts ...RandomOption) *Random[T] {
	var o randomOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.source == nil {
		o.source = rand.NewSource(time.Now().UnixNano())
	}
	return &Random[T]{rnd: rand.New(o.source)}
}

func (b *Random[T]) Pick(candidates []T) (T, error) {
	var zero T
	switch len(candidates) {
	case 0:
		return zero, ErrNoCandidates
	case 1:
		return candidates[0], nil
	}
	b.mu.Lock()
	i := b.rnd.Intn(len(candidates))
	b.mu.Unlock()
	return candidates[i], nil
}

func (b *Random[T]) Name() string {
	return "random"
}
