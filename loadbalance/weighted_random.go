package loadbalance

import (
	"math/rand"
	"sync"
	"time"
)

// WeightedRandom picks a candidate with probability proportional to Weight(candidate).
// Candidates with a non-positive weight are never chosen unless every weight is
// non-positive, in which case the choice is uniform.
type WeightedRandom[T any] struct {
	Weight func(T) int

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewWeightedRandom builds a WeightedRandom balancer using weight.
func NewWeightedRandom[T any](weight func(T) int, opts ...RandomOption) *WeightedRandom[T] {
	var o randomOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.source == nil {
		o.source = rand.NewSource(time.Now().UnixNano())
	}
	return &WeightedRandom[T]{Weight: weight, rnd: rand.New(o.source)}
}

func (b *WeightedRandom[T]) Pick(candidates []T) (T, error) {
	var zero T
	if len(candidates) == 0 {
		return zero, ErrNoCandidates
	}

	total := 0
	for _, c := range candidates {
		if w := b.Weight(c); w > 0 {
			total += w
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if total == 0 {
		return candidates[b.rnd.Intn(len(candidates))], nil
	}
	r := b.rnd.Intn(total)
	for _, c := range candidates {
		w := b.Weight(c)
		if w <= 0 {
			continue
		}
		r -= w
		if r < 0 {
			return c, nil
		}
	}
	return zero, ErrNoCandidates
}

func (b *WeightedRandom[T]) Name() string {
	return "weighted-random"
}
