// Package loadbalance holds the selection policies used to choose one endpoint pool out of
// the currently serviceable candidates.
//
// A policy only ever sees the filtered candidate list, so it can be tested without any
// registry state:
//   - Random:          uniform choice; the default, needs no load information
//   - RoundRobin:      strict rotation across calls
//   - WeightedRandom:  choice proportional to a caller supplied weight
package loadbalance

import "errors"

// ErrNoCandidates is returned by Pick for an empty candidate list.
var ErrNoCandidates = errors.New("loadbalance: no candidates available")

// Balancer selects one element of candidates. Implementations must be safe for
// concurrent use.
type Balancer[T any] interface {
	Pick(candidates []T) (T, error)

	// Name returns the policy name, used in logs and configuration.
	Name() string
}

// New returns the policy registered under name, or false if there is none.
func New[T any](name string) (Balancer[T], bool) {
	switch name {
	case "", "random":
		return NewRandom[T](), true
	case "roundrobin":
		return &RoundRobin[T]{}, true
	}
	return nil, false
}
