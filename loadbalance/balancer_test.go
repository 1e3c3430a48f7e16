package loadbalance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var endpoints = []string{"10.0.0.1:20880", "10.0.0.2:20880", "10.0.0.3:20880", "10.0.0.4:20880"}

func TestRoundRobin(t *testing.T) {
	b := &RoundRobin[string]{}

	for round := 0; round < 2; round++ {
		for _, want := range endpoints {
			got, err := b.Pick(endpoints)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		}
	}
}

func TestEmptyCandidates(t *testing.T) {
	for _, b := range []Balancer[string]{
		&RoundRobin[string]{},
		NewRandom[string](),
		NewWeightedRandom(func(string) int { return 1 }),
	} {
		t.Run(b.Name(), func(t *testing.T) {
			_, err := b.Pick(nil)
			assert.ErrorIs(t, err, ErrNoCandidates)
		})
	}
}

func TestRandomSingleCandidate(t *testing.T) {
	b := NewRandom[string](Seed(1))
	for i := 0; i < 100; i++ {
		got, err := b.Pick(endpoints[:1])
		require.NoError(t, err)
		assert.Equal(t, endpoints[0], got)
	}
}

func TestRandomIsUniform(t *testing.T) {
	b := NewRandom[string](Seed(42))
	const trials = 10000
	counts := map[string]int{}
	for i := 0; i < trials; i++ {
		got, err := b.Pick(endpoints)
		require.NoError(t, err)
		counts[got]++
	}

	expected := float64(trials) / float64(len(endpoints))
	for _, ep := range endpoints {
		assert.InEpsilon(t, expected, float64(counts[ep]), 0.15, "endpoint %s", ep)
	}
}

func TestRandomSeedIsReproducible(t *testing.T) {
	a, b := NewRandom[string](Seed(7)), NewRandom[string](Seed(7))
	for i := 0; i < 50; i++ {
		x, _ := a.Pick(endpoints)
		y, _ := b.Pick(endpoints)
		require.Equal(t, x, y)
	}
}

func TestWeightedRandom(t *testing.T) {
	weights := map[string]int{":8001": 10, ":8002": 5, ":8003": 10, ":8004": 0}
	candidates := []string{":8001", ":8002", ":8003", ":8004"}
	b := NewWeightedRandom(func(s string) int { return weights[s] }, Seed(3))

	counts := map[string]int{}
	for i := 0; i < 10000; i++ {
		got, err := b.Pick(candidates)
		require.NoError(t, err)
		counts[got]++
	}

	assert.Zero(t, counts[":8004"])
	ratio := float64(counts[":8001"]) / float64(counts[":8002"])
	assert.InDelta(t, 2.0, ratio, 0.5)
}

func TestWeightedRandomAllZero(t *testing.T) {
	b := NewWeightedRandom(func(string) int { return 0 }, Seed(3))
	got, err := b.Pick(endpoints)
	require.NoError(t, err)
	assert.Contains(t, endpoints, got)
}

func TestNew(t *testing.T) {
	b, ok := New[string]("roundrobin")
	require.True(t, ok)
	assert.Equal(t, "roundrobin", b.Name())

	b, ok = New[string]("")
	require.True(t, ok)
	assert.Equal(t, "random", b.Name())

	_, ok = New[string]("least-loaded")
	assert.False(t, ok)
}
