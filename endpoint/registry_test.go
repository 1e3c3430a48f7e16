package endpoint

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"rpcagent/eventbus"
	"rpcagent/loadbalance"
	"rpcagent/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakePool struct {
	endpoint string

	mu         sync.Mutex
	available  bool
	closed     bool
	sub        transport.Subscriber
	subscribed int
}

func (p *fakePool) Subscribe(s transport.Subscriber) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sub = s
	p.subscribed++
}

func (p *fakePool) HasAvailableNodes() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.available
}

func (p *fakePool) IsAllClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePool) setAvailable(v bool) {
	p.mu.Lock()
	p.available = v
	p.mu.Unlock()
}

func (p *fakePool) subscriber() transport.Subscriber {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sub
}

// markClosed flips the pool to fully closed without notifying anyone.
func (p *fakePool) markClosed() {
	p.mu.Lock()
	p.closed = true
	p.available = false
	p.mu.Unlock()
}

// closeAll marks the pool closed and fires the close event of its last worker.
func (p *fakePool) closeAll() {
	p.markClosed()
	p.subscriber().OnClose(transport.CloseEvent{Endpoint: p.endpoint, PID: "pid-0", Err: errors.New("EOF")})
}

func (p *fakePool) connect() {
	p.subscriber().OnConnect(transport.ConnectEvent{Endpoint: p.endpoint, PID: "pid-0"})
}

type fakeFactory struct {
	mu        sync.Mutex
	available bool
	pools     map[string][]*fakePool
}

func newFakeFactory(available bool) *fakeFactory {
	return &fakeFactory{available: available, pools: make(map[string][]*fakePool)}
}

func (f *fakeFactory) build(endpoint string) Pool {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &fakePool{endpoint: endpoint, available: f.available}
	f.pools[endpoint] = append(f.pools[endpoint], p)
	return p
}

func (f *fakeFactory) pool(endpoint string) *fakePool {
	f.mu.Lock()
	defer f.mu.Unlock()
	built := f.pools[endpoint]
	if len(built) == 0 {
		return nil
	}
	return built[len(built)-1]
}

func (f *fakeFactory) created(endpoint string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pools[endpoint])
}

func newRegistry(t *testing.T, f *fakeFactory, opts ...Option) *Registry {
	t.Helper()
	r := New(f.build, opts...)
	t.Cleanup(r.Close)
	return r
}

func settle(t *testing.T, r *Registry) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.Settle(ctx))
}

// eventLog collects bus events.
type eventLog struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func listen(bus *eventbus.Bus) *eventLog {
	l := &eventLog{}
	bus.Subscribe(func(e eventbus.Event) {
		l.mu.Lock()
		l.events = append(l.events, e)
		l.mu.Unlock()
	})
	return l
}

func (l *eventLog) snapshot() []eventbus.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]eventbus.Event(nil), l.events...)
}

func TestAdmitIsIdempotent(t *testing.T) {
	f := newFakeFactory(true)
	r := newRegistry(t, f)

	r.Admit("h1:20880")
	settle(t, r)
	r.Admit("h1:20880", "h1:20880")
	settle(t, r)

	assert.Equal(t, 1, f.created("h1:20880"))
	assert.Equal(t, []string{"h1:20880"}, r.Endpoints())
	assert.Equal(t, 1, f.pool("h1:20880").subscribed)
}

func TestAdmitEmptyIsNoop(t *testing.T) {
	r := newRegistry(t, newFakeFactory(true))
	assert.Same(t, r, r.Admit())
	settle(t, r)
	assert.Zero(t, r.Len())
}

func TestAdmitIsVisibleOnlyAfterATurn(t *testing.T) {
	f := newFakeFactory(true)
	r := newRegistry(t, f)

	// Hold the executor so the admission cannot run before the assertions below.
	gate := make(chan struct{})
	require.True(t, r.exec.post(func() { <-gate }))

	r.Admit("h1:20880")
	assert.False(t, r.HasAvailablePool([]string{"h1:20880"}))
	assert.Zero(t, f.created("h1:20880"), "pools are not built on the caller's goroutine")

	close(gate)
	settle(t, r)
	assert.True(t, r.HasAvailablePool([]string{"h1:20880"}))
}

func TestAvailablePoolsPreservesInputOrder(t *testing.T) {
	f := newFakeFactory(true)
	r := newRegistry(t, f)
	r.Admit("a:1", "b:1", "c:1", "d:1")
	settle(t, r)
	f.pool("b:1").setAvailable(false)

	tests := []struct {
		in   []string
		want []string
	}{
		{[]string{"a:1", "b:1", "c:1", "d:1"}, []string{"a:1", "c:1", "d:1"}},
		{[]string{"d:1", "c:1", "b:1", "a:1"}, []string{"d:1", "c:1", "a:1"}},
		{[]string{"c:1", "unknown:1", "a:1", "d:1"}, []string{"c:1", "a:1", "d:1"}},
		{[]string{"b:1", "unknown:1"}, nil},
		{nil, nil},
	}
	for _, tt := range tests {
		var got []string
		for _, p := range r.AvailablePools(tt.in) {
			got = append(got, p.(*fakePool).endpoint)
		}
		assert.Equal(t, tt.want, got, "input %v", tt.in)
		assert.Equal(t, len(tt.want) > 0, r.HasAvailablePool(tt.in), "input %v", tt.in)
	}
}

func TestPickAvailablePool(t *testing.T) {
	f := newFakeFactory(true)
	r := newRegistry(t, f, Seed(1))
	r.Admit("a:1", "b:1")
	settle(t, r)
	f.pool("b:1").setAvailable(false)

	assert.Nil(t, r.PickAvailablePool(nil))
	assert.Nil(t, r.PickAvailablePool([]string{"unknown:1", "b:1"}))

	for i := 0; i < 100; i++ {
		assert.Same(t, f.pool("a:1"), r.PickAvailablePool([]string{"a:1", "b:1"}))
	}
}

func TestPickAvailablePoolIsUniform(t *testing.T) {
	f := newFakeFactory(true)
	r := newRegistry(t, f, Seed(20880))
	endpoints := []string{"10.0.0.1:20880", "10.0.0.2:20880", "10.0.0.3:20880", "10.0.0.4:20880"}
	r.Admit(endpoints...)
	settle(t, r)

	const trials = 10000
	counts := map[Pool]int{}
	for i := 0; i < trials; i++ {
		p := r.PickAvailablePool(endpoints)
		require.NotNil(t, p)
		counts[p]++
	}

	require.Len(t, counts, len(endpoints))
	expected := float64(trials) / float64(len(endpoints))
	for _, ep := range endpoints {
		assert.InEpsilon(t, expected, float64(counts[f.pool(ep)]), 0.15, "endpoint %s", ep)
	}
}

func TestPickAvailablePoolWithBalancer(t *testing.T) {
	f := newFakeFactory(true)
	r := newRegistry(t, f, WithBalancer(&loadbalance.RoundRobin[Pool]{}))
	endpoints := []string{"a:1", "b:1", "c:1"}
	r.Admit(endpoints...)
	settle(t, r)

	for round := 0; round < 2; round++ {
		for _, ep := range endpoints {
			assert.Same(t, f.pool(ep), r.PickAvailablePool(endpoints))
		}
	}
}

func TestEvictionRemovesOnlyDeadEndpoints(t *testing.T) {
	bus := eventbus.New()
	events := listen(bus)
	f := newFakeFactory(true)
	r := newRegistry(t, f, WithBus(bus))

	r.Admit("10.0.0.1:20880", "10.0.0.2:20880")
	settle(t, r)
	assert.Equal(t, []string{"10.0.0.1:20880", "10.0.0.2:20880"}, r.Endpoints())

	f.pool("10.0.0.1:20880").closeAll()
	settle(t, r)

	assert.Equal(t, []string{"10.0.0.2:20880"}, r.Endpoints())
	assert.False(t, r.HasAvailablePool([]string{"10.0.0.1:20880"}))

	require.Eventually(t, func() bool { return len(events.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	e := events.snapshot()[0]
	assert.Equal(t, eventbus.KindSysErr, e.Kind)
	assert.Equal(t, "10.0.0.1:20880", e.Endpoint)
	assert.ErrorIs(t, e.Err, ErrEndpointLost)
	var lost *LostError
	require.ErrorAs(t, e.Err, &lost)
	assert.Equal(t, "10.0.0.1:20880", lost.Endpoint)
	assert.Contains(t, e.Err.Error(), "10.0.0.1:20880")

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, events.snapshot(), 1)
}

func TestEvictionSweepsWholeTable(t *testing.T) {
	bus := eventbus.New()
	events := listen(bus)
	f := newFakeFactory(true)
	r := newRegistry(t, f, WithBus(bus))
	r.Admit("a:1", "b:1", "c:1")
	settle(t, r)

	f.pool("b:1").markClosed() // silently dead
	f.pool("a:1").closeAll()
	settle(t, r)

	assert.Equal(t, []string{"c:1"}, r.Endpoints())
	require.Eventually(t, func() bool { return len(events.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestCloseIsForwardedAfterSweep(t *testing.T) {
	f := newFakeFactory(true)
	r := newRegistry(t, f)
	r.Admit("a:1", "b:1")
	settle(t, r)

	seen := make(chan int, 1)
	r.Subscribe(ObserverFuncs{Close: func(e transport.CloseEvent) {
		assert.Equal(t, "a:1", e.Endpoint)
		seen <- r.Len()
	}})
	f.pool("a:1").closeAll()
	settle(t, r)

	select {
	case n := <-seen:
		assert.Equal(t, 1, n, "the dead pool is gone before observers hear about it")
	default:
		t.Fatal("close event not forwarded")
	}
}

func TestCloseOfLivePoolKeepsIt(t *testing.T) {
	f := newFakeFactory(true)
	r := newRegistry(t, f)
	r.Admit("a:1")
	settle(t, r)

	closes := 0
	r.Subscribe(ObserverFuncs{Close: func(transport.CloseEvent) { closes++ }})
	// one worker of a:1 died, the others are still connected
	f.pool("a:1").subscriber().OnClose(transport.CloseEvent{Endpoint: "a:1", PID: "pid-1"})
	settle(t, r)

	assert.Equal(t, []string{"a:1"}, r.Endpoints())
	assert.Equal(t, 1, closes)
}

func TestObserverIsLateBound(t *testing.T) {
	f := newFakeFactory(true)
	r := newRegistry(t, f)

	var mu sync.Mutex
	var gotA, gotB []transport.ConnectEvent
	r.Subscribe(ObserverFuncs{Connect: func(e transport.ConnectEvent) { mu.Lock(); gotA = append(gotA, e); mu.Unlock() }})
	r.Admit("h1:20880")
	r.Subscribe(ObserverFuncs{Connect: func(e transport.ConnectEvent) { mu.Lock(); gotB = append(gotB, e); mu.Unlock() }})
	settle(t, r)

	f.pool("h1:20880").connect()

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, gotA)
	require.Len(t, gotB, 1)
	assert.Equal(t, "h1:20880", gotB[0].Endpoint)
}

func TestDataIsForwarded(t *testing.T) {
	f := newFakeFactory(true)
	r := newRegistry(t, f)
	r.Admit("a:1")
	settle(t, r)

	var got []transport.DataEvent
	r.Subscribe(ObserverFuncs{Data: func(e transport.DataEvent) { got = append(got, e) }})
	f.pool("a:1").subscriber().OnData(transport.DataEvent{Endpoint: "a:1", PID: "p"})

	require.Len(t, got, 1)
	assert.Equal(t, "a:1", got[0].Endpoint)
}

func TestSubscriptionCancel(t *testing.T) {
	f := newFakeFactory(true)
	r := newRegistry(t, f)
	r.Admit("a:1")
	settle(t, r)

	var a, b int
	subA := r.Subscribe(ObserverFuncs{Connect: func(transport.ConnectEvent) { a++ }})
	subB := r.Subscribe(ObserverFuncs{Connect: func(transport.ConnectEvent) { b++ }})

	subA.Cancel() // stale: B stays current
	f.pool("a:1").connect()
	assert.Equal(t, 0, a)
	assert.Equal(t, 1, b)

	subB.Cancel()
	f.pool("a:1").connect()
	assert.Equal(t, 1, b)
}

func TestEvictedEndpointIsNotReadmittedByDefault(t *testing.T) {
	f := newFakeFactory(true)
	r := newRegistry(t, f)
	r.Admit("a:1")
	settle(t, r)
	f.pool("a:1").closeAll()
	settle(t, r)

	r.Admit("a:1")
	settle(t, r)
	assert.Equal(t, 1, f.created("a:1"))
	assert.Zero(t, r.Len())
}

func TestReadmitEvicted(t *testing.T) {
	f := newFakeFactory(true)
	r := newRegistry(t, f, ReadmitEvicted(true))
	r.Admit("a:1")
	settle(t, r)
	first := f.pool("a:1")
	first.closeAll()
	settle(t, r)

	r.Admit("a:1")
	settle(t, r)
	assert.Equal(t, 2, f.created("a:1"))
	require.True(t, r.HasAvailablePool([]string{"a:1"}))
	assert.NotSame(t, first, r.PickAvailablePool([]string{"a:1"}))
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := newFakeFactory(true)
	r := newRegistry(t, f, WithRegisterer(reg))

	r.Admit("a:1", "b:1", "c:1")
	settle(t, r)
	f.pool("c:1").closeAll()
	settle(t, r)

	assert.Equal(t, 3.0, testutil.ToFloat64(r.metrics.admissions))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.evictions))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.metrics.pools))

	n, err := testutil.GatherAndCount(reg, "rpcagent_endpoint_pools")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestClose(t *testing.T) {
	f := newFakeFactory(true)
	r := New(f.build)
	r.Admit("a:1")
	r.Close()
	r.Close()

	// the admission queued before Close still ran
	assert.Equal(t, 1, r.Len())
	assert.ErrorIs(t, r.Settle(context.Background()), ErrClosed)

	r.Admit("b:1")
	assert.Zero(t, f.created("b:1"))

	closes := 0
	r.Subscribe(ObserverFuncs{Close: func(transport.CloseEvent) { closes++ }})
	f.pool("a:1").closeAll()
	assert.Equal(t, 1, closes, "close events still reach the observer")
}

func TestSettleHonorsContext(t *testing.T) {
	r := newRegistry(t, newFakeFactory(true))
	gate := make(chan struct{})
	defer close(gate)
	require.True(t, r.exec.post(func() { <-gate }))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Settle(ctx), context.DeadlineExceeded)
}

func TestTransportPools(t *testing.T) {
	p := TransportPools(transport.Size(1))("127.0.0.1:20880")
	tp, ok := p.(*transport.Pool)
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1:20880", tp.Addr())
	assert.False(t, p.HasAvailableNodes())
	require.NoError(t, tp.Close())
}
