// Package endpoint keeps one connection pool per discovered remote endpoint and answers the
// question "which endpoint can take this request right now?".
//
// Lifecycle of an endpoint:
//
//	discovery ──Admit──▶ (next turn) pool created, events wired ──▶ selectable while it has
//	available nodes ──▶ every connection dead ──▶ evicted, LostError published on the bus
//
// All mutations run on a private executor goroutine, one task at a time. Admit only queues
// work: a query issued right after Admit does not see the new endpoints until the queued
// admission has run. Settle waits for that.
package endpoint

import (
	"context"
	"math/rand"
	"sort"
	"sync"

	mapset "github.com/deckarep/golang-set"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"rpcagent/eventbus"
	"rpcagent/loadbalance"
	"rpcagent/transport"
)

type options struct {
	logger     *zap.Logger
	bus        *eventbus.Bus
	balancer   loadbalance.Balancer[Pool]
	randOpts   []loadbalance.RandomOption
	readmit    bool
	registerer prometheus.Registerer
}

// Option customizes a Registry.
type Option func(*options)

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithBus sets the bus that receives endpoint loss events. Defaults to a private bus.
func WithBus(b *eventbus.Bus) Option {
	return func(o *options) { o.bus = b }
}

// WithBalancer replaces the uniform random choice among available pools.
func WithBalancer(b loadbalance.Balancer[Pool]) Option {
	return func(o *options) { o.balancer = b }
}

// Seed seeds the default random balancer.
func Seed(seed int64) Option {
	return func(o *options) { o.randOpts = append(o.randOpts, loadbalance.Seed(seed)) }
}

// Source sets the randomness of the default balancer.
func Source(src rand.Source) Option {
	return func(o *options) { o.randOpts = append(o.randOpts, loadbalance.Source(src)) }
}

// ReadmitEvicted controls what eviction does to the admitted set. When false (the default)
// an evicted endpoint stays admitted and later Admit calls for it are ignored. When true the
// endpoint is forgotten, and the next Admit builds a fresh pool.
func ReadmitEvicted(readmit bool) Option {
	return func(o *options) { o.readmit = readmit }
}

// WithRegisterer registers the registry metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// Registry maps endpoint identities to their connection pools.
type Registry struct {
	factory  PoolFactory
	logger   *zap.Logger
	bus      *eventbus.Bus
	balancer loadbalance.Balancer[Pool]
	readmit  bool
	metrics  *metrics
	exec     *executor
	observer observerSlot

	// admitted is only touched on the executor.
	admitted mapset.Set

	mu    sync.RWMutex
	pools map[string]Pool
}

// New creates a registry that builds pools with factory.
func New(factory PoolFactory, opts ...Option) *Registry {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.bus == nil {
		o.bus = eventbus.New(eventbus.WithLogger(o.logger))
	}
	if o.balancer == nil {
		o.balancer = loadbalance.NewRandom[Pool](o.randOpts...)
	}

	return &Registry{
		factory:  factory,
		logger:   o.logger,
		bus:      o.bus,
		balancer: o.balancer,
		readmit:  o.readmit,
		metrics:  newMetrics(o.registerer),
		exec:     newExecutor(),
		admitted: mapset.NewThreadUnsafeSet(),
		pools:    make(map[string]Pool),
	}
}

// Admit queues the given endpoints for admission and returns immediately. Endpoints already
// admitted are skipped, so repeated discovery snapshots are cheap.
func (r *Registry) Admit(endpoints ...string) *Registry {
	if len(endpoints) == 0 {
		return r
	}
	batch := append([]string(nil), endpoints...)
	if !r.exec.post(func() { r.admit(batch) }) {
		r.logger.Warn("admission after close ignored", zap.Strings("endpoints", batch))
	}
	return r
}

func (r *Registry) admit(endpoints []string) {
	added := 0
	for _, ep := range endpoints {
		if r.admitted.Contains(ep) {
			continue
		}
		r.admitted.Add(ep)

		r.logger.Debug("admitting endpoint", zap.String("endpoint", ep))
		pool := r.factory(ep)
		r.mu.Lock()
		r.pools[ep] = pool
		r.mu.Unlock()
		pool.Subscribe(r.subscriber())

		r.metrics.admissions.Inc()
		added++
	}
	if added > 0 {
		r.metrics.pools.Set(float64(r.Len()))
		r.logger.Debug("registry endpoints", zap.Strings("endpoints", r.Endpoints()))
	}
}

// subscriber is what every pool reports to. Connect and data go straight to the current
// observer; close is serialized behind the eviction sweep.
func (r *Registry) subscriber() transport.Subscriber {
	return transport.Subscriber{
		OnConnect: func(e transport.ConnectEvent) { r.observer.load().OnConnect(e) },
		OnData:    func(e transport.DataEvent) { r.observer.load().OnData(e) },
		OnClose: func(e transport.CloseEvent) {
			ok := r.exec.post(func() {
				r.evictClosedPools()
				r.observer.load().OnClose(e)
			})
			if !ok {
				r.observer.load().OnClose(e)
			}
		},
	}
}

// evictClosedPools drops every pool whose connections are all dead. It checks the whole
// table, not only the pool that triggered it.
func (r *Registry) evictClosedPools() {
	var lost []string
	r.mu.Lock()
	for ep, pool := range r.pools {
		if pool.IsAllClosed() {
			delete(r.pools, ep)
			lost = append(lost, ep)
		}
	}
	remaining := len(r.pools)
	r.mu.Unlock()

	if len(lost) == 0 {
		return
	}
	sort.Strings(lost)
	for _, ep := range lost {
		if r.readmit {
			r.admitted.Remove(ep)
		}
		err := &LostError{Endpoint: ep}
		r.logger.Warn("evicting endpoint", zap.String("endpoint", ep), zap.Error(err))
		r.bus.Publish(eventbus.Event{Kind: eventbus.KindSysErr, Endpoint: ep, Err: err})
		r.metrics.evictions.Inc()
	}
	r.metrics.pools.Set(float64(remaining))
	r.logger.Debug("registry endpoints", zap.Strings("endpoints", r.Endpoints()))
}

// AvailablePools returns, in the order of endpoints, the pools that are registered and have
// at least one usable connection. Unknown endpoints are skipped.
func (r *Registry) AvailablePools(endpoints []string) []Pool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var available []Pool
	for _, ep := range endpoints {
		if pool, ok := r.pools[ep]; ok && pool.HasAvailableNodes() {
			available = append(available, pool)
		}
	}
	return available
}

// PickAvailablePool chooses one of AvailablePools(endpoints), or returns nil when none can
// take a request. Having no endpoint is an expected condition, not an error.
func (r *Registry) PickAvailablePool(endpoints []string) Pool {
	candidates := r.AvailablePools(endpoints)
	switch len(candidates) {
	case 0:
		return nil
	case 1:
		return candidates[0]
	}
	pool, err := r.balancer.Pick(candidates)
	if err != nil {
		r.logger.Error("balancer failed", zap.String("balancer", r.balancer.Name()), zap.Error(err))
		return nil
	}
	return pool
}

// HasAvailablePool reports whether PickAvailablePool(endpoints) would return a pool.
func (r *Registry) HasAvailablePool(endpoints []string) bool {
	return len(r.AvailablePools(endpoints)) > 0
}

// Subscribe makes o the only observer. The previous observer stops receiving events,
// including events of pools admitted while it was current.
func (r *Registry) Subscribe(o Observer) *Subscription {
	return r.observer.replace(o)
}

// Endpoints lists the registered endpoints in sorted order.
func (r *Registry) Endpoints() []string {
	r.mu.RLock()
	eps := make([]string, 0, len(r.pools))
	for ep := range r.pools {
		eps = append(eps, ep)
	}
	r.mu.RUnlock()
	sort.Strings(eps)
	return eps
}

// Len returns the number of registered endpoints.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pools)
}

// Settle waits until every task queued before the call, admissions and sweeps included,
// has run.
func (r *Registry) Settle(ctx context.Context) error {
	done := make(chan struct{})
	if !r.exec.post(func() { close(done) }) {
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the executor after running what is already queued. Pools are left alone;
// closing them is up to their owner.
func (r *Registry) Close() {
	r.exec.stop()
}
