package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"rpcagent/codec"
	"rpcagent/message"
)

var (
	// ErrPoolClosed is the close reason of workers stopped by Pool.Close.
	ErrPoolClosed = errors.New("transport: pool closed")
	// ErrNoAvailableNode is returned by Send when no worker currently holds a connection.
	ErrNoAvailableNode = errors.New("transport: no available connection")
)

// Dialer opens a connection to addr.
type Dialer func(ctx context.Context, addr string) (net.Conn, error)

type poolOptions struct {
	size        int
	maxRetries  int
	retryLimit  rate.Limit
	retryBurst  int
	dialTimeout time.Duration
	heartbeat   time.Duration
	codec       codec.CodecType
	dialer      Dialer
	logger      *zap.Logger
}

var defaultPoolOptions = poolOptions{
	size:        4,
	maxRetries:  3,
	retryLimit:  rate.Every(time.Second),
	retryBurst:  1,
	dialTimeout: 3 * time.Second,
	heartbeat:   DefaultHeartbeat,
	codec:       codec.CodecTypeJSON,
}

// PoolOption customizes a Pool.
type PoolOption func(*poolOptions)

// Size sets the number of connections the pool keeps to its endpoint. Defaults to 4.
func Size(n int) PoolOption {
	return func(o *poolOptions) { o.size = n }
}

// MaxRetries sets how many consecutive failed dials or lost connections a worker tolerates
// before it gives up for good. Defaults to 3.
func MaxRetries(n int) PoolOption {
	return func(o *poolOptions) { o.maxRetries = n }
}

// RetryRate paces reconnect attempts across all workers of the pool.
// Defaults to one attempt per second with a burst of one.
func RetryRate(limit rate.Limit, burst int) PoolOption {
	return func(o *poolOptions) {
		o.retryLimit = limit
		o.retryBurst = burst
	}
}

func DialTimeout(d time.Duration) PoolOption {
	return func(o *poolOptions) { o.dialTimeout = d }
}

func Heartbeat(d time.Duration) PoolOption {
	return func(o *poolOptions) { o.heartbeat = d }
}

func Codec(ct codec.CodecType) PoolOption {
	return func(o *poolOptions) { o.codec = ct }
}

// WithDialer replaces the TCP dialer, mostly for tests.
func WithDialer(d Dialer) PoolOption {
	return func(o *poolOptions) { o.dialer = d }
}

func WithLogger(l *zap.Logger) PoolOption {
	return func(o *poolOptions) { o.logger = l }
}

// Pool keeps a fixed number of multiplexed connections open to one endpoint.
//
// Dialing starts when the first subscriber is attached, so that no ConnectEvent can fire
// before anybody listens. Each connection is owned by a worker with a stable PID; a worker
// reconnects after failures until it exceeds MaxRetries, then reports a CloseEvent and stays
// closed. Once every worker is closed the pool is IsAllClosed and never recovers.
type Pool struct {
	addr    string
	opts    poolOptions
	logger  *zap.Logger
	limiter *rate.Limiter
	workers []*worker
	next    atomic.Uint64

	subMu sync.RWMutex
	sub   Subscriber

	startOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewPool creates an idle pool for addr.
func NewPool(addr string, opts ...PoolOption) *Pool {
	o := defaultPoolOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.size < 1 {
		o.size = 1
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.dialer == nil {
		d := &net.Dialer{Timeout: o.dialTimeout}
		o.dialer = func(ctx context.Context, addr string) (net.Conn, error) {
			return d.DialContext(ctx, "tcp", addr)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		addr:    addr,
		opts:    o,
		logger:  o.logger.With(zap.String("endpoint", addr)),
		limiter: rate.NewLimiter(o.retryLimit, o.retryBurst),
		ctx:     ctx,
		cancel:  cancel,
	}
	p.workers = make([]*worker, o.size)
	for i := range p.workers {
		p.workers[i] = &worker{pool: p, pid: uuid.NewString()}
	}
	return p
}

// Addr returns the endpoint this pool connects to.
func (p *Pool) Addr() string {
	return p.addr
}

// Subscribe replaces the pool's subscriber and, on the first call, starts dialing.
func (p *Pool) Subscribe(s Subscriber) {
	p.subMu.Lock()
	p.sub = s
	p.subMu.Unlock()

	p.startOnce.Do(func() {
		p.logger.Debug("starting connection pool", zap.Int("size", len(p.workers)))
		for _, w := range p.workers {
			p.wg.Add(1)
			go w.run(p.ctx)
		}
	})
}

func (p *Pool) subscriber() Subscriber {
	p.subMu.RLock()
	defer p.subMu.RUnlock()
	return p.sub
}

// HasAvailableNodes reports whether at least one worker holds a live connection.
func (p *Pool) HasAvailableNodes() bool {
	for _, w := range p.workers {
		if w.current() != nil {
			return true
		}
	}
	return false
}

// IsAllClosed reports whether every worker has given up for good.
func (p *Pool) IsAllClosed() bool {
	for _, w := range p.workers {
		if !w.dead.Load() {
			return false
		}
	}
	return true
}

// AvailableNodes counts the workers that currently hold a live connection.
func (p *Pool) AvailableNodes() int {
	n := 0
	for _, w := range p.workers {
		if w.current() != nil {
			n++
		}
	}
	return n
}

// Send writes a request on the next live connection in rotation.
func (p *Pool) Send(serviceMethod string, args any) (*ClientTransport, uint32, <-chan *message.RPCMessage, error) {
	n := uint64(len(p.workers))
	start := p.next.Inc()
	for i := uint64(0); i < n; i++ {
		t := p.workers[(start+i)%n].current()
		if t == nil {
			continue
		}
		seq, ch, err := t.Send(serviceMethod, args)
		if errors.Is(err, ErrTransportClosed) {
			continue
		}
		return t, seq, ch, err
	}
	return nil, 0, nil, ErrNoAvailableNode
}

// Call sends a request and waits for its response or for ctx to end.
func (p *Pool) Call(ctx context.Context, serviceMethod string, args any) (*message.RPCMessage, error) {
	t, seq, ch, err := p.Send(serviceMethod, args)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.addr, err)
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		t.Forget(seq)
		return nil, ctx.Err()
	}
}

// Close stops every worker and closes their connections. Workers that were still running
// report a CloseEvent with ErrPoolClosed.
func (p *Pool) Close() error {
	p.startOnce.Do(func() {}) // a never started pool has nothing to wait for
	p.cancel()
	p.wg.Wait()

	var err error
	for _, w := range p.workers {
		err = multierr.Append(err, w.closeErr)
		if !w.dead.Load() {
			w.die(ErrPoolClosed)
		}
	}
	return err
}

// worker owns one connection slot of a pool.
type worker struct {
	pool *Pool
	pid  string

	mu        sync.Mutex
	transport *ClientTransport

	dead     atomic.Bool
	closeErr error // written by run before wg.Done
}

func (w *worker) current() *ClientTransport {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.transport != nil && !w.transport.Alive() {
		return nil
	}
	return w.transport
}

func (w *worker) set(t *ClientTransport) {
	w.mu.Lock()
	w.transport = t
	w.mu.Unlock()
}

func (w *worker) run(ctx context.Context) {
	defer w.pool.wg.Done()
	p := w.pool
	log := p.logger.With(zap.String("pid", w.pid))

	failures := 0
	var lastErr error
	for {
		if failures > p.opts.maxRetries {
			log.Warn("connection worker giving up", zap.Int("failures", failures), zap.Error(lastErr))
			w.die(lastErr)
			return
		}
		if failures > 0 {
			if err := p.limiter.Wait(ctx); err != nil {
				return
			}
		}

		conn, err := p.opts.dialer(ctx, p.addr)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			lastErr = err
			log.Debug("dial failed", zap.Int("failures", failures), zap.Error(err))
			continue
		}

		t := NewClientTransport(conn, p.opts.codec,
			WithHeartbeat(p.opts.heartbeat),
			WithDataHandler(func(m *message.RPCMessage) {
				p.subscriber().data(DataEvent{Endpoint: p.addr, PID: w.pid, Message: m})
			}),
		)
		w.set(t)
		failures = 0
		log.Debug("connected")
		p.subscriber().connect(ConnectEvent{Endpoint: p.addr, PID: w.pid})

		select {
		case <-ctx.Done():
			w.closeErr = t.Close()
			w.set(nil)
			return
		case <-t.Done():
			w.set(nil)
			failures++
			lastErr = t.Err()
			log.Debug("connection lost", zap.Error(lastErr))
		}
	}
}

// die marks the worker closed before notifying, so that a subscriber reacting to the last
// CloseEvent already sees IsAllClosed.
func (w *worker) die(err error) {
	if w.dead.Swap(true) {
		return
	}
	w.pool.subscriber().close(CloseEvent{Endpoint: w.pool.addr, PID: w.pid, Err: err})
}
