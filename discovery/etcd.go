package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// DefaultPrefix is the root of every key written by EtcdRegistry.
const DefaultPrefix = "/rpcagent/"

// EtcdRegistry keeps service instances in etcd:
//
//	Key:   {prefix}{ServiceName}/{Addr}
//	Value: JSON-encoded ServiceInstance
//
// Registrations are bound to a TTL lease that is kept alive in the background, so an instance
// that dies without deregistering disappears once its lease expires.
type EtcdRegistry struct {
	client *clientv3.Client
	prefix string
	logger *zap.Logger
}

// EtcdOption customizes an EtcdRegistry.
type EtcdOption func(*EtcdRegistry)

func WithPrefix(prefix string) EtcdOption {
	return func(r *EtcdRegistry) { r.prefix = prefix }
}

func WithLogger(l *zap.Logger) EtcdOption {
	return func(r *EtcdRegistry) { r.logger = l }
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration, opts ...EtcdOption) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("discovery: connect etcd: %w", err)
	}
	r := &EtcdRegistry{client: c, prefix: DefaultPrefix, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *EtcdRegistry) servicePrefix(serviceName string) string {
	return r.prefix + serviceName + "/"
}

// Register stores instance under a lease of ttl seconds and keeps the lease alive until
// ctx ends.
func (r *EtcdRegistry) Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("discovery: grant lease: %w", err)
	}
	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}
	key := r.servicePrefix(serviceName) + instance.Addr
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("discovery: put %s: %w", key, err)
	}

	ch, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("discovery: keepalive: %w", err)
	}
	go func() {
		for range ch {
		}
		r.logger.Debug("lease keepalive stopped", zap.String("key", key))
	}()
	return nil
}

// Deregister removes an instance, e.g. during graceful shutdown.
func (r *EtcdRegistry) Deregister(ctx context.Context, serviceName string, addr string) error {
	_, err := r.client.Delete(ctx, r.servicePrefix(serviceName)+addr)
	return err
}

// Discover lists the registered instances of serviceName. Malformed entries are skipped.
func (r *EtcdRegistry) Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	resp, err := r.client.Get(ctx, r.servicePrefix(serviceName), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("discovery: list %s: %w", serviceName, err)
	}

	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.logger.Warn("skipping malformed instance", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Watch re-lists the service after every change under its prefix. Changes are coalesced: a
// watch response carrying several events yields one list.
func (r *EtcdRegistry) Watch(ctx context.Context, serviceName string) (<-chan []ServiceInstance, error) {
	initial, err := r.Discover(ctx, serviceName)
	if err != nil {
		return nil, err
	}

	out := make(chan []ServiceInstance, 1)
	out <- initial
	watchChan := r.client.Watch(ctx, r.servicePrefix(serviceName), clientv3.WithPrefix())
	go func() {
		defer close(out)
		for resp := range watchChan {
			if err := resp.Err(); err != nil {
				r.logger.Warn("watch error", zap.String("service", serviceName), zap.Error(err))
				continue
			}
			instances, err := r.Discover(ctx, serviceName)
			if err != nil {
				r.logger.Warn("re-list failed", zap.String("service", serviceName), zap.Error(err))
				continue
			}
			select {
			case out <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close releases the etcd client.
func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
