// Package discovery finds the instances of a service. Its output, a list of "host:port"
// endpoint identities, is what the endpoint registry admits.
package discovery

import (
	"context"
	"errors"
	"sort"
)

// ErrServiceNotFound is returned by Discover for a service without instances.
var ErrServiceNotFound = errors.New("discovery: service not found")

// ServiceInstance is one registered instance of a service.
type ServiceInstance struct {
	Addr    string // endpoint identity, host:port
	Weight  int
	Version string
}

// Registry registers service instances and reports them to clients.
type Registry interface {
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	// Watch emits the current instance list, then a fresh list after every change, until
	// ctx ends. The channel is closed when watching stops.
	Watch(ctx context.Context, serviceName string) (<-chan []ServiceInstance, error)
}

// Addrs returns the distinct endpoint identities of instances, sorted.
func Addrs(instances []ServiceInstance) []string {
	seen := make(map[string]struct{}, len(instances))
	addrs := make([]string, 0, len(instances))
	for _, in := range instances {
		if in.Addr == "" {
			continue
		}
		if _, ok := seen[in.Addr]; ok {
			continue
		}
		seen[in.Addr] = struct{}{}
		addrs = append(addrs, in.Addr)
	}
	sort.Strings(addrs)
	return addrs
}
