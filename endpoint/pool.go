package endpoint

import "rpcagent/transport"

// Pool is the part of a connection pool the registry relies on. The registry never looks at
// individual connections.
type Pool interface {
	// Subscribe attaches the handlers the pool notifies about its connections.
	Subscribe(transport.Subscriber)
	// HasAvailableNodes reports whether at least one connection is usable.
	HasAvailableNodes() bool
	// IsAllClosed reports whether every connection is permanently dead.
	IsAllClosed() bool
}

// PoolFactory builds the pool for an endpoint identity.
type PoolFactory func(endpoint string) Pool

// TransportPools is a PoolFactory producing *transport.Pool values.
func TransportPools(opts ...transport.PoolOption) PoolFactory {
	return func(endpoint string) Pool {
		return transport.NewPool(endpoint, opts...)
	}
}
