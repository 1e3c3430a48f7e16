// Package client issues calls against services found through discovery. It keeps no
// connections of its own: discovery snapshots are fed into an endpoint.Registry, and every
// call picks one of the registry's available pools for the target service.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"rpcagent/discovery"
	"rpcagent/endpoint"
	"rpcagent/message"
	"rpcagent/middleware"
)

// ErrNoEndpoint is returned by Call when no instance of the service can take a request.
var ErrNoEndpoint = errors.New("client: no endpoint available")

// ServerError is an error reported by the remote handler.
type ServerError string

func (e ServerError) Error() string {
	return string(e)
}

// caller is implemented by pools that can carry a request, such as *transport.Pool.
type caller interface {
	Call(ctx context.Context, serviceMethod string, args any) (*message.RPCMessage, error)
}

// Option customizes a Client.
type Option func(*Client)

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithMiddleware appends mws to the call chain; the first one runs outermost.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(c *Client) { c.middlewares = append(c.middlewares, mws...) }
}

// Client routes calls to the endpoints discovery reports for each service.
type Client struct {
	registry    *endpoint.Registry
	discovery   discovery.Registry
	logger      *zap.Logger
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc

	mu       sync.RWMutex
	services map[string][]string
	cancels  []context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a client that admits discovered endpoints into reg.
func New(reg *endpoint.Registry, disc discovery.Registry, opts ...Option) *Client {
	c := &Client{
		registry:  reg,
		discovery: disc,
		logger:    zap.NewNop(),
		services:  make(map[string][]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.handler = middleware.Chain(c.middlewares...)(c.invoke)
	return c
}

// Watch follows the instances of service until ctx ends or the client is closed. It returns
// once the first snapshot has been handed to the registry.
func (c *Client) Watch(ctx context.Context, service string) error {
	ctx, cancel := context.WithCancel(ctx)
	updates, err := c.discovery.Watch(ctx, service)
	if err != nil {
		cancel()
		return fmt.Errorf("client: watch %s: %w", service, err)
	}

	select {
	case instances, ok := <-updates:
		if !ok {
			cancel()
			return fmt.Errorf("client: watch %s: closed before the first snapshot", service)
		}
		c.apply(service, instances)
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}

	c.mu.Lock()
	c.cancels = append(c.cancels, cancel)
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for instances := range updates {
			c.apply(service, instances)
		}
		c.logger.Debug("stopped watching", zap.String("service", service))
	}()
	return nil
}

func (c *Client) apply(service string, instances []discovery.ServiceInstance) {
	addrs := discovery.Addrs(instances)
	c.mu.Lock()
	c.services[service] = addrs
	c.mu.Unlock()
	c.logger.Debug("service instances", zap.String("service", service), zap.Strings("endpoints", addrs))
	c.registry.Admit(addrs...)
}

// Endpoints returns the last known endpoints of service.
func (c *Client) Endpoints(service string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.services[service]
}

// Call invokes serviceMethod ("Service.Method") with args and decodes the result into reply.
// reply may be nil when the result is not needed.
func (c *Client) Call(ctx context.Context, serviceMethod string, args, reply any) error {
	if _, _, ok := strings.Cut(serviceMethod, "."); !ok {
		return fmt.Errorf("client: invalid service method %q", serviceMethod)
	}
	payload, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("client: marshal args: %w", err)
	}

	resp := c.handler(ctx, &message.RPCMessage{ServiceMethod: serviceMethod, Payload: payload})
	switch resp.Error {
	case "":
	case ErrNoEndpoint.Error():
		return ErrNoEndpoint
	default:
		return ServerError(resp.Error)
	}

	if reply == nil || len(resp.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Payload, reply); err != nil {
		return fmt.Errorf("client: unmarshal reply: %w", err)
	}
	return nil
}

// invoke is the innermost handler: it picks a pool among the service's endpoints and sends.
func (c *Client) invoke(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	service, _, _ := strings.Cut(req.ServiceMethod, ".")
	pool := c.registry.PickAvailablePool(c.Endpoints(service))
	if pool == nil {
		return message.Failed(req.ServiceMethod, ErrNoEndpoint)
	}
	p, ok := pool.(caller)
	if !ok {
		return message.Failed(req.ServiceMethod, fmt.Errorf("client: pool %T cannot send requests", pool))
	}

	resp, err := p.Call(ctx, req.ServiceMethod, json.RawMessage(req.Payload))
	if err != nil {
		return message.Failed(req.ServiceMethod, err)
	}
	return resp
}

// Close stops every watch. The registry and its pools belong to the caller.
func (c *Client) Close() {
	c.mu.Lock()
	cancels := c.cancels
	c.cancels = nil
	c.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	c.wg.Wait()
}
