package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"rpcagent/client"
	"rpcagent/config"
	"rpcagent/discovery"
	"rpcagent/endpoint"
	"rpcagent/eventbus"
	"rpcagent/transport"
)

// agent wires configuration, discovery, the registry and a client together.
type agent struct {
	cfg      *config.Config
	logger   *zap.Logger
	bus      *eventbus.Bus
	disc     discovery.Registry
	registry *endpoint.Registry
	client   *client.Client
	metrics  *http.Server

	mu    sync.Mutex
	pools []io.Closer
}

func newAgent(cfg *config.Config, logger *zap.Logger) (*agent, error) {
	disc, err := newDiscovery(cfg, logger)
	if err != nil {
		return nil, err
	}

	a := &agent{
		cfg:    cfg,
		logger: logger,
		bus:    eventbus.New(eventbus.WithLogger(logger)),
		disc:   disc,
	}
	a.bus.Subscribe(func(e eventbus.Event) {
		if e.Kind == eventbus.KindSysErr {
			logger.Error("endpoint lost", zap.String("endpoint", e.Endpoint), zap.Error(e.Err))
		}
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := append(cfg.RegistryOptions(),
		endpoint.WithLogger(logger.Named("registry")),
		endpoint.WithBus(a.bus),
		endpoint.WithRegisterer(reg),
	)
	a.registry = endpoint.New(a.poolFactory(), opts...)
	a.registry.Subscribe(endpoint.ObserverFuncs{
		Connect: func(e transport.ConnectEvent) {
			logger.Debug("connected", zap.String("endpoint", e.Endpoint), zap.String("pid", e.PID))
		},
		Close: func(e transport.CloseEvent) {
			logger.Info("connection closed", zap.String("endpoint", e.Endpoint), zap.String("pid", e.PID), zap.Error(e.Err))
		},
	})
	a.client = client.New(a.registry, disc, client.WithLogger(logger.Named("client")))

	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		a.metrics = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := a.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server", zap.Error(err))
			}
		}()
	}
	return a, nil
}

func newDiscovery(cfg *config.Config, logger *zap.Logger) (discovery.Registry, error) {
	if cfg.Discovery.Backend == "static" {
		services := make(map[string][]discovery.ServiceInstance)
		for _, svc := range cfg.Discovery.Static {
			for _, addr := range svc.Addrs {
				services[svc.Service] = append(services[svc.Service], discovery.ServiceInstance{Addr: addr})
			}
		}
		return discovery.NewStaticRegistry(services), nil
	}
	etcd, err := discovery.NewEtcdRegistry(cfg.Discovery.Endpoints, cfg.Discovery.DialTimeout,
		discovery.WithPrefix(cfg.Discovery.Prefix),
		discovery.WithLogger(logger.Named("etcd")))
	if err != nil {
		return nil, err
	}
	return etcd, nil
}

// poolFactory builds transport pools and remembers them for shutdown.
func (a *agent) poolFactory() endpoint.PoolFactory {
	build := endpoint.TransportPools(a.cfg.PoolOptions(a.logger.Named("pool"))...)
	return func(ep string) endpoint.Pool {
		pool := build(ep)
		if c, ok := pool.(io.Closer); ok {
			a.mu.Lock()
			a.pools = append(a.pools, c)
			a.mu.Unlock()
		}
		return pool
	}
}

// waitReady blocks until service has an available endpoint or ctx ends.
func (a *agent) waitReady(ctx context.Context, service string) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for !a.registry.HasAvailablePool(a.client.Endpoints(service)) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func (a *agent) Close() error {
	a.client.Close()
	a.registry.Close()

	var err error
	a.mu.Lock()
	for _, p := range a.pools {
		err = multierr.Append(err, p.Close())
	}
	a.mu.Unlock()
	if c, ok := a.disc.(io.Closer); ok {
		err = multierr.Append(err, c.Close())
	}
	if a.metrics != nil {
		err = multierr.Append(err, a.metrics.Close())
	}
	_ = a.logger.Sync()
	return err
}

// setup loads configuration and builds the logger.
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := cfg.Log.Logger()
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}
