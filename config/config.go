// Package config loads the agent configuration from an optional YAML file and RPCAGENT_*
// environment variables, in that order of increasing precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"rpcagent/codec"
	"rpcagent/endpoint"
	"rpcagent/loadbalance"
	"rpcagent/transport"
)

const envPrefix = "RPCAGENT"

type Config struct {
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Log       LogConfig       `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

type DiscoveryConfig struct {
	// Backend is "etcd" or "static".
	Backend     string          `mapstructure:"backend"`
	Endpoints   []string        `mapstructure:"endpoints"`
	DialTimeout time.Duration   `mapstructure:"dial_timeout"`
	Prefix      string          `mapstructure:"prefix"`
	Static      []StaticService `mapstructure:"static"`
}

// StaticService lists the instances of one service for the static backend. Service names
// live in values, not keys, since configuration keys are case-insensitive.
type StaticService struct {
	Service string   `mapstructure:"service"`
	Addrs   []string `mapstructure:"addrs"`
}

type PoolConfig struct {
	Size          int           `mapstructure:"size"`
	MaxRetries    int           `mapstructure:"max_retries"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	RetryBurst    int           `mapstructure:"retry_burst"`
	DialTimeout   time.Duration `mapstructure:"dial_timeout"`
	Heartbeat     time.Duration `mapstructure:"heartbeat"`
	Codec         string        `mapstructure:"codec"`
}

type RegistryConfig struct {
	Balancer       string `mapstructure:"balancer"`
	ReadmitEvicted bool   `mapstructure:"readmit_evicted"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type MetricsConfig struct {
	// Addr is where /metrics is served. Empty disables the endpoint.
	Addr string `mapstructure:"addr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("discovery.backend", "etcd")
	v.SetDefault("discovery.endpoints", []string{"127.0.0.1:2379"})
	v.SetDefault("discovery.dial_timeout", 5*time.Second)
	v.SetDefault("discovery.prefix", "/rpcagent/")
	v.SetDefault("pool.size", 4)
	v.SetDefault("pool.max_retries", 3)
	v.SetDefault("pool.retry_interval", time.Second)
	v.SetDefault("pool.retry_burst", 1)
	v.SetDefault("pool.dial_timeout", 3*time.Second)
	v.SetDefault("pool.heartbeat", transport.DefaultHeartbeat)
	v.SetDefault("pool.codec", "json")
	v.SetDefault("registry.balancer", "random")
	v.SetDefault("registry.readmit_evicted", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("metrics.addr", "")
}

// Load reads path, if not empty, applies environment overrides such as
// RPCAGENT_POOL_SIZE=8, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var err error
	switch c.Discovery.Backend {
	case "etcd":
		if len(c.Discovery.Endpoints) == 0 {
			err = multierr.Append(err, fmt.Errorf("config: discovery.endpoints is empty"))
		}
	case "static":
		for i, svc := range c.Discovery.Static {
			if svc.Service == "" {
				err = multierr.Append(err, fmt.Errorf("config: discovery.static[%d] has no service name", i))
			}
		}
	default:
		err = multierr.Append(err, fmt.Errorf("config: unknown discovery.backend %q", c.Discovery.Backend))
	}
	if c.Pool.Size < 1 {
		err = multierr.Append(err, fmt.Errorf("config: pool.size must be at least 1, got %d", c.Pool.Size))
	}
	if c.Pool.MaxRetries < 0 {
		err = multierr.Append(err, fmt.Errorf("config: pool.max_retries must not be negative"))
	}
	if c.Pool.RetryBurst < 1 {
		err = multierr.Append(err, fmt.Errorf("config: pool.retry_burst must be at least 1"))
	}
	if _, cerr := codec.ParseCodecType(c.Pool.Codec); cerr != nil {
		err = multierr.Append(err, fmt.Errorf("config: pool.codec: %w", cerr))
	}
	if _, ok := loadbalance.New[endpoint.Pool](c.Registry.Balancer); !ok {
		err = multierr.Append(err, fmt.Errorf("config: unknown registry.balancer %q", c.Registry.Balancer))
	}
	if _, lerr := zap.ParseAtomicLevel(c.Log.Level); lerr != nil {
		err = multierr.Append(err, fmt.Errorf("config: log.level: %w", lerr))
	}
	return err
}

// PoolOptions translates the pool section. The config must be valid.
func (c *Config) PoolOptions(logger *zap.Logger) []transport.PoolOption {
	ct, _ := codec.ParseCodecType(c.Pool.Codec)
	limit := rate.Inf
	if c.Pool.RetryInterval > 0 {
		limit = rate.Every(c.Pool.RetryInterval)
	}
	return []transport.PoolOption{
		transport.Size(c.Pool.Size),
		transport.MaxRetries(c.Pool.MaxRetries),
		transport.RetryRate(limit, c.Pool.RetryBurst),
		transport.DialTimeout(c.Pool.DialTimeout),
		transport.Heartbeat(c.Pool.Heartbeat),
		transport.Codec(ct),
		transport.WithLogger(logger),
	}
}

// RegistryOptions translates the registry section. The config must be valid.
func (c *Config) RegistryOptions() []endpoint.Option {
	b, _ := loadbalance.New[endpoint.Pool](c.Registry.Balancer)
	return []endpoint.Option{
		endpoint.WithBalancer(b),
		endpoint.ReadmitEvicted(c.Registry.ReadmitEvicted),
	}
}

// Logger builds the process logger.
func (c LogConfig) Logger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	return zc.Build()
}
