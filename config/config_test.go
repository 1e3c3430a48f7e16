package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rpcagent.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "etcd", cfg.Discovery.Backend)
	assert.Equal(t, []string{"127.0.0.1:2379"}, cfg.Discovery.Endpoints)
	assert.Equal(t, 4, cfg.Pool.Size)
	assert.Equal(t, 3, cfg.Pool.MaxRetries)
	assert.Equal(t, time.Second, cfg.Pool.RetryInterval)
	assert.Equal(t, "random", cfg.Registry.Balancer)
	assert.False(t, cfg.Registry.ReadmitEvicted)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Len(t, cfg.PoolOptions(nil), 7)
	assert.Len(t, cfg.RegistryOptions(), 2)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
discovery:
  backend: static
  static:
    - service: Arith
      addrs: [127.0.0.1:8001, 127.0.0.1:8002]
pool:
  size: 2
  retry_interval: 250ms
  codec: binary
registry:
  balancer: roundrobin
  readmit_evicted: true
log:
  level: debug
`)
	t.Setenv("RPCAGENT_POOL_SIZE", "8")
	t.Setenv("RPCAGENT_METRICS_ADDR", ":9102")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "static", cfg.Discovery.Backend)
	require.Len(t, cfg.Discovery.Static, 1)
	assert.Equal(t, "Arith", cfg.Discovery.Static[0].Service)
	assert.Equal(t, []string{"127.0.0.1:8001", "127.0.0.1:8002"}, cfg.Discovery.Static[0].Addrs)
	assert.Equal(t, 8, cfg.Pool.Size, "environment wins over the file")
	assert.Equal(t, 250*time.Millisecond, cfg.Pool.RetryInterval)
	assert.Equal(t, "binary", cfg.Pool.Codec)
	assert.Equal(t, "roundrobin", cfg.Registry.Balancer)
	assert.True(t, cfg.Registry.ReadmitEvicted)
	assert.Equal(t, ":9102", cfg.Metrics.Addr)

	logger, err := cfg.Log.Logger()
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(-1), "debug enabled")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	path := writeConfig(t, `
discovery:
  backend: consul
pool:
  size: 0
  codec: xml
registry:
  balancer: fastest
log:
  level: loud
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 5)
	assert.Contains(t, err.Error(), `unknown discovery.backend "consul"`)
	assert.Contains(t, err.Error(), `unknown registry.balancer "fastest"`)
}
