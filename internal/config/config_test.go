package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ariactl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 8, cfg.RPC.MaxInFlight)
	assert.Equal(t, time.Second, cfg.RPC.RetryDelay)
	assert.False(t, cfg.Transport.AutoReconnect.Enabled)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
rpc:
  url: ws://aria2.lan:6800/jsonrpc
  secret: hunter2
  max_in_flight: 4
  retry_delay: 250ms
  request_timeout: 30s
transport:
  read_timeout: 2m
  ping_interval: 1m
  rate_limit:
    enabled: true
    messages_per_second: 20
    burst: 5
  auto_reconnect:
    enabled: true
    initial_interval: 1s
    max_interval: 10s
logger:
  level: debug
  format: json
metrics:
  enabled: true
  addr: ":9200"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "ws://aria2.lan:6800/jsonrpc", cfg.RPC.URL)
	assert.Equal(t, "hunter2", cfg.RPC.Secret)
	assert.Equal(t, 4, cfg.RPC.MaxInFlight)
	assert.Equal(t, 250*time.Millisecond, cfg.RPC.RetryDelay)
	assert.Equal(t, 30*time.Second, cfg.RPC.RequestTimeout)
	assert.True(t, cfg.RPC.Coerce, "unset keys keep their defaults")
	assert.Equal(t, 2*time.Minute, cfg.Transport.ReadTimeout)
	assert.Equal(t, "json", cfg.Logger.Format)
	assert.Equal(t, "stderr", cfg.Logger.Output)
	assert.Equal(t, ":9200", cfg.Metrics.Addr)

	wsCfg := cfg.WS()
	assert.Equal(t, cfg.RPC.URL, wsCfg.URL)
	assert.Equal(t, 4, wsCfg.MaxInFlight)
	assert.Equal(t, time.Minute, wsCfg.PingInterval)
	assert.True(t, wsCfg.Coerce)
	require.NotNil(t, wsCfg.RateLimit)
	assert.Equal(t, rate.Limit(20), wsCfg.RateLimit.MessagesPerSecond)
	assert.Equal(t, 5, wsCfg.RateLimit.Burst)
	assert.True(t, wsCfg.AutoReconnect.Enabled)
	assert.Equal(t, 10*time.Second, wsCfg.AutoReconnect.MaxInterval)
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Defaults().RPC, cfg.RPC)
	assert.Nil(t, cfg.WS().RateLimit)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config")

	_, err = Load(writeConfig(t, "rpc: [not, a, map]"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ARIARPC_URL", "wss://remote:443/jsonrpc")
	t.Setenv("ARIARPC_SECRET", "from-env")
	t.Setenv("ARIARPC_MAX_IN_FLIGHT", "16")
	t.Setenv("ARIARPC_REQUEST_TIMEOUT", "5s")
	t.Setenv("ARIARPC_LOG_LEVEL", "warn")
	t.Setenv("ARIARPC_METRICS_ADDR", "0.0.0.0:9300")

	cfg, err := Load(writeConfig(t, "rpc:\n  secret: from-file\n"))
	require.NoError(t, err)

	assert.Equal(t, "wss://remote:443/jsonrpc", cfg.RPC.URL)
	assert.Equal(t, "from-env", cfg.RPC.Secret)
	assert.Equal(t, 16, cfg.RPC.MaxInFlight)
	assert.Equal(t, 5*time.Second, cfg.RPC.RequestTimeout)
	assert.Equal(t, "warn", cfg.Logger.Level)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "0.0.0.0:9300", cfg.Metrics.Addr)
}

func TestEnvOverrideNotValid(t *testing.T) {
	t.Setenv("ARIARPC_MAX_IN_FLIGHT", "many")

	_, err := Load("")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.NotValid), "got %v", err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"http scheme", func(c *Config) { c.RPC.URL = "http://localhost:6800/jsonrpc" }, "rpc.url scheme"},
		{"no host", func(c *Config) { c.RPC.URL = "ws:///jsonrpc" }, "without host"},
		{"zero ceiling", func(c *Config) { c.RPC.MaxInFlight = 0 }, "rpc.max_in_flight"},
		{"zero retry delay", func(c *Config) { c.RPC.RetryDelay = 0 }, "rpc.retry_delay"},
		{"negative timeout", func(c *Config) { c.RPC.RequestTimeout = -time.Second }, "rpc.request_timeout"},
		{"ping after read deadline", func(c *Config) { c.Transport.PingInterval = 2 * time.Minute }, "transport.ping_interval"},
		{"rate limit without burst", func(c *Config) {
			c.Transport.RateLimit.Enabled = true
			c.Transport.RateLimit.Burst = 0
		}, "transport.rate_limit"},
		{"reconnect intervals inverted", func(c *Config) {
			c.Transport.AutoReconnect.Enabled = true
			c.Transport.AutoReconnect.InitialInterval = time.Minute
		}, "transport.auto_reconnect"},
		{"log format", func(c *Config) { c.Logger.Format = "xml" }, "logger.format"},
		{"metrics addr", func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.Addr = "nohost"
		}, "metrics.addr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := Defaults()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.NotValid), "got %v", err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
