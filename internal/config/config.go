// Package config loads the ariactl configuration from YAML with ARIARPC_*
// environment overrides.
package config

import (
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/luciancaetano/ariarpc"
	"github.com/luciancaetano/ariarpc/ws"
)

// Config is the top-level configuration.
type Config struct {
	RPC       RPCConfig       `yaml:"rpc"`
	Transport TransportConfig `yaml:"transport"`
	Logger    LoggerConfig    `yaml:"logger"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// RPCConfig holds the endpoint and the request multiplexer settings.
type RPCConfig struct {
	URL            string        `yaml:"url"`
	Secret         string        `yaml:"secret"`
	MaxInFlight    int           `yaml:"max_in_flight"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	RequestTimeout time.Duration `yaml:"request_timeout"` // 0 = wait for the caller
	Coerce         bool          `yaml:"coerce"`
}

// TransportConfig holds WebSocket connection settings.
type TransportConfig struct {
	HandshakeTimeout time.Duration       `yaml:"handshake_timeout"`
	ReadTimeout      time.Duration       `yaml:"read_timeout"`
	WriteTimeout     time.Duration       `yaml:"write_timeout"`
	PingInterval     time.Duration       `yaml:"ping_interval"`
	RateLimit        RateLimitConfig     `yaml:"rate_limit"`
	AutoReconnect    AutoReconnectConfig `yaml:"auto_reconnect"`
}

// RateLimitConfig paces outbound messages.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	MessagesPerSecond float64 `yaml:"messages_per_second"`
	Burst             int     `yaml:"burst"`
}

// AutoReconnectConfig controls reconnecting after the server drops the
// connection.
type AutoReconnectConfig struct {
	Enabled           bool          `yaml:"enabled"`
	InitialInterval   time.Duration `yaml:"initial_interval"`
	MaxInterval       time.Duration `yaml:"max_interval"`
	MaxElapsedTime    time.Duration `yaml:"max_elapsed_time"` // 0 = forever
	BreakerFailures   uint32        `yaml:"breaker_failures"`
	BreakerOpenPeriod time.Duration `yaml:"breaker_open_period"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Defaults returns the configuration for a local aria2 on its default port.
func Defaults() *Config {
	t := ws.DefaultConfig("")
	return &Config{
		RPC: RPCConfig{
			URL:         "ws://localhost:6800/jsonrpc",
			MaxInFlight: ariarpc.DefaultMaxInFlight,
			RetryDelay:  ariarpc.DefaultRetryDelay,
			Coerce:      true,
		},
		Transport: TransportConfig{
			HandshakeTimeout: t.HandshakeTimeout,
			ReadTimeout:      t.ReadTimeout,
			WriteTimeout:     t.WriteTimeout,
			PingInterval:     t.PingInterval,
			RateLimit: RateLimitConfig{
				MessagesPerSecond: 100,
				Burst:             200,
			},
			AutoReconnect: AutoReconnectConfig{
				InitialInterval:   t.AutoReconnect.InitialInterval,
				MaxInterval:       t.AutoReconnect.MaxInterval,
				BreakerFailures:   t.AutoReconnect.BreakerFailures,
				BreakerOpenPeriod: t.AutoReconnect.BreakerOpenPeriod,
			},
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9101",
		},
	}
}

// Load reads a YAML config file on top of Defaults, applies environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Annotatef(err, "reading config %q", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Annotatef(err, "parsing config %q", path)
		}
	}

	if err := ApplyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps ARIARPC_* environment variables onto cfg.
func ApplyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("ARIARPC_URL"); v != "" {
		cfg.RPC.URL = v
	}
	if v, ok := os.LookupEnv("ARIARPC_SECRET"); ok {
		cfg.RPC.Secret = v
	}
	if v := os.Getenv("ARIARPC_MAX_IN_FLIGHT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.NotValidf("ARIARPC_MAX_IN_FLIGHT %q", v)
		}
		cfg.RPC.MaxInFlight = n
	}
	if v := os.Getenv("ARIARPC_REQUEST_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.NotValidf("ARIARPC_REQUEST_TIMEOUT %q", v)
		}
		cfg.RPC.RequestTimeout = d
	}
	if v := os.Getenv("ARIARPC_LOG_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("ARIARPC_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
		cfg.Metrics.Enabled = true
	}
	return nil
}

// Validate checks cfg for values the client cannot run with.
func (c *Config) Validate() error {
	u, err := url.Parse(c.RPC.URL)
	if err != nil {
		return errors.Annotatef(err, "rpc.url %q", c.RPC.URL)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.NotValidf("rpc.url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.NotValidf("rpc.url %q without host", c.RPC.URL)
	}
	if c.RPC.MaxInFlight <= 0 {
		return errors.NotValidf("rpc.max_in_flight %d", c.RPC.MaxInFlight)
	}
	if c.RPC.RetryDelay <= 0 {
		return errors.NotValidf("rpc.retry_delay %v", c.RPC.RetryDelay)
	}
	if c.RPC.RequestTimeout < 0 {
		return errors.NotValidf("rpc.request_timeout %v", c.RPC.RequestTimeout)
	}

	t := c.Transport
	if t.ReadTimeout > 0 && t.PingInterval >= t.ReadTimeout {
		return errors.NotValidf("transport.ping_interval %v not below read_timeout %v", t.PingInterval, t.ReadTimeout)
	}
	if t.RateLimit.Enabled && (t.RateLimit.MessagesPerSecond <= 0 || t.RateLimit.Burst <= 0) {
		return errors.NotValidf("transport.rate_limit %v/s burst %d", t.RateLimit.MessagesPerSecond, t.RateLimit.Burst)
	}
	if r := t.AutoReconnect; r.Enabled && r.MaxInterval > 0 && r.InitialInterval > r.MaxInterval {
		return errors.NotValidf("transport.auto_reconnect initial_interval %v above max_interval %v", r.InitialInterval, r.MaxInterval)
	}

	switch strings.ToLower(c.Logger.Format) {
	case "", "text", "json":
	default:
		return errors.NotValidf("logger.format %q", c.Logger.Format)
	}

	if c.Metrics.Enabled {
		if _, _, err := net.SplitHostPort(c.Metrics.Addr); err != nil {
			return errors.NotValidf("metrics.addr %q", c.Metrics.Addr)
		}
	}
	return nil
}

// WS converts c into a client configuration. The caller fills in Logger,
// Observer and OnProtocolError.
func (c *Config) WS() ws.Config {
	cfg := ws.DefaultConfig(c.RPC.URL)
	cfg.MaxInFlight = c.RPC.MaxInFlight
	cfg.RetryDelay = c.RPC.RetryDelay
	cfg.RequestTimeout = c.RPC.RequestTimeout
	cfg.Coerce = c.RPC.Coerce

	t := c.Transport
	cfg.HandshakeTimeout = t.HandshakeTimeout
	cfg.ReadTimeout = t.ReadTimeout
	cfg.WriteTimeout = t.WriteTimeout
	cfg.PingInterval = t.PingInterval
	if t.RateLimit.Enabled {
		cfg.RateLimit = &ws.RateLimitConfig{
			MessagesPerSecond: rate.Limit(t.RateLimit.MessagesPerSecond),
			Burst:             t.RateLimit.Burst,
			Enabled:           true,
		}
	}
	cfg.AutoReconnect = ws.AutoReconnectConfig{
		Enabled:           t.AutoReconnect.Enabled,
		InitialInterval:   t.AutoReconnect.InitialInterval,
		MaxInterval:       t.AutoReconnect.MaxInterval,
		MaxElapsedTime:    t.AutoReconnect.MaxElapsedTime,
		BreakerFailures:   t.AutoReconnect.BreakerFailures,
		BreakerOpenPeriod: t.AutoReconnect.BreakerOpenPeriod,
	}
	return cfg
}
