package websocket

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/juju/clock"
	"golang.org/x/time/rate"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	defaultReadTimeout      = 60 * time.Second
	defaultPingInterval     = 54 * time.Second
	defaultSendQueue        = 256
	defaultMaxMessageSize   = 10 * 1024 * 1024

	defaultReconnectInitial  = 500 * time.Millisecond
	defaultReconnectMax      = 30 * time.Second
	defaultBreakerFailures   = 5
	defaultBreakerOpenPeriod = 30 * time.Second
)

// RateLimitConfig defines a token bucket applied to messages.
type RateLimitConfig struct {
	// MessagesPerSecond defines how many messages can pass per second
	MessagesPerSecond rate.Limit
	// Burst defines the maximum burst size (token bucket capacity)
	Burst int
	// Enabled determines if rate limiting is active
	Enabled bool
}

// DefaultRateLimitConfig returns the default rate limit configuration
// Allows 100 messages per second with burst of 200
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		MessagesPerSecond: 100,
		Burst:             200,
		Enabled:           true,
	}
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return &RateLimitConfig{
		Enabled: false,
	}
}

func (c *RateLimitConfig) limiter() *rate.Limiter {
	if c == nil || !c.Enabled {
		return nil
	}
	return rate.NewLimiter(c.MessagesPerSecond, c.Burst)
}

// AutoReconnectConfig controls reconnection after the server drops the
// connection. Dials go through a circuit breaker that fails fast once
// BreakerFailures consecutive dials have failed.
type AutoReconnectConfig struct {
	Enabled bool
	// InitialInterval is the first delay; later delays grow exponentially.
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxElapsedTime bounds the whole reconnect sequence. Zero retries forever.
	MaxElapsedTime time.Duration

	BreakerFailures   uint32
	BreakerOpenPeriod time.Duration
}

// Config configures a transport Conn.
type Config struct {
	URL    string
	Header http.Header

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// ReadTimeout is how long the connection may stay silent. Pongs count.
	ReadTimeout  time.Duration
	PingInterval time.Duration
	// SendQueue is the capacity of the outbound queue.
	SendQueue      int
	MaxMessageSize int64

	// RateLimit paces outbound messages. Nil disables pacing.
	RateLimit     *RateLimitConfig
	AutoReconnect AutoReconnectConfig

	Clock  clock.Clock
	Logger *slog.Logger
}

// DefaultConfig returns a Config for url with every default filled in.
func DefaultConfig(url string) Config {
	return Config{
		URL:              url,
		HandshakeTimeout: defaultHandshakeTimeout,
		WriteTimeout:     defaultWriteTimeout,
		ReadTimeout:      defaultReadTimeout,
		PingInterval:     defaultPingInterval,
		SendQueue:        defaultSendQueue,
		MaxMessageSize:   defaultMaxMessageSize,
		AutoReconnect: AutoReconnectConfig{
			InitialInterval:   defaultReconnectInitial,
			MaxInterval:       defaultReconnectMax,
			BreakerFailures:   defaultBreakerFailures,
			BreakerOpenPeriod: defaultBreakerOpenPeriod,
		},
	}
}

func (c *Config) applyDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = defaultReadTimeout
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.ReadTimeout {
		c.PingInterval = c.ReadTimeout * 9 / 10
	}
	if c.SendQueue <= 0 {
		c.SendQueue = defaultSendQueue
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
	if c.AutoReconnect.InitialInterval <= 0 {
		c.AutoReconnect.InitialInterval = defaultReconnectInitial
	}
	if c.AutoReconnect.MaxInterval <= 0 {
		c.AutoReconnect.MaxInterval = defaultReconnectMax
	}
	if c.AutoReconnect.BreakerFailures == 0 {
		c.AutoReconnect.BreakerFailures = defaultBreakerFailures
	}
	if c.AutoReconnect.BreakerOpenPeriod <= 0 {
		c.AutoReconnect.BreakerOpenPeriod = defaultBreakerOpenPeriod
	}
	if c.Clock == nil {
		c.Clock = clock.WallClock
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
