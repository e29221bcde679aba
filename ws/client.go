package ws

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/juju/clock"

	"github.com/luciancaetano/ariarpc"
	"github.com/luciancaetano/ariarpc/internal/protocol"
	"github.com/luciancaetano/ariarpc/internal/rpc"
	"github.com/luciancaetano/ariarpc/internal/websocket"
)

type AutoReconnectConfig = websocket.AutoReconnectConfig

// Observer receives client events; see the internal/metrics package for a
// Prometheus implementation.
type Observer = rpc.Observer

// Config configures a WebSocket JSON-RPC client.
type Config struct {
	// URL is the server endpoint, e.g. ws://localhost:6800/jsonrpc
	URL    string
	Header http.Header

	// MaxInFlight is the ceiling on non-exempt requests awaiting a reply.
	MaxInFlight int
	// RetryDelay is how often a request issued before the connection is
	// open retries admission.
	RetryDelay time.Duration
	// RequestTimeout fails calls left unanswered for this long. Zero waits
	// for the call context.
	RequestTimeout time.Duration
	// Coerce enables Coerce on reply results and push params.
	Coerce bool
	// Preprocess, when set, replaces Coerce as the value rewrite.
	Preprocess func(any) any
	// OnProtocolError is called for malformed or unmatched messages.
	OnProtocolError func(err error)

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	PingInterval     time.Duration
	// RateLimit paces outbound messages. Nil sends as fast as possible.
	RateLimit     *RateLimitConfig
	AutoReconnect AutoReconnectConfig

	Logger   *slog.Logger
	Clock    clock.Clock
	Observer Observer
}

// DefaultConfig returns the configuration used for an aria2 endpoint at url:
// eight requests in flight, one second between readiness checks.
func DefaultConfig(url string) Config {
	t := websocket.DefaultConfig(url)
	return Config{
		URL:              url,
		MaxInFlight:      ariarpc.DefaultMaxInFlight,
		RetryDelay:       ariarpc.DefaultRetryDelay,
		HandshakeTimeout: t.HandshakeTimeout,
		WriteTimeout:     t.WriteTimeout,
		ReadTimeout:      t.ReadTimeout,
		PingInterval:     t.PingInterval,
		AutoReconnect:    t.AutoReconnect,
	}
}

// NewClient builds a client without connecting. Call Reconnect, or use
// Dial, to open the connection.
func NewClient(cfg Config) ariarpc.Client {
	client, _ := build(cfg)
	return client
}

// Dial builds a client and starts connecting in the background. It returns
// immediately: requests issued before the handshake completes are parked
// until the connection is open. Dial failures reach the OnError listeners.
//
// Example:
//
//	client := ws.Dial(ctx, ws.DefaultConfig("ws://localhost:6800/jsonrpc"))
//	defer client.Close()
func Dial(ctx context.Context, cfg Config) ariarpc.Client {
	client, conn := build(cfg)
	logger := loggerOf(cfg)

	go func() {
		if err := conn.Open(ctx); err != nil {
			logger.Warn("initial connection failed", "url", cfg.URL, "error", err)
		}
	}()
	return client
}

// Coerce converts short strings that look like numbers, booleans or null
// into those values, recursing into objects and arrays. Longer strings are
// kept as they are.
func Coerce(v any) any {
	return protocol.Coerce(v)
}

func build(cfg Config) (*rpc.Client, *websocket.Conn) {
	logger := loggerOf(cfg)

	conn := websocket.NewConn(websocket.Config{
		URL:              cfg.URL,
		Header:           cfg.Header,
		HandshakeTimeout: cfg.HandshakeTimeout,
		WriteTimeout:     cfg.WriteTimeout,
		ReadTimeout:      cfg.ReadTimeout,
		PingInterval:     cfg.PingInterval,
		RateLimit:        cfg.RateLimit,
		AutoReconnect:    cfg.AutoReconnect,
		Clock:            cfg.Clock,
		Logger:           logger,
	})

	var preprocess protocol.Preprocessor
	switch {
	case cfg.Preprocess != nil:
		preprocess = cfg.Preprocess
	case cfg.Coerce:
		preprocess = protocol.Coerce
	}

	client := rpc.New(conn, rpc.Config{
		MaxInFlight:     cfg.MaxInFlight,
		RetryDelay:      cfg.RetryDelay,
		RequestTimeout:  cfg.RequestTimeout,
		Preprocess:      preprocess,
		OnProtocolError: cfg.OnProtocolError,
		Clock:           cfg.Clock,
		Logger:          logger,
		Observer:        cfg.Observer,
	})
	return client, conn
}

func loggerOf(cfg Config) *slog.Logger {
	if cfg.Logger != nil {
		return cfg.Logger
	}
	return slog.Default()
}
