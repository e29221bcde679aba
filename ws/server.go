package ws

import (
	"net/http"

	"github.com/luciancaetano/ariarpc/internal/websocket"
)

type RateLimitConfig = websocket.RateLimitConfig
type CheckOriginFn = websocket.CheckOriginFn
type OnConnectFn = websocket.OnConnectFn
type OnDisconnectFn = websocket.OnClientDisconnectFn

// Peer is a JSON-RPC 2.0 WebSocket server that can stand in for aria2.
type Peer = websocket.Server

// PeerConn is one connection accepted by a Peer.
type PeerConn = websocket.PeerConn

// PeerConfig configures a Peer.
type PeerConfig = websocket.ServerConfig

// Handler answers one method on a Peer.
type Handler = websocket.Handler

// DefaultPath is the HTTP path a Peer serves, as aria2 does.
const DefaultPath = websocket.DefaultPath

// NewPeer creates a Peer. It can be started with Start, or mounted on any
// http.ServeMux since it implements http.Handler.
//
// Example:
//
//	peer := ws.NewPeer(&ws.PeerConfig{Addr: "127.0.0.1:6800"})
//	peer.Handle("aria2.getVersion", func(ctx context.Context, conn *ws.PeerConn, params json.RawMessage) (any, error) {
//	    return map[string]string{"version": "1.37.0"}, nil
//	})
//	if err := peer.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer peer.Stop(ctx)
func NewPeer(cfg *PeerConfig) *Peer {
	return websocket.New(cfg)
}

// NewPeerConfig builds a PeerConfig from its parts.
func NewPeerConfig(addr string, rateLimitConfig *RateLimitConfig, checkOrigin CheckOriginFn, onConnect OnConnectFn, onDisconnect OnDisconnectFn) *PeerConfig {
	return &websocket.ServerConfig{
		Addr:               addr,
		RateLimitConfig:    rateLimitConfig,
		CheckOrigin:        checkOrigin,
		OnConnect:          onConnect,
		OnClientDisconnect: onDisconnect,
	}
}

// AllOrigins returns a checkOrigin function that allows all origins
func AllOrigins() CheckOriginFn {
	return func(r *http.Request) bool {
		return true
	}
}

// DefaultRateLimitConfig returns the default rate limit configuration
func DefaultRateLimitConfig() *RateLimitConfig {
	return websocket.DefaultRateLimitConfig()
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return websocket.NoRateLimit()
}
