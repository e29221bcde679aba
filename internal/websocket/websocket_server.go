package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/luciancaetano/ariarpc"
	"github.com/luciancaetano/ariarpc/internal/protocol"
)

// DefaultPath is where the server accepts WebSocket connections, matching aria2.
const DefaultPath = "/jsonrpc"

// CheckOriginFn is a function that validates the origin of a WebSocket connection request.
// It receives the HTTP request and returns true if the origin is allowed, false otherwise.
type CheckOriginFn = func(r *http.Request) bool

// OnConnectFn is called after the WebSocket handshake completes and before the
// message reading loop starts. It runs synchronously during connection setup,
// so it should not block.
type OnConnectFn = func(conn *PeerConn)

// OnClientDisconnectFn is invoked when a connection ends. voluntary is true
// when the remote side closed normally.
type OnClientDisconnectFn = func(conn *PeerConn, voluntary bool)

// Handler answers one JSON-RPC method. A returned *ariarpc.Error is sent
// verbatim; any other error becomes an internal error reply.
type Handler = func(ctx context.Context, conn *PeerConn, params json.RawMessage) (any, error)

type ServerConfig struct {
	Addr               string
	Path               string
	RateLimitConfig    *RateLimitConfig
	CheckOrigin        CheckOriginFn
	OnConnect          OnConnectFn
	OnClientDisconnect OnClientDisconnectFn
	Logger             *slog.Logger
}

// Server is a JSON-RPC 2.0 peer over WebSocket. It stands in for aria2 in
// tests and local development: requests are dispatched to registered
// handlers, and pushes can be broadcast to every connection.
type Server struct {
	addr     string
	path     string
	server   *http.Server
	listener net.Listener
	clients  sync.Map // map[string]*PeerConn
	handlers sync.Map // map[string]Handler

	rateLimitConfig *RateLimitConfig

	mu           sync.RWMutex
	running      bool
	upgrader     websocket.Upgrader
	onConnect    OnConnectFn
	onDisconnect OnClientDisconnectFn
	logger       *slog.Logger
	wg           sync.WaitGroup
}

// New creates a new server instance with the specified configuration. If
// cfg.RateLimitConfig is nil, DefaultRateLimitConfig() is used.
func New(cfg *ServerConfig) *Server {
	if cfg.RateLimitConfig == nil {
		cfg.RateLimitConfig = DefaultRateLimitConfig()
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		addr:            cfg.Addr,
		path:            cfg.Path,
		rateLimitConfig: cfg.RateLimitConfig,
		onConnect:       cfg.OnConnect,
		onDisconnect:    cfg.OnClientDisconnect,
		logger:          logger.With("component", "jsonrpc-peer"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
	}
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf(ariarpc.ErrServerAlreadyRunning)
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle(s.path, s)

	s.listener = ln
	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.running = true
	srv := s.server
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("peer server stopped", "error", err)
		}
	}()

	s.logger.Info("peer listening", "addr", ln.Addr().String(), "path", s.path)
	return nil
}

// Stop closes every connection and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	srv := s.server
	s.mu.Unlock()

	s.DisconnectAll(websocket.CloseGoingAway, "server stopping")

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	s.wg.Wait()
	return err
}

// Addr returns the listening address once started, or the configured one.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// URL returns the ws:// URL clients should dial.
func (s *Server) URL() string {
	return "ws://" + s.Addr() + s.path
}

// Handle registers the handler for method, replacing any earlier one.
func (s *Server) Handle(method string, handler Handler) {
	s.handlers.Store(method, handler)
}

// ServeHTTP upgrades the request and serves the connection until it ends.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	pc := newPeerConn(conn, r.RemoteAddr, s.rateLimitConfig, s.logger)
	s.clients.Store(pc.ID(), pc)

	s.wg.Add(1)
	go s.handleClient(pc)
}

// handleClient reads messages from one connection until it ends.
func (s *Server) handleClient(pc *PeerConn) {
	voluntary := false
	defer func() {
		s.clients.Delete(pc.ID())
		pc.Close()
		if s.onDisconnect != nil {
			s.onDisconnect(pc, voluntary)
		}
		s.wg.Done()
	}()

	pc.conn.SetReadDeadline(time.Now().Add(defaultReadTimeout))
	pc.conn.SetPongHandler(func(string) error {
		pc.conn.SetReadDeadline(time.Now().Add(defaultReadTimeout))
		return nil
	})

	if s.onConnect != nil {
		s.onConnect(pc)
	}

	for {
		_, data, err := pc.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				voluntary = true
			} else if pc.IsAlive() {
				s.logger.Debug("peer read ended", "conn_id", pc.ID(), "error", err)
			}
			return
		}

		pc.conn.SetReadDeadline(time.Now().Add(defaultReadTimeout))

		if !pc.checkRateLimit() {
			s.logger.Warn("rate limit exceeded", "conn_id", pc.ID(), "remote_addr", pc.RemoteAddr())
			pc.CloseWithCode(websocket.ClosePolicyViolation, "Rate limit exceeded")
			return
		}

		// handlers run concurrently, so replies may leave out of order
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleMessage(pc, data)
		}()
	}
}

func (s *Server) handleMessage(pc *PeerConn, data []byte) {
	req, err := protocol.DecodeRequest(data)
	if err != nil {
		s.sendError(pc, nil, &ariarpc.Error{Code: ariarpc.JSONRPCParseError, Message: ariarpc.ErrParseError})
		return
	}

	if req.JSONRPC != ariarpc.JSONRPCVersion || req.Method == "" {
		s.sendError(pc, req.ID, &ariarpc.Error{Code: ariarpc.JSONRPCInvalidRequest, Message: ariarpc.ErrInvalidRequest})
		return
	}

	// requests without an id are notifications and get no reply
	isCall := len(req.ID) > 0

	value, ok := s.handlers.Load(req.Method)
	if !ok {
		if isCall {
			s.sendError(pc, req.ID, &ariarpc.Error{Code: ariarpc.JSONRPCMethodNotFound, Message: ariarpc.ErrMethodNotFound})
		}
		return
	}

	handler, ok := value.(Handler)
	if !ok {
		if isCall {
			s.sendError(pc, req.ID, &ariarpc.Error{Code: ariarpc.JSONRPCInternalError, Message: ariarpc.ErrInternalError})
		}
		return
	}

	result, err := handler(pc.Context(), pc, req.Params)
	if !isCall {
		return
	}
	if err != nil {
		var rpcErr *ariarpc.Error
		if !errors.As(err, &rpcErr) {
			rpcErr = &ariarpc.Error{Code: ariarpc.JSONRPCInternalError, Message: err.Error()}
		}
		s.sendError(pc, req.ID, rpcErr)
		return
	}

	out, err := protocol.EncodeResult(req.ID, result)
	if err != nil {
		s.sendError(pc, req.ID, &ariarpc.Error{Code: ariarpc.JSONRPCInternalError, Message: ariarpc.ErrInternalError})
		return
	}
	if err := pc.Send(context.Background(), out); err != nil {
		s.logger.Debug("failed to send reply", "conn_id", pc.ID(), "error", err)
	}
}

// sendError sends an error reply. A nil id is written as null.
func (s *Server) sendError(pc *PeerConn, id json.RawMessage, rpcErr *ariarpc.Error) {
	var rawID any
	if len(id) > 0 {
		rawID = id
	}

	out, err := protocol.EncodeError(rawID, rpcErr)
	if err != nil {
		s.logger.Error("failed to encode error reply", "error", err)
		return
	}
	if err := pc.Send(context.Background(), out); err != nil {
		s.logger.Debug("failed to send error reply", "conn_id", pc.ID(), "error", err)
	}
}

// GetClient returns a connection by ID
func (s *Server) GetClient(id string) (*PeerConn, bool) {
	if value, ok := s.clients.Load(id); ok {
		return value.(*PeerConn), true
	}
	return nil, false
}

// Clients returns the number of open connections.
func (s *Server) Clients() int {
	n := 0
	s.clients.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// SendToClient sends a raw frame to one connection.
func (s *Server) SendToClient(ctx context.Context, id string, data []byte) error {
	pc, ok := s.GetClient(id)
	if !ok {
		return fmt.Errorf("%s: %s", ariarpc.ErrClientNotFound, id)
	}
	return pc.Send(ctx, data)
}

// Notify broadcasts a push to every connection.
func (s *Server) Notify(ctx context.Context, method string, params any) error {
	data, err := protocol.EncodeNotification(method, params)
	if err != nil {
		return err
	}
	return s.Raw(ctx, data)
}

// Raw broadcasts data unchanged to every connection. It is meant for
// exercising clients with malformed or unsolicited messages.
func (s *Server) Raw(ctx context.Context, data []byte) error {
	var errs []error
	s.clients.Range(func(_, value any) bool {
		if err := value.(*PeerConn).Send(ctx, data); err != nil {
			errs = append(errs, err)
		}
		return true
	})
	return errors.Join(errs...)
}

// DisconnectAll closes every connection with code.
func (s *Server) DisconnectAll(code int, reason string) {
	s.clients.Range(func(_, value any) bool {
		value.(*PeerConn).CloseWithCode(code, reason)
		return true
	})
}
