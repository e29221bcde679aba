package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/juju/clock"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/ariarpc"
)

// Conn is a reconnectable WebSocket transport. Listeners are registered on
// the Conn and outlive every physical connection it dials.
type Conn struct {
	cfg     Config
	dialer  *websocket.Dialer
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[*websocket.Conn]
	clock   clock.Clock
	logger  *slog.Logger

	// dialMu serialises Open, Reconnect and automatic reconnects.
	dialMu sync.Mutex

	mu             sync.Mutex
	session        *session
	closed         bool
	backoff        *backoff.ExponentialBackOff
	reconnectTimer clock.Timer

	hooksMu   sync.RWMutex
	onOpen    []ariarpc.OpenFn
	onError   []ariarpc.ErrorFn
	onClose   []ariarpc.CloseFn
	onMessage []ariarpc.MessageFn
}

var _ ariarpc.Transport = (*Conn)(nil)

// session is one physical connection.
type session struct {
	id     string
	conn   *websocket.Conn
	sendCh chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	ready  atomic.Bool
	// done is closed once the close listeners have run.
	done      chan struct{}
	closeOnce sync.Once

	mu          sync.Mutex
	intentional bool
	closeCode   int
	closeReason string
}

// NewConn creates a transport for cfg.URL. Nothing is dialed until Open.
func NewConn(cfg Config) *Conn {
	cfg.applyDefaults()

	c := &Conn{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
		limiter: cfg.RateLimit.limiter(),
		clock:   cfg.Clock,
		logger:  cfg.Logger.With("url", cfg.URL),
	}

	if cfg.AutoReconnect.Enabled {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = cfg.AutoReconnect.InitialInterval
		b.MaxInterval = cfg.AutoReconnect.MaxInterval
		b.MaxElapsedTime = cfg.AutoReconnect.MaxElapsedTime
		b.Clock = cfg.Clock
		b.Reset()
		c.backoff = b

		maxFailures := cfg.AutoReconnect.BreakerFailures
		c.breaker = gobreaker.NewCircuitBreaker[*websocket.Conn](gobreaker.Settings{
			Name:        "dial:" + cfg.URL,
			MaxRequests: 1, // one probe dial while half-open
			Timeout:     cfg.AutoReconnect.BreakerOpenPeriod,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= maxFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				c.logger.Warn("circuit breaker state change",
					"breaker", name,
					"from", from.String(),
					"to", to.String(),
				)
			},
		})
	}

	return c
}

// Open dials the server. It is a no-op when a connection is already open.
// When the dial fails and auto-reconnect is enabled, further attempts are
// scheduled even though the error is returned.
func (c *Conn) Open(ctx context.Context) error {
	c.dialMu.Lock()
	defer c.dialMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ariarpc.ErrShutdown
	}
	open := c.session != nil
	c.mu.Unlock()

	if open {
		return nil
	}
	err := c.connect(ctx)
	if err != nil && !errors.Is(err, ariarpc.ErrShutdown) {
		// keeps trying in the background when auto-reconnect is on
		c.scheduleReconnect()
	}
	return err
}

// Reconnect closes the current connection, waits for its close listeners and
// dials a new one.
func (c *Conn) Reconnect(ctx context.Context) error {
	c.dialMu.Lock()
	defer c.dialMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ariarpc.ErrShutdown
	}
	s := c.session
	c.stopReconnectLocked()
	c.mu.Unlock()

	if s != nil {
		c.shutdown(s, websocket.CloseNormalClosure, "reconnect")
		select {
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return c.connect(ctx)
}

// Close closes the connection for good. Later calls to Open and Reconnect
// return ErrShutdown.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	s := c.session
	c.stopReconnectLocked()
	c.mu.Unlock()

	if s != nil {
		c.shutdown(s, websocket.CloseNormalClosure, "")
		<-s.done
	}
	return nil
}

// Ready reports whether a connection is open.
func (c *Conn) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil && c.session.ready.Load()
}

// SessionID returns the id of the open connection, or "" when there is none.
func (c *Conn) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return ""
	}
	return c.session.id
}

// Send queues one text message on the open connection.
func (c *Conn) Send(ctx context.Context, data []byte) error {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()

	if s == nil || !s.ready.Load() {
		return ariarpc.ErrNotReady
	}

	select {
	case s.sendCh <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ariarpc.ErrNotReady
	}
}

func (c *Conn) OnOpen(fn ariarpc.OpenFn) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.onOpen = append(c.onOpen, fn)
}

func (c *Conn) OnError(fn ariarpc.ErrorFn) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.onError = append(c.onError, fn)
}

func (c *Conn) OnClose(fn ariarpc.CloseFn) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.onClose = append(c.onClose, fn)
}

func (c *Conn) OnMessage(fn ariarpc.MessageFn) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.onMessage = append(c.onMessage, fn)
}

// connect dials and starts the pumps of a new session. Callers hold dialMu.
func (c *Conn) connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		err = fmt.Errorf("dial %s: %w", c.cfg.URL, err)
		c.logger.Error("websocket dial failed", "error", err)
		c.fireError(err)
		return err
	}
	conn.SetReadLimit(c.cfg.MaxMessageSize)

	sctx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:     uuid.New().String(),
		conn:   conn,
		sendCh: make(chan []byte, c.cfg.SendQueue),
		ctx:    sctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		conn.Close()
		return ariarpc.ErrShutdown
	}
	c.session = s
	s.ready.Store(true)
	c.mu.Unlock()

	go c.writePump(s)
	go c.readPump(s)

	c.logger.Info("websocket connected", "session", s.id)
	c.fireOpen()
	return nil
}

func (c *Conn) dial(ctx context.Context) (*websocket.Conn, error) {
	dial := func() (*websocket.Conn, error) {
		conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
		return conn, err
	}
	if c.breaker == nil {
		return dial()
	}
	return c.breaker.Execute(dial)
}

// shutdown asks the pumps of s to stop, sending code to the server.
func (c *Conn) shutdown(s *session, code int, reason string) {
	s.mu.Lock()
	if !s.intentional {
		s.intentional = true
		s.closeCode = code
		s.closeReason = reason
	}
	s.mu.Unlock()
	s.cancel()
}

// teardown runs once per session, whichever pump notices the end first.
// A stale session never touches the readiness of a newer one.
func (c *Conn) teardown(s *session, code int, reason string) {
	s.closeOnce.Do(func() {
		s.ready.Store(false)
		s.cancel()
		s.conn.Close()

		s.mu.Lock()
		intentional := s.intentional
		if intentional {
			code, reason = s.closeCode, s.closeReason
		}
		s.mu.Unlock()

		c.mu.Lock()
		current := c.session == s
		if current {
			c.session = nil
		}
		closed := c.closed
		c.mu.Unlock()

		c.logger.Info("websocket disconnected",
			"session", s.id,
			"code", code,
			"reason", reason,
			"intentional", intentional,
		)
		c.fireClose(code, reason)
		close(s.done)

		if current && !intentional && !closed {
			c.scheduleReconnect()
		}
	})
}

// readPump delivers inbound messages until the connection ends.
func (c *Conn) readPump(s *session) {
	s.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			code, reason := websocket.CloseAbnormalClosure, ""
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				code, reason = closeErr.Code, closeErr.Text
			}
			if s.ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Error("unexpected websocket close", "session", s.id, "error", err)
				c.fireError(err)
			}
			c.teardown(s, code, reason)
			return
		}

		s.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		c.fireMessage(data)
	}
}

// writePump pumps messages from the send queue to the websocket connection
func (c *Conn) writePump(s *session) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case message := <-s.sendCh:
			if c.limiter != nil {
				if err := c.limiter.Wait(s.ctx); err != nil {
					// session is ending; the Done case finishes up
					continue
				}
			}
			s.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Error("websocket write failed", "session", s.id, "error", err)
				c.fireError(err)
				c.teardown(s, websocket.CloseAbnormalClosure, err.Error())
				return
			}

		case <-ticker.C:
			// Send ping to keep connection alive
			s.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.teardown(s, websocket.CloseAbnormalClosure, err.Error())
				return
			}

		case <-s.ctx.Done():
			s.mu.Lock()
			code, reason := s.closeCode, s.closeReason
			intentional := s.intentional
			s.mu.Unlock()

			if intentional {
				message := websocket.FormatCloseMessage(code, reason)
				s.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
			}
			// unblocks readPump, which runs teardown
			s.conn.Close()
			return
		}
	}
}

// scheduleReconnect arms the next automatic reconnect attempt.
func (c *Conn) scheduleReconnect() {
	if c.backoff == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.reconnectTimer != nil || c.session != nil {
		return
	}
	delay := c.backoff.NextBackOff()
	if delay == backoff.Stop {
		c.logger.Error("giving up reconnecting", "elapsed", c.backoff.GetElapsedTime())
		c.backoff.Reset()
		return
	}
	c.logger.Info("scheduling reconnect", "in", delay)
	c.reconnectTimer = c.clock.AfterFunc(delay, c.autoReconnect)
}

func (c *Conn) autoReconnect() {
	c.dialMu.Lock()
	defer c.dialMu.Unlock()

	c.mu.Lock()
	c.reconnectTimer = nil
	if c.closed || c.session != nil {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandshakeTimeout)
	defer cancel()

	if err := c.connect(ctx); err != nil {
		if errors.Is(err, ariarpc.ErrShutdown) {
			return
		}
		c.scheduleReconnect()
		return
	}

	c.mu.Lock()
	c.backoff.Reset()
	c.mu.Unlock()
}

func (c *Conn) stopReconnectLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

func (c *Conn) fireOpen() {
	c.hooksMu.RLock()
	fns := append([]ariarpc.OpenFn(nil), c.onOpen...)
	c.hooksMu.RUnlock()

	for _, fn := range fns {
		fn()
	}
}

func (c *Conn) fireError(err error) {
	c.hooksMu.RLock()
	fns := append([]ariarpc.ErrorFn(nil), c.onError...)
	c.hooksMu.RUnlock()

	for _, fn := range fns {
		fn(err)
	}
}

func (c *Conn) fireClose(code int, reason string) {
	c.hooksMu.RLock()
	fns := append([]ariarpc.CloseFn(nil), c.onClose...)
	c.hooksMu.RUnlock()

	for _, fn := range fns {
		fn(code, reason)
	}
}

func (c *Conn) fireMessage(data []byte) {
	c.hooksMu.RLock()
	fns := append([]ariarpc.MessageFn(nil), c.onMessage...)
	c.hooksMu.RUnlock()

	for _, fn := range fns {
		fn(data)
	}
}
