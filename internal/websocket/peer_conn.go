package websocket

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/ariarpc"
	"github.com/luciancaetano/ariarpc/internal/protocol"
)

// PeerConn is one client connection accepted by a Server.
type PeerConn struct {
	id          string
	conn        *websocket.Conn
	remoteAddr  string
	ctx         context.Context
	cancel      context.CancelFunc
	sendCh      chan []byte
	mu          sync.RWMutex
	closed      bool
	rateLimiter *rate.Limiter // Rate limiter for incoming messages
	logger      *slog.Logger
}

func newPeerConn(conn *websocket.Conn, remoteAddr string, rateLimitConfig *RateLimitConfig, logger *slog.Logger) *PeerConn {
	ctx, cancel := context.WithCancel(context.Background())

	id := uuid.New().String()
	pc := &PeerConn{
		id:          id,
		conn:        conn,
		remoteAddr:  remoteAddr,
		ctx:         ctx,
		cancel:      cancel,
		sendCh:      make(chan []byte, defaultSendQueue),
		rateLimiter: rateLimitConfig.limiter(),
		logger:      logger.With("conn_id", id, "remote_addr", remoteAddr),
	}

	// Start the write pump
	go pc.writePump()

	return pc
}

// ID returns a unique identifier for the connection
func (c *PeerConn) ID() string {
	return c.id
}

// RemoteAddr returns the client's remote network address
func (c *PeerConn) RemoteAddr() string {
	return c.remoteAddr
}

// Context returns the connection's lifecycle context
func (c *PeerConn) Context() context.Context {
	return c.ctx
}

// Send queues a raw text frame.
func (c *PeerConn) Send(ctx context.Context, data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return fmt.Errorf(ariarpc.ErrConnectionClosed)
	}

	// Keep the lock while sending to prevent race with Close()
	select {
	case c.sendCh <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return fmt.Errorf(ariarpc.ErrContextCancelled)
	}
}

// Notify sends a server push to this connection.
func (c *PeerConn) Notify(ctx context.Context, method string, params any) error {
	data, err := protocol.EncodeNotification(method, params)
	if err != nil {
		return err
	}
	return c.Send(ctx, data)
}

// Close closes the connection normally.
func (c *PeerConn) Close() error {
	return c.CloseWithCode(websocket.CloseNormalClosure, "")
}

// CloseWithCode closes the connection with a close code and optional reason
func (c *PeerConn) CloseWithCode(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	c.cancel()

	message := websocket.FormatCloseMessage(code, reason)
	deadline := time.Now().Add(time.Second)
	c.conn.WriteControl(websocket.CloseMessage, message, deadline)

	close(c.sendCh)
	return c.conn.Close()
}

// IsAlive returns true if the connection is still active
func (c *PeerConn) IsAlive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed
}

// checkRateLimit reports whether one more inbound message is allowed.
func (c *PeerConn) checkRateLimit() bool {
	if c.rateLimiter == nil {
		return true
	}
	return c.rateLimiter.Allow()
}

// writePump pumps messages from the send channel to the websocket connection
func (c *PeerConn) writePump() {
	ticker := time.NewTicker(defaultPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
			if !ok {
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("peer write failed", "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}
