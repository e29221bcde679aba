package e2e_test

import (
	"context"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/luciancaetano/ariarpc/ws"
)

// Helper function to create a WebSocket dialer
func newDialer() *websocket.Dialer {
	return &websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}
}

// startPeer starts a listening peer on a free local port.
func startPeer(t *testing.T) *ws.Peer {
	t.Helper()

	peer := ws.NewPeer(ws.NewPeerConfig("127.0.0.1:0", ws.NoRateLimit(), ws.AllOrigins(), nil, nil))
	if err := peer.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start peer: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		peer.Stop(ctx)
	})
	return peer
}

func clientConfig(url string) ws.Config {
	cfg := ws.DefaultConfig(url)
	cfg.RetryDelay = 10 * time.Millisecond
	return cfg
}

func waitReady(t *testing.T, ready func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for !ready() {
		if time.Now().After(deadline) {
			t.Fatal("client never became ready")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func testContext(t *testing.T) context.Context {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
