package rpc

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/ariarpc"
	"github.com/luciancaetano/ariarpc/internal/protocol"
)

// fakeTransport records sent messages and lets tests inject inbound ones.
type fakeTransport struct {
	mu         sync.Mutex
	ready      bool
	sent       [][]byte
	sendErr    error
	reconnects int
	closed     bool
	// between runs during Reconnect, after the old connection closed and
	// before the new one opens.
	between func()

	onOpen    []ariarpc.OpenFn
	onError   []ariarpc.ErrorFn
	onClose   []ariarpc.CloseFn
	onMessage []ariarpc.MessageFn
}

var _ ariarpc.Transport = (*fakeTransport)(nil)

func newFakeTransport(ready bool) *fakeTransport {
	return &fakeTransport{ready: ready}
}

func (f *fakeTransport) Open(ctx context.Context) error {
	f.setReady(true)
	return nil
}

func (f *fakeTransport) Send(ctx context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sendErr != nil {
		return f.sendErr
	}
	if !f.ready {
		return ariarpc.ErrNotReady
	}
	f.sent = append(f.sent, append([]byte(nil), data...))
	return nil
}

func (f *fakeTransport) Reconnect(ctx context.Context) error {
	f.mu.Lock()
	f.reconnects++
	between := f.between
	f.mu.Unlock()

	f.setReady(false)
	if between != nil {
		between()
	}
	f.setReady(true)
	return nil
}

func (f *fakeTransport) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeTransport) OnOpen(fn ariarpc.OpenFn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onOpen = append(f.onOpen, fn)
}

func (f *fakeTransport) OnError(fn ariarpc.ErrorFn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onError = append(f.onError, fn)
}

func (f *fakeTransport) OnClose(fn ariarpc.CloseFn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onClose = append(f.onClose, fn)
}

func (f *fakeTransport) OnMessage(fn ariarpc.MessageFn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onMessage = append(f.onMessage, fn)
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.setReady(false)
	return nil
}

// setReady flips readiness and fires the matching lifecycle listeners.
func (f *fakeTransport) setReady(ready bool) {
	f.mu.Lock()
	f.ready = ready
	opens := append([]ariarpc.OpenFn(nil), f.onOpen...)
	closes := append([]ariarpc.CloseFn(nil), f.onClose...)
	f.mu.Unlock()

	if ready {
		for _, fn := range opens {
			fn()
		}
		return
	}
	for _, fn := range closes {
		fn(1000, "")
	}
}

func (f *fakeTransport) setSendErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

// deliver hands data to the message listeners as if it came off the wire.
func (f *fakeTransport) deliver(data string) {
	f.mu.Lock()
	fns := append([]ariarpc.MessageFn(nil), f.onMessage...)
	f.mu.Unlock()

	for _, fn := range fns {
		fn([]byte(data))
	}
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// requests decodes everything sent so far.
func (f *fakeTransport) requests(t *testing.T) []protocol.Request {
	t.Helper()

	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]protocol.Request, 0, len(f.sent))
	for _, data := range f.sent {
		var req protocol.Request
		require.NoError(t, json.Unmarshal(data, &req))
		out = append(out, req)
	}
	return out
}
