package ariarpc

import (
	"context"
	"encoding/json"
)

// Client multiplexes JSON-RPC requests over a single Transport and routes
// server pushes to registered handlers.
//
// Example usage:
//
//	import "github.com/luciancaetano/ariarpc/ws"
//
//	client := ws.Dial(ctx, ws.DefaultConfig("ws://localhost:6800/jsonrpc"))
//	defer client.Close()
//
//	client.OnNotify("aria2.onDownloadStart", func(params json.RawMessage) {
//	    log.Printf("started: %s", params)
//	})
//
//	var version map[string]any
//	err := client.Call(ctx, "aria2.getVersion", []any{"token:secret"}, &version)
type Client interface {
	// Go issues a request and returns immediately. The returned Call is sent
	// on call.Done exactly once, when a reply arrives, when admission rejects
	// the request, or when ctx ends first.
	//
	// When the in-flight ceiling is reached and the request is not exempt,
	// call.Done is already filled when Go returns and nothing is sent.
	// Requests issued before the transport is ready are parked and retried
	// until it is.
	Go(ctx context.Context, method string, params any, opts ...CallOption) *Call

	// Call is the blocking form of Go. On success the reply result is
	// unmarshalled into result, which may be nil to discard it.
	//
	// Returns a *Error for remote and admission errors, a *ProtocolError when
	// the reply was malformed, or the context error.
	Call(ctx context.Context, method string, params any, result any, opts ...CallOption) error

	// OnNotify registers the handler for pushes carrying method. A later
	// registration for the same method replaces the earlier one. Handlers are
	// kept across Reconnect.
	OnNotify(method string, handler NotifyHandler)

	// OnOpen, OnError and OnClose register transport lifecycle listeners.
	// Listeners survive Reconnect and fire again for every new connection.
	OnOpen(fn OpenFn)
	OnError(fn ErrorFn)
	OnClose(fn CloseFn)

	// Reconnect discards the current connection and dials a new one. Calls
	// still awaiting a reply fail with ErrConnectionReset.
	Reconnect(ctx context.Context) error

	// Ready reports whether the transport is open.
	Ready() bool

	// InFlight returns the number of non-exempt requests awaiting a reply.
	InFlight() int

	// Close fails every pending call with ErrShutdown and closes the transport.
	Close() error
}

// Transport owns the physical connection used by a Client.
//
// Listeners are attached to the Transport rather than to the underlying
// socket, so Reconnect keeps every one of them.
type Transport interface {
	// Open establishes the connection and fires the open listeners.
	Open(ctx context.Context) error

	// Send transmits one message. It fails with ErrNotReady when the
	// connection is not open.
	Send(ctx context.Context, data []byte) error

	// Reconnect tears down the current connection and opens a new one.
	Reconnect(ctx context.Context) error

	// Ready is true between the open and close events of a connection.
	Ready() bool

	OnOpen(fn OpenFn)
	OnError(fn ErrorFn)
	OnClose(fn CloseFn)
	OnMessage(fn MessageFn)

	// Close closes the connection for good.
	Close() error
}

// Lifecycle listener types.
type (
	OpenFn    = func()
	ErrorFn   = func(err error)
	CloseFn   = func(code int, reason string)
	MessageFn = func(data []byte)
)

// NotifyHandler receives the params value of a server push.
type NotifyHandler func(params json.RawMessage)

// Call represents an active request.
type Call struct {
	// ID is assigned when the request is written to the transport. It is
	// zero-valued until then, and ID 0 is also the first identifier handed out.
	ID     uint64
	Method string
	Params any
	Exempt bool

	// Result holds the raw reply result once Done has fired without error.
	Result json.RawMessage
	// Error is a *Error, a *ProtocolError, ErrShutdown, ErrConnectionReset or
	// a context error.
	Error error

	// Done receives the call when it completes. It is buffered.
	Done chan *Call
}

// Decode unmarshals the call result into v, or returns the call error.
func (c *Call) Decode(v any) error {
	if c.Error != nil {
		return c.Error
	}
	if v == nil || len(c.Result) == 0 {
		return nil
	}
	return json.Unmarshal(c.Result, v)
}

// CallOptions holds per-call settings.
type CallOptions struct {
	// Exempt requests bypass the in-flight ceiling and are not counted by it.
	Exempt bool
}

// CallOption configures a single call.
type CallOption func(*CallOptions)

// Exempt marks a call as exempt from the in-flight ceiling.
func Exempt() CallOption {
	return func(o *CallOptions) { o.Exempt = true }
}

// WithExempt sets the exempt flag explicitly.
func WithExempt(exempt bool) CallOption {
	return func(o *CallOptions) { o.Exempt = exempt }
}
