// Package ariarpc provides a JSON-RPC 2.0 client that multiplexes many requests over
// one persistent WebSocket connection, built for driving the aria2 download manager.
//
// The library matches asynchronous replies to outstanding requests by identifier,
// routes server pushes (notifications) to registered handlers, bounds the number of
// requests awaiting a reply, parks requests issued before the connection is open, and
// keeps every registered listener across reconnects.
//
// # Architecture
//
// A Client owns a Transport and three pieces of state: a request registry mapping
// identifiers to pending calls, an admission counter for in-flight requests, and a
// notification router mapping push method names to handlers. Every inbound message is
// decoded into either a reply (it carries an "id") or a push (it carries a "method").
//
// # Quick Start
//
//	import (
//	    "github.com/luciancaetano/ariarpc/ws"
//	)
//
//	client := ws.Dial(ctx, ws.DefaultConfig("ws://localhost:6800/jsonrpc"))
//	defer client.Close()
//
//	// Requests issued before the handshake completes are sent once it does
//	call := client.Go(ctx, "aria2.getVersion", []any{"token:secret"})
//	<-call.Done
//
//	// Pushes are routed by method name
//	client.OnNotify("aria2.onDownloadComplete", func(params json.RawMessage) {
//	    log.Printf("complete: %s", params)
//	})
//
// For the typed aria2 API see package aria2.
//
// # Admission
//
// At most DefaultMaxInFlight (8) non-exempt requests may await a reply. The next one
// fails at once with a *Error carrying CodeMaxConcurrent (-32032) and is never sent.
// Exempt requests are not counted:
//
//	client.Go(ctx, "aria2.tellActive", params, ariarpc.Exempt())
//
// A request issued while the transport is not ready is re-evaluated every
// DefaultRetryDelay until it is, and can still be rejected on a later attempt if the
// ceiling has filled in the meantime.
//
// # Errors
//
//   - *Error: remote error replies (code and message verbatim) and admission rejections
//   - *ProtocolError: malformed envelopes and replies matching no pending request
//   - ErrConnectionReset: the call was pending when Reconnect was called or the
//     server closed the connection
//   - ErrShutdown: the client was closed
//
// # Value Coercion
//
// aria2 encodes numbers and booleans as strings. A Preprocessor such as
// ws.Coerce may be configured to rewrite short numeric, "true", "false" and
// "null" strings into native values before results and push params are delivered.
//
// # Important
//
//   - Notification handlers run on the connection's read goroutine, in arrival order;
//     long work should be handed off, and a handler must not wait on a call of its own
//   - Replies are matched by identifier only and may arrive in any order
//   - Identifiers are never reused, even across reconnects
package ariarpc
