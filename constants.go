package ariarpc

import "time"

// JSON-RPC version
const (
	JSONRPCVersion = "2.0"
)

// Client defaults.
const (
	// DefaultMaxInFlight is the number of non-exempt requests allowed to
	// await a reply at the same time.
	DefaultMaxInFlight = 8
	// DefaultRetryDelay is how long a request issued while the transport is
	// not ready waits before the admission decision is taken again.
	DefaultRetryDelay = 1000 * time.Millisecond
)

// JSON-RPC error codes (following JSON-RPC 2.0 specification)
const (
	JSONRPCParseError     = -32700
	JSONRPCInvalidRequest = -32600
	JSONRPCMethodNotFound = -32601
	JSONRPCInvalidParams  = -32602
	JSONRPCInternalError  = -32603
)

// Client-side error codes, taken from the implementation-defined server range.
const (
	// CodeMaxConcurrent is carried by the admission error returned when the
	// in-flight ceiling is reached.
	CodeMaxConcurrent = -32032
	// CodeConnectionReset is carried by ErrConnectionReset.
	CodeConnectionReset = -32031
)

// Standard error messages
const (
	// Protocol errors
	ErrInvalidMessageFormat = "Invalid message format"
	ErrParseError           = "Parse error"
	ErrInvalidRequest       = "Invalid Request"
	ErrMethodNotFound       = "Method not found"
	ErrInternalError        = "Internal error"
	ErrMaxConcurrent        = "Max concurrent error"
	ErrResetByReconnect     = "connection reset"

	// Connection errors
	ErrClientNotFound       = "client not found"
	ErrConnectionClosed     = "client connection is closed"
	ErrContextCancelled     = "client context cancelled"
	ErrFailedToEncode       = "failed to encode message"
	ErrServerAlreadyRunning = "server already running"
)
