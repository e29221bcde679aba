package ariarpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrNotReady is returned by Transport.Send when the connection is not open.
	ErrNotReady = errors.New("transport is not ready")

	// ErrShutdown is returned for calls made on, or still pending at, a closed client.
	ErrShutdown = errors.New("connection is shut down")

	// ErrConnectionReset completes every call still awaiting a reply when
	// the connection it was sent on goes away, by Reconnect or otherwise.
	ErrConnectionReset = &Error{Code: CodeConnectionReset, Message: ErrResetByReconnect}
)

// Error is a JSON-RPC error object. It is what a remote error reply carries,
// and is also used locally for admission rejections.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Is reports whether target is an *Error with the same code, so that
// errors.Is(err, ErrConnectionReset) works on copies.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewAdmissionError returns the error used when the in-flight ceiling is reached.
func NewAdmissionError() *Error {
	return &Error{Code: CodeMaxConcurrent, Message: ErrMaxConcurrent}
}

// IsAdmission reports whether err is an admission rejection.
func IsAdmission(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == CodeMaxConcurrent
}

// ProtocolError reports an inbound message that does not fit the envelope
// rules, or a reply that matches no outstanding request. It means client and
// peer disagree about the conversation.
type ProtocolError struct {
	Reason string
	// ID is set when the offending message carried a request identifier.
	ID  *uint64
	Raw []byte
}

func (e *ProtocolError) Error() string {
	if e.ID != nil {
		return fmt.Sprintf("jsonrpc protocol error (id %d): %s", *e.ID, e.Reason)
	}
	return "jsonrpc protocol error: " + e.Reason
}

// IsProtocol reports whether err is a *ProtocolError.
func IsProtocol(err error) bool {
	var e *ProtocolError
	return errors.As(err, &e)
}
