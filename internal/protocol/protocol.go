package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/luciancaetano/ariarpc"
)

const (
	maxPayloadSize = 10 * 1024 * 1024 // 10MB max message size
)

// Kind tells which of the two inbound envelope shapes a message has.
type Kind int

const (
	// KindReply is a message carrying an "id": the answer to one of our requests.
	KindReply Kind = iota + 1
	// KindPush is a message carrying a "method" and no "id".
	KindPush
)

func (k Kind) String() string {
	switch k {
	case KindReply:
		return "reply"
	case KindPush:
		return "push"
	default:
		return "unknown"
	}
}

// Envelope is one decoded inbound message.
type Envelope struct {
	Kind Kind

	// Reply fields. Exactly one of Result and Error is set.
	ID     uint64
	Result json.RawMessage
	Error  *ariarpc.Error

	// Push fields. HasParams distinguishes an absent "params" key from an
	// empty value.
	Method    string
	Params    json.RawMessage
	HasParams bool
}

// Request is the outbound request envelope.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Response is the reply envelope written by a peer.
type Response struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      any            `json:"id"`
	Result  any            `json:"result,omitempty"`
	Error   *ariarpc.Error `json:"error,omitempty"`
}

// Notification is the push envelope written by a peer.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// EncodeRequest encodes a request with the given identifier. Nil params are omitted.
func EncodeRequest(id uint64, method string, params any) ([]byte, error) {
	return encode(Request{
		JSONRPC: ariarpc.JSONRPCVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	})
}

// EncodeResult encodes a success reply.
func EncodeResult(id any, result any) ([]byte, error) {
	if result == nil {
		// a reply must carry "result" even when there is nothing to say
		result = json.RawMessage("null")
	}
	return encode(Response{JSONRPC: ariarpc.JSONRPCVersion, ID: id, Result: result})
}

// EncodeError encodes an error reply.
func EncodeError(id any, rpcErr *ariarpc.Error) ([]byte, error) {
	return encode(Response{JSONRPC: ariarpc.JSONRPCVersion, ID: id, Error: rpcErr})
}

// EncodeNotification encodes a server push.
func EncodeNotification(method string, params any) ([]byte, error) {
	return encode(Notification{JSONRPC: ariarpc.JSONRPCVersion, Method: method, Params: params})
}

func encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ariarpc.ErrFailedToEncode, err)
	}
	if len(data) > maxPayloadSize {
		return nil, fmt.Errorf("message size %d exceeds maximum %d bytes", len(data), maxPayloadSize)
	}
	return data, nil
}

// Decode classifies an inbound message by which keys it carries. Every
// failure is a *ariarpc.ProtocolError.
func Decode(data []byte) (*Envelope, error) {
	if len(data) > maxPayloadSize {
		return nil, protocolErr(nil, data, "message size %d exceeds maximum %d bytes", len(data), maxPayloadSize)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, protocolErr(nil, data, "%s: %v", ariarpc.ErrParseError, err)
	}
	if fields == nil {
		return nil, protocolErr(nil, data, "%s: not an object", ariarpc.ErrInvalidMessageFormat)
	}

	if rawID, ok := fields["id"]; ok {
		id, err := parseID(rawID)
		if err != nil {
			return nil, protocolErr(nil, data, "%v", err)
		}
		return decodeReply(id, fields, data)
	}

	if rawMethod, ok := fields["method"]; ok {
		var method string
		if err := json.Unmarshal(rawMethod, &method); err != nil {
			return nil, protocolErr(nil, data, "invalid method: %v", err)
		}
		env := &Envelope{Kind: KindPush, Method: method}
		if params, ok := fields["params"]; ok {
			env.Params = params
			env.HasParams = true
		}
		return env, nil
	}

	return nil, protocolErr(nil, data, "invalid response with no `id` or `method`")
}

func decodeReply(id uint64, fields map[string]json.RawMessage, data []byte) (*Envelope, error) {
	result, hasResult := fields["result"]
	rawErr, hasError := fields["error"]

	switch {
	case hasResult && hasError:
		return nil, protocolErr(&id, data, "reply carries both `result` and `error`")
	case hasResult:
		return &Envelope{Kind: KindReply, ID: id, Result: result}, nil
	case hasError:
		var rpcErr ariarpc.Error
		if err := json.Unmarshal(rawErr, &rpcErr); err != nil || bytes.Equal(bytes.TrimSpace(rawErr), []byte("null")) {
			return nil, protocolErr(&id, data, "invalid error object: %s", rawErr)
		}
		return &Envelope{Kind: KindReply, ID: id, Error: &rpcErr}, nil
	default:
		return nil, protocolErr(&id, data, "invalid response with no `result` or `error`")
	}
}

// parseID accepts only non-negative integers: identifiers are always ours.
func parseID(raw json.RawMessage) (uint64, error) {
	id, err := strconv.ParseUint(string(bytes.TrimSpace(raw)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid reply id %s", raw)
	}
	return id, nil
}

func protocolErr(id *uint64, raw []byte, format string, args ...any) error {
	return &ariarpc.ProtocolError{
		Reason: fmt.Sprintf(format, args...),
		ID:     id,
		Raw:    raw,
	}
}

// IncomingRequest is a request as seen by a peer. ID is kept raw so it can be
// echoed back unchanged.
type IncomingRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// DecodeRequest decodes a request on the peer side.
func DecodeRequest(data []byte) (*IncomingRequest, error) {
	if len(data) > maxPayloadSize {
		return nil, fmt.Errorf("message size %d exceeds maximum %d bytes", len(data), maxPayloadSize)
	}
	var req IncomingRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	return &req, nil
}
