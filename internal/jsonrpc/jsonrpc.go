package jsonrpc

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// Version is the protocol version carried on every message.
const Version = mcp.JSONRPC_VERSION

// Standard JSON-RPC error codes.
const (
	CodeParseError     = mcp.PARSE_ERROR
	CodeInvalidRequest = mcp.INVALID_REQUEST
	CodeMethodNotFound = mcp.METHOD_NOT_FOUND
	CodeInvalidParams  = mcp.INVALID_PARAMS
	CodeInternalError  = mcp.INTERNAL_ERROR
)

// ID is a request identifier; it may be a string or a number on the wire.
type ID = mcp.RequestId

// NewID wraps a string or integer request identifier.
func NewID(v any) ID { return mcp.NewRequestId(v) }

// ErrInvalidMessage is returned by Decode for frames that cannot be routed.
var ErrInvalidMessage = errors.New("invalid json-rpc message")

// Request is a call that expects a response.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      ID     `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Notification is a message carrying a method. Server-initiated requests are
// delivered as notifications with ID set; they expect a Response.
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *ID             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsRequest reports whether the sender expects a response.
func (n Notification) IsRequest() bool { return n.ID != nil && !n.ID.IsNil() }

// Response answers a Request. Exactly one of Result or Error is meaningful.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      ID              `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is the JSON-RPC error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Kind classifies an inbound frame by its shape.
type Kind int

const (
	KindInvalid Kind = iota
	KindResponse
	KindNotification
	KindRequest
)

func (k Kind) String() string {
	switch k {
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	case KindRequest:
		return "request"
	default:
		return "invalid"
	}
}

// Message is a decoded inbound frame. Response is set for KindResponse,
// Notification for KindNotification and KindRequest.
type Message struct {
	Kind         Kind
	Response     *Response
	Notification *Notification
}

// Decode routes a raw frame by structure: an id without a method is a
// response, a method without an id is a notification, both is a request
// initiated by the peer. Anything else is ErrInvalidMessage.
func Decode(data []byte) (Message, error) {
	var env struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params"`
		Result  json.RawMessage `json:"result"`
		Error   *Error          `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	hasID := len(env.ID) > 0 && string(env.ID) != "null"
	var id ID
	if hasID {
		if err := json.Unmarshal(env.ID, &id); err != nil {
			return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
	}
	switch {
	case env.Method != "" && !hasID:
		return Message{Kind: KindNotification, Notification: &Notification{
			JSONRPC: env.JSONRPC, Method: env.Method, Params: env.Params,
		}}, nil
	case env.Method != "":
		return Message{Kind: KindRequest, Notification: &Notification{
			JSONRPC: env.JSONRPC, ID: &id, Method: env.Method, Params: env.Params,
		}}, nil
	case hasID:
		return Message{Kind: KindResponse, Response: &Response{
			JSONRPC: env.JSONRPC, ID: id, Result: env.Result, Error: env.Error,
		}}, nil
	default:
		return Message{}, fmt.Errorf("%w: neither id nor method", ErrInvalidMessage)
	}
}

// NewRequest builds a request envelope.
func NewRequest(id ID, method string, params any) Request {
	return Request{JSONRPC: Version, ID: id, Method: method, Params: params}
}

// NewNotification builds a notification envelope, marshaling params.
func NewNotification(method string, params any) (Notification, error) {
	n := Notification{JSONRPC: Version, Method: method}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return Notification{}, err
		}
		n.Params = b
	}
	return n, nil
}

// NewResult builds a successful response, marshaling result.
func NewResult(id ID, result any) (Response, error) {
	b, err := json.Marshal(result)
	if err != nil {
		return Response{}, err
	}
	return Response{JSONRPC: Version, ID: id, Result: b}, nil
}

// NewError builds an error response.
func NewError(id ID, code int, message string) Response {
	return Response{JSONRPC: Version, ID: id, Error: &Error{Code: code, Message: message}}
}

// Key returns a comparable form of id suitable for map lookups.
func Key(id ID) string { return id.String() }
