// Package transport carries JSON-RPC 2.0 over a single WebSocket connection
// with request correlation, timeouts and optional automatic reconnection.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when there is no open connection, and to
	// requests still pending when the connection drops.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("transport: closed")
	// ErrConnectFailed marks handshake failures; see ConnectError.
	ErrConnectFailed = errors.New("transport: connect failed")
	// ErrRequestTimeout is returned when no response arrives in time.
	ErrRequestTimeout = errors.New("transport: request timed out")
)

// State is the lifecycle state of a Client.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// ConnectError wraps a failed handshake. It matches ErrConnectFailed and the
// underlying cause with errors.Is.
type ConnectError struct {
	URL string
	// StatusCode is the HTTP status of a rejected handshake, or 0 when no
	// response was received.
	StatusCode int
	Err        error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.URL, e.Err)
}

func (e *ConnectError) Unwrap() []error { return []error{ErrConnectFailed, e.Err} }

// ProtocolError is a JSON-RPC error response from the agent.
type ProtocolError struct {
	Method  string
	Code    int
	Message string
	Data    json.RawMessage
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: agent error %d: %s", e.Method, e.Code, e.Message)
}
