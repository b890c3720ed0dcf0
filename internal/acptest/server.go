// Package acptest provides a scriptable ACP agent served over WebSocket for
// tests. It speaks raw JSON-RPC so tests can control ordering, delays, drops
// and malformed frames.
package acptest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/gaspardpetit/acplink/internal/jsonrpc"
)

// NoReply may be returned by a Handler to suppress the automatic response.
// The handler (or the test) can answer later with Conn.Reply.
var NoReply = &struct{ noReply bool }{true}

// Handler answers one request. Returning a non-nil *jsonrpc.Error sends an
// error response; returning NoReply sends nothing.
type Handler func(c *Conn, req jsonrpc.Notification) (any, *jsonrpc.Error)

// Server is a mock agent endpoint.
type Server struct {
	srv *httptest.Server

	mu       sync.Mutex
	handlers map[string]Handler
	conns    map[*Conn]struct{}
	received []jsonrpc.Notification
	cards    map[string]any
	reject   int
	accepts  int

	connCh chan *Conn
}

// NewServer starts an empty mock agent. Unknown methods get METHOD_NOT_FOUND.
func NewServer(t testing.TB) *Server {
	s := &Server{
		handlers: map[string]Handler{},
		conns:    map[*Conn]struct{}{},
		cards:    map[string]any{},
		connCh:   make(chan *Conn, 16),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serveHTTP))
	t.Cleanup(s.Close)
	return s
}

// NewAgent starts a mock agent with the standard ACP methods answered:
// initialize, session/new, session/cancel, session/permission_response and a
// session/prompt that completes immediately with end_turn.
func NewAgent(t testing.TB) *Server {
	s := NewServer(t)
	s.Handle("initialize", func(c *Conn, req jsonrpc.Notification) (any, *jsonrpc.Error) {
		var p struct {
			ProtocolVersion json.RawMessage `json:"protocolVersion"`
		}
		_ = json.Unmarshal(req.Params, &p)
		if len(p.ProtocolVersion) == 0 {
			p.ProtocolVersion = json.RawMessage(`1`)
		}
		return map[string]any{
			"protocolVersion": p.ProtocolVersion,
			"agentCapabilities": map[string]any{
				"loadSession":        false,
				"promptCapabilities": map[string]bool{"image": false, "audio": false, "embeddedContext": true},
			},
			"authMethods": []any{},
		}, nil
	})
	s.Handle("session/new", func(c *Conn, req jsonrpc.Notification) (any, *jsonrpc.Error) {
		return map[string]string{"sessionId": "sess_" + uuid.NewString()[:8]}, nil
	})
	s.Handle("session/cancel", func(c *Conn, req jsonrpc.Notification) (any, *jsonrpc.Error) {
		return nil, nil
	})
	s.Handle("session/permission_response", func(c *Conn, req jsonrpc.Notification) (any, *jsonrpc.Error) {
		return nil, nil
	})
	s.Handle("session/prompt", func(c *Conn, req jsonrpc.Notification) (any, *jsonrpc.Error) {
		sid := SessionID(req)
		_ = c.Notify("session/prompt_complete", map[string]any{
			"sessionId": sid,
			"result":    map[string]string{"stopReason": "end_turn"},
		})
		return map[string]string{"stopReason": "end_turn"}, nil
	})
	return s
}

// SessionID extracts params.sessionId from a request.
func SessionID(req jsonrpc.Notification) string {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	_ = json.Unmarshal(req.Params, &p)
	return p.SessionID
}

// URL returns the ws:// endpoint.
func (s *Server) URL() string { return "ws" + strings.TrimPrefix(s.srv.URL, "http") }

// HTTPURL returns the http:// base URL.
func (s *Server) HTTPURL() string { return s.srv.URL }

// Handle installs h for method, replacing any previous handler.
func (s *Server) Handle(method string, h Handler) {
	s.mu.Lock()
	s.handlers[method] = h
	s.mu.Unlock()
}

// ServeCard serves v as JSON on path (e.g. "/.well-known/agent.json").
func (s *Server) ServeCard(path string, v any) {
	s.mu.Lock()
	s.cards[path] = v
	s.mu.Unlock()
}

// Reject makes subsequent upgrade attempts fail with the given HTTP status.
// Zero accepts connections again.
func (s *Server) Reject(status int) {
	s.mu.Lock()
	s.reject = status
	s.mu.Unlock()
}

// Accepts returns how many WebSocket connections were accepted so far.
func (s *Server) Accepts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepts
}

// WaitConn returns the next accepted connection or nil after timeout.
func (s *Server) WaitConn(timeout time.Duration) *Conn {
	select {
	case c := <-s.connCh:
		return c
	case <-time.After(timeout):
		return nil
	}
}

// Conns returns the currently open connections.
func (s *Server) Conns() []*Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		out = append(out, c)
	}
	return out
}

// Broadcast sends a notification on every open connection.
func (s *Server) Broadcast(method string, params any) {
	for _, c := range s.Conns() {
		_ = c.Notify(method, params)
	}
}

// DropAll kills every open connection without a close handshake.
func (s *Server) DropAll() {
	for _, c := range s.Conns() {
		_ = c.ws.CloseNow()
	}
}

// Received returns the requests and notifications received for method, or
// all of them when method is empty.
func (s *Server) Received(method string) []jsonrpc.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []jsonrpc.Notification
	for _, r := range s.received {
		if method == "" || r.Method == method {
			out = append(out, r)
		}
	}
	return out
}

// Close shuts down the listener and all connections.
func (s *Server) Close() {
	s.DropAll()
	s.srv.Close()
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	card, hasCard := s.cards[r.URL.Path]
	reject := s.reject
	s.mu.Unlock()
	if hasCard {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(card)
		return
	}
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		http.NotFound(w, r)
		return
	}
	if reject != 0 {
		http.Error(w, http.StatusText(reject), reject)
		return
	}
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	ws.SetReadLimit(16 << 20)
	c := &Conn{ws: ws, srv: s, Header: r.Header.Clone(), replies: make(chan jsonrpc.Response, 16)}
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.accepts++
	s.mu.Unlock()
	select {
	case s.connCh <- c:
	default:
	}
	c.readLoop(r.Context())
}

func (s *Server) handler(method string) Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handlers[method]
}

func (s *Server) record(n jsonrpc.Notification) {
	s.mu.Lock()
	s.received = append(s.received, n)
	s.mu.Unlock()
}

// Conn is one client connection as seen by the mock agent.
type Conn struct {
	ws  *websocket.Conn
	srv *Server

	// Header holds the handshake request headers.
	Header http.Header

	replies chan jsonrpc.Response
}

func (c *Conn) readLoop(ctx context.Context) {
	defer func() {
		c.srv.mu.Lock()
		delete(c.srv.conns, c)
		c.srv.mu.Unlock()
		_ = c.ws.CloseNow()
	}()
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			return
		}
		msg, err := jsonrpc.Decode(data)
		if err != nil {
			continue
		}
		switch msg.Kind {
		case jsonrpc.KindResponse:
			select {
			case c.replies <- *msg.Response:
			default:
			}
		case jsonrpc.KindNotification:
			c.srv.record(*msg.Notification)
		case jsonrpc.KindRequest:
			req := *msg.Notification
			c.srv.record(req)
			h := c.srv.handler(req.Method)
			if h == nil {
				_ = c.send(jsonrpc.NewError(*req.ID, jsonrpc.CodeMethodNotFound, "method not found: "+req.Method))
				continue
			}
			res, rpcErr := h(c, req)
			if res == NoReply {
				continue
			}
			if rpcErr != nil {
				_ = c.ReplyError(*req.ID, rpcErr)
				continue
			}
			_ = c.Reply(*req.ID, res)
		}
	}
}

// Reply sends a successful response for id.
func (c *Conn) Reply(id jsonrpc.ID, result any) error {
	resp, err := jsonrpc.NewResult(id, result)
	if err != nil {
		return err
	}
	return c.send(resp)
}

// ReplyError sends an error response for id.
func (c *Conn) ReplyError(id jsonrpc.ID, rpcErr *jsonrpc.Error) error {
	return c.send(jsonrpc.Response{JSONRPC: jsonrpc.Version, ID: id, Error: rpcErr})
}

// Notify sends a notification to the client.
func (c *Conn) Notify(method string, params any) error {
	n, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	return c.send(n)
}

// Request sends a server-initiated request to the client.
func (c *Conn) Request(id any, method string, params any) error {
	return c.send(jsonrpc.NewRequest(jsonrpc.NewID(id), method, params))
}

// WaitReply returns the next response the client sent for a server-initiated
// request, or false after timeout.
func (c *Conn) WaitReply(timeout time.Duration) (jsonrpc.Response, bool) {
	select {
	case r := <-c.replies:
		return r, true
	case <-time.After(timeout):
		return jsonrpc.Response{}, false
	}
}

// WriteRaw sends data verbatim, for malformed-frame tests.
func (c *Conn) WriteRaw(data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// Drop kills the connection without a close handshake.
func (c *Conn) Drop() { _ = c.ws.CloseNow() }

func (c *Conn) send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.WriteRaw(b)
}
