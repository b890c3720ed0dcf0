package acp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gaspardpetit/acplink/internal/jsonrpc"
	"github.com/gaspardpetit/acplink/internal/logx"
	"github.com/gaspardpetit/acplink/internal/transport"
)

// DefaultPromptTimeout bounds a whole prompt turn. Turns routinely outlast the
// transport's per-request default.
const DefaultPromptTimeout = 10 * time.Minute

// DefaultCompletionGrace is how long a turn whose session/prompt response has
// arrived waits for session/prompt_complete before the response ends it.
const DefaultCompletionGrace = 5 * time.Second

// Transport is the subset of *transport.Client the agent client needs.
type Transport interface {
	Send(ctx context.Context, method string, params any) (json.RawMessage, error)
	OnNotification(h transport.NotificationHandler) func()
}

// Responder is implemented by transports that can answer agent-initiated
// requests.
type Responder interface {
	Respond(ctx context.Context, id jsonrpc.ID, result any, rpcErr *jsonrpc.Error) error
}

// Option configures a Client.
type Option func(*Client)

// WithClientInfo sets the identity announced during initialize.
func WithClientInfo(name, version string) Option {
	return func(c *Client) { c.info = &ClientInfo{Name: name, Version: version} }
}

// WithProtocolVersion overrides the protocol version offered during initialize.
func WithProtocolVersion(v ProtocolVersion) Option {
	return func(c *Client) { c.version = v }
}

// WithPromptTimeout overrides DefaultPromptTimeout.
func WithPromptTimeout(d time.Duration) Option {
	return func(c *Client) { c.promptTimeout = d }
}

// WithCompletionGrace overrides DefaultCompletionGrace. Zero or less waits
// for session/prompt_complete indefinitely.
func WithCompletionGrace(d time.Duration) Option {
	return func(c *Client) { c.completionGrace = d }
}

// WithLogger sets the logger used by the client and its streams.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// Client speaks ACP to one agent over one transport.
type Client struct {
	t             Transport
	info          *ClientInfo
	version       ProtocolVersion
	promptTimeout time.Duration
	// completionGrace bounds the wait for session/prompt_complete once the
	// session/prompt response is in.
	completionGrace time.Duration
	log             zerolog.Logger

	mu       sync.Mutex
	sessions map[string]struct{}
	// inbound holds the JSON-RPC ids of permission requests the agent sent
	// as requests, keyed by request id.
	inbound map[string]jsonrpc.ID
}

// NewClient returns a client using t.
func NewClient(t Transport, opts ...Option) *Client {
	c := &Client{
		t:               t,
		version:         DefaultProtocolVersion,
		promptTimeout:   DefaultPromptTimeout,
		completionGrace: DefaultCompletionGrace,
		log:             logx.Log,
		sessions:        map[string]struct{}{},
		inbound:         map[string]jsonrpc.ID{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Initialize performs the protocol handshake.
func (c *Client) Initialize(ctx context.Context) (*InitializeResult, error) {
	params := InitializeParams{
		ProtocolVersion:    c.version,
		ClientInfo:         c.info,
		ClientCapabilities: ClientCapabilities{},
	}
	raw, err := c.t.Send(ctx, MethodInitialize, params)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInitializeFailed, err)
	}
	var res InitializeResult
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInitializeFailed, err)
		}
	}
	if res.ProtocolVersion == "" {
		res.ProtocolVersion = c.version
	}
	c.log.Debug().Str("protocol_version", string(res.ProtocolVersion)).Msg("agent initialized")
	return &res, nil
}

// CreateSession opens a session on the agent and returns its id.
func (c *Client) CreateSession(ctx context.Context, p NewSessionParams) (string, error) {
	if p.MCPServers == nil {
		p.MCPServers = []MCPServer{}
	}
	raw, err := c.t.Send(ctx, MethodSessionNew, p)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrCreateSessionFailed, err)
	}
	var res struct {
		SessionID string `json:"sessionId"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &res); err != nil {
			return "", fmt.Errorf("%w: %w", ErrCreateSessionFailed, err)
		}
	}
	if res.SessionID == "" {
		return "", fmt.Errorf("%w: response has no sessionId", ErrCreateSessionFailed)
	}
	c.mu.Lock()
	c.sessions[res.SessionID] = struct{}{}
	c.mu.Unlock()
	c.log.Info().Str("session_id", res.SessionID).Str("cwd", p.Cwd).Msg("session created")
	return res.SessionID, nil
}

// HasSession reports whether id was created through this client.
func (c *Client) HasSession(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.sessions[id]
	return ok
}

// SendPrompt starts a prompt turn and returns the stream of its updates. The
// session/prompt request runs in the background; its failure terminates the
// stream. Cancelling ctx abandons the request but does not cancel the turn on
// the agent; use CancelSession for that. The caller must Close the stream.
func (c *Client) SendPrompt(ctx context.Context, sessionID string, prompt []ContentBlock) (*PromptStream, error) {
	if sessionID == "" {
		return nil, errors.New("acp: empty session id")
	}
	if prompt == nil {
		prompt = []ContentBlock{}
	}
	rctx, cancel := context.WithCancel(ctx)
	s := newPromptStream(sessionID, c.log.With().Str("session_id", sessionID).Logger(), cancel, c.completionGrace)
	s.unsubscribe = c.t.OnNotification(s.handle)

	go func() {
		raw, err := c.t.Send(transport.WithRequestTimeout(rctx, c.promptTimeout), MethodSessionPrompt,
			PromptParams{SessionID: sessionID, Prompt: prompt})
		s.finishRPC(raw, err)
	}()
	return s, nil
}

// CancelSession asks the agent to stop the current turn of sessionID.
func (c *Client) CancelSession(ctx context.Context, sessionID string) error {
	if _, err := c.t.Send(ctx, MethodSessionCancel, CancelParams{SessionID: sessionID}); err != nil {
		return fmt.Errorf("%w: %w", ErrCancelFailed, err)
	}
	c.log.Info().Str("session_id", sessionID).Msg("session cancel sent")
	return nil
}

// RespondToPermission answers a permission request with the chosen option.
// Requests the agent sent as JSON-RPC requests are answered in place; the
// rest are answered with a session/permission_response request.
func (c *Client) RespondToPermission(ctx context.Context, requestID, optionID string) error {
	c.mu.Lock()
	id, inbound := c.inbound[requestID]
	c.mu.Unlock()

	if r, ok := c.t.(Responder); ok && inbound {
		var out permissionOutcome
		out.Outcome.Outcome = "selected"
		out.Outcome.OptionID = optionID
		if err := r.Respond(ctx, id, out, nil); err != nil {
			return fmt.Errorf("%w: %w", ErrPermissionResponseFailed, err)
		}
		// Kept until answered so a failed reply can be retried in place.
		c.mu.Lock()
		delete(c.inbound, requestID)
		c.mu.Unlock()
		return nil
	}
	_, err := c.t.Send(ctx, MethodPermissionResponse, permissionResponseParams{RequestID: requestID, OptionID: optionID})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPermissionResponseFailed, err)
	}
	return nil
}

// OnPermissionRequest calls fn for every permission request the agent sends.
// fn runs on the transport's read goroutine and must not block. The returned
// function unsubscribes.
func (c *Client) OnPermissionRequest(fn func(PermissionRequest)) func() {
	return c.t.OnNotification(func(n jsonrpc.Notification) {
		if n.Method != MethodRequestPermission {
			return
		}
		req, err := c.decodePermission(n)
		if err != nil {
			c.log.Warn().Err(err).Msg("dropping malformed permission request")
			return
		}
		fn(req)
	})
}

func (c *Client) decodePermission(n jsonrpc.Notification) (PermissionRequest, error) {
	var p permissionParams
	if err := json.Unmarshal(n.Params, &p); err != nil {
		return PermissionRequest{}, err
	}
	req := PermissionRequest{
		RequestID:   p.RequestID,
		SessionID:   p.SessionID,
		ToolCallID:  p.ToolCallID,
		Title:       p.Title,
		Description: p.Description,
		Path:        p.Path,
		Diff:        p.Diff,
		Options:     p.Options,
		Timestamp:   time.Now().UTC(),
	}
	if p.ToolCall != nil {
		if req.ToolCallID == "" {
			req.ToolCallID = p.ToolCall.ToolCallID
		}
		if req.Title == "" {
			req.Title = p.ToolCall.Title
		}
	}
	if p.Timestamp != nil {
		req.Timestamp = *p.Timestamp
	}
	if req.Options == nil {
		req.Options = []PermissionOption{}
	}
	if n.IsRequest() {
		if req.RequestID == "" {
			req.RequestID = fmt.Sprint(n.ID.Value())
		}
		c.mu.Lock()
		c.inbound[req.RequestID] = *n.ID
		c.mu.Unlock()
	}
	if req.RequestID == "" {
		return PermissionRequest{}, errors.New("permission request has no requestId")
	}
	return req, nil
}
