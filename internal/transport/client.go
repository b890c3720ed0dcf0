package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/gaspardpetit/acplink/internal/jsonrpc"
	"github.com/gaspardpetit/acplink/internal/logx"
	"github.com/gaspardpetit/acplink/internal/metrics"
	"github.com/gaspardpetit/acplink/internal/reconnect"
)

const (
	// DefaultRequestTimeout bounds how long Send waits for a response.
	DefaultRequestTimeout = 30 * time.Second
	// DefaultDialTimeout bounds the WebSocket handshake.
	DefaultDialTimeout = 10 * time.Second
	// DefaultWriteTimeout bounds a single frame write.
	DefaultWriteTimeout = 5 * time.Second
	// DefaultReadLimit is the largest inbound frame accepted.
	DefaultReadLimit = 16 << 20
)

// Options configures a Client.
type Options struct {
	// URL is the ws:// or wss:// endpoint of the agent.
	URL string
	// ServerID labels logs and metrics.
	ServerID string
	// Header is sent with the handshake request.
	Header http.Header

	RequestTimeout time.Duration
	DialTimeout    time.Duration
	WriteTimeout   time.Duration
	ReadLimit      int64

	// AutoReconnect re-dials with Backoff after an unexpected drop.
	AutoReconnect bool
	Backoff       reconnect.Backoff

	// PingInterval enables WebSocket keepalive pings when positive.
	PingInterval time.Duration

	Logger *zerolog.Logger
}

// NotificationHandler receives inbound notifications and peer requests.
type NotificationHandler func(jsonrpc.Notification)

type result struct {
	data json.RawMessage
	err  error
}

type pendingRequest struct {
	method string
	ch     chan result
}

type listener struct {
	id uint64
	fn NotificationHandler
}

// Client owns one WebSocket connection to one agent and multiplexes JSON-RPC
// requests over it.
type Client struct {
	opts Options
	log  zerolog.Logger

	mu                 sync.Mutex
	state              State
	conn               *websocket.Conn
	cancelConn         context.CancelFunc
	pending            map[string]*pendingRequest
	autoReconnect      bool
	reconnectScheduled bool
	reconnectTimer     *time.Timer
	attempt            int

	nextID atomic.Int64

	lmu         sync.RWMutex
	listeners   []listener
	listenerSeq uint64
}

// New returns a disconnected client.
func New(opts Options) *Client {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = DefaultReadLimit
	}
	var l zerolog.Logger
	if opts.Logger != nil {
		l = *opts.Logger
	} else {
		l = logx.Server(opts.ServerID, "")
	}
	c := &Client{
		opts:          opts,
		log:           l.With().Str("url", opts.URL).Logger(),
		pending:       map[string]*pendingRequest{},
		autoReconnect: opts.AutoReconnect,
	}
	metrics.SetTransportState(opts.ServerID, StateDisconnected.String())
	return c
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ReconnectAttempt returns the number of reconnect attempts since the last
// successful open.
func (c *Client) ReconnectAttempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

// Connect opens the connection. It is a no-op while connecting or connected
// and fails with ErrClosed after Close.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnecting, StateConnected:
		c.mu.Unlock()
		return nil
	case StateClosed:
		c.mu.Unlock()
		return ErrClosed
	}
	c.stopReconnectLocked()
	c.autoReconnect = c.opts.AutoReconnect
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()
	return c.dial(ctx, false)
}

func (c *Client) dial(ctx context.Context, retry bool) error {
	dctx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()
	conn, resp, err := websocket.Dial(dctx, c.opts.URL, &websocket.DialOptions{HTTPHeader: c.opts.Header})

	c.mu.Lock()
	if c.state != StateConnecting {
		// Closed while the handshake was in flight.
		c.mu.Unlock()
		if conn != nil {
			_ = conn.CloseNow()
		}
		return ErrClosed
	}
	if err != nil {
		if retry && c.autoReconnect {
			c.setStateLocked(StateReconnecting)
			c.scheduleReconnectLocked()
		} else {
			c.setStateLocked(StateDisconnected)
		}
		c.mu.Unlock()
		ce := &ConnectError{URL: c.opts.URL, Err: err}
		if resp != nil {
			ce.StatusCode = resp.StatusCode
		}
		c.log.Warn().Err(err).Int("status", ce.StatusCode).Bool("retry", retry).Msg("connect failed")
		return ce
	}
	conn.SetReadLimit(c.opts.ReadLimit)
	connCtx, connCancel := context.WithCancel(context.Background())
	c.conn = conn
	c.cancelConn = connCancel
	c.attempt = 0
	c.setStateLocked(StateConnected)
	c.mu.Unlock()

	c.log.Info().Bool("reconnect", retry).Msg("connected to agent")
	go c.readLoop(connCtx, conn)
	if c.opts.PingInterval > 0 {
		go c.pingLoop(connCtx, conn)
	}
	return nil
}

// Close disables auto-reconnect, rejects pending requests with ErrClosed and
// closes the socket. It is safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.autoReconnect = false
	c.stopReconnectLocked()
	conn, cancel := c.conn, c.cancelConn
	c.conn, c.cancelConn = nil, nil
	c.failPendingLocked(ErrClosed)
	c.setStateLocked(StateClosed)
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client closing")
	}
	if cancel != nil {
		cancel()
	}
	c.log.Debug().Msg("transport closed")
	return nil
}

// Send issues a request and waits for the matching response, the request
// timeout, ctx cancellation or a connection drop. A JSON-RPC error response is
// returned as *ProtocolError.
func (c *Client) Send(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := jsonrpc.NewID(c.nextID.Add(1))
	key := jsonrpc.Key(id)
	b, err := json.Marshal(jsonrpc.NewRequest(id, method, params))
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", method, err)
	}

	p := &pendingRequest{method: method, ch: make(chan result, 1)}
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.state != StateConnected || c.conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	conn := c.conn
	c.pending[key] = p
	n := len(c.pending)
	c.mu.Unlock()
	metrics.SetPendingRequests(c.opts.ServerID, n)

	start := time.Now()
	res := c.await(ctx, conn, key, p, b)
	metrics.RecordRequest(method, outcome(res.err), time.Since(start))
	return res.data, res.err
}

func (c *Client) await(ctx context.Context, conn *websocket.Conn, key string, p *pendingRequest, frame []byte) result {
	if err := c.write(conn, frame); err != nil {
		if c.removePending(key) {
			return result{err: fmt.Errorf("%w: %v", ErrNotConnected, err)}
		}
		// The drop path already owns the request and will answer it.
		return <-p.ch
	}
	timer := time.NewTimer(requestTimeout(ctx, c.opts.RequestTimeout))
	defer timer.Stop()
	select {
	case r := <-p.ch:
		return r
	case <-timer.C:
		if c.removePending(key) {
			c.log.Warn().Str("method", p.method).Msg("request timed out")
			return result{err: fmt.Errorf("%s: %w", p.method, ErrRequestTimeout)}
		}
		return <-p.ch
	case <-ctx.Done():
		if c.removePending(key) {
			return result{err: ctx.Err()}
		}
		return <-p.ch
	}
}

// Call is Send followed by decoding the result into out, which may be nil.
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	raw, err := c.Send(ctx, method, params)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

// Notify sends a notification; no response is expected.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	n, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	return c.writeMessage(ctx, n)
}

// Respond answers a request initiated by the agent. When rpcErr is non-nil
// an error response is sent and result is ignored.
func (c *Client) Respond(ctx context.Context, id jsonrpc.ID, result any, rpcErr *jsonrpc.Error) error {
	resp := jsonrpc.Response{JSONRPC: jsonrpc.Version, ID: id, Error: rpcErr}
	if rpcErr == nil {
		r, err := jsonrpc.NewResult(id, result)
		if err != nil {
			return err
		}
		resp = r
	}
	return c.writeMessage(ctx, resp)
}

func (c *Client) writeMessage(ctx context.Context, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}
	if err := c.write(conn, b); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

// write uses its own deadline: cancelling a write context closes the socket,
// so caller contexts must not reach it.
func (c *Client) write(conn *websocket.Conn, b []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.WriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, b)
}

// OnNotification registers h for every inbound notification and peer
// request. Handlers run on the read goroutine in arrival order and must not
// block. The returned function unsubscribes h.
func (c *Client) OnNotification(h NotificationHandler) func() {
	c.lmu.Lock()
	c.listenerSeq++
	id := c.listenerSeq
	c.listeners = append(c.listeners, listener{id: id, fn: h})
	c.lmu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			c.lmu.Lock()
			defer c.lmu.Unlock()
			for i, l := range c.listeners {
				if l.id == id {
					c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// ListenerCount reports the number of registered notification handlers.
func (c *Client) ListenerCount() int {
	c.lmu.RLock()
	defer c.lmu.RUnlock()
	return len(c.listeners)
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.handleDrop(conn, err)
			return
		}
		c.route(data)
	}
}

func (c *Client) route(data []byte) {
	msg, err := jsonrpc.Decode(data)
	if err != nil {
		c.log.Warn().Err(err).Int("bytes", len(data)).Msg("dropping unroutable message")
		return
	}
	switch msg.Kind {
	case jsonrpc.KindResponse:
		c.resolve(msg.Response)
	case jsonrpc.KindNotification, jsonrpc.KindRequest:
		c.dispatch(*msg.Notification)
	}
}

func (c *Client) resolve(resp *jsonrpc.Response) {
	key := jsonrpc.Key(resp.ID)
	c.mu.Lock()
	p, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	n := len(c.pending)
	c.mu.Unlock()
	if !ok {
		c.log.Debug().Str("id", key).Msg("response for unknown request")
		return
	}
	metrics.SetPendingRequests(c.opts.ServerID, n)
	if resp.Error != nil {
		p.ch <- result{err: &ProtocolError{Method: p.method, Code: resp.Error.Code, Message: resp.Error.Message, Data: resp.Error.Data}}
		return
	}
	p.ch <- result{data: resp.Result}
}

func (c *Client) dispatch(n jsonrpc.Notification) {
	c.lmu.RLock()
	ls := make([]listener, len(c.listeners))
	copy(ls, c.listeners)
	c.lmu.RUnlock()
	for _, l := range ls {
		c.invoke(l.fn, n)
	}
}

func (c *Client) invoke(fn NotificationHandler, n jsonrpc.Notification) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Str("method", n.Method).Msg("notification handler panicked")
		}
	}()
	fn(n)
}

func (c *Client) handleDrop(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		// Close already detached this connection.
		c.mu.Unlock()
		return
	}
	cancel := c.cancelConn
	c.conn, c.cancelConn = nil, nil
	c.failPendingLocked(ErrNotConnected)
	if c.autoReconnect {
		c.setStateLocked(StateReconnecting)
		c.scheduleReconnectLocked()
	} else {
		c.setStateLocked(StateDisconnected)
	}
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	_ = conn.CloseNow()

	var ce websocket.CloseError
	if errors.As(err, &ce) && ce.Code == websocket.StatusNormalClosure {
		c.log.Info().Str("reason", ce.Reason).Msg("agent closed connection")
		return
	}
	c.log.Warn().Err(err).Msg("connection to agent lost")
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, c.opts.PingInterval)
			err := conn.Ping(pctx)
			cancel()
			if err != nil && ctx.Err() == nil {
				c.log.Warn().Err(err).Msg("ping failed; dropping connection")
				_ = conn.CloseNow()
				return
			}
		}
	}
}

func (c *Client) scheduleReconnectLocked() {
	if c.reconnectScheduled || c.state == StateClosed || !c.autoReconnect {
		return
	}
	delay := c.opts.Backoff.Delay(c.attempt)
	c.attempt++
	c.reconnectScheduled = true
	c.reconnectTimer = time.AfterFunc(delay, c.reconnect)
	metrics.RecordReconnect(c.opts.ServerID)
	c.log.Warn().Dur("backoff", delay).Int("attempt", c.attempt).Msg("reconnect scheduled")
}

func (c *Client) stopReconnectLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.reconnectScheduled = false
}

func (c *Client) reconnect() {
	c.mu.Lock()
	c.reconnectScheduled = false
	c.reconnectTimer = nil
	if c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()
	_ = c.dial(context.Background(), true)
}

func (c *Client) failPendingLocked(err error) {
	for key, p := range c.pending {
		delete(c.pending, key)
		p.ch <- result{err: err}
	}
	metrics.SetPendingRequests(c.opts.ServerID, 0)
}

func (c *Client) removePending(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[key]; !ok {
		return false
	}
	delete(c.pending, key)
	metrics.SetPendingRequests(c.opts.ServerID, len(c.pending))
	return true
}

func (c *Client) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.log.Debug().Stringer("from", c.state).Stringer("to", s).Msg("transport state")
	c.state = s
	metrics.SetTransportState(c.opts.ServerID, s.String())
}

type timeoutKey struct{}

// WithRequestTimeout overrides the client's request timeout for calls made
// with the returned context.
func WithRequestTimeout(ctx context.Context, d time.Duration) context.Context {
	return context.WithValue(ctx, timeoutKey{}, d)
}

func requestTimeout(ctx context.Context, def time.Duration) time.Duration {
	if d, ok := ctx.Value(timeoutKey{}).(time.Duration); ok && d > 0 {
		return d
	}
	return def
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrRequestTimeout):
		return "timeout"
	case errors.Is(err, ErrNotConnected), errors.Is(err, ErrClosed):
		return "dropped"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}
