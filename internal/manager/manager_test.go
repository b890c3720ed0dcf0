package manager

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/gaspardpetit/acplink/internal/acp"
	"github.com/gaspardpetit/acplink/internal/acptest"
	"github.com/gaspardpetit/acplink/internal/jsonrpc"
	"github.com/gaspardpetit/acplink/internal/store"
	"github.com/gaspardpetit/acplink/internal/transport"
)

func newManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = 5 * time.Second
	}
	m, err := New(context.Background(), opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

func addServer(t *testing.T, m *Manager, name, url string, enabled bool) ServerConfig {
	t.Helper()
	cfg, err := m.AddServer(context.Background(), ServerConfig{Name: name, URL: url, Enabled: enabled})
	if err != nil {
		t.Fatalf("AddServer: %v", err)
	}
	return cfg
}

func ptr[T any](v T) *T { return &v }

func TestServerCRUDPersists(t *testing.T) {
	st := store.NewMemoryStore()
	m := newManager(t, Options{Store: st})
	ctx := context.Background()

	if _, err := m.AddServer(ctx, ServerConfig{Name: "bad", URL: "http://agent"}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("http url accepted: %v", err)
	}
	a := addServer(t, m, "alpha", "ws://alpha.local/acp", true)
	b := addServer(t, m, "beta", "wss://beta.example.com", false)
	if a.ID == "" || a.ID == b.ID || a.CreatedAt.IsZero() {
		t.Fatalf("ids not assigned: %+v %+v", a, b)
	}

	upd, err := m.UpdateServer(ctx, b.ID, ServerUpdate{Enabled: ptr(true), Description: ptr("second")})
	if err != nil {
		t.Fatalf("UpdateServer: %v", err)
	}
	if !upd.Enabled || upd.Description != "second" || upd.Name != "beta" {
		t.Fatalf("update = %+v", upd)
	}
	if _, err := m.UpdateServer(ctx, "nope", ServerUpdate{}); !errors.Is(err, ErrServerNotFound) {
		t.Fatalf("update unknown = %v", err)
	}
	if got := len(m.EnabledServers()); got != 2 {
		t.Fatalf("enabled = %d, want 2", got)
	}
	if err := m.RemoveServer(ctx, a.ID); err != nil {
		t.Fatalf("RemoveServer: %v", err)
	}
	if err := m.RemoveServer(ctx, a.ID); !errors.Is(err, ErrServerNotFound) {
		t.Fatalf("second remove = %v", err)
	}

	raw, err := st.Get(ctx, ConfigKey)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	var saved []ServerConfig
	if err := json.Unmarshal(raw, &saved); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(saved) != 1 || saved[0].ID != b.ID || saved[0].Description != "second" {
		t.Fatalf("persisted = %s", raw)
	}

	reloaded := newManager(t, Options{Store: st})
	if s, err := reloaded.Server(b.ID); err != nil || s.Name != "beta" || !s.Enabled {
		t.Fatalf("reloaded = %+v, %v", s, err)
	}
}

type flakyStore struct {
	*store.MemoryStore
	fail bool
}

func (f *flakyStore) Put(ctx context.Context, key string, value []byte) error {
	if f.fail {
		return errors.New("disk full")
	}
	return f.MemoryStore.Put(ctx, key, value)
}

func TestServerChangesRollBackWhenStoreFails(t *testing.T) {
	st := &flakyStore{MemoryStore: store.NewMemoryStore()}
	m := newManager(t, Options{Store: st})
	ctx := context.Background()
	a := addServer(t, m, "alpha", "ws://alpha.local/acp", true)

	st.fail = true
	if got, err := m.AddServer(ctx, ServerConfig{Name: "beta", URL: "ws://beta.local"}); err == nil || got.ID != "" {
		t.Fatalf("add with failing store = %+v, %v", got, err)
	}
	if _, err := m.UpdateServer(ctx, a.ID, ServerUpdate{Name: ptr("renamed"), Enabled: ptr(false)}); err == nil {
		t.Fatal("update with failing store succeeded")
	}
	if err := m.RemoveServer(ctx, a.ID); err == nil {
		t.Fatal("remove with failing store succeeded")
	}

	servers := m.Servers()
	if len(servers) != 1 || servers[0].ID != a.ID || servers[0].Name != "alpha" || !servers[0].Enabled {
		t.Fatalf("memory diverged from store: %+v", servers)
	}
	raw, err := st.Get(ctx, ConfigKey)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	var saved []ServerConfig
	if err := json.Unmarshal(raw, &saved); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(saved) != 1 || saved[0].Name != "alpha" {
		t.Fatalf("persisted = %s", raw)
	}

	st.fail = false
	if err := m.RemoveServer(ctx, a.ID); err != nil {
		t.Fatalf("remove after recovery: %v", err)
	}
}

func TestConnectSessionAndPrompt(t *testing.T) {
	srv := acptest.NewAgent(t)
	m := newManager(t, Options{})
	cfg := addServer(t, m, "agent", srv.URL(), true)

	if _, err := m.CreateSession(context.Background(), cfg.ID, "/tmp"); !errors.Is(err, ErrServerNotConnected) {
		t.Fatalf("session before connect = %v", err)
	}
	if err := m.ConnectToServer(context.Background(), cfg.ID); err != nil {
		t.Fatalf("connect: %v", err)
	}
	st, err := m.Status(cfg.ID)
	if err != nil || !st.Connected || st.State != "connected" || st.LastChecked.IsZero() {
		t.Fatalf("status = %+v, %v", st, err)
	}

	sess, err := m.CreateSession(context.Background(), cfg.ID, "/tmp")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if sess.ServerID != cfg.ID || sess.Cwd != "/tmp" {
		t.Fatalf("session = %+v", sess)
	}

	stream, err := m.SendPrompt(context.Background(), sess.ID, []acp.ContentBlock{acp.TextBlock("hello")})
	if err != nil {
		t.Fatalf("prompt: %v", err)
	}
	defer stream.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := stream.Next(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("next = %v, want EOF", err)
	}
	if r := stream.Result(); r == nil || r.StopReason != acp.StopEndTurn {
		t.Fatalf("result = %+v", r)
	}

	if err := m.CancelSession(context.Background(), sess.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := m.SendPrompt(context.Background(), "unknown", nil); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("unknown session = %v", err)
	}
	if _, err := m.CreateSession(context.Background(), "missing", "/"); !errors.Is(err, ErrServerNotFound) {
		t.Fatalf("unknown server = %v", err)
	}
}

func TestConnectToEnabledServersCollectsFailures(t *testing.T) {
	good := acptest.NewAgent(t)
	bad := acptest.NewAgent(t)
	bad.Reject(http.StatusServiceUnavailable)
	idle := acptest.NewAgent(t)

	m := newManager(t, Options{})
	g := addServer(t, m, "good", good.URL(), true)
	b := addServer(t, m, "bad", bad.URL(), true)
	addServer(t, m, "idle", idle.URL(), false)

	errs := m.ConnectToEnabledServers(context.Background())
	if len(errs) != 1 || errs[b.ID] == nil {
		t.Fatalf("errs = %v", errs)
	}
	if !errors.Is(errs[b.ID], transport.ErrConnectFailed) {
		t.Fatalf("bad server err = %v", errs[b.ID])
	}
	statuses := m.Statuses()
	if !statuses[g.ID].Connected {
		t.Fatalf("good server not connected: %+v", statuses[g.ID])
	}
	if statuses[b.ID].Connected || statuses[b.ID].Error == "" {
		t.Fatalf("bad server status = %+v", statuses[b.ID])
	}
	if idle.Accepts() != 0 {
		t.Fatal("disabled server was dialed")
	}
}

func TestTestConnection(t *testing.T) {
	srv := acptest.NewAgent(t)
	srv.ServeCard("/.well-known/agent.json", map[string]string{"name": "mock", "version": "0.1"})
	m := newManager(t, Options{})

	res := m.TestConnection(context.Background(), ServerConfig{Name: "probe", URL: srv.URL()})
	if !res.Success || res.RequiresAuth || res.ProtocolVersion != "1" {
		t.Fatalf("result = %+v", res)
	}
	if res.Card == nil || res.Card.Name != "mock" {
		t.Fatalf("card = %+v", res.Card)
	}
	if len(m.Servers()) != 0 {
		t.Fatal("test connection registered a server")
	}

	locked := acptest.NewAgent(t)
	locked.Reject(http.StatusUnauthorized)
	res = m.TestConnection(context.Background(), ServerConfig{Name: "locked", URL: locked.URL()})
	if res.Success || !res.RequiresAuth || res.Error == "" {
		t.Fatalf("auth result = %+v", res)
	}
	if res.OAuthDiscovery == nil || res.OAuthDiscovery.TokenEndpoint == "" {
		t.Fatalf("oauth metadata = %+v", res.OAuthDiscovery)
	}

	broken := acptest.NewAgent(t)
	broken.Reject(http.StatusBadGateway)
	res = m.TestConnection(context.Background(), ServerConfig{Name: "broken", URL: broken.URL()})
	if res.Success || res.RequiresAuth {
		t.Fatalf("generic failure = %+v", res)
	}
}

func TestBearerTokenOnHandshake(t *testing.T) {
	srv := acptest.NewAgent(t)
	m := newManager(t, Options{})
	cfg, err := m.AddServer(context.Background(), ServerConfig{Name: "tok", URL: srv.URL(), Enabled: true, Token: "sk-live-0123456789abcdefghij"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := m.ConnectToServer(context.Background(), cfg.ID); err != nil {
		t.Fatalf("connect: %v", err)
	}
	conn := srv.WaitConn(time.Second)
	if got := conn.Header.Get("Authorization"); got != "Bearer sk-live-0123456789abcdefghij" {
		t.Fatalf("authorization = %q", got)
	}
	if masked := cfg.Masked().Token; masked == cfg.Token || masked[:3] != "sk-" {
		t.Fatalf("masked = %q", masked)
	}
}

func TestPermissionRoundTrip(t *testing.T) {
	srv := acptest.NewAgent(t)
	seen := make(chan PendingPermission, 1)
	m := newManager(t, Options{OnPermissionRequest: func(p PendingPermission) { seen <- p }})
	cfg := addServer(t, m, "agent", srv.URL(), true)
	if err := m.ConnectToServer(context.Background(), cfg.ID); err != nil {
		t.Fatalf("connect: %v", err)
	}
	conn := srv.WaitConn(time.Second)

	_ = conn.Notify("session/request_permission", map[string]any{
		"sessionId": "s1",
		"requestId": "perm-7",
		"toolCall":  map[string]string{"toolCallId": "call_1", "title": "Run tests"},
		"options":   []map[string]string{{"optionId": "allow", "name": "Allow"}},
	})
	select {
	case p := <-seen:
		if p.ServerID != cfg.ID || p.RequestID != "perm-7" {
			t.Fatalf("pending = %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("permission not recorded")
	}
	if n := len(m.PendingPermissions()); n != 1 {
		t.Fatalf("pending = %d", n)
	}

	if err := m.RespondToPermission(context.Background(), "perm-7", "allow"); err != nil {
		t.Fatalf("respond: %v", err)
	}
	if n := len(m.PendingPermissions()); n != 0 {
		t.Fatalf("pending after respond = %d", n)
	}
	if err := m.RespondToPermission(context.Background(), "perm-7", "allow"); !errors.Is(err, ErrPermissionRequestNotFound) {
		t.Fatalf("second respond = %v", err)
	}
	sent := srv.Received("session/permission_response")
	if len(sent) != 1 {
		t.Fatalf("permission responses sent = %d", len(sent))
	}
}

func TestFailedPermissionAnswerStaysPending(t *testing.T) {
	srv := acptest.NewAgent(t)
	srv.Handle("session/permission_response", func(*acptest.Conn, jsonrpc.Notification) (any, *jsonrpc.Error) {
		return nil, &jsonrpc.Error{Code: -32000, Message: "busy"}
	})
	m := newManager(t, Options{})
	cfg := addServer(t, m, "agent", srv.URL(), true)
	if err := m.ConnectToServer(context.Background(), cfg.ID); err != nil {
		t.Fatalf("connect: %v", err)
	}
	m.AddPendingPermission(cfg.ID, acp.PermissionRequest{RequestID: "p1", Timestamp: time.Now()})

	if err := m.RespondToPermission(context.Background(), "p1", "allow"); !errors.Is(err, acp.ErrPermissionResponseFailed) {
		t.Fatalf("err = %v", err)
	}
	if n := len(m.PendingPermissions()); n != 1 {
		t.Fatalf("pending after failure = %d, want 1", n)
	}
}

func TestRemoveServerTearsDown(t *testing.T) {
	srv := acptest.NewAgent(t)
	m := newManager(t, Options{})
	cfg := addServer(t, m, "agent", srv.URL(), true)
	if err := m.ConnectToServer(context.Background(), cfg.ID); err != nil {
		t.Fatalf("connect: %v", err)
	}
	sess, err := m.CreateSession(context.Background(), cfg.ID, "/work")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	m.AddPendingPermission(cfg.ID, acp.PermissionRequest{RequestID: "p1", SessionID: sess.ID})

	if err := m.RemoveServer(context.Background(), cfg.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if len(m.Sessions()) != 0 || len(m.PendingPermissions()) != 0 {
		t.Fatalf("leftovers: %v %v", m.Sessions(), m.PendingPermissions())
	}
	if _, err := m.SendPrompt(context.Background(), sess.ID, nil); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("prompt after remove = %v", err)
	}
	if _, err := m.Status(cfg.ID); !errors.Is(err, ErrServerNotFound) {
		t.Fatalf("status after remove = %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(srv.Conns()) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("agent connection still open after remove")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDisablingServerDisconnects(t *testing.T) {
	srv := acptest.NewAgent(t)
	m := newManager(t, Options{})
	cfg := addServer(t, m, "agent", srv.URL(), true)
	if err := m.ConnectToServer(context.Background(), cfg.ID); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := m.UpdateServer(context.Background(), cfg.ID, ServerUpdate{Enabled: ptr(false)}); err != nil {
		t.Fatalf("update: %v", err)
	}
	st, _ := m.Status(cfg.ID)
	if st.Connected {
		t.Fatalf("still connected: %+v", st)
	}
	if err := m.DisconnectServer(cfg.ID); !errors.Is(err, ErrServerNotConnected) {
		t.Fatalf("disconnect = %v", err)
	}
}

func TestIsAuthError(t *testing.T) {
	for _, s := range []string{"expected 101 but got 401", "status 403 Forbidden", "Unauthorized"} {
		if !isAuthError(errors.New(s)) {
			t.Fatalf("%q not classified as auth", s)
		}
	}
	if isAuthError(errors.New("connection refused")) || isAuthError(nil) {
		t.Fatal("false positive")
	}
	refused := &transport.ConnectError{URL: "ws://127.0.0.1:40123", Err: errors.New(`dial "ws://127.0.0.1:40123": refused`)}
	if isAuthError(refused) {
		t.Fatal("port number classified as auth failure")
	}
	if !isAuthError(&transport.ConnectError{URL: "ws://x", StatusCode: http.StatusForbidden, Err: errors.New("got 403")}) {
		t.Fatal("403 handshake not classified as auth")
	}
}

func TestSeedServersSkipsKnownURLs(t *testing.T) {
	m := newManager(t, Options{})
	addServer(t, m, "alpha", "ws://alpha.local/acp", true)

	added, err := m.SeedServers(context.Background(), []ServerConfig{
		{Name: "alpha again", URL: "ws://alpha.local/acp", Enabled: true},
		{Name: "beta", URL: "ws://beta.local/acp"},
		{Name: "beta dup", URL: "ws://beta.local/acp"},
	})
	if err != nil {
		t.Fatalf("SeedServers: %v", err)
	}
	if len(added) != 1 || added[0].Name != "beta" {
		t.Fatalf("added %+v", added)
	}
	if n := len(m.Servers()); n != 2 {
		t.Fatalf("want 2 servers, got %d", n)
	}
	if _, err := m.SeedServers(context.Background(), []ServerConfig{{Name: "bad", URL: "http://x"}}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("invalid seed accepted: %v", err)
	}
}

func TestDrainWaitsForActivePrompts(t *testing.T) {
	srv := acptest.NewAgent(t)
	held := make(chan jsonrpc.Notification, 1)
	srv.Handle("session/prompt", func(c *acptest.Conn, req jsonrpc.Notification) (any, *jsonrpc.Error) {
		held <- req
		return acptest.NoReply, nil
	})
	m := newManager(t, Options{CompletionGrace: 50 * time.Millisecond})
	cfg := addServer(t, m, "agent", srv.URL(), true)
	if err := m.ConnectToServer(context.Background(), cfg.ID); err != nil {
		t.Fatalf("connect: %v", err)
	}
	sess, err := m.CreateSession(context.Background(), cfg.ID, "/tmp")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	stream, err := m.SendPrompt(context.Background(), sess.ID, []acp.ContentBlock{acp.TextBlock("slow")})
	if err != nil {
		t.Fatalf("prompt: %v", err)
	}
	defer stream.Close()
	var req jsonrpc.Notification
	select {
	case req = <-held:
	case <-time.After(2 * time.Second):
		t.Fatal("prompt never reached the agent")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := m.Drain(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("drain with active prompt = %v", err)
	}
	if !m.Draining() {
		t.Fatal("manager not draining")
	}
	if _, err := m.SendPrompt(context.Background(), sess.ID, nil); !errors.Is(err, ErrDraining) {
		t.Fatalf("prompt while draining = %v", err)
	}

	conn := srv.Conns()[0]
	if err := conn.Reply(*req.ID, map[string]string{"stopReason": "end_turn"}); err != nil {
		t.Fatalf("reply: %v", err)
	}
	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	if err := m.Drain(ctx2); err != nil {
		t.Fatalf("drain after completion = %v", err)
	}
}
