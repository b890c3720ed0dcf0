package manager

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gaspardpetit/acplink/internal/acp"
	"github.com/gaspardpetit/acplink/internal/discovery"
	"github.com/gaspardpetit/acplink/internal/logx"
	"github.com/gaspardpetit/acplink/internal/metrics"
	"github.com/gaspardpetit/acplink/internal/transport"
)

// TestResult is the outcome of TestConnection.
type TestResult struct {
	Success         bool                 `json:"success"`
	RequiresAuth    bool                 `json:"requiresAuth"`
	Error           string               `json:"error,omitempty"`
	ProtocolVersion string               `json:"protocolVersion,omitempty"`
	Card            *discovery.AgentCard `json:"card,omitempty"`
	OAuthDiscovery  *OAuthMetadata       `json:"oauthDiscovery,omitempty"`
}

// DiscoverAgent returns the agent card published under baseURL, or nil when
// there is none.
func (m *Manager) DiscoverAgent(ctx context.Context, baseURL string) *discovery.AgentCard {
	card, err := m.disc.Discover(ctx, baseURL)
	if err != nil {
		logx.Log.Debug().Err(err).Str("url", baseURL).Msg("no agent card")
		return nil
	}
	return card
}

// TestConnection probes cfg without registering it: card discovery, then a
// throwaway connect, initialize and close. Failures are classified rather
// than returned.
func (m *Manager) TestConnection(ctx context.Context, cfg ServerConfig) TestResult {
	res := TestResult{Card: m.DiscoverAgent(ctx, cfg.URL)}
	if cfg.ID == "" {
		cfg.ID = "test"
	}
	opts := m.dialOptions(cfg, false)
	opts.ServerID = "test:" + cfg.ID
	tc := transport.New(opts)
	defer func() {
		_ = tc.Close()
		metrics.ForgetServer(opts.ServerID)
	}()

	err := tc.Connect(ctx)
	if err == nil {
		var ir *acp.InitializeResult
		ir, err = m.newAgentClient(tc, cfg).Initialize(ctx)
		if err == nil {
			res.Success = true
			res.ProtocolVersion = string(ir.ProtocolVersion)
			return res
		}
	}
	res.Error = err.Error()
	res.RequiresAuth = isAuthError(err)
	if res.RequiresAuth {
		if md, err := m.disc.OAuthMetadata(ctx, cfg.URL); err == nil {
			res.OAuthDiscovery = md
		}
	}
	sl := logx.Server(cfg.ID, cfg.Name)
	sl.Info().Err(err).Bool("requires_auth", res.RequiresAuth).Msg("connection test failed")
	return res
}

// isAuthError reports whether err looks like an authentication rejection.
// Handshake failures are judged by their HTTP status alone since their text
// carries the URL.
func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	var ce *transport.ConnectError
	if errors.As(err, &ce) {
		return ce.StatusCode == http.StatusUnauthorized || ce.StatusCode == http.StatusForbidden
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "401") || strings.Contains(s, "403") || strings.Contains(s, "unauthorized")
}

// ConnectToServer connects to the server, runs initialize and records the
// outcome in its status. An existing live connection is kept.
func (m *Manager) ConnectToServer(ctx context.Context, id string) error {
	m.mu.RLock()
	i := m.indexLocked(id)
	var cfg ServerConfig
	if i >= 0 {
		cfg = m.servers[i]
	}
	existing := m.conns[id]
	m.mu.RUnlock()
	if i < 0 {
		return ErrServerNotFound
	}
	if existing != nil && existing.tc.State() == transport.StateConnected {
		return nil
	}

	log := logx.Server(cfg.ID, cfg.Name)
	tc := transport.New(m.dialOptions(cfg, true))
	ac := m.newAgentClient(tc, cfg)
	err := tc.Connect(ctx)
	if err == nil {
		_, err = ac.Initialize(ctx)
	}
	if err != nil {
		_ = tc.Close()
		m.recordStatus(id, ServerStatus{Connected: false, State: "disconnected", Error: err.Error()})
		if isAuthError(err) {
			log.Warn().Err(err).Msg("agent rejected credentials")
		} else {
			log.Warn().Err(err).Msg("connect failed")
		}
		return err
	}
	conn := &connection{tc: tc, ac: ac}
	conn.unsub = ac.OnPermissionRequest(func(r acp.PermissionRequest) {
		m.AddPendingPermission(id, r)
	})

	m.mu.Lock()
	if m.indexLocked(id) < 0 {
		// Removed while connecting.
		m.mu.Unlock()
		conn.close()
		return ErrServerNotFound
	}
	old := m.conns[id]
	m.conns[id] = conn
	m.status[id] = ServerStatus{Connected: true, State: tc.State().String(), LastChecked: time.Now().UTC()}
	m.mu.Unlock()
	if old != nil {
		old.close()
	}
	log.Info().Msg("server connected")
	return nil
}

// ConnectToEnabledServers connects every enabled server concurrently. One
// failure never blocks another; failures are returned keyed by server id.
func (m *Manager) ConnectToEnabledServers(ctx context.Context) map[string]error {
	servers := m.EnabledServers()
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs = map[string]error{}
	)
	for _, s := range servers {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := m.ConnectToServer(ctx, id); err != nil {
				mu.Lock()
				errs[id] = err
				mu.Unlock()
			}
		}(s.ID)
	}
	wg.Wait()
	logx.Log.Info().Int("servers", len(servers)).Int("failed", len(errs)).Msg("connected enabled servers")
	return errs
}

// DisconnectServer closes the server's connection and drops its sessions.
func (m *Manager) DisconnectServer(id string) error {
	m.mu.Lock()
	if m.indexLocked(id) < 0 {
		m.mu.Unlock()
		return ErrServerNotFound
	}
	conn := m.detachLocked(id)
	m.mu.Unlock()
	if conn == nil {
		return ErrServerNotConnected
	}
	conn.close()
	return nil
}

func (m *Manager) recordStatus(id string, st ServerStatus) {
	st.LastChecked = time.Now().UTC()
	m.mu.Lock()
	if m.indexLocked(id) >= 0 {
		m.status[id] = st
	}
	m.mu.Unlock()
}

// Status returns the status of one server. The state reflects the live
// transport when there is one.
func (m *Manager) Status(id string) (ServerStatus, error) {
	m.mu.RLock()
	if m.indexLocked(id) < 0 {
		m.mu.RUnlock()
		return ServerStatus{}, ErrServerNotFound
	}
	st, conn := m.status[id], m.conns[id]
	m.mu.RUnlock()
	return liveStatus(st, conn), nil
}

// Statuses returns the status of every configured server.
func (m *Manager) Statuses() map[string]ServerStatus {
	m.mu.RLock()
	out := make(map[string]ServerStatus, len(m.servers))
	conns := make(map[string]*connection, len(m.conns))
	for _, s := range m.servers {
		out[s.ID] = m.status[s.ID]
		if c := m.conns[s.ID]; c != nil {
			conns[s.ID] = c
		}
	}
	m.mu.RUnlock()
	for id, st := range out {
		out[id] = liveStatus(st, conns[id])
	}
	return out
}

func liveStatus(st ServerStatus, conn *connection) ServerStatus {
	if conn == nil {
		if st.State == "" {
			st.State = transport.StateDisconnected.String()
		}
		st.Connected = false
		return st
	}
	s := conn.tc.State()
	st.State = s.String()
	st.Connected = s == transport.StateConnected
	return st
}

// connLocked returns the live connection for a server.
func (m *Manager) connLocked(serverID string) (*connection, error) {
	if c := m.conns[serverID]; c != nil {
		return c, nil
	}
	if m.indexLocked(serverID) < 0 {
		return nil, ErrServerNotFound
	}
	return nil, ErrServerNotConnected
}
