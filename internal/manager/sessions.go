package manager

import (
	"context"
	"sort"
	"time"

	"github.com/gaspardpetit/acplink/internal/acp"
	"github.com/gaspardpetit/acplink/internal/logx"
	"github.com/gaspardpetit/acplink/internal/metrics"
)

// CreateSession opens a session on a connected server.
func (m *Manager) CreateSession(ctx context.Context, serverID, cwd string) (Session, error) {
	m.mu.RLock()
	conn, err := m.connLocked(serverID)
	m.mu.RUnlock()
	if err != nil {
		return Session{}, err
	}
	id, err := conn.ac.CreateSession(ctx, acp.NewSessionParams{Cwd: cwd})
	if err != nil {
		return Session{}, err
	}
	now := time.Now().UTC()
	s := &Session{ID: id, ServerID: serverID, Cwd: cwd, CreatedAt: now, LastActivity: now}

	m.mu.Lock()
	if m.conns[serverID] != conn {
		// Disconnected or removed while the session was being created.
		m.mu.Unlock()
		return Session{}, ErrServerNotConnected
	}
	m.sessions[id] = s
	m.mu.Unlock()
	return *s, nil
}

// sessionConn resolves a session to its server's connection and marks the
// session active.
func (m *Manager) sessionConn(sessionID string) (*connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	conn := m.conns[s.ServerID]
	if conn == nil {
		return nil, ErrServerNotConnected
	}
	s.LastActivity = time.Now().UTC()
	return conn, nil
}

// SendPrompt starts a prompt turn in the session. The caller must Close the
// returned stream.
func (m *Manager) SendPrompt(ctx context.Context, sessionID string, prompt []acp.ContentBlock) (*acp.PromptStream, error) {
	conn, err := m.sessionConn(sessionID)
	if err != nil {
		return nil, err
	}
	if !m.prompts.Enter() {
		return nil, ErrDraining
	}
	stream, err := conn.ac.SendPrompt(ctx, sessionID, prompt)
	if err != nil {
		m.prompts.Leave()
		return nil, err
	}
	go func() {
		<-stream.Done()
		m.prompts.Leave()
	}()
	return stream, nil
}

// Drain stops admitting prompts and waits for the active ones to end or for
// ctx to expire.
func (m *Manager) Drain(ctx context.Context) error {
	m.prompts.Start()
	n := m.prompts.Active()
	if n > 0 {
		logx.Log.Info().Int("prompts", n).Msg("draining active prompts")
	}
	return m.prompts.Wait(ctx)
}

// Draining reports whether Drain has been called.
func (m *Manager) Draining() bool { return m.prompts.IsDraining() }

// CancelSession asks the agent to stop the session's current turn.
func (m *Manager) CancelSession(ctx context.Context, sessionID string) error {
	conn, err := m.sessionConn(sessionID)
	if err != nil {
		return err
	}
	return conn.ac.CancelSession(ctx, sessionID)
}

// Sessions lists the open sessions, oldest first.
func (m *Manager) Sessions() []Session {
	m.mu.RLock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// AddPendingPermission records a permission request from serverID. A request
// with the same id replaces the earlier one.
func (m *Manager) AddPendingPermission(serverID string, req acp.PermissionRequest) {
	p := PendingPermission{ServerID: serverID, PermissionRequest: req}
	m.mu.Lock()
	m.permissions[req.RequestID] = p
	n := len(m.permissions)
	m.mu.Unlock()
	metrics.SetPendingPermissions(n)
	logx.Log.Info().
		Str("server_id", serverID).
		Str("session_id", req.SessionID).
		Str("request_id", req.RequestID).
		Str("tool_call_id", req.ToolCallID).
		Msg("permission requested")
	if m.opts.OnPermissionRequest != nil {
		m.opts.OnPermissionRequest(p)
	}
}

// PendingPermissions lists unanswered permission requests, oldest first.
func (m *Manager) PendingPermissions() []PendingPermission {
	m.mu.RLock()
	out := make([]PendingPermission, 0, len(m.permissions))
	for _, p := range m.permissions {
		out = append(out, p)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// RespondToPermission answers a pending request through the server that
// raised it. ErrPermissionRequestNotFound means it was already resolved,
// possibly by the agent itself. A failed answer leaves the request pending.
func (m *Manager) RespondToPermission(ctx context.Context, requestID, optionID string) error {
	m.mu.Lock()
	p, ok := m.permissions[requestID]
	if !ok {
		m.mu.Unlock()
		logx.Log.Warn().Str("request_id", requestID).Msg("permission request already resolved")
		return ErrPermissionRequestNotFound
	}
	conn, err := m.connLocked(p.ServerID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	delete(m.permissions, requestID)
	metrics.SetPendingPermissions(len(m.permissions))
	m.mu.Unlock()

	if err := conn.ac.RespondToPermission(ctx, requestID, optionID); err != nil {
		m.mu.Lock()
		if _, taken := m.permissions[requestID]; !taken && m.conns[p.ServerID] == conn {
			m.permissions[requestID] = p
		}
		metrics.SetPendingPermissions(len(m.permissions))
		m.mu.Unlock()
		return err
	}
	logx.Log.Info().Str("request_id", requestID).Str("option_id", optionID).Msg("permission answered")
	return nil
}
