package manager

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gaspardpetit/acplink/internal/logx"
	"github.com/gaspardpetit/acplink/internal/metrics"
)

// ServerUpdate lists the fields UpdateServer changes; nil fields are kept.
type ServerUpdate struct {
	Name         *string `json:"name,omitempty"`
	URL          *string `json:"url,omitempty"`
	Enabled      *bool   `json:"enabled,omitempty"`
	Description  *string `json:"description,omitempty"`
	RequiresAuth *bool   `json:"requiresAuth,omitempty"`
	Token        *string `json:"token,omitempty"`
}

func validate(cfg ServerConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidConfig)
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("%w: url must be ws:// or wss://, got %q", ErrInvalidConfig, cfg.URL)
	}
	return nil
}

// AddServer assigns an id and creation time to cfg, persists the list with it
// and then makes it visible. Nothing changes when the store write fails.
func (m *Manager) AddServer(ctx context.Context, cfg ServerConfig) (ServerConfig, error) {
	if err := validate(cfg); err != nil {
		return ServerConfig{}, err
	}
	cfg.ID = uuid.NewString()
	cfg.CreatedAt = time.Now().UTC()

	m.persistMu.Lock()
	defer m.persistMu.Unlock()
	next := append(m.Servers(), cfg)
	if err := m.persist(ctx, next); err != nil {
		return ServerConfig{}, err
	}
	m.mu.Lock()
	m.servers = next
	m.mu.Unlock()
	sl := logx.Server(cfg.ID, cfg.Name)
	sl.Info().Str("url", cfg.URL).Msg("server added")
	return cfg, nil
}

// UpdateServer applies upd to the server. Changing the URL or token, or
// disabling the server, drops its live connection. A failed store write
// leaves the server and its connection as they were.
func (m *Manager) UpdateServer(ctx context.Context, id string, upd ServerUpdate) (ServerConfig, error) {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()
	next := m.Servers()
	i := indexOf(next, id)
	if i < 0 {
		return ServerConfig{}, ErrServerNotFound
	}
	prev := next[i]
	cfg := prev
	if upd.Name != nil {
		cfg.Name = *upd.Name
	}
	if upd.URL != nil {
		cfg.URL = *upd.URL
	}
	if upd.Enabled != nil {
		cfg.Enabled = *upd.Enabled
	}
	if upd.Description != nil {
		cfg.Description = *upd.Description
	}
	if upd.RequiresAuth != nil {
		cfg.RequiresAuth = *upd.RequiresAuth
	}
	if upd.Token != nil {
		cfg.Token = *upd.Token
	}
	if err := validate(cfg); err != nil {
		return ServerConfig{}, err
	}
	next[i] = cfg
	if err := m.persist(ctx, next); err != nil {
		return ServerConfig{}, err
	}

	m.mu.Lock()
	m.servers = next
	var stale *connection
	if cfg.URL != prev.URL || cfg.Token != prev.Token || !cfg.Enabled {
		stale = m.detachLocked(id)
	}
	m.mu.Unlock()

	if stale != nil {
		stale.close()
	}
	sl := logx.Server(cfg.ID, cfg.Name)
	sl.Info().Bool("reconnect_needed", stale != nil).Msg("server updated")
	return cfg, nil
}

// RemoveServer deletes the server, tears down its connection and purges its
// sessions and permission requests. The connection is only touched once the
// shorter list is stored.
func (m *Manager) RemoveServer(ctx context.Context, id string) error {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()
	cur := m.Servers()
	i := indexOf(cur, id)
	if i < 0 {
		return ErrServerNotFound
	}
	cfg := cur[i]
	next := append(cur[:i:i], cur[i+1:]...)
	if err := m.persist(ctx, next); err != nil {
		return err
	}

	m.mu.Lock()
	m.servers = next
	conn := m.detachLocked(id)
	delete(m.status, id)
	m.mu.Unlock()

	if conn != nil {
		conn.close()
	}
	metrics.ForgetServer(id)
	sl := logx.Server(cfg.ID, cfg.Name)
	sl.Info().Msg("server removed")
	return nil
}

// Servers returns a copy of every configured server.
func (m *Manager) Servers() []ServerConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ServerConfig(nil), m.servers...)
}

// EnabledServers returns the servers with Enabled set.
func (m *Manager) EnabledServers() []ServerConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ServerConfig
	for _, s := range m.servers {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out
}

// Server returns one server by id.
func (m *Manager) Server(id string) (ServerConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i := m.indexLocked(id)
	if i < 0 {
		return ServerConfig{}, ErrServerNotFound
	}
	return m.servers[i], nil
}

func (m *Manager) indexLocked(id string) int { return indexOf(m.servers, id) }

func indexOf(servers []ServerConfig, id string) int {
	for i, s := range servers {
		if s.ID == id {
			return i
		}
	}
	return -1
}

// detachLocked removes the server's connection and everything scoped to it.
// The caller closes the returned connection after unlocking.
func (m *Manager) detachLocked(id string) *connection {
	conn := m.conns[id]
	delete(m.conns, id)
	for sid, s := range m.sessions {
		if s.ServerID == id {
			delete(m.sessions, sid)
		}
	}
	for rid, p := range m.permissions {
		if p.ServerID == id {
			delete(m.permissions, rid)
		}
	}
	metrics.SetPendingPermissions(len(m.permissions))
	if st, ok := m.status[id]; ok && conn != nil {
		st.Connected = false
		st.State = "disconnected"
		st.LastChecked = time.Now().UTC()
		m.status[id] = st
	}
	return conn
}

// SeedServers adds each cfg whose URL is not already configured. It returns
// the servers that were added.
func (m *Manager) SeedServers(ctx context.Context, cfgs []ServerConfig) ([]ServerConfig, error) {
	known := map[string]bool{}
	for _, s := range m.Servers() {
		known[s.URL] = true
	}
	var added []ServerConfig
	for _, cfg := range cfgs {
		if known[cfg.URL] {
			continue
		}
		s, err := m.AddServer(ctx, cfg)
		if err != nil {
			return added, fmt.Errorf("seed %q: %w", cfg.Name, err)
		}
		known[cfg.URL] = true
		added = append(added, s)
	}
	return added, nil
}
