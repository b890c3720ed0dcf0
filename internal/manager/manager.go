// Package manager is the registry of configured agent servers. It owns one
// transport and agent client per connected server, tracks sessions across
// servers and holds permission requests until a human answers them.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gaspardpetit/acplink/internal/acp"
	"github.com/gaspardpetit/acplink/internal/discovery"
	"github.com/gaspardpetit/acplink/internal/drain"
	"github.com/gaspardpetit/acplink/internal/logx"
	"github.com/gaspardpetit/acplink/internal/reconnect"
	"github.com/gaspardpetit/acplink/internal/secret"
	"github.com/gaspardpetit/acplink/internal/store"
	"github.com/gaspardpetit/acplink/internal/transport"
)

// ConfigKey is the store key holding the server list.
const ConfigKey = "acp_servers"

var (
	ErrServerNotFound            = errors.New("manager: server not found")
	ErrServerNotConnected        = errors.New("manager: server not connected")
	ErrSessionNotFound           = errors.New("manager: session not found")
	ErrPermissionRequestNotFound = errors.New("manager: permission request not found")
	ErrInvalidConfig             = errors.New("manager: invalid server config")
	ErrDraining                  = errors.New("manager: draining, no new prompts accepted")
)

// OAuthMetadata is the authorization server metadata recorded for servers
// that require authentication.
type OAuthMetadata = discovery.OAuthMetadata

// ServerConfig is one configured agent server.
type ServerConfig struct {
	ID             string         `json:"id" yaml:"id"`
	Name           string         `json:"name" yaml:"name"`
	URL            string         `json:"url" yaml:"url"`
	Enabled        bool           `json:"enabled" yaml:"enabled"`
	Description    string         `json:"description,omitempty" yaml:"description,omitempty"`
	CreatedAt      time.Time      `json:"createdAt" yaml:"-"`
	RequiresAuth   bool           `json:"requiresAuth,omitempty" yaml:"requiresAuth,omitempty"`
	OAuthDiscovery *OAuthMetadata `json:"oauthDiscovery,omitempty" yaml:"-"`
	// Token is sent as a bearer token on the WebSocket handshake.
	Token string `json:"token,omitempty" yaml:"token,omitempty"`
}

// Masked returns a copy safe to log or expose.
func (c ServerConfig) Masked() ServerConfig {
	c.Token = secret.Mask(c.Token)
	return c
}

// ServerStatus is the last known connection state of a server.
type ServerStatus struct {
	Connected   bool      `json:"connected"`
	State       string    `json:"state"`
	Error       string    `json:"error,omitempty"`
	LastChecked time.Time `json:"lastChecked"`
}

// Session is an agent session opened through the manager.
type Session struct {
	ID           string    `json:"id"`
	ServerID     string    `json:"serverId"`
	Cwd          string    `json:"cwd"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
}

// PendingPermission is a permission request awaiting an answer.
type PendingPermission struct {
	ServerID string `json:"serverId"`
	acp.PermissionRequest
}

// Options configures a Manager. Zero values select defaults.
type Options struct {
	Store     store.Store
	Discovery *discovery.Client

	ClientName    string
	ClientVersion string

	RequestTimeout time.Duration
	PromptTimeout  time.Duration
	PingInterval   time.Duration
	AutoReconnect  bool
	Backoff        reconnect.Backoff

	// CompletionGrace is how long a turn waits for session/prompt_complete
	// after the session/prompt response arrives.
	CompletionGrace time.Duration

	// OnPermissionRequest, when set, is called for every new permission
	// request after it is recorded. It must not block.
	OnPermissionRequest func(PendingPermission)
}

type connection struct {
	tc    *transport.Client
	ac    *acp.Client
	unsub func()
}

func (c *connection) close() {
	c.unsub()
	_ = c.tc.Close()
}

// Manager is safe for concurrent use. Its maps sit behind one lock and no
// network call is made while holding it.
type Manager struct {
	opts    Options
	st      store.Store
	disc    *discovery.Client
	prompts drain.Gate

	// persistMu serializes server list changes with their store writes.
	persistMu sync.Mutex

	mu          sync.RWMutex
	servers     []ServerConfig
	conns       map[string]*connection
	status      map[string]ServerStatus
	sessions    map[string]*Session
	permissions map[string]PendingPermission
}

// New loads the server list from opts.Store and returns a manager.
func New(ctx context.Context, opts Options) (*Manager, error) {
	if opts.Store == nil {
		opts.Store = store.NewMemoryStore()
	}
	if opts.Discovery == nil {
		opts.Discovery = discovery.New(nil)
	}
	if opts.ClientName == "" {
		opts.ClientName = "acplink"
	}
	m := &Manager{
		opts:        opts,
		st:          opts.Store,
		disc:        opts.Discovery,
		conns:       map[string]*connection{},
		status:      map[string]ServerStatus{},
		sessions:    map[string]*Session{},
		permissions: map[string]PendingPermission{},
	}
	b, err := m.st.Get(ctx, ConfigKey)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("load servers: %w", err)
	default:
		if err := json.Unmarshal(b, &m.servers); err != nil {
			return nil, fmt.Errorf("decode servers: %w", err)
		}
	}
	logx.Log.Info().Int("servers", len(m.servers)).Msg("server configuration loaded")
	return m, nil
}

// persist writes next as the server list. Callers hold persistMu from the
// moment they read m.servers until they install next, so the stored list and
// the in-memory one change together or not at all.
func (m *Manager) persist(ctx context.Context, next []ServerConfig) error {
	b, err := json.Marshal(next)
	if err != nil {
		return err
	}
	if err := m.st.Put(ctx, ConfigKey, b); err != nil {
		return fmt.Errorf("persist servers: %w", err)
	}
	return nil
}

func (m *Manager) dialOptions(cfg ServerConfig, reconnecting bool) transport.Options {
	h := http.Header{}
	if cfg.Token != "" {
		h.Set("Authorization", secret.Bearer(cfg.Token))
	}
	l := logx.Server(cfg.ID, cfg.Name)
	return transport.Options{
		URL:            cfg.URL,
		ServerID:       cfg.ID,
		Header:         h,
		RequestTimeout: m.opts.RequestTimeout,
		AutoReconnect:  reconnecting && m.opts.AutoReconnect,
		Backoff:        m.opts.Backoff,
		PingInterval:   m.opts.PingInterval,
		Logger:         &l,
	}
}

func (m *Manager) newAgentClient(tc *transport.Client, cfg ServerConfig) *acp.Client {
	opts := []acp.Option{
		acp.WithClientInfo(m.opts.ClientName, m.opts.ClientVersion),
		acp.WithLogger(logx.Server(cfg.ID, cfg.Name)),
	}
	if m.opts.PromptTimeout > 0 {
		opts = append(opts, acp.WithPromptTimeout(m.opts.PromptTimeout))
	}
	if m.opts.CompletionGrace > 0 {
		opts = append(opts, acp.WithCompletionGrace(m.opts.CompletionGrace))
	}
	return acp.NewClient(tc, opts...)
}

// Close disconnects every server. Configuration is left untouched.
func (m *Manager) Close() {
	m.mu.Lock()
	conns := m.conns
	m.conns = map[string]*connection{}
	m.sessions = map[string]*Session{}
	m.permissions = map[string]PendingPermission{}
	m.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}
