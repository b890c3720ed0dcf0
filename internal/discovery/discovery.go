// Package discovery fetches the self-description documents agents publish
// at well-known URLs.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	mcptransport "github.com/mark3labs/mcp-go/client/transport"

	"github.com/gaspardpetit/acplink/internal/logx"
)

// WellKnownPaths are probed in order.
var WellKnownPaths = []string{"/.well-known/agent.json", "/.well-known/agent-card.json"}

// ErrNoAgentCard is returned when no well-known path yields a card.
var ErrNoAgentCard = errors.New("discovery: no agent card found")

// maxCardBytes caps how much of a card response is read.
const maxCardBytes = 1 << 20

// OAuthMetadata is the OAuth 2.0 authorization server metadata of an agent.
type OAuthMetadata = mcptransport.AuthServerMetadata

type Provider struct {
	Organization string `json:"organization,omitempty"`
	URL          string `json:"url,omitempty"`
}

// AgentCard describes an agent.
type AgentCard struct {
	Name         string          `json:"name"`
	Title        string          `json:"title,omitempty"`
	Description  string          `json:"description,omitempty"`
	Version      string          `json:"version"`
	URL          string          `json:"url"`
	Capabilities json.RawMessage `json:"capabilities,omitempty"`
	Provider     *Provider       `json:"provider,omitempty"`
}

// Client probes agents over HTTP.
type Client struct {
	HTTP *http.Client
}

// New returns a Client using hc, or a client with a 10s timeout when nil.
func New(hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{HTTP: hc}
}

// Discover returns the first agent card found under baseURL.
func (c *Client) Discover(ctx context.Context, baseURL string) (*AgentCard, error) {
	base, err := HTTPBase(baseURL)
	if err != nil {
		return nil, err
	}
	var last error
	for _, p := range WellKnownPaths {
		card, err := c.fetch(ctx, base+p)
		if err == nil {
			return card, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logx.Log.Debug().Err(err).Str("url", base+p).Msg("agent card probe failed")
		last = err
	}
	return nil, fmt.Errorf("%w at %s: %v", ErrNoAgentCard, base, last)
}

func (c *Client) fetch(ctx context.Context, u string) (*AgentCard, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %s", resp.Status)
	}
	var card AgentCard
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxCardBytes)).Decode(&card); err != nil {
		return nil, fmt.Errorf("decode card: %w", err)
	}
	if card.Name == "" {
		return nil, errors.New("card has no name")
	}
	return &card, nil
}

// OAuthMetadata resolves the authorization server metadata for the agent at
// baseURL through protected-resource and authorization-server discovery,
// falling back to the conventional endpoints.
func (c *Client) OAuthMetadata(ctx context.Context, baseURL string) (*OAuthMetadata, error) {
	base, err := HTTPBase(baseURL)
	if err != nil {
		return nil, err
	}
	h := mcptransport.NewOAuthHandler(mcptransport.OAuthConfig{HTTPClient: c.HTTP, PKCEEnabled: true})
	h.SetBaseURL(base)
	return h.GetServerMetadata(ctx)
}

// HTTPBase maps an agent URL to the HTTP origin serving its documents:
// ws becomes http, wss becomes https, and path, query and fragment are
// dropped.
func HTTPBase(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("discovery: invalid url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("discovery: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("discovery: url %q has no host", raw)
	}
	return u.Scheme + "://" + u.Host, nil
}
