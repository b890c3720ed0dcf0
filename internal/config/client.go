// Package config holds the acplink process configuration.
package config

import (
	"flag"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gaspardpetit/acplink/internal/manager"
	"github.com/gaspardpetit/acplink/internal/reconnect"
)

// ClientConfig configures the acplink daemon.
type ClientConfig struct {
	ConfigFile     string        `yaml:"-"`
	LogLevel       string        `yaml:"log_level"`
	StoreURL       string        `yaml:"store_url"`
	StatusAddr     string        `yaml:"status_addr"`
	MetricsAddr    string        `yaml:"metrics_addr"`
	APIKey         string        `yaml:"api_key"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	ClientName     string        `yaml:"client_name"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	PromptTimeout  time.Duration `yaml:"prompt_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	Reconnect      bool          `yaml:"reconnect"`
	ReconnectBase  time.Duration `yaml:"reconnect_base"`
	ReconnectMax   time.Duration `yaml:"reconnect_max"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`

	// CompletionGrace bounds the wait for session/prompt_complete once the
	// session/prompt response is in.
	CompletionGrace time.Duration `yaml:"completion_grace"`

	// Servers seeds the server list on startup. Entries whose URL is
	// already configured are skipped.
	Servers []manager.ServerConfig `yaml:"servers"`
}

// BindFlags populates the struct with defaults from environment variables and
// binds command line flags so main can call flag.Parse().
func (c *ClientConfig) BindFlags() {
	c.bindEnv()

	flag.StringVar(&c.ConfigFile, "config", c.ConfigFile, "acplink config file path")
	flag.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	flag.StringVar(&c.StoreURL, "store", c.StoreURL, "server list store: memory://, file:///dir, redis://host:port/db or a directory")
	flag.StringVar(&c.StatusAddr, "status-addr", c.StatusAddr, "status API listen address (disabled when empty)")
	flag.StringVar(&c.MetricsAddr, "metrics-port", c.MetricsAddr, "Prometheus metrics listen address or port (disabled when empty)")
	flag.StringVar(&c.APIKey, "api-key", c.APIKey, "bearer key required by the status API; leave empty to disable auth")
	flag.Func("allowed-origins", "comma separated list of allowed CORS origins", func(v string) error {
		c.AllowedOrigins = splitComma(v)
		return nil
	})
	flag.StringVar(&c.ClientName, "client-name", c.ClientName, "client name announced to agents")
	flag.DurationVar(&c.RequestTimeout, "request-timeout", c.RequestTimeout, "timeout for agent requests other than prompts")
	flag.DurationVar(&c.PromptTimeout, "prompt-timeout", c.PromptTimeout, "timeout for a prompt turn")
	flag.DurationVar(&c.CompletionGrace, "completion-grace", c.CompletionGrace, "wait for prompt_complete after the prompt response before ending the turn")
	flag.DurationVar(&c.PingInterval, "ping-interval", c.PingInterval, "WebSocket keepalive interval (0 disables)")
	flag.BoolVar(&c.Reconnect, "reconnect", c.Reconnect, "reconnect to agents when the connection drops")
	flag.BoolVar(&c.Reconnect, "r", c.Reconnect, "short for --reconnect")
	flag.DurationVar(&c.ReconnectBase, "reconnect-base", c.ReconnectBase, "first reconnect delay")
	flag.DurationVar(&c.ReconnectMax, "reconnect-max", c.ReconnectMax, "maximum reconnect delay")
	flag.DurationVar(&c.DrainTimeout, "drain-timeout", c.DrainTimeout, "time to wait for active prompts on shutdown (0 to exit immediately)")
}

func (c *ClientConfig) bindEnv() {
	c.ConfigFile = GetEnv("CONFIG_FILE", DefaultConfigPath("acplink.yaml"))
	c.LogLevel = GetEnv("LOG_LEVEL", "info")
	c.StoreURL = GetEnv("STORE_URL", "memory://")
	c.StatusAddr = GetEnv("STATUS_ADDR", "127.0.0.1:7790")
	c.MetricsAddr = normalizeAddr(GetEnv("METRICS_PORT", ""))
	c.APIKey = GetEnv("API_KEY", "")
	c.AllowedOrigins = splitComma(GetEnv("ALLOWED_ORIGINS", ""))
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "acplink"
	}
	c.ClientName = GetEnv("CLIENT_NAME", "acplink@"+host)
	c.RequestTimeout = envDuration("REQUEST_TIMEOUT", 30*time.Second)
	c.PromptTimeout = envDuration("PROMPT_TIMEOUT", 10*time.Minute)
	c.CompletionGrace = envDuration("COMPLETION_GRACE", 5*time.Second)
	c.PingInterval = envDuration("PING_INTERVAL", 0)
	c.Reconnect = true
	if b, err := strconv.ParseBool(GetEnv("RECONNECT", "true")); err == nil {
		c.Reconnect = b
	}
	c.ReconnectBase = envDuration("RECONNECT_BASE", reconnect.DefaultBase)
	c.ReconnectMax = envDuration("RECONNECT_MAX", reconnect.DefaultMax)
	c.DrainTimeout = envDuration("DRAIN_TIMEOUT", 30*time.Second)
}

// Backoff returns the reconnect policy described by the config.
func (c *ClientConfig) Backoff() reconnect.Backoff {
	return reconnect.Backoff{Base: c.ReconnectBase, Max: c.ReconnectMax}
}

// LoadFile populates the config from a YAML file. Fields already set remain unless
// overwritten by corresponding entries in the file.
func (c *ClientConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return err
	}
	c.MetricsAddr = normalizeAddr(c.MetricsAddr)
	return nil
}

// envDuration accepts Go durations ("90s") and bare seconds ("90").
func envDuration(k string, d time.Duration) time.Duration {
	v := GetEnv(k, "")
	if v == "" {
		return d
	}
	if dur, err := time.ParseDuration(v); err == nil {
		return dur
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(f * float64(time.Second))
	}
	return d
}

func normalizeAddr(v string) string {
	if v != "" && !strings.Contains(v, ":") {
		return ":" + v
	}
	return v
}
