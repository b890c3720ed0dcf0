package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestResolveConfigPath(t *testing.T) {
	tests := []struct {
		name        string
		goos        string
		home        string
		programData string
		want        string
	}{
		{name: "linux", goos: "linux", home: "/home/user", want: "/etc/acplink/acplink.yaml"},
		{name: "darwin", goos: "darwin", home: "/Users/test", want: "/Users/test/Library/Application Support/acplink/acplink.yaml"},
		{name: "windows", goos: "windows", programData: "C:\\ProgramData\\", want: "C:/ProgramData/acplink/acplink.yaml"},
		{name: "windows default ProgramData", goos: "windows", want: "C:/ProgramData/acplink/acplink.yaml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := strings.ReplaceAll(ResolveConfigPath(tt.goos, tt.home, tt.programData, "acplink.yaml"), "\\", "/")
			if got != tt.want {
				t.Errorf("got %q want %q", got, tt.want)
			}
		})
	}
}

func TestBindEnv(t *testing.T) {
	t.Setenv("STORE_URL", "redis://localhost:6379/2")
	t.Setenv("METRICS_PORT", "9090")
	t.Setenv("REQUEST_TIMEOUT", "45")
	t.Setenv("PROMPT_TIMEOUT", "2m")
	t.Setenv("RECONNECT", "false")
	t.Setenv("ALLOWED_ORIGINS", "https://a, https://b,")
	t.Setenv("DRAIN_TIMEOUT", "5s")
	t.Setenv("COMPLETION_GRACE", "250ms")

	var c ClientConfig
	c.bindEnv()
	if c.StoreURL != "redis://localhost:6379/2" {
		t.Fatalf("store url %q", c.StoreURL)
	}
	if c.MetricsAddr != ":9090" {
		t.Fatalf("metrics addr %q", c.MetricsAddr)
	}
	if c.RequestTimeout != 45*time.Second || c.PromptTimeout != 2*time.Minute {
		t.Fatalf("timeouts %v %v", c.RequestTimeout, c.PromptTimeout)
	}
	if c.Reconnect {
		t.Fatalf("reconnect should be disabled")
	}
	if c.DrainTimeout != 5*time.Second {
		t.Fatalf("drain timeout %v", c.DrainTimeout)
	}
	if c.CompletionGrace != 250*time.Millisecond {
		t.Fatalf("completion grace %v", c.CompletionGrace)
	}
	if len(c.AllowedOrigins) != 2 || c.AllowedOrigins[1] != "https://b" {
		t.Fatalf("origins %v", c.AllowedOrigins)
	}
	if b := c.Backoff(); b.Base != time.Second || b.Max != 30*time.Second {
		t.Fatalf("backoff %+v", b)
	}
}

func TestLoadFileSeedsServers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "acplink.yaml")
	data := `
log_level: debug
metrics_addr: "9100"
prompt_timeout: 90s
servers:
  - name: claude
    url: ws://127.0.0.1:9000/acp
    enabled: true
    token: abc
  - name: gemini
    url: wss://agents.example/gemini
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	c := ClientConfig{StoreURL: "memory://"}
	if err := c.LoadFile(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.LogLevel != "debug" || c.MetricsAddr != ":9100" || c.PromptTimeout != 90*time.Second {
		t.Fatalf("unexpected config %+v", c)
	}
	if c.StoreURL != "memory://" {
		t.Fatalf("unset field overwritten: %q", c.StoreURL)
	}
	if len(c.Servers) != 2 || c.Servers[0].Token != "abc" || !c.Servers[0].Enabled || c.Servers[1].Enabled {
		t.Fatalf("servers %+v", c.Servers)
	}
}

func TestLoadFileMissing(t *testing.T) {
	var c ClientConfig
	if err := c.LoadFile(filepath.Join(t.TempDir(), "nope.yaml")); !os.IsNotExist(err) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}
