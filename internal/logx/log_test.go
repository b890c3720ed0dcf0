package logx_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/gaspardpetit/acplink/internal/logx"
	"github.com/rs/zerolog"
)

func TestConfigureLogLevel(t *testing.T) {
	defer logx.Configure("info")

	logx.Configure("all")
	if zerolog.GlobalLevel() != zerolog.TraceLevel {
		t.Fatalf("expected trace level, got %s", zerolog.GlobalLevel())
	}

	logx.Configure("WARNING")
	if zerolog.GlobalLevel() != zerolog.WarnLevel {
		t.Fatalf("expected warn level, got %s", zerolog.GlobalLevel())
	}

	logx.Configure("none")
	if zerolog.GlobalLevel() != zerolog.Disabled {
		t.Fatalf("expected disabled level, got %s", zerolog.GlobalLevel())
	}

	logx.Configure("bogus")
	if zerolog.GlobalLevel() != zerolog.InfoLevel {
		t.Fatalf("expected info level, got %s", zerolog.GlobalLevel())
	}
}

func TestServerLoggerFields(t *testing.T) {
	prev := logx.Log
	defer func() { logx.Log = prev }()

	var buf bytes.Buffer
	logx.Log = zerolog.New(&buf)
	l := logx.Server("abc", "local")
	l.Info().Msg("hello")
	out := buf.String()
	if !strings.Contains(out, `"server_id":"abc"`) || !strings.Contains(out, `"server":"local"`) {
		t.Fatalf("missing server fields: %s", out)
	}
}
