package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/gaspardpetit/acplink/internal/config"
	"github.com/gaspardpetit/acplink/internal/logx"
	"github.com/gaspardpetit/acplink/internal/manager"
	"github.com/gaspardpetit/acplink/internal/metrics"
	"github.com/gaspardpetit/acplink/internal/status"
	"github.com/gaspardpetit/acplink/internal/store"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	var cfg config.ClientConfig
	cfg.BindFlags()
	flag.Parse()
	if *showVersion {
		fmt.Printf("acplink version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}
	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
		}
	}
	logx.Configure(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := run(ctx, cfg); err != nil {
		logx.Log.Fatal().Err(err).Msg("acplink stopped")
	}
}

func run(ctx context.Context, cfg config.ClientConfig) error {
	st, err := store.Open(cfg.StoreURL)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	if c, ok := st.(io.Closer); ok {
		defer func() { _ = c.Close() }()
	}

	m, err := manager.New(ctx, manager.Options{
		Store:           st,
		ClientName:      cfg.ClientName,
		ClientVersion:   version,
		RequestTimeout:  cfg.RequestTimeout,
		PromptTimeout:   cfg.PromptTimeout,
		PingInterval:    cfg.PingInterval,
		CompletionGrace: cfg.CompletionGrace,
		AutoReconnect:   cfg.Reconnect,
		Backoff:         cfg.Backoff(),
	})
	if err != nil {
		return err
	}
	defer m.Close()

	if added, err := m.SeedServers(ctx, cfg.Servers); err != nil {
		return err
	} else if len(added) > 0 {
		logx.Log.Info().Int("count", len(added)).Msg("seeded servers from config file")
	}

	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics.Register(reg)
		metrics.SetBuildInfo(version, buildSHA, buildDate)
		addr, err := metrics.StartMetricsServer(ctx, cfg.MetricsAddr, reg)
		if err != nil {
			return fmt.Errorf("metrics server: %w", err)
		}
		logx.Log.Info().Str("addr", addr).Msg("metrics listening")
	}

	if cfg.StatusAddr != "" {
		h := status.New(m, status.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			APIKey:         cfg.APIKey,
			Version:        status.VersionInfo{Version: version, BuildSHA: buildSHA, BuildDate: buildDate},
		})
		addr, err := status.StartStatusServer(ctx, cfg.StatusAddr, h)
		if err != nil {
			return fmt.Errorf("status server: %w", err)
		}
		logx.Log.Info().Str("addr", addr).Msg("status API listening")
	}

	for id, err := range m.ConnectToEnabledServers(ctx) {
		logx.Log.Warn().Err(err).Str("server_id", id).Msg("initial connect failed")
	}

	<-ctx.Done()
	logx.Log.Info().Msg("shutting down")
	if cfg.DrainTimeout > 0 {
		dctx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
		defer cancel()
		if err := m.Drain(dctx); err != nil {
			logx.Log.Warn().Err(err).Msg("active prompts abandoned")
		}
	}
	return nil
}
