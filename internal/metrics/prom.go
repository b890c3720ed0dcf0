package metrics

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/acplink/internal/logx"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "acplink_build_info",
			Help:        "Build information",
			ConstLabels: prometheus.Labels{"component": "client"},
		},
		[]string{"date", "sha", "version"},
	)

	transportState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "acplink_transport_state",
			Help: "Current transport state per server (1 for the active state)",
		},
		[]string{"server_id", "state"},
	)

	reconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acplink_transport_reconnects_total",
			Help: "Reconnect attempts scheduled per server",
		},
		[]string{"server_id"},
	)

	requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acplink_requests_total",
			Help: "JSON-RPC requests sent, by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "acplink_request_duration_seconds",
			Help:    "Time from request write to response, timeout or drop",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	pendingRequests = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "acplink_pending_requests",
			Help: "Requests awaiting a response per server",
		},
		[]string{"server_id"},
	)

	promptUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acplink_prompt_updates_total",
			Help: "Session updates delivered to prompt consumers, by kind",
		},
		[]string{"kind"},
	)

	pendingPermissions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "acplink_pending_permissions",
		Help: "Permission requests awaiting a human decision",
	})
)

// States lists every transport state label, in state machine order.
var States = []string{"disconnected", "connecting", "connected", "reconnecting", "closed"}

// Register registers all metrics with the provided registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, transportState, reconnects, requests, requestDuration, pendingRequests, promptUpdates, pendingPermissions)
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(date, sha, version).Set(1)
}

// SetTransportState marks state as the active state for serverID.
func SetTransportState(serverID, state string) {
	for _, s := range States {
		v := 0.0
		if s == state {
			v = 1
		}
		transportState.WithLabelValues(serverID, s).Set(v)
	}
}

// RecordReconnect counts a scheduled reconnect attempt.
func RecordReconnect(serverID string) {
	reconnects.WithLabelValues(serverID).Inc()
}

// RecordRequest counts a finished request and observes its duration.
// Outcome is one of ok, error, timeout, dropped, canceled.
func RecordRequest(method, outcome string, d time.Duration) {
	requests.WithLabelValues(method, outcome).Inc()
	requestDuration.WithLabelValues(method).Observe(d.Seconds())
}

// SetPendingRequests records the size of a server's pending table.
func SetPendingRequests(serverID string, n int) {
	pendingRequests.WithLabelValues(serverID).Set(float64(n))
}

// RecordPromptUpdate counts an update handed to a prompt consumer.
func RecordPromptUpdate(kind string) {
	promptUpdates.WithLabelValues(kind).Inc()
}

// SetPendingPermissions records the number of unanswered permission requests.
func SetPendingPermissions(n int) {
	pendingPermissions.Set(float64(n))
}

// ForgetServer drops per-server series after the server is removed.
func ForgetServer(serverID string) {
	for _, s := range States {
		transportState.DeleteLabelValues(serverID, s)
	}
	reconnects.DeleteLabelValues(serverID)
	pendingRequests.DeleteLabelValues(serverID)
}

// StartMetricsServer starts an HTTP server exposing Prometheus metrics on /metrics.
// It returns the address it is listening on.
func StartMetricsServer(ctx context.Context, addr string, reg *prometheus.Registry) (string, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	actual := ln.Addr().String()
	go func() {
		<-ctx.Done()
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(c)
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logx.Log.Error().Err(err).Str("addr", actual).Msg("metrics server error")
		}
	}()
	return actual, nil
}
