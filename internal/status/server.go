// Package status serves the HTTP API through which operators watch the
// agent fleet and answer permission requests.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/gaspardpetit/acplink/internal/logx"
	"github.com/gaspardpetit/acplink/internal/manager"
)

// Registry is the view of the manager the API needs.
type Registry interface {
	Servers() []manager.ServerConfig
	Statuses() map[string]manager.ServerStatus
	Sessions() []manager.Session
	PendingPermissions() []manager.PendingPermission
	RespondToPermission(ctx context.Context, requestID, optionID string) error
	Draining() bool
}

// VersionInfo describes the running build.
type VersionInfo struct {
	Version   string `json:"version"`
	BuildSHA  string `json:"build_sha"`
	BuildDate string `json:"build_date"`
}

// Options configures the router.
type Options struct {
	AllowedOrigins []string
	// APIKey, when set, is required as a bearer token on every route but
	// /version.
	APIKey  string
	Version VersionInfo
}

// ServerView is one entry of GET /status.
type ServerView struct {
	manager.ServerConfig
	Status manager.ServerStatus `json:"status"`
}

type permissionAnswer struct {
	OptionID string `json:"optionId"`
}

// New returns the API router.
func New(reg Registry, opts Options) http.Handler {
	r := chi.NewRouter()
	if len(opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}
	r.Use(chiMiddleware.RequestID, chiMiddleware.Recoverer, requestLogger)

	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, opts.Version)
	})
	r.Group(func(g chi.Router) {
		g.Use(apiKeyMiddleware(opts.APIKey))
		g.Get("/status", func(w http.ResponseWriter, r *http.Request) {
			statuses := reg.Statuses()
			servers := reg.Servers()
			out := make([]ServerView, 0, len(servers))
			for _, s := range servers {
				out = append(out, ServerView{ServerConfig: s.Masked(), Status: statuses[s.ID]})
			}
			writeJSON(w, http.StatusOK, map[string]any{"servers": out, "draining": reg.Draining()})
		})
		g.Get("/sessions", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"sessions": reg.Sessions()})
		})
		g.Get("/permissions", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"permissions": reg.PendingPermissions()})
		})
		g.Post("/permissions/{requestID}", func(w http.ResponseWriter, r *http.Request) {
			var body permissionAnswer
			if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&body); err != nil || body.OptionID == "" {
				writeError(w, http.StatusBadRequest, "body must be {\"optionId\": \"...\"}")
				return
			}
			err := reg.RespondToPermission(r.Context(), chi.URLParam(r, "requestID"), body.OptionID)
			switch {
			case err == nil:
				w.WriteHeader(http.StatusNoContent)
			case errors.Is(err, manager.ErrPermissionRequestNotFound):
				writeError(w, http.StatusNotFound, err.Error())
			case errors.Is(err, manager.ErrServerNotConnected), errors.Is(err, manager.ErrServerNotFound):
				writeError(w, http.StatusConflict, err.Error())
			default:
				writeError(w, http.StatusBadGateway, err.Error())
			}
		})
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logx.Log.Error().Err(err).Msg("write response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// StartStatusServer serves h on addr until ctx is done. It returns the
// address it is listening on.
func StartStatusServer(ctx context.Context, addr string, h http.Handler) (string, error) {
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	actual := ln.Addr().String()
	go func() {
		<-ctx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logx.Log.Error().Err(err).Str("addr", actual).Msg("status server error")
		}
	}()
	return actual, nil
}
