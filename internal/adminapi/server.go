// Package adminapi exposes the session manager's read-only admin view
// over plain JSON HTTP. Grounded on dittofs's
// pkg/controlplane/api/router.go: a chi router with request-id, recoverer
// and timeout middleware, plus a small custom request logger — the parts
// of that pattern that make sense for a read-only, unauthenticated surface
// with no write operations to gate behind JWT/role middleware.
package adminapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/overlaymesh/sessiond/internal/session"
)

// SessionView is the subset of *session.Manager the admin surface needs.
type SessionView interface {
	ListHandles() []uint32
	SessionStats(handle uint32) (session.HandleSnapshot, bool)
}

// NewRouter builds the admin HTTP surface:
//
//	GET /healthz - liveness probe
//	GET /api/v1/handles - get-handles query
//	GET /api/v1/sessions/{handle} - session-stats(handle) query
func NewRouter(mgr SessionView, log *slog.Logger) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "admin_api"))

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/handles", handleList(mgr))
		r.Get("/sessions/{handle}", handleStats(mgr))
	})

	return r
}

func handleList(mgr SessionView) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, struct {
			Handles []uint32 `json:"handles"`
		}{Handles: mgr.ListHandles()})
	}
}

func handleStats(mgr SessionView) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := chi.URLParam(r, "handle")
		handle, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			http.Error(w, "invalid handle", http.StatusBadRequest)
			return
		}
		snap, ok := mgr.SessionStats(uint32(handle))
		if !ok {
			http.Error(w, "unknown handle", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// requestLogger logs request completion at debug for the healthcheck path
// and info otherwise, mirroring dittofs's requestLogger middleware.
func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			args := []any{
				slog.String("request_id", middleware.GetReqID(r.Context())),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status),
				slog.Duration("duration", time.Since(start)),
			}
			if r.URL.Path == "/healthz" {
				log.Debug("admin api request", args...)
			} else {
				log.Info("admin api request", args...)
			}
		})
	}
}
