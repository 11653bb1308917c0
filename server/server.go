// Package server exposes the daemon's HTTP surface: health and readiness
// probes, per-room status, Prometheus metrics, stage history and the admin
// endpoints that trigger a cleanup sweep or retry an upload.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/live-tender/cleanup"
	"github.com/onnwee/live-tender/db"
	"github.com/onnwee/live-tender/pipeline"
	"github.com/onnwee/live-tender/runner"
)

// StatusSource reports the state of every room.
type StatusSource interface {
	Statuses() []runner.Status
}

// Sweeper runs a cleanup pass.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (cleanup.Report, error)
}

// Uploader retries the upload of a split directory. BeginUpload validates
// the request and reserves the session; the returned function publishes.
type Uploader interface {
	BeginUpload(path, roomID string) (func(context.Context) ([]string, error), error)
}

// History returns recent stage records of a room.
type History interface {
	Recent(ctx context.Context, roomID string, limit int) ([]db.StageRecord, error)
}

// Deps are what the handlers read and trigger. Only Status is required.
type Deps struct {
	Status   StatusSource
	Sweeper  Sweeper
	Uploader Uploader
	History  History
	DB       *sql.DB
	DataRoot string
}

// Handlers holds the dependencies of every route.
type Handlers struct {
	deps Deps
	ctx  context.Context
}

// NewRouter returns the HTTP handler with all routes. ctx bounds background
// work started by admin requests.
func NewRouter(ctx context.Context, deps Deps) http.Handler {
	h := &Handlers{deps: deps, ctx: ctx}
	limiter := newIPRateLimiter(ctx, loadRateLimiterConfig())

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(correlate)

	r.Get("/healthz", h.HandleHealthz)
	r.Get("/readyz", h.HandleReadyz)
	r.Get("/status", h.HandleStatus)
	r.Get("/rooms/{room}/history", h.HandleHistory)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/admin", func(r chi.Router) {
		r.Use(adminAuth(loadAuthConfig()))
		r.Use(rateLimit(limiter))
		r.Post("/cleanup", h.HandleAdminCleanup)
		r.Post("/upload", h.HandleAdminUpload)
	})
	return r
}

// HandleHealthz answers liveness probes.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz checks that the data root is usable and the database, when
// configured, answers.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"data_root", func() error {
			if h.deps.DataRoot == "" {
				return nil
			}
			fi, err := os.Stat(h.deps.DataRoot)
			if err != nil {
				return err
			}
			if !fi.IsDir() {
				return fmt.Errorf("%s is not a directory", h.deps.DataRoot)
			}
			return nil
		}},
		{"database", func() error {
			if h.deps.DB == nil {
				return nil
			}
			return h.deps.DB.PingContext(r.Context())
		}},
	}
	for _, c := range checks {
		if err := c.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": c.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// HandleStatus lists every room with its live flag, state and last error.
func (h *Handlers) HandleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"rooms": h.deps.Status.Statuses()})
}

// HandleHistory returns the stage ledger of one room.
func (h *Handlers) HandleHistory(w http.ResponseWriter, r *http.Request) {
	if h.deps.History == nil {
		http.Error(w, "stage history requires a database", http.StatusNotImplemented)
		return
	}
	room := chi.URLParam(r, "room")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	recs, err := h.deps.History.Recent(r.Context(), room, limit)
	if err != nil {
		slog.Error("stage history query failed", slog.String("room_id", room), slog.Any("err", err))
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []db.StageRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"room_id": room, "stages": recs})
}

// HandleAdminCleanup runs a sweep now and returns its report. It waits for a
// scheduled sweep in progress.
func (h *Handlers) HandleAdminCleanup(w http.ResponseWriter, r *http.Request) {
	if h.deps.Sweeper == nil {
		http.Error(w, "cleanup not configured", http.StatusNotImplemented)
		return
	}
	rep, err := h.deps.Sweeper.Sweep(r.Context(), time.Now())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error(), "report": rep})
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// HandleAdminUpload retries the upload of ?path= in the background. A session
// that a runner or another upload holds is refused with 409.
func (h *Handlers) HandleAdminUpload(w http.ResponseWriter, r *http.Request) {
	if h.deps.Uploader == nil {
		http.Error(w, "upload not configured", http.StatusNotImplemented)
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		http.Error(w, "path is required", http.StatusBadRequest)
		return
	}
	if _, err := os.Stat(path); err != nil {
		http.Error(w, "path not found", http.StatusNotFound)
		return
	}
	room := r.URL.Query().Get("room")
	logger := slog.Default().With(slog.String("component", "admin_upload"), slog.String("path", path))
	run, err := h.deps.Uploader.BeginUpload(path, room)
	switch {
	case err == nil:
	case errors.Is(err, runner.ErrSessionBusy):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, runner.ErrUnknownRoom), errors.Is(err, runner.ErrUsage):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, pipeline.ErrNotFound):
		http.Error(w, "path not found", http.StatusNotFound)
		return
	default:
		logger.Error("manual upload rejected", slog.Any("err", err))
		http.Error(w, "upload could not start", http.StatusInternalServerError)
		return
	}
	go func() {
		ids, err := run(h.ctx)
		switch {
		case err == nil:
			logger.Info("manual upload finished", slog.Any("ids", ids))
		case errors.Is(err, context.Canceled):
			logger.Warn("manual upload interrupted")
		default:
			logger.Error("manual upload failed", slog.Bool("retryable", pipeline.IsRetryable(err)), slog.Any("err", err))
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "path": path})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
