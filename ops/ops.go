// Package ops serves the operational HTTP surface of a running engine:
// health and readiness probes, Prometheus metrics, diagnostics and
// projection control.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clinprecision/clinops-core"
	"github.com/clinprecision/clinops-core/app"
)

// Handler routes the ops endpoints of one App.
type Handler struct {
	app     *app.App
	logger  clinops.Logger
	timeout time.Duration
}

// Option configures a Handler.
type Option func(*Handler)

// WithTimeout bounds every request, rebuilds included. Default 5m.
func WithTimeout(d time.Duration) Option {
	return func(h *Handler) { h.timeout = d }
}

// New creates the ops handler for a.
func New(a *app.App, opts ...Option) *Handler {
	h := &Handler{app: a, logger: a.Logger(), timeout: 5 * time.Minute}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Router returns the chi router serving the ops endpoints.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)
	r.Use(middleware.Timeout(h.timeout))

	r.Get("/healthz", h.handleHealth)
	r.Get("/readyz", h.handleReady)
	r.Get("/diagnostics", h.handleDiagnostics)
	if h.app.Prometheus != nil {
		metrics := promhttp.HandlerFor(h.app.Prometheus, promhttp.HandlerOpts{})
		r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			h.app.Metrics.ObserveStatuses(h.app.Engine.Statuses())
			metrics.ServeHTTP(w, r)
		})
	}

	r.Route("/projections", func(r chi.Router) {
		r.Get("/", h.handleListProjections)
		r.Post("/rebuild", h.handleRebuildAll)
		r.Get("/{name}", h.handleProjection)
		r.Post("/{name}/pause", h.handleControl(h.app.Engine.Pause))
		r.Post("/{name}/resume", h.handleControl(h.app.Engine.Resume))
		r.Post("/{name}/rebuild", h.handleControl(h.app.Engine.Rebuild))
	})
	return r
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Debug("ops request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	if !h.app.Engine.IsRunning() {
		writeError(w, http.StatusServiceUnavailable, errors.New("projection engine is not running"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *Handler) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	info, err := h.app.Diagnostics(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handler) handleListProjections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.app.Engine.Statuses())
}

func (h *Handler) handleProjection(w http.ResponseWriter, r *http.Request) {
	st, err := h.app.Engine.Status(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleControl runs a projection operation and answers with the
// projection's status afterwards.
func (h *Handler) handleControl(op func(ctx context.Context, name string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		if err := op(r.Context(), name); err != nil {
			h.logger.Warn("projection control failed", "projection", name, "path", r.URL.Path, "error", err)
			writeError(w, statusFor(err), err)
			return
		}
		h.handleProjection(w, r)
	}
}

// handleRebuildAll rebuilds every projection. ?concurrency=N bounds how
// many run at once.
func (h *Handler) handleRebuildAll(w http.ResponseWriter, r *http.Request) {
	concurrency := 1
	if v := r.URL.Query().Get("concurrency"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, errors.New("concurrency must be a positive integer"))
			return
		}
		concurrency = n
	}
	if err := h.app.RebuildAll(r.Context(), concurrency, nil); err != nil {
		h.logger.Warn("rebuild of all projections failed", "error", err)
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, h.app.Engine.Statuses())
}

func statusFor(err error) int {
	if errors.Is(err, clinops.ErrProjectionUnknown) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// ErrorBody is the JSON body of every non-2xx response.
type ErrorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, ErrorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
