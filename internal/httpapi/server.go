// Package httpapi serves the read-only query API and the metrics endpoint.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/msageha/specforge/internal/model"
	"github.com/msageha/specforge/internal/orchestrator"
	"github.com/msageha/specforge/internal/queue"
	"github.com/msageha/specforge/internal/store"
)

type Reporter interface {
	Report(ctx context.Context, workflowID string) (*orchestrator.Report, error)
}

type QueueStats interface {
	Stats() []queue.CategoryStats
}

type Config struct {
	Store   store.Store
	Reports Reporter
	// Queues and Metrics are optional.
	Queues  QueueStats
	Metrics http.Handler
	Logger  *slog.Logger
}

type api struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &api{cfg: cfg, logger: logger.With("component", "httpapi")}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(a.logRequests)

	r.Get("/healthz", a.health)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}
	r.Route("/api", func(r chi.Router) {
		r.Get("/workflows", a.listWorkflows)
		r.Get("/workflows/{id}", a.getWorkflow)
		r.Get("/artifacts/{id}", a.getArtifact)
		r.Get("/artifacts/{id}/content", a.getArtifactContent)
		r.Get("/queues", a.queues)
	})
	return r
}

func (a *api) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.logger.Debug("request", "method", r.Method, "path", r.URL.Path,
			"status", ww.Status(), "duration_ms", time.Since(start).Milliseconds())
	})
}

func (a *api) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *api) listWorkflows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.WorkflowFilter{SourcePath: q.Get("source")}
	for _, s := range q["status"] {
		st, err := model.ParseWorkflowStatus(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Statuses = append(filter.Statuses, st)
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}

	wfs, err := a.cfg.Store.ListWorkflows(r.Context(), filter)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": wfs})
}

func (a *api) getWorkflow(w http.ResponseWriter, r *http.Request) {
	rep, err := a.cfg.Reports.Report(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (a *api) getArtifact(w http.ResponseWriter, r *http.Request) {
	art, err := a.cfg.Store.GetArtifact(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, art)
}

func (a *api) getArtifactContent(w http.ResponseWriter, r *http.Request) {
	art, err := a.cfg.Store.GetArtifact(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, err)
		return
	}
	w.Header().Set("X-Checksum-Sha256", art.Checksum)
	http.ServeFile(w, r, art.Location)
}

func (a *api) queues(w http.ResponseWriter, _ *http.Request) {
	stats := []queue.CategoryStats{}
	if a.cfg.Queues != nil {
		stats = a.cfg.Queues.Stats()
	}
	writeJSON(w, http.StatusOK, map[string]any{"queues": stats})
}

func (a *api) fail(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	a.logger.Error("request failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
