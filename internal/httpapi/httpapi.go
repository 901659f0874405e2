// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package httpapi implements the JSON REST surface and the
// Server-Sent Events streams that expose job state to clients other
// than the forge itself: the dashboard, CI status badges, and
// operators polling or tailing a running job.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ridgeline-ci/cicd-runner/internal/cicderrors"
	"github.com/ridgeline-ci/cicd-runner/internal/config"
	"github.com/ridgeline-ci/cicd-runner/internal/eventbus"
	"github.com/ridgeline-ci/cicd-runner/internal/gate"
	"github.com/ridgeline-ci/cicd-runner/internal/store"
	"github.com/ridgeline-ci/cicd-runner/lib/clock"
	"github.com/ridgeline-ci/cicd-runner/lib/version"
)

// pingInterval bounds how long an SSE stream may go without a byte
// crossing the wire, so intermediate proxies do not time the
// connection out.
const pingInterval = 25 * time.Second

// API holds the dependencies needed to answer every /api/* route.
type API struct {
	store      *store.Store
	config     *config.Store
	bus        *eventbus.Bus
	gate       *gate.Gate
	configPath string
	clock      clock.Clock
	logger     *slog.Logger
	startedAt  time.Time
}

// Config configures New.
type Config struct {
	Store      *store.Store
	ConfigStore *config.Store
	Bus        *eventbus.Bus
	Gate       *gate.Gate
	ConfigPath string
	Clock      clock.Clock
	Logger     *slog.Logger
}

// New creates an API.
func New(cfg Config) *API {
	c := cfg.Clock
	if c == nil {
		c = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &API{
		store:      cfg.Store,
		config:     cfg.ConfigStore,
		bus:        cfg.Bus,
		gate:       cfg.Gate,
		configPath: cfg.ConfigPath,
		clock:      c,
		logger:     logger,
		startedAt:  c.Now().UTC(),
	}
}

// Register mounts every /api/* route, plus the bare "/reload" alias,
// onto mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/jobs", a.handleListJobs)
	mux.HandleFunc("GET /api/jobs/{id}", a.handleGetJob)
	mux.HandleFunc("GET /api/jobs/{id}/logs", a.handleGetJobLogs)
	mux.HandleFunc("GET /api/projects", a.handleListProjects)
	mux.HandleFunc("GET /api/stats", a.handleStats)
	mux.HandleFunc("GET /api/status", a.handleStatus)
	mux.HandleFunc("GET /api/config/current", a.handleConfigCurrent)
	mux.HandleFunc("POST /api/reload", a.handleReload)
	mux.HandleFunc("POST /reload", a.handleReload)
	mux.HandleFunc("GET /api/stream/jobs", a.handleStreamJobs)
	mux.HandleFunc("GET /api/stream/logs", a.handleStreamLogs)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (a *API) handleListJobs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := store.ListFilter{
		Project: query.Get("project"),
		Branch:  query.Get("branch"),
		Status:  query.Get("status"),
	}

	if v := query.Get("dry_run"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid dry_run")
			return
		}
		filter.DryRun = &parsed
	}
	if v := query.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}
	if v := query.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid offset")
			return
		}
		filter.Offset = n
	}

	jobs, err := a.store.ListJobs(r.Context(), filter)
	if err != nil {
		a.logger.Error("httpapi: list jobs failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (a *API) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := a.store.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		a.logger.Error("httpapi: get job failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *API) handleGetJobLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := a.store.GetJob(r.Context(), id)
	if err != nil {
		a.logger.Error("httpapi: get job failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	steps, err := a.store.ListSteps(r.Context(), id)
	if err != nil {
		a.logger.Error("httpapi: list steps failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"steps": steps})
}

func (a *API) handleListProjects(w http.ResponseWriter, r *http.Request) {
	summaries, err := a.store.ListProjectSummaries(r.Context())
	if err != nil {
		a.logger.Error("httpapi: list project summaries failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	type projectView struct {
		ProjectName   string  `json:"project_name"`
		LastJobID     string  `json:"last_job_id"`
		LastStatus    string  `json:"last_status"`
		LastCreatedAt string  `json:"last_created_at"`
		TotalRuns     int     `json:"total_runs"`
		SuccessRate   float64 `json:"success_rate"`
	}

	views := make([]projectView, 0, len(summaries))
	for _, s := range summaries {
		views = append(views, projectView{
			ProjectName:   s.ProjectName,
			LastJobID:     s.LastJobID,
			LastStatus:    string(s.LastStatus),
			LastCreatedAt: s.LastCreatedAt.Format(time.RFC3339),
			TotalRuns:     s.TotalRuns,
			SuccessRate:   s.SuccessRate(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": views})
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.store.Stats(r.Context())
	if err != nil {
		a.logger.Error("httpapi: stats failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total_jobs":   stats.TotalJobs,
		"queued_jobs":  stats.QueuedJobs,
		"running_jobs": stats.RunningJobs,
		"success_jobs": stats.SuccessJobs,
		"failed_jobs":  stats.FailedJobs,
		"success_rate": stats.SuccessRate(),
	})
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	recent, err := a.store.ListJobs(r.Context(), store.ListFilter{Limit: limit})
	if err != nil {
		a.logger.Error("httpapi: status failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"version":              version.Info(),
		"uptime_seconds":       a.clock.Now().UTC().Sub(a.startedAt).Seconds(),
		"job_subscribers":      a.bus.JobSubscriberCount(),
		"log_subscribers":      a.bus.LogSubscriberCount(),
		"recent_jobs":          recent,
	})
}

func (a *API) handleConfigCurrent(w http.ResponseWriter, r *http.Request) {
	snapshot := a.config.Current()
	if snapshot == nil {
		writeError(w, http.StatusInternalServerError, "no configuration loaded")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"path":     snapshot.Path,
		"raw_toml": snapshot.RawTOML,
	})
}

func (a *API) handleReload(w http.ResponseWriter, r *http.Request) {
	release, err := a.gate.Acquire(r.Context())
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "error", "message": err.Error()})
		return
	}
	defer release()

	snapshot, err := config.Load(a.configPath)
	if err != nil {
		configErr := &cicderrors.ConfigError{Err: err}
		a.logger.Warn("httpapi: reload rejected", "error", configErr)
		writeJSON(w, http.StatusOK, map[string]string{"status": "error", "message": configErr.Error()})
		return
	}

	a.config.Install(snapshot, "reload")
	if err := a.store.InsertConfigSnapshot(r.Context(), snapshot.RawTOML, "reload"); err != nil {
		a.logger.Error("httpapi: insert config snapshot failed", "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (a *API) handleStreamJobs(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	done := make(chan struct{})
	sub := a.bus.SubscribeJobs(done)
	defer close(done)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if !writeSSEPing(w, flusher) {
				return
			}
		case event, ok := <-sub.Channel:
			if !ok {
				return
			}
			if !writeSSEEvent(w, flusher, string(event.Type), event) {
				return
			}
		}
	}
}

func (a *API) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	done := make(chan struct{})
	sub := a.bus.SubscribeLogs(done)
	defer close(done)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if !writeSSEPing(w, flusher) {
				return
			}
		case event, ok := <-sub.Channel:
			if !ok {
				return
			}
			if !writeSSEEvent(w, flusher, "log_chunk", event) {
				return
			}
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) bool {
	payload, err := json.Marshal(data)
	if err != nil {
		return true
	}
	if _, err := w.Write([]byte("event: " + event + "\ndata: " + string(payload) + "\n\n")); err != nil {
		return false
	}
	flusher.Flush()
	return true
}

func writeSSEPing(w http.ResponseWriter, flusher http.Flusher) bool {
	if _, err := w.Write([]byte(": ping\n\n")); err != nil {
		return false
	}
	flusher.Flush()
	return true
}
