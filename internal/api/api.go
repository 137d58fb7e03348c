/*
Copyright (C) 2026 Verdant Labs

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package api exposes the operator HTTP surface: submitting and inspecting
// runs, tailing recent process logs, and watching a run's progress over
// WebSocket. Hardware is never driven from a request handler; everything
// goes through the scheduler service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	ws "nhooyr.io/websocket"

	"github.com/verdantlabs/stagehand/internal/auth"
	"github.com/verdantlabs/stagehand/internal/events"
	"github.com/verdantlabs/stagehand/internal/logbuffer"
	"github.com/verdantlabs/stagehand/internal/models"
	"github.com/verdantlabs/stagehand/internal/plan"
	"github.com/verdantlabs/stagehand/internal/rig"
	"github.com/verdantlabs/stagehand/internal/scheduler"
	"github.com/verdantlabs/stagehand/internal/store"
	"github.com/verdantlabs/stagehand/internal/telemetry"
	"github.com/verdantlabs/stagehand/internal/version"
)

// maxPlanBytes caps plan submissions; real plans are a few hundred bytes.
const maxPlanBytes = 1 << 20

// eventRunSnapshot is the synthetic first frame on a watch socket. It is not
// a bus event; it carries the registry row as of connection time.
const eventRunSnapshot events.EventType = "run.snapshot"

// API exposes HTTP handlers.
type API struct {
	db        *gorm.DB
	jwtSecret []byte
	scheduler *scheduler.Service
	rig       *rig.Rig
	archive   store.Store
	bus       *events.Bus
	logBuffer *logbuffer.Buffer
	updates   *version.Checker
	logger    zerolog.Logger
}

// New creates the API router wrapper.
func New(db *gorm.DB, jwtSecret []byte, sched *scheduler.Service, rg *rig.Rig, archive store.Store, bus *events.Bus, logBuf *logbuffer.Buffer, updates *version.Checker, logger zerolog.Logger) *API {
	return &API{
		db:        db,
		jwtSecret: jwtSecret,
		scheduler: sched,
		rig:       rg,
		archive:   archive,
		bus:       bus,
		logBuffer: logBuf,
		updates:   updates,
		logger:    logger,
	}
}

// Routes mounts API routes on provided router.
func (a *API) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", a.handleHealth)

		r.Group(func(pr chi.Router) {
			pr.Use(a.authMiddleware())

			pr.Route("/runs", func(r chi.Router) {
				r.Get("/", a.handleRunsList)
				r.Post("/", a.handleRunsStart)
				r.Route("/{runID}", func(r chi.Router) {
					r.Get("/", a.handleRunsGet)
					r.Get("/records", a.handleRunRecords)
					r.Post("/cancel", a.handleRunCancel)
					r.Get("/watch", a.handleRunWatch)
				})
			})

			pr.Route("/logs", func(r chi.Router) {
				r.Get("/", a.handleLogs)
				r.Get("/components", a.handleLogComponents)
				r.Get("/stats", a.handleLogStats)
				r.Delete("/", a.handleClearLogs)
			})

			pr.Get("/status", a.handleSystemStatus)
		})
	})
}

func (a *API) authMiddleware() func(http.Handler) http.Handler {
	if len(a.jwtSecret) == 0 {
		// Auth disabled; config.Load refuses this combination in production.
		return func(next http.Handler) http.Handler { return next }
	}
	return auth.Middleware(a.jwtSecret)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleRunsStart admits a plan submitted as YAML or JSON and starts it in
// the background. The response row is pending; progress arrives on the watch
// socket or by polling.
func (a *API) handleRunsStart(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPlanBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "plan_too_large")
		return
	}

	p, err := plan.Parse(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":  "invalid_plan",
			"detail": err.Error(),
		})
		return
	}

	run, err := a.scheduler.StartRun(r.Context(), p)
	switch {
	case err == nil:
	case errors.Is(err, scheduler.ErrRigBusy):
		writeError(w, http.StatusConflict, "rig_busy")
		return
	case errors.Is(err, plan.ErrInvalidPlan):
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":  "invalid_plan",
			"detail": err.Error(),
		})
		return
	default:
		a.logger.Error().Err(err).Msg("start run failed")
		writeError(w, http.StatusInternalServerError, "start_failed")
		return
	}

	a.logger.Info().
		Str("run_id", run.ID).
		Str("plan", run.Name).
		Msg("run started via API")

	writeJSON(w, http.StatusAccepted, run)
}

func (a *API) handleRunsList(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	status := models.RunStatus(r.URL.Query().Get("status"))

	runs, err := a.scheduler.ListRuns(r.Context(), status, limit)
	if err != nil {
		a.logger.Error().Err(err).Msg("list runs failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (a *API) handleRunsGet(w http.ResponseWriter, r *http.Request) {
	run, err := a.scheduler.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		if errors.Is(err, scheduler.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "run_not_found")
			return
		}
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (a *API) handleRunRecords(w http.ResponseWriter, r *http.Request) {
	records, err := a.scheduler.Records(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		if errors.Is(err, scheduler.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "run_not_found")
			return
		}
		a.logger.Error().Err(err).Msg("read run records failed")
		writeError(w, http.StatusInternalServerError, "log_read_failed")
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (a *API) handleRunCancel(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	err := a.scheduler.Cancel(r.Context(), runID)
	switch {
	case err == nil:
	case errors.Is(err, scheduler.ErrRunNotFound):
		writeError(w, http.StatusNotFound, "run_not_found")
		return
	case errors.Is(err, scheduler.ErrRunNotActive):
		writeError(w, http.StatusConflict, "run_not_active")
		return
	default:
		a.logger.Error().Err(err).Msg("cancel run failed")
		writeError(w, http.StatusInternalServerError, "cancel_failed")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"run_id": runID,
		"status": "cancelling",
	})
}

// handleRunWatch streams one run's tick and terminal events over WebSocket.
// The first frame is always a snapshot of the registry row, so a watcher
// attaching to a finished run still sees the outcome before the socket
// closes normally.
func (a *API) handleRunWatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := chi.URLParam(r, "runID")

	run, err := a.scheduler.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, scheduler.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "run_not_found")
			return
		}
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}

	conn, err := ws.Accept(w, r, &ws.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		a.logger.Error().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(ws.StatusInternalError, "server error")

	telemetry.APIWebSocketConnections.Inc()
	defer telemetry.APIWebSocketConnections.Dec()

	eventTypes := []events.EventType{
		events.EventTickRecorded,
		events.EventTickFailed,
		events.EventDataLoss,
		events.EventRunCompleted,
		events.EventRunAborted,
		events.EventRunCancelled,
	}
	subscribers := make([]events.Subscriber, 0, len(eventTypes))
	for _, eventType := range eventTypes {
		subscribers = append(subscribers, a.bus.Subscribe(eventType))
	}
	defer func() {
		for i, eventType := range eventTypes {
			a.bus.Unsubscribe(eventType, subscribers[i])
		}
	}()

	if err := a.writeEvent(ctx, conn, eventRunSnapshot, events.Payload{"run": run}); err != nil {
		a.logger.Error().Err(err).Msg("websocket snapshot write failed")
		return
	}
	if run.Status.Terminal() {
		conn.Close(ws.StatusNormalClosure, "run finished")
		return
	}

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(ws.StatusNormalClosure, "context cancelled")
			return
		case <-ticker.C:
			if err := conn.Write(ctx, ws.MessageText, []byte(`{"type":"ping"}`)); err != nil {
				a.logger.Error().Err(err).Msg("websocket ping failed")
				conn.Close(ws.StatusInternalError, "write failed")
				return
			}
		default:
			sent := false
			for i, sub := range subscribers {
				select {
				case payload := <-sub:
					if id, _ := payload["run_id"].(string); id != runID {
						continue
					}
					if err := a.writeEvent(ctx, conn, eventTypes[i], payload); err != nil {
						a.logger.Error().Err(err).Msg("websocket write failed")
						conn.Close(ws.StatusInternalError, "write failed")
						return
					}
					sent = true
					if isTerminalEvent(eventTypes[i]) {
						conn.Close(ws.StatusNormalClosure, "run finished")
						return
					}
				default:
				}
			}
			if !sent {
				time.Sleep(100 * time.Millisecond)
			}
		}
	}
}

func (a *API) writeEvent(ctx context.Context, conn *ws.Conn, eventType events.EventType, payload events.Payload) error {
	data := map[string]any{
		"type":    eventType,
		"payload": payload,
	}
	bytes, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return conn.Write(ctx, ws.MessageText, bytes)
}

func isTerminalEvent(t events.EventType) bool {
	switch t {
	case events.EventRunCompleted, events.EventRunAborted, events.EventRunCancelled:
		return true
	}
	return false
}

func (a *API) handleLogs(w http.ResponseWriter, r *http.Request) {
	if a.logBuffer == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error": "Log buffer not available",
		})
		return
	}

	params := logbuffer.QueryParams{
		Level:      r.URL.Query().Get("level"),
		Component:  r.URL.Query().Get("component"),
		RunID:      r.URL.Query().Get("run_id"),
		Search:     r.URL.Query().Get("search"),
		Descending: true, // Default to newest first
	}

	if since := r.URL.Query().Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			params.Since = t
		}
	}

	if limit := r.URL.Query().Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil && n > 0 {
			params.Limit = n
		}
	} else {
		params.Limit = 500 // Default limit
	}

	if order := r.URL.Query().Get("order"); order == "asc" {
		params.Descending = false
	}

	entries := a.logBuffer.Query(params)
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

func (a *API) handleLogComponents(w http.ResponseWriter, r *http.Request) {
	if a.logBuffer == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error": "Log buffer not available",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"components": a.logBuffer.Components(),
	})
}

func (a *API) handleLogStats(w http.ResponseWriter, r *http.Request) {
	if a.logBuffer == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error": "Log buffer not available",
		})
		return
	}

	writeJSON(w, http.StatusOK, a.logBuffer.Stats())
}

func (a *API) handleClearLogs(w http.ResponseWriter, r *http.Request) {
	if a.logBuffer == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error": "Log buffer not available",
		})
		return
	}

	a.logBuffer.Clear()
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Log buffer cleared",
	})
}

// SystemStatus is one self-check snapshot of everything a run depends on.
type SystemStatus struct {
	Database   ComponentStatus     `json:"database"`
	Store      ComponentStatus     `json:"store"`
	Rig        RigStatus           `json:"rig"`
	ActiveRuns []string            `json:"active_runs"`
	Version    *version.UpdateInfo `json:"version,omitempty"`
	Timestamp  time.Time           `json:"timestamp"`
}

// ComponentStatus represents the status of a single system component.
type ComponentStatus struct {
	Status  string `json:"status"` // "ok", "error", "unavailable"
	Message string `json:"message,omitempty"`
	Name    string `json:"name,omitempty"`
}

// RigStatus names the hardware this process drives.
type RigStatus struct {
	Name    string   `json:"name"`
	Cameras []string `json:"cameras"`
}

func (a *API) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	status := SystemStatus{
		ActiveRuns: a.scheduler.ActiveRunIDs(),
		Timestamp:  time.Now(),
	}

	sqlDB, err := a.db.DB()
	if err != nil {
		status.Database = ComponentStatus{Status: "error", Message: err.Error()}
	} else if err := sqlDB.PingContext(ctx); err != nil {
		status.Database = ComponentStatus{Status: "error", Message: err.Error()}
	} else {
		status.Database = ComponentStatus{Status: "ok", Message: "Connected"}
	}

	// A failing archive aborts runs after three ticks; surface it before an
	// operator walks away from the rig.
	if err := a.archive.CheckAccess(ctx); err != nil {
		status.Store = ComponentStatus{Status: "error", Message: err.Error(), Name: a.archive.Name()}
	} else {
		status.Store = ComponentStatus{Status: "ok", Message: "Accessible", Name: a.archive.Name()}
	}

	cameras := make([]string, 0, len(a.rig.Cameras))
	for _, cam := range a.rig.Cameras {
		cameras = append(cameras, cam.ID())
	}
	status.Rig = RigStatus{Name: a.rig.Name, Cameras: cameras}

	if a.updates != nil {
		status.Version = a.updates.Info()
	}

	writeJSON(w, http.StatusOK, status)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
