package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gridlink-systems/gridlink-core/internal/codec"
	"github.com/gridlink-systems/gridlink-core/internal/registry"
	"github.com/gridlink-systems/gridlink-core/internal/server"
)

// handleListDevices returns all registration records.
//
// GET /api/devices
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	records, err := s.registry.List(r.Context())
	if err != nil {
		s.logger.Error("listing devices", "error", err)
		writeInternalError(w, "failed to list devices")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"devices": records,
		"count":   len(records),
	})
}

// handleGetDevice returns one registration record.
//
// GET /api/devices/{id}
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := s.registry.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, registry.ErrNotRegistered) {
			writeNotFound(w, "device not found: "+id)
			return
		}
		s.logger.Error("fetching device", "endpoint", id, "error", err)
		writeInternalError(w, "failed to fetch device")
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// handleDeviceMetrics returns the latest-metric mirror for one device.
//
// GET /api/devices/{id}/metrics
func (s *Server) handleDeviceMetrics(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	metrics, err := s.registry.MetricsFor(r.Context(), id)
	if err != nil {
		if errors.Is(err, registry.ErrNotRegistered) {
			writeNotFound(w, "device not found: "+id)
			return
		}
		s.logger.Error("fetching device metrics", "endpoint", id, "error", err)
		writeInternalError(w, "failed to fetch metrics")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"endpoint": id,
		"metrics":  metrics,
		"count":    len(metrics),
	})
}

// handleDeviceHistory proxies a telemetry range query for one device
// metric to the history backend and returns the raw query result.
//
// GET /api/devices/{id}/history?metric=current_a_amps&start=...&end=...&step=30s
//
// start and end are RFC 3339; they default to the last hour. step is a
// Go duration and defaults to 30s.
func (s *Server) handleDeviceHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeInternal, "telemetry history not available")
		return
	}

	id := chi.URLParam(r, "id")

	metric := r.URL.Query().Get("metric")
	if metric == "" {
		writeBadRequest(w, "metric query parameter is required")
		return
	}

	end := time.Now().UTC()
	if v := r.URL.Query().Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeBadRequest(w, "end must be RFC 3339")
			return
		}
		end = t
	}
	start := end.Add(-time.Hour)
	if v := r.URL.Query().Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeBadRequest(w, "start must be RFC 3339")
			return
		}
		start = t
	}
	if end.Before(start) {
		writeBadRequest(w, "end must be after start")
		return
	}
	step := 30 * time.Second
	if v := r.URL.Query().Get("step"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeBadRequest(w, "step must be a positive duration")
			return
		}
		step = d
	}

	if _, err := s.registry.Get(r.Context(), id); err != nil {
		if errors.Is(err, registry.ErrNotRegistered) {
			writeNotFound(w, "device not found: "+id)
			return
		}
		s.logger.Error("fetching device", "endpoint", id, "error", err)
		writeInternalError(w, "failed to fetch device")
		return
	}

	result, err := s.history.QueryMetricRange(r.Context(), id, metric, start, end, step)
	if err != nil {
		s.logger.Error("querying telemetry history", "endpoint", id, "metric", metric, "error", err)
		writeInternalError(w, "history query failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"endpoint": id,
		"metric":   metric,
		"result":   result,
	})
}

// handleDeviceEvents returns a device's lifecycle history, newest first.
//
// GET /api/devices/{id}/events?limit=N
func (s *Server) handleDeviceEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	events, err := s.registry.EventsFor(r.Context(), id, limit)
	if err != nil {
		s.logger.Error("fetching device events", "endpoint", id, "error", err)
		writeInternalError(w, "failed to fetch events")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"endpoint": id,
		"events":   events,
		"count":    len(events),
	})
}

// commandRequest is the body for POST /api/devices/{id}/commands.
type commandRequest struct {
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// handleDispatchCommand dispatches a command and returns its handle id
// immediately. The caller polls GET /api/commands/{id} for the outcome.
//
// POST /api/devices/{id}/commands
func (s *Server) handleDispatchCommand(w http.ResponseWriter, r *http.Request) {
	if s.dispatcher == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeInternal, "command dispatch not available")
		return
	}
	id := chi.URLParam(r, "id")

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Command == "" {
		writeBadRequest(w, "command is required")
		return
	}

	handle, err := s.dispatcher.Dispatch(r.Context(), id, req.Command, req.Parameters)
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrNotRegistered):
			writeNotFound(w, "device not found: "+id)
		case errors.Is(err, registry.ErrDeviceUnavailable):
			writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())
		default:
			s.logger.Error("dispatching command", "endpoint", id, "error", err)
			writeInternalError(w, "failed to dispatch command")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"command_id":    handle.ID,
		"endpoint":      handle.Endpoint,
		"command":       handle.Command,
		"status":        "pending",
		"dispatched_at": handle.DispatchedAt.Format(time.RFC3339),
	})
}

// handleGetCommand resolves a command handle.
//
// GET /api/commands/{id}
func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	if s.dispatcher == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeInternal, "command dispatch not available")
		return
	}
	id := chi.URLParam(r, "id")

	handle, ok := s.dispatcher.Lookup(id)
	if !ok {
		writeNotFound(w, "command not found: "+id)
		return
	}

	out := map[string]any{
		"command_id":    handle.ID,
		"endpoint":      handle.Endpoint,
		"command":       handle.Command,
		"dispatched_at": handle.DispatchedAt.Format(time.RFC3339),
	}
	if !handle.Resolved() {
		out["status"] = "pending"
		writeJSON(w, http.StatusOK, out)
		return
	}

	resp, err := handle.Outcome()
	switch {
	case errors.Is(err, server.ErrCommandTimeout):
		out["status"] = "timeout"
	case errors.Is(err, server.ErrCommandCancelled):
		out["status"] = "cancelled"
	case err != nil:
		out["status"] = "failed"
		out["error"] = err.Error()
	default:
		out["status"] = resp.Status
		out["result"] = resp.Result
		if resp.Error != "" {
			out["error"] = resp.Error
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// parametersRequest is the body for POST /api/devices/{id}/parameters.
// Template, when set, is applied first; settings override per name.
type parametersRequest struct {
	Template string         `json:"template,omitempty"`
	Settings map[string]any `json:"settings,omitempty"`
}

// handleApplyParameters applies a protection parameter set through the
// device's configure command and waits for the per-name result map:
// valid names are applied, unknown or invalid names are rejected
// individually, never aborting the whole set.
//
// POST /api/devices/{id}/parameters
func (s *Server) handleApplyParameters(w http.ResponseWriter, r *http.Request) {
	if s.dispatcher == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeInternal, "command dispatch not available")
		return
	}
	id := chi.URLParam(r, "id")

	var req parametersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Template == "" && len(req.Settings) == 0 {
		writeBadRequest(w, "template or settings is required")
		return
	}

	params := make(map[string]any)
	if req.Template != "" {
		params["template"] = req.Template
	}
	if len(req.Settings) > 0 {
		params["settings"] = req.Settings
	}

	handle, err := s.dispatcher.Dispatch(r.Context(), id, "configure", params)
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrNotRegistered):
			writeNotFound(w, "device not found: "+id)
		case errors.Is(err, registry.ErrDeviceUnavailable):
			writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())
		default:
			s.logger.Error("dispatching configure", "endpoint", id, "error", err)
			writeInternalError(w, "failed to dispatch configure")
		}
		return
	}

	resp, err := handle.Await(r.Context())
	switch {
	case errors.Is(err, server.ErrCommandTimeout):
		writeError(w, http.StatusGatewayTimeout, ErrCodeInternal, "device did not respond")
		return
	case err != nil:
		s.logger.Error("awaiting configure response", "endpoint", id, "error", err)
		writeInternalError(w, "configure failed")
		return
	}

	if resp.Status != codec.StatusOK {
		writeError(w, http.StatusUnprocessableEntity, ErrCodeValidation, resp.Error)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"endpoint":   id,
		"command_id": handle.ID,
		"result":     resp.Result,
	})
}
