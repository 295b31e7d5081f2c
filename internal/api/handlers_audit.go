// LabTrail - Laboratory Inventory, Scheduling and Audit Platform
// Copyright 2026 M. Fedyk (mfedyk)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mfedyk/labtrail

package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/mfedyk/labtrail/internal/audit"
	"github.com/mfedyk/labtrail/internal/authz"
	"github.com/mfedyk/labtrail/internal/middleware"
	"github.com/mfedyk/labtrail/internal/models"
)

// recordEventRequest is the ingestion payload. Actor and request context are
// filled server-side from the verified identity and the HTTP request; a
// client cannot record events as someone else.
type recordEventRequest struct {
	Timestamp time.Time      `json:"timestamp,omitempty"`
	Action    audit.Action   `json:"action"`
	Details   *audit.Details `json:"details,omitempty"`
	Status    audit.Status   `json:"status,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// RecordEvent handles POST /api/v1/audit/events. The write is asynchronous;
// ?sync=true flushes before responding so tests can read their own writes.
func (s *Server) RecordEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := authz.IdentityFromContext(r.Context())
	if !ok || id.IsAnonymous() {
		respondError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "Authentication required", nil)
		return
	}

	var req recordEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeValidation, "Invalid request body", err)
		return
	}

	event := &audit.Event{
		Timestamp: req.Timestamp,
		Actor: audit.Actor{
			ID:    id.UserID,
			Email: id.Email,
			Name:  id.Name,
			Role:  id.Role,
		},
		Action:  req.Action,
		Details: req.Details,
		Context: audit.Context{
			IP:        r.RemoteAddr,
			UserAgent: r.UserAgent(),
			RequestID: middleware.GetRequestID(r.Context()),
			Path:      r.URL.Path,
			Method:    r.Method,
		},
		Status: req.Status,
		Error:  req.Error,
	}

	if err := audit.ValidateEvent(event); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeValidation, err.Error(), nil)
		return
	}

	s.writer.Record(r.Context(), event)

	if r.URL.Query().Get("sync") == "true" {
		if err := s.writer.ForceFlush(r.Context()); err != nil {
			respondError(w, http.StatusInternalServerError, ErrCodeAudit, "Flush failed", err)
			return
		}
	}

	respondData(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

// ListEvents handles GET /api/v1/audit/events. Non-admin callers only see
// their own events.
func (s *Server) ListEvents(w http.ResponseWriter, r *http.Request) {
	id, _ := authz.IdentityFromContext(r.Context())

	filter := filterFromQuery(r)
	if !authz.Allow(id.Role, models.RoleAdmin) {
		if filter.ActorID != "" && filter.ActorID != id.UserID {
			respondError(w, http.StatusForbidden, ErrCodeForbidden, "Audit queries are scoped to your own events", nil)
			return
		}
		filter.ActorID = id.UserID
	}

	result, err := s.engine.Query(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, ErrCodeAudit, "Failed to query audit events", err)
		return
	}

	if filter.Cursor > 0 {
		respondData(w, http.StatusOK, map[string]interface{}{
			"items":  result.Entries,
			"cursor": result.NextCursor,
		})
		return
	}
	respondData(w, http.StatusOK, map[string]interface{}{
		"entries": result.Entries,
		"total":   result.Total,
		"limit":   filter.Limit,
		"offset":  filter.Offset,
	})
}

// GetEvent handles GET /api/v1/audit/events/{id}.
func (s *Server) GetEvent(w http.ResponseWriter, r *http.Request) {
	id, _ := authz.IdentityFromContext(r.Context())

	eventID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeValidation, "Event ID must be an integer", nil)
		return
	}

	event, err := s.engine.Get(r.Context(), eventID)
	if err != nil {
		if errors.Is(err, audit.ErrNotFound) {
			respondError(w, http.StatusNotFound, ErrCodeNotFound, "Event not found", nil)
			return
		}
		respondError(w, http.StatusInternalServerError, ErrCodeAudit, "Failed to load event", err)
		return
	}

	if !authz.Allow(id.Role, models.RoleAdmin) && event.Actor.ID != id.UserID {
		respondError(w, http.StatusForbidden, ErrCodeForbidden, "Audit queries are scoped to your own events", nil)
		return
	}

	respondData(w, http.StatusOK, event)
}

// UserActivity handles GET /api/v1/audit/users/{id}/activity. Defaults to
// the trailing 30 days.
func (s *Server) UserActivity(w http.ResponseWriter, r *http.Request) {
	id, _ := authz.IdentityFromContext(r.Context())
	userID := chi.URLParam(r, "id")

	if !authz.Allow(id.Role, models.RoleAdmin) && userID != id.UserID {
		respondError(w, http.StatusForbidden, ErrCodeForbidden, "Activity queries are scoped to your own account", nil)
		return
	}

	events, err := s.engine.UserActivity(r.Context(), userID, windowFromQuery(r), getIntParam(r, "limit", 0))
	if err != nil {
		respondError(w, http.StatusInternalServerError, ErrCodeAudit, "Failed to query user activity", err)
		return
	}
	respondData(w, http.StatusOK, map[string]interface{}{"items": events})
}

// ModuleActivity handles GET /api/v1/audit/modules/{module}/activity.
// Defaults to the trailing 7 days. Admin and manager only.
func (s *Server) ModuleActivity(w http.ResponseWriter, r *http.Request) {
	id, _ := authz.IdentityFromContext(r.Context())
	if !authz.Allow(id.Role, models.RoleAdmin, models.RoleManager) {
		respondError(w, http.StatusForbidden, ErrCodeForbidden, "Module activity requires manager access", nil)
		return
	}

	module := audit.Module(chi.URLParam(r, "module"))
	if !audit.IsValidModule(module) {
		respondError(w, http.StatusBadRequest, ErrCodeValidation, "Unknown module", nil)
		return
	}

	events, err := s.engine.ModuleActivity(r.Context(), module, windowFromQuery(r), getIntParam(r, "limit", 0))
	if err != nil {
		respondError(w, http.StatusInternalServerError, ErrCodeAudit, "Failed to query module activity", err)
		return
	}
	respondData(w, http.StatusOK, map[string]interface{}{"items": events})
}

// AuditStats handles GET /api/v1/audit/stats. Admin only.
func (s *Server) AuditStats(w http.ResponseWriter, r *http.Request) {
	id, _ := authz.IdentityFromContext(r.Context())
	if !authz.Allow(id.Role, models.RoleAdmin) {
		respondError(w, http.StatusForbidden, ErrCodeForbidden, "Statistics require admin access", nil)
		return
	}

	stats, err := s.engine.Stats(r.Context(), getTimeParam(r, "start"), getTimeParam(r, "end"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, ErrCodeAudit, "Failed to compute statistics", err)
		return
	}
	respondData(w, http.StatusOK, stats)
}

// ExportEvents handles GET /api/v1/audit/export. Admin only; streams the
// filtered range as a JSON attachment.
func (s *Server) ExportEvents(w http.ResponseWriter, r *http.Request) {
	id, _ := authz.IdentityFromContext(r.Context())
	if !authz.Allow(id.Role, models.RoleAdmin) {
		respondError(w, http.StatusForbidden, ErrCodeForbidden, "Export requires admin access", nil)
		return
	}

	data, err := s.engine.Export(r.Context(), filterFromQuery(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, ErrCodeAudit, "Failed to export events", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="audit-export.json"`)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		respondError(w, http.StatusInternalServerError, ErrCodeAudit, "Failed to write export", err)
	}
}

// AuditTypes handles GET /api/v1/audit/types; the UI uses it to populate
// filter dropdowns.
func (s *Server) AuditTypes(w http.ResponseWriter, _ *http.Request) {
	respondData(w, http.StatusOK, map[string]interface{}{
		"actionTypes": audit.AllActionTypes(),
		"modules":     audit.AllModules(),
		"statuses":    audit.AllStatuses(),
	})
}

// filterFromQuery parses the flat query-parameter set into an audit filter.
func filterFromQuery(r *http.Request) audit.Filter {
	q := r.URL.Query()
	filter := audit.Filter{
		ActorID:  q.Get("actorId"),
		EntityID: q.Get("entityId"),
		Search:   q.Get("search"),
		Start:    getTimeParam(r, "start"),
		End:      getTimeParam(r, "end"),
		Limit:    getIntParam(r, "limit", 0),
		Offset:   getIntParam(r, "offset", 0),
	}
	for _, m := range q["module"] {
		filter.Modules = append(filter.Modules, audit.Module(m))
	}
	for _, a := range q["action"] {
		filter.ActionTypes = append(filter.ActionTypes, audit.ActionType(a))
	}
	for _, st := range q["status"] {
		filter.Statuses = append(filter.Statuses, audit.Status(st))
	}
	if v := q.Get("cursor"); v != "" {
		if cursor, err := strconv.ParseInt(v, 10, 64); err == nil && cursor > 0 {
			filter.Cursor = cursor
		}
	}
	return filter
}

// windowFromQuery parses a trailing window in days; 0 keeps the engine
// default.
func windowFromQuery(r *http.Request) time.Duration {
	days := getIntParam(r, "days", 0)
	if days <= 0 {
		return 0
	}
	return time.Duration(days) * 24 * time.Hour
}
