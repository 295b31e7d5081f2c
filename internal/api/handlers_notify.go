// LabTrail - Laboratory Inventory, Scheduling and Audit Platform
// Copyright 2026 M. Fedyk (mfedyk)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mfedyk/labtrail

package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/mfedyk/labtrail/internal/authz"
	"github.com/mfedyk/labtrail/internal/models"
	"github.com/mfedyk/labtrail/internal/notify"
)

// ListNotifications handles GET /api/v1/notifications: the caller's
// notifications joined with read state, newest first.
func (s *Server) ListNotifications(w http.ResponseWriter, r *http.Request) {
	id, _ := authz.IdentityFromContext(r.Context())
	if id.IsAnonymous() {
		respondError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "Authentication required", nil)
		return
	}

	limit := getIntParam(r, "limit", 50)
	offset := getIntParam(r, "offset", 0)

	items, err := s.dispatcher.ListForUser(r.Context(), id.UserID, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, ErrCodeNotify, "Failed to list notifications", err)
		return
	}
	respondData(w, http.StatusOK, map[string]interface{}{
		"items":  items,
		"limit":  limit,
		"offset": offset,
	})
}

// CreateNotification handles POST /api/v1/notifications. Manual dispatch is
// restricted to admin and system callers; everything else arrives through
// the audit pipeline.
func (s *Server) CreateNotification(w http.ResponseWriter, r *http.Request) {
	id, _ := authz.IdentityFromContext(r.Context())
	if !authz.Allow(id.Role, models.RoleAdmin, models.RoleSystem) {
		respondError(w, http.StatusForbidden, ErrCodeForbidden, "Dispatch requires admin access", nil)
		return
	}

	var spec notify.Spec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeValidation, "Invalid request body", err)
		return
	}
	if apiErr := validateRequest(&spec); apiErr != nil {
		respondError(w, http.StatusBadRequest, apiErr.Code, apiErr.Message, nil)
		return
	}

	notification, err := s.dispatcher.CreateAndDispatch(r.Context(), spec)
	if err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeValidation, err.Error(), nil)
		return
	}
	respondData(w, http.StatusCreated, notification)
}

// UnreadCount handles GET /api/v1/notifications/unread-count.
func (s *Server) UnreadCount(w http.ResponseWriter, r *http.Request) {
	id, _ := authz.IdentityFromContext(r.Context())
	if id.IsAnonymous() {
		respondError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "Authentication required", nil)
		return
	}

	count, err := s.dispatcher.UnreadCount(r.Context(), id.UserID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, ErrCodeNotify, "Failed to count unread notifications", err)
		return
	}
	respondData(w, http.StatusOK, map[string]int64{"unread": count})
}

// MarkRead handles POST /api/v1/notifications/{id}/read. Idempotent.
func (s *Server) MarkRead(w http.ResponseWriter, r *http.Request) {
	id, _ := authz.IdentityFromContext(r.Context())
	if id.IsAnonymous() {
		respondError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "Authentication required", nil)
		return
	}

	notificationID := chi.URLParam(r, "id")
	if err := s.dispatcher.MarkRead(r.Context(), id.UserID, notificationID); err != nil {
		if errors.Is(err, notify.ErrNotFound) {
			respondError(w, http.StatusNotFound, ErrCodeNotFound, "Notification not found", nil)
			return
		}
		respondError(w, http.StatusInternalServerError, ErrCodeNotify, "Failed to mark notification read", err)
		return
	}
	respondData(w, http.StatusOK, map[string]bool{"success": true})
}

// MarkAllRead handles POST /api/v1/notifications/read-all. Idempotent.
func (s *Server) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	id, _ := authz.IdentityFromContext(r.Context())
	if id.IsAnonymous() {
		respondError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "Authentication required", nil)
		return
	}

	marked, err := s.dispatcher.MarkAllRead(r.Context(), id.UserID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, ErrCodeNotify, "Failed to mark notifications read", err)
		return
	}
	respondData(w, http.StatusOK, map[string]interface{}{"success": true, "marked": marked})
}

// ListPreferences handles GET /api/v1/notifications/preferences: the
// caller's explicitly stored rows. Absence means enabled.
func (s *Server) ListPreferences(w http.ResponseWriter, r *http.Request) {
	id, _ := authz.IdentityFromContext(r.Context())
	if id.IsAnonymous() {
		respondError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "Authentication required", nil)
		return
	}

	prefs, err := s.dispatcher.Preferences(r.Context(), id.UserID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, ErrCodeNotify, "Failed to load preferences", err)
		return
	}
	respondData(w, http.StatusOK, map[string]interface{}{"items": prefs})
}

// SetPreference handles PUT /api/v1/notifications/preferences. The target
// user is always the caller.
func (s *Server) SetPreference(w http.ResponseWriter, r *http.Request) {
	id, _ := authz.IdentityFromContext(r.Context())
	if id.IsAnonymous() {
		respondError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "Authentication required", nil)
		return
	}

	var pref notify.Preference
	if err := json.NewDecoder(r.Body).Decode(&pref); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeValidation, "Invalid request body", err)
		return
	}
	pref.UserID = id.UserID

	if err := s.dispatcher.SetPreference(r.Context(), pref); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeValidation, err.Error(), nil)
		return
	}
	respondData(w, http.StatusOK, map[string]bool{"success": true})
}
