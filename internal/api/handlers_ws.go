// LabTrail - Laboratory Inventory, Scheduling and Audit Platform
// Copyright 2026 M. Fedyk (mfedyk)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mfedyk/labtrail

package api

import (
	"net/http"

	"github.com/mfedyk/labtrail/internal/authz"
	"github.com/mfedyk/labtrail/internal/logging"
	ws "github.com/mfedyk/labtrail/internal/websocket"
)

// Subscribe handles GET /api/v1/ws: upgrades to a websocket and registers a
// live channel for the caller. Guests are rejected before the upgrade.
func (s *Server) Subscribe(w http.ResponseWriter, r *http.Request) {
	id, ok := authz.IdentityFromContext(r.Context())
	if !ok || id.IsAnonymous() {
		respondError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "Live channels require a signed-in user", nil)
		return
	}

	upgrader := s.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		logging.Error().Err(err).Str("user_id", id.UserID).Msg("Websocket upgrade failed")
		return
	}

	client := ws.NewClient(s.hub, conn, id.UserID)
	s.hub.Register <- client
	client.Start()
}
