// LabTrail - Laboratory Inventory, Scheduling and Audit Platform
// Copyright 2026 M. Fedyk (mfedyk)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mfedyk/labtrail

package api

import (
	"net/http"
	"time"
)

var startTime = time.Now()

// HealthLive handles GET /api/v1/health/live (Kubernetes liveness probe).
func (s *Server) HealthLive(w http.ResponseWriter, _ *http.Request) {
	respondData(w, http.StatusOK, map[string]interface{}{
		"alive":  true,
		"uptime": time.Since(startTime).Seconds(),
	})
}

// HealthReady handles GET /api/v1/health/ready. Returns 503 until the store
// is reachable.
func (s *Server) HealthReady(w http.ResponseWriter, _ *http.Request) {
	if s.ready != nil {
		if err := s.ready(); err != nil {
			respondError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "Not ready", err)
			return
		}
	}
	respondData(w, http.StatusOK, map[string]interface{}{
		"ready":       true,
		"liveClients": s.hub.ClientCount(),
	})
}
