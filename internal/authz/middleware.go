// LabTrail - Laboratory Inventory, Scheduling and Audit Platform
// Copyright 2026 M. Fedyk (mfedyk)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mfedyk/labtrail

package authz

import (
	"errors"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/mfedyk/labtrail/internal/logging"
	"github.com/mfedyk/labtrail/internal/models"
)

// Middleware extracts and verifies the bearer token on every request and
// stores the resulting Identity on the context. Requests without a valid
// token are rejected with 401 before any handler runs.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr := extractBearer(r)
		if tokenStr == "" {
			unauthorized(w, "missing bearer token")
			return
		}

		id, err := v.Verify(tokenStr)
		if err != nil {
			if errors.Is(err, ErrExpiredToken) {
				unauthorized(w, "token expired")
				return
			}
			logging.Debug().Err(err).Msg("Rejected bearer token")
			unauthorized(w, "invalid token")
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), id)))
	})
}

// extractBearer returns the token from the Authorization header, or from the
// token cookie when the header is absent (browser websocket clients cannot
// set headers).
func extractBearer(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	if cookie, err := r.Cookie("token"); err == nil {
		return cookie.Value
	}
	return ""
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	resp := models.APIResponse{
		Status:   "error",
		Metadata: models.Metadata{Timestamp: time.Now().UTC()},
		Error:    &models.APIError{Code: "UNAUTHORIZED", Message: message},
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logging.Error().Err(err).Msg("Failed to write auth error response")
	}
}
