// LabTrail - Laboratory Inventory, Scheduling and Audit Platform
// Copyright 2026 M. Fedyk (mfedyk)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mfedyk/labtrail

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mfedyk/labtrail/internal/audit"
	"github.com/mfedyk/labtrail/internal/authz"
	"github.com/mfedyk/labtrail/internal/config"
	"github.com/mfedyk/labtrail/internal/middleware"
	"github.com/mfedyk/labtrail/internal/notify"
	ws "github.com/mfedyk/labtrail/internal/websocket"
)

// Server bundles the HTTP handlers with their collaborators.
type Server struct {
	config     *config.Config
	writer     *audit.Writer
	engine     *audit.Engine
	dispatcher *notify.Dispatcher
	hub        *ws.Hub
	verifier   *authz.Verifier
	ready      func() error
}

// NewServer creates the HTTP server facade. ready is polled by the readiness
// endpoint; nil means always ready.
func NewServer(cfg *config.Config, writer *audit.Writer, engine *audit.Engine, dispatcher *notify.Dispatcher, hub *ws.Hub, verifier *authz.Verifier, ready func() error) *Server {
	return &Server{
		config:     cfg,
		writer:     writer,
		engine:     engine,
		dispatcher: dispatcher,
		hub:        hub,
		verifier:   verifier,
		ready:      ready,
	}
}

// Router assembles the chi route tree with the full middleware stack.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.config.Security.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Route("/api/v1/health", func(r chi.Router) {
		r.Get("/live", s.HealthLive)
		r.Get("/ready", s.HealthReady)
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httprate.LimitByIP(s.config.Security.RateLimitReqs, s.config.Security.RateLimitWindow))
		r.Use(middleware.PrometheusMetrics)
		r.Use(s.verifier.Middleware)

		r.Route("/audit", func(r chi.Router) {
			r.Post("/events", s.RecordEvent)
			r.Get("/events", s.ListEvents)
			r.Get("/events/{id}", s.GetEvent)
			r.Get("/users/{id}/activity", s.UserActivity)
			r.Get("/modules/{module}/activity", s.ModuleActivity)
			r.Get("/stats", s.AuditStats)
			r.Get("/export", s.ExportEvents)
			r.Get("/types", s.AuditTypes)
		})

		r.Route("/notifications", func(r chi.Router) {
			r.Get("/", s.ListNotifications)
			r.Post("/", s.CreateNotification)
			r.Get("/unread-count", s.UnreadCount)
			r.Post("/{id}/read", s.MarkRead)
			r.Post("/read-all", s.MarkAllRead)
			r.Get("/preferences", s.ListPreferences)
			r.Put("/preferences", s.SetPreference)
		})

		r.Get("/ws", s.Subscribe)
	})

	return r
}

// upgrader is shared by all subscribe requests. Origin checking defers to
// the CORS allowlist.
func (s *Server) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      s.checkOrigin,
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser clients omit Origin.
		return true
	}
	for _, allowed := range s.config.Security.CORSOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
