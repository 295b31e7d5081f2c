// LabTrail - Laboratory Inventory, Scheduling and Audit Platform
// Copyright 2026 M. Fedyk (mfedyk)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mfedyk/labtrail

// Package main is the entry point for the LabTrail audit and notification
// server.
//
// Startup order:
//
//  1. Configuration: koanf layering (defaults, YAML file, LABTRAIL_* env)
//  2. Logging: zerolog, JSON by default
//  3. Database: embedded DuckDB plus schema creation
//  4. Core: audit writer, query engine, notification dispatcher, live hub
//  5. Supervision: suture tree (data, messaging, api layers)
//
// Shutdown on SIGINT/SIGTERM is graceful: the HTTP server drains in-flight
// requests, live channels are closed, and the audit writer flushes its
// buffer before the process exits.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/mfedyk/labtrail/internal/api"
	"github.com/mfedyk/labtrail/internal/audit"
	"github.com/mfedyk/labtrail/internal/authz"
	"github.com/mfedyk/labtrail/internal/config"
	"github.com/mfedyk/labtrail/internal/database"
	"github.com/mfedyk/labtrail/internal/logging"
	"github.com/mfedyk/labtrail/internal/notify"
	"github.com/mfedyk/labtrail/internal/supervisor"
	ws "github.com/mfedyk/labtrail/internal/websocket"
)

func main() {
	if err := run(); err != nil {
		logging.Fatal().Err(err).Msg("Server failed")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	logging.Info().Str("addr", cfg.Server.Addr()).Msg("Starting LabTrail")

	db, err := database.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	auditStore := audit.NewDuckDBStore(db)
	if err := auditStore.CreateTable(ctx); err != nil {
		return err
	}
	notifyStore := notify.NewDuckDBStore(db)
	if err := notifyStore.CreateTables(ctx); err != nil {
		return err
	}

	hub := ws.NewHub(ws.Config{
		HeartbeatInterval: cfg.Notify.HeartbeatInterval,
		ClientBuffer:      cfg.Notify.ClientBuffer,
	})

	dispatcher := notify.NewDispatcher(notifyStore, audit.NewActorDirectory(db), hub)

	writer := audit.NewWriter(auditStore, dispatcher, &audit.WriterConfig{
		BufferSize:      cfg.Audit.BufferSize,
		RetentionDays:   cfg.Audit.RetentionDays,
		CleanupInterval: cfg.Audit.CleanupInterval,
	})

	engine := audit.NewEngine(auditStore, cfg.Audit.MaxQueryLimit)
	verifier := authz.NewVerifier(cfg.Security.JWTSecret)

	server := api.NewServer(cfg, writer, engine, dispatcher, hub, verifier, db.Ping)
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           server.Router(),
		ReadHeaderTimeout: cfg.Server.Timeout,
	}

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddDataService(supervisor.NewWriterService(writer))
	tree.AddMessagingService(supervisor.NewHubService(hub))
	tree.AddAPIService(supervisor.NewHTTPServerService(httpServer, cfg.Server.Timeout))

	err = tree.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logging.Info().Msg("Shutdown complete")
	return nil
}
