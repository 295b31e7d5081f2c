// LabTrail - Laboratory Inventory, Scheduling and Audit Platform
// Copyright 2026 M. Fedyk (mfedyk)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mfedyk/labtrail

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ContextHub matches *websocket.Hub without importing the package.
type ContextHub interface {
	RunWithContext(ctx context.Context) error
}

// HubService wraps the live channel hub as a supervised service. The hub's
// RunWithContext already follows the suture.Service contract.
type HubService struct {
	hub ContextHub
}

// NewHubService creates the hub service wrapper.
func NewHubService(hub ContextHub) *HubService {
	return &HubService{hub: hub}
}

// Serve implements suture.Service.
func (s *HubService) Serve(ctx context.Context) error {
	return s.hub.RunWithContext(ctx)
}

// String implements fmt.Stringer for suture log messages.
func (s *HubService) String() string { return "live-hub" }

// AuditWriter matches *audit.Writer without importing the package.
type AuditWriter interface {
	StartCleanupRoutine(ctx context.Context)
	Close() error
}

// WriterService supervises the audit log writer. The writer runs its own
// persist goroutine from construction; this service owns the retention
// cleanup loop and drains the buffer on shutdown.
type WriterService struct {
	writer AuditWriter
}

// NewWriterService creates the writer service wrapper.
func NewWriterService(writer AuditWriter) *WriterService {
	return &WriterService{writer: writer}
}

// Serve implements suture.Service. Blocks until shutdown, then closes the
// writer so buffered events are persisted before the process exits.
func (s *WriterService) Serve(ctx context.Context) error {
	s.writer.StartCleanupRoutine(ctx)
	<-ctx.Done()
	if err := s.writer.Close(); err != nil {
		return fmt.Errorf("close audit writer: %w", err)
	}
	return ctx.Err()
}

// String implements fmt.Stringer for suture log messages.
func (s *WriterService) String() string { return "audit-writer" }

// HTTPServer matches *http.Server's lifecycle methods.
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPServerService bridges http.Server's blocking ListenAndServe with
// suture's context-aware Serve.
type HTTPServerService struct {
	server          HTTPServer
	shutdownTimeout time.Duration
}

// NewHTTPServerService creates the HTTP server service wrapper.
func NewHTTPServerService(server HTTPServer, shutdownTimeout time.Duration) *HTTPServerService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPServerService{server: server, shutdownTimeout: shutdownTimeout}
}

// Serve implements suture.Service. Returns nil on graceful shutdown;
// http.ErrServerClosed is expected and not treated as a failure.
func (s *HTTPServerService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		// The original context is already canceled; shutdown needs its own.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

// String implements fmt.Stringer for suture log messages.
func (s *HTTPServerService) String() string { return "http-server" }
