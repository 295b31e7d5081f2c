// LabTrail - Laboratory Inventory, Scheduling and Audit Platform
// Copyright 2026 M. Fedyk (mfedyk)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mfedyk/labtrail

package audit

import (
	"context"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/mfedyk/labtrail/internal/logging"
	"github.com/mfedyk/labtrail/internal/metrics"
)

// Notifier receives successfully persisted events that warrant user-facing
// notification. Implementations must not block; the writer calls them from
// its single persist goroutine to preserve delivery order.
type Notifier interface {
	NotifyAuditEvent(ctx context.Context, event *Event)
}

// NotifyRule decides whether a persisted event should be handed to the
// Notifier.
type NotifyRule func(event *Event) bool

// DefaultNotifyRule notifies on alerts, deletions, state changes and any
// failed operation.
func DefaultNotifyRule(event *Event) bool {
	if event.Status == StatusError {
		return true
	}
	switch event.Action.Type {
	case ActionAlert, ActionDelete, ActionStateChange:
		return true
	default:
		return false
	}
}

// WriterConfig holds configuration for the audit writer.
type WriterConfig struct {
	// BufferSize is the size of the async write buffer.
	BufferSize int `json:"buffer_size"`

	// RetentionDays is how long to keep audit events. Zero disables
	// retention cleanup.
	RetentionDays int `json:"retention_days"`

	// CleanupInterval is how often to run retention cleanup.
	CleanupInterval time.Duration `json:"cleanup_interval"`
}

// DefaultWriterConfig returns sensible defaults.
func DefaultWriterConfig() *WriterConfig {
	return &WriterConfig{
		BufferSize:      1000,
		RetentionDays:   0,
		CleanupInterval: 24 * time.Hour,
	}
}

// writeReq is a unit of work for the persist goroutine. Either event is
// set, or flushed is set for a flush token.
type writeReq struct {
	event   *Event
	flushed chan struct{}
}

// Writer accepts audit events without blocking the caller and persists
// them asynchronously. A full buffer drops the newest event rather than
// stalling the audited operation; persistence failures are logged and
// swallowed for the same reason.
type Writer struct {
	config     *WriterConfig
	store      Store
	notifier   Notifier
	notifyRule NotifyRule
	breaker    *gobreaker.CircuitBreaker[interface{}]
	reqChan    chan writeReq
	stopChan   chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

// NewWriter creates a writer and starts its persist goroutine.
// notifier may be nil.
func NewWriter(store Store, notifier Notifier, config *WriterConfig) *Writer {
	if config == nil {
		config = DefaultWriterConfig()
	}
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultWriterConfig().BufferSize
	}

	w := &Writer{
		config:     config,
		store:      store,
		notifier:   notifier,
		notifyRule: DefaultNotifyRule,
		reqChan:    make(chan writeReq, config.BufferSize),
		stopChan:   make(chan struct{}),
		breaker:    newStoreBreaker(),
	}

	w.wg.Add(1)
	go w.run()

	return w
}

// newStoreBreaker builds the circuit breaker guarding store writes.
// Repeated persistence failures open the circuit so a down store is not
// hammered once per event; events arriving while open are counted as
// dropped.
func newStoreBreaker() *gobreaker.CircuitBreaker[interface{}] {
	return gobreaker.NewCircuitBreaker[interface{}](gobreaker.Settings{
		Name:        "audit-store",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Audit store circuit state change")
		},
	})
}

// SetNotifyRule replaces the default notification rule. Call before any
// events are recorded.
func (w *Writer) SetNotifyRule(rule NotifyRule) {
	if rule != nil {
		w.notifyRule = rule
	}
}

// Record validates and enqueues an event, returning immediately. Invalid
// events and events arriving on a full buffer are dropped with a warning;
// recording never fails the operation being audited.
func (w *Writer) Record(ctx context.Context, event *Event) {
	if event == nil {
		return
	}

	if err := ValidateEvent(event); err != nil {
		logging.Warn().Err(err).Str("entity", event.Action.Entity).Msg("Dropping invalid audit event")
		metrics.AuditEventsDropped.Inc()
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Status == "" {
		event.Status = StatusSuccess
	}

	select {
	case w.reqChan <- writeReq{event: event}:
		metrics.AuditEventsRecorded.WithLabelValues(string(event.Action.Module), string(event.Action.Type)).Inc()
		metrics.AuditQueueDepth.Set(float64(len(w.reqChan)))
	default:
		metrics.AuditEventsDropped.Inc()
		logging.Warn().
			Str("module", string(event.Action.Module)).
			Str("action", string(event.Action.Type)).
			Msg("Audit event buffer full, dropping event")
	}
}

// ValidateEvent checks the fields an event must carry to be recorded. The
// ingestion endpoint calls it up front so the caller gets a validation error
// instead of a silent drop.
func ValidateEvent(event *Event) error {
	switch {
	case event.Actor.ID == "":
		return errMissing("actor.id")
	case event.Actor.Role == "":
		return errMissing("actor.role")
	case event.Action.Entity == "":
		return errMissing("action.entity")
	case !IsValidActionType(event.Action.Type):
		return errInvalid("action.type", string(event.Action.Type))
	case !IsValidModule(event.Action.Module):
		return errInvalid("action.module", string(event.Action.Module))
	case event.Status != "" && !IsValidStatus(event.Status):
		return errInvalid("status", string(event.Status))
	}
	return nil
}

type fieldError struct {
	field string
	value string
}

func (e *fieldError) Error() string {
	if e.value == "" {
		return "missing required field " + e.field
	}
	return "invalid value " + e.value + " for field " + e.field
}

func errMissing(field string) error        { return &fieldError{field: field} }
func errInvalid(field, value string) error { return &fieldError{field: field, value: value} }

// ForceFlush blocks until every event enqueued before the call has been
// handed to the store. Used by tests and by sync ingestion requests.
func (w *Writer) ForceFlush(ctx context.Context) error {
	flushed := make(chan struct{})

	select {
	case w.reqChan <- writeReq{flushed: flushed}:
	case <-w.stopChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the single persist goroutine. Persisting and notifying from one
// goroutine keeps per-recipient delivery order matching commit order.
func (w *Writer) run() {
	defer w.wg.Done()

	for {
		select {
		case <-w.stopChan:
			// Drain remaining requests
			for {
				select {
				case req := <-w.reqChan:
					w.handle(req)
				default:
					return
				}
			}
		case req := <-w.reqChan:
			w.handle(req)
			metrics.AuditQueueDepth.Set(float64(len(w.reqChan)))
		}
	}
}

// handle persists one event or acknowledges a flush token.
func (w *Writer) handle(req writeReq) {
	if req.flushed != nil {
		close(req.flushed)
		return
	}
	w.persist(req.event)
}

// persist writes an event to the store behind the circuit breaker and
// hands notification-worthy events to the notifier.
func (w *Writer) persist(event *Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := w.breaker.Execute(func() (interface{}, error) {
		return nil, w.store.Save(ctx, event)
	})
	if err != nil {
		metrics.AuditStoreErrors.Inc()
		logging.Error().Err(err).
			Str("module", string(event.Action.Module)).
			Str("action", string(event.Action.Type)).
			Msg("Failed to save audit event")
		return
	}

	if w.notifier != nil && w.notifyRule(event) {
		w.notifier.NotifyAuditEvent(ctx, event)
	}
}

// Close drains the buffer and stops the persist goroutine.
func (w *Writer) Close() error {
	w.stopOnce.Do(func() {
		close(w.stopChan)
	})
	w.wg.Wait()
	return nil
}

// StartCleanupRoutine starts the retention cleanup loop. No-op when
// retention is disabled.
func (w *Writer) StartCleanupRoutine(ctx context.Context) {
	if w.config.RetentionDays <= 0 {
		return
	}

	interval := w.config.CleanupInterval
	retention := w.config.RetentionDays

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().AddDate(0, 0, -retention)
				count, err := w.store.DeleteOlderThan(ctx, cutoff)
				if err != nil {
					logging.Error().Err(err).Msg("Audit retention cleanup error")
				} else if count > 0 {
					logging.Info().Int64("count", count).Msg("Cleaned up old audit events")
				}
			}
		}
	}()
}
