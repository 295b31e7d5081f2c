// LabTrail - Laboratory Inventory, Scheduling and Audit Platform
// Copyright 2026 M. Fedyk (mfedyk)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mfedyk/labtrail

package audit

import (
	"context"
	"time"
)

// Default pagination and activity windows.
const (
	DefaultQueryLimit    = 50
	DefaultMaxQueryLimit = 200
	UserActivityWindow   = 30 * 24 * time.Hour
	ModuleActivityWindow = 7 * 24 * time.Hour
)

// QueryResult is a page of audit events with pagination metadata.
type QueryResult struct {
	Entries []Event `json:"entries"`

	// Total is the number of events matching the filter regardless of
	// pagination. Populated for offset paging only.
	Total int64 `json:"total"`

	// NextCursor is the ID to pass as the cursor for the next page, or
	// zero when the result set is exhausted.
	NextCursor int64 `json:"nextCursor,omitempty"`
}

// Engine answers read queries over the audit history. It never mutates
// the store.
type Engine struct {
	store    Store
	maxLimit int
}

// NewEngine creates a query engine. maxLimit caps the page size a caller
// can request; zero means the default cap.
func NewEngine(store Store, maxLimit int) *Engine {
	if maxLimit <= 0 {
		maxLimit = DefaultMaxQueryLimit
	}
	return &Engine{
		store:    store,
		maxLimit: maxLimit,
	}
}

// clampLimit applies the default and maximum page sizes.
func (e *Engine) clampLimit(limit int) int {
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	if limit > e.maxLimit {
		return e.maxLimit
	}
	return limit
}

// Query returns a page of events matching the filter, newest first.
// When filter.Cursor is set, cursor paging is used and Total is left
// zero; otherwise Total reflects the full match count for offset paging.
func (e *Engine) Query(ctx context.Context, filter Filter) (*QueryResult, error) {
	filter.Limit = e.clampLimit(filter.Limit)

	entries, err := e.store.Query(ctx, filter)
	if err != nil {
		return nil, err
	}

	result := &QueryResult{Entries: entries}

	if filter.Cursor > 0 {
		if len(entries) == filter.Limit {
			result.NextCursor = entries[len(entries)-1].ID
		}
		return result, nil
	}

	total, err := e.store.Count(ctx, filter)
	if err != nil {
		return nil, err
	}
	result.Total = total
	if len(entries) == filter.Limit && len(entries) > 0 {
		result.NextCursor = entries[len(entries)-1].ID
	}

	return result, nil
}

// Get retrieves a single event by ID.
func (e *Engine) Get(ctx context.Context, id int64) (*Event, error) {
	return e.store.Get(ctx, id)
}

// UserActivity returns a user's events within the window, newest first.
// A non-positive window means the default trailing 30 days.
func (e *Engine) UserActivity(ctx context.Context, userID string, window time.Duration, limit int) ([]Event, error) {
	if window <= 0 {
		window = UserActivityWindow
	}
	start := time.Now().Add(-window)

	return e.store.Query(ctx, Filter{
		ActorID: userID,
		Start:   &start,
		Limit:   e.clampLimit(limit),
	})
}

// ModuleActivity returns a module's events within the window, newest
// first. A non-positive window means the default trailing 7 days.
func (e *Engine) ModuleActivity(ctx context.Context, module Module, window time.Duration, limit int) ([]Event, error) {
	if window <= 0 {
		window = ModuleActivityWindow
	}
	start := time.Now().Add(-window)

	return e.store.Query(ctx, Filter{
		Modules: []Module{module},
		Start:   &start,
		Limit:   e.clampLimit(limit),
	})
}

// Stats aggregates the history within the optional time range.
func (e *Engine) Stats(ctx context.Context, start, end *time.Time) (*Stats, error) {
	return e.store.Stats(ctx, start, end)
}

// Export serializes events matching the filter to indented JSON. The
// page cap applies; callers page with the cursor for larger exports.
func (e *Engine) Export(ctx context.Context, filter Filter) ([]byte, error) {
	filter.Limit = e.clampLimit(filter.Limit)

	entries, err := e.store.Query(ctx, filter)
	if err != nil {
		return nil, err
	}

	exporter := &JSONExporter{}
	return exporter.Export(entries)
}
