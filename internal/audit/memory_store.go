// LabTrail - Laboratory Inventory, Scheduling and Audit Platform
// Copyright 2026 M. Fedyk (mfedyk)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mfedyk/labtrail

package audit

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// MemoryStore implements Store using in-memory storage.
// Suitable for development and testing. Data is lost on restart.
type MemoryStore struct {
	events []Event
	nextID int64
	mu     sync.RWMutex
	maxLen int
}

// NewMemoryStore creates a new in-memory audit store.
func NewMemoryStore(maxLen int) *MemoryStore {
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &MemoryStore{
		events: make([]Event, 0, maxLen),
		maxLen: maxLen,
	}
}

// Save persists an audit event and assigns its ID.
func (s *MemoryStore) Save(ctx context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event == nil {
		return fmt.Errorf("event cannot be nil")
	}

	// Enforce max length by removing oldest events
	if len(s.events) >= s.maxLen {
		removeCount := s.maxLen / 10
		if removeCount == 0 {
			removeCount = 1
		}
		s.events = s.events[removeCount:]
	}

	s.nextID++
	event.ID = s.nextID
	s.events = append(s.events, *event)
	return nil
}

// Get retrieves an event by ID.
func (s *MemoryStore) Get(ctx context.Context, id int64) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := range s.events {
		if s.events[i].ID == id {
			event := s.events[i]
			return &event, nil
		}
	}

	return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
}

// Query retrieves events matching the filter, newest first.
func (s *MemoryStore) Query(ctx context.Context, filter Filter) ([]Event, error) {
	s.mu.RLock()
	matched := make([]Event, 0, len(s.events))
	for i := range s.events {
		if s.matchesFilter(&s.events[i], &filter) {
			matched = append(matched, s.events[i])
		}
	}
	s.mu.RUnlock()

	// Newest first, ID as tiebreak
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	var results []Event
	skipped := 0
	for i := range matched {
		if filter.Cursor > 0 {
			if matched[i].ID >= filter.Cursor {
				continue
			}
		} else if skipped < filter.Offset {
			skipped++
			continue
		}

		results = append(results, matched[i])

		if filter.Limit > 0 && len(results) >= filter.Limit {
			break
		}
	}

	return results, nil
}

// matchesFilter returns true if the event matches all filter criteria.
//
//nolint:gocyclo // complexity inherent to multi-criteria filter matching
func (s *MemoryStore) matchesFilter(event *Event, filter *Filter) bool {
	if len(filter.Modules) > 0 {
		found := false
		for _, m := range filter.Modules {
			if event.Action.Module == m {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if len(filter.ActionTypes) > 0 {
		found := false
		for _, t := range filter.ActionTypes {
			if event.Action.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if len(filter.Statuses) > 0 {
		found := false
		for _, st := range filter.Statuses {
			if event.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if filter.ActorID != "" && event.Actor.ID != filter.ActorID {
		return false
	}
	if filter.EntityID != "" && event.Action.EntityID != filter.EntityID {
		return false
	}

	if filter.Start != nil && event.Timestamp.Before(*filter.Start) {
		return false
	}
	if filter.End != nil && event.Timestamp.After(*filter.End) {
		return false
	}

	if filter.Search != "" {
		searchLower := strings.ToLower(filter.Search)
		haystack := strings.ToLower(event.Action.Entity) + " " + strings.ToLower(event.Error)
		if event.Details != nil {
			haystack += " " + strings.ToLower(event.Details.Reason)
			haystack += " " + strings.ToLower(string(event.Details.Before))
			haystack += " " + strings.ToLower(string(event.Details.After))
		}
		if !strings.Contains(haystack, searchLower) {
			return false
		}
	}

	return true
}

// Count returns the number of events matching the filter.
func (s *MemoryStore) Count(ctx context.Context, filter Filter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for i := range s.events {
		if s.matchesFilter(&s.events[i], &filter) {
			count++
		}
	}

	return count, nil
}

// Stats aggregates events within the optional time range.
func (s *MemoryStore) Stats(ctx context.Context, start, end *time.Time) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &Stats{
		ByModule: make(map[string]int64),
		ByAction: make(map[string]int64),
		ByStatus: make(map[string]int64),
		ByUser:   make(map[string]int64),
	}

	for idx := range s.events {
		event := &s.events[idx]
		if start != nil && event.Timestamp.Before(*start) {
			continue
		}
		if end != nil && event.Timestamp.After(*end) {
			continue
		}

		stats.TotalEntries++
		stats.ByModule[string(event.Action.Module)]++
		stats.ByAction[string(event.Action.Type)]++
		stats.ByStatus[string(event.Status)]++
		stats.ByUser[event.Actor.ID]++

		if stats.Earliest == nil || event.Timestamp.Before(*stats.Earliest) {
			t := event.Timestamp
			stats.Earliest = &t
		}
		if stats.Latest == nil || event.Timestamp.After(*stats.Latest) {
			t := event.Timestamp
			stats.Latest = &t
		}
	}

	return stats, nil
}

// DeleteOlderThan removes events older than the given time.
func (s *MemoryStore) DeleteOlderThan(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var kept []Event
	var deleted int64

	for idx := range s.events {
		if s.events[idx].Timestamp.Before(olderThan) {
			deleted++
		} else {
			kept = append(kept, s.events[idx])
		}
	}

	s.events = kept
	return deleted, nil
}

// Clear removes all events (for testing).
func (s *MemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = s.events[:0]
}

// Len returns the number of events in the store.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// JSONExporter exports events in JSON format.
type JSONExporter struct{}

// Export exports events to indented JSON.
func (e *JSONExporter) Export(events []Event) ([]byte, error) {
	return json.MarshalIndent(events, "", "  ")
}
