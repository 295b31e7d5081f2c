// LabTrail - Laboratory Inventory, Scheduling and Audit Platform
// Copyright 2026 M. Fedyk (mfedyk)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mfedyk/labtrail

package notify

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mfedyk/labtrail/internal/audit"
)

// MemoryStore implements Store using in-memory storage.
// Suitable for development and testing. Data is lost on restart.
type MemoryStore struct {
	mu            sync.RWMutex
	notifications map[string]*Notification
	recipients    map[string]map[string]bool            // notificationID -> userID
	reads         map[string]map[string]time.Time       // notificationID -> userID -> readAt
	prefs         map[string]map[string]map[string]bool // userID -> module -> actionType -> enabled
}

// NewMemoryStore creates a new in-memory notification store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		notifications: make(map[string]*Notification),
		recipients:    make(map[string]map[string]bool),
		reads:         make(map[string]map[string]time.Time),
		prefs:         make(map[string]map[string]map[string]bool),
	}
}

// Save persists a notification and its resolved recipient set.
func (s *MemoryStore) Save(ctx context.Context, n *Notification, recipients []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n == nil {
		return fmt.Errorf("notification cannot be nil")
	}

	copied := *n
	s.notifications[n.ID] = &copied
	s.recipients[n.ID] = make(map[string]bool, len(recipients))
	for _, userID := range recipients {
		s.recipients[n.ID][userID] = true
	}
	return nil
}

// Get retrieves a notification by ID.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.notifications[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	copied := *n
	return &copied, nil
}

// ListForUser returns the user's notifications with read state, newest
// first.
func (s *MemoryStore) ListForUser(ctx context.Context, userID string, limit, offset int) ([]UserNotification, error) {
	s.mu.RLock()

	var matched []UserNotification
	for id, users := range s.recipients {
		if !users[userID] {
			continue
		}
		n := s.notifications[id]
		if n == nil {
			continue
		}
		un := UserNotification{Notification: *n}
		if readAt, ok := s.reads[id][userID]; ok {
			un.IsRead = true
			t := readAt
			un.ReadAt = &t
		}
		matched = append(matched, un)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if offset > 0 {
		if offset >= len(matched) {
			return nil, nil
		}
		matched = matched[offset:]
	}
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	return matched, nil
}

// UnreadCount returns how many of the user's notifications are unread.
func (s *MemoryStore) UnreadCount(ctx context.Context, userID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for id, users := range s.recipients {
		if !users[userID] {
			continue
		}
		if _, read := s.reads[id][userID]; !read {
			count++
		}
	}
	return count, nil
}

// MarkRead marks one notification read for the user, idempotently.
func (s *MemoryStore) MarkRead(ctx context.Context, notificationID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	users, ok := s.recipients[notificationID]
	if !ok || !users[userID] {
		return fmt.Errorf("%w: %s", ErrNotFound, notificationID)
	}

	if s.reads[notificationID] == nil {
		s.reads[notificationID] = make(map[string]time.Time)
	}
	if _, already := s.reads[notificationID][userID]; !already {
		s.reads[notificationID][userID] = time.Now().UTC()
	}
	return nil
}

// MarkAllRead marks every notification currently addressed to the user
// as read.
func (s *MemoryStore) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var marked int64
	now := time.Now().UTC()
	for id, users := range s.recipients {
		if !users[userID] {
			continue
		}
		if s.reads[id] == nil {
			s.reads[id] = make(map[string]time.Time)
		}
		if _, already := s.reads[id][userID]; !already {
			s.reads[id][userID] = now
			marked++
		}
	}
	return marked, nil
}

// SetPreference upserts a delivery preference.
func (s *MemoryStore) SetPreference(ctx context.Context, p Preference) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.prefs[p.UserID] == nil {
		s.prefs[p.UserID] = make(map[string]map[string]bool)
	}
	module := string(p.Module)
	if s.prefs[p.UserID][module] == nil {
		s.prefs[p.UserID][module] = make(map[string]bool)
	}
	s.prefs[p.UserID][module][string(p.ActionType)] = p.Enabled
	return nil
}

// Preferences lists the user's explicit preferences.
func (s *MemoryStore) Preferences(ctx context.Context, userID string) ([]Preference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var prefs []Preference
	for module, actions := range s.prefs[userID] {
		for actionType, enabled := range actions {
			prefs = append(prefs, Preference{
				UserID:     userID,
				Module:     audit.Module(module),
				ActionType: audit.ActionType(actionType),
				Enabled:    enabled,
			})
		}
	}
	return prefs, nil
}

// DisabledUsers returns the subset of userIDs with delivery explicitly
// disabled for the (module, actionType) pair.
func (s *MemoryStore) DisabledUsers(ctx context.Context, userIDs []string, module audit.Module, actionType audit.ActionType) (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	disabled := make(map[string]bool)
	for _, userID := range userIDs {
		if enabled, ok := s.prefs[userID][string(module)][string(actionType)]; ok && !enabled {
			disabled[userID] = true
		}
	}
	return disabled, nil
}

// Len returns the number of stored notifications (for testing).
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.notifications)
}
