// LabTrail - Laboratory Inventory, Scheduling and Audit Platform
// Copyright 2026 M. Fedyk (mfedyk)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mfedyk/labtrail

// Package notify creates and dispatches user-facing notifications derived
// from audit activity, tracks per-user read state, and honors per-user
// delivery preferences.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"

	"github.com/mfedyk/labtrail/internal/audit"
)

// Severity ranks how urgent a notification is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// IsValidSeverity reports whether s is a known severity.
func IsValidSeverity(s Severity) bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// ErrNotFound is returned when a notification does not exist or is not
// addressed to the requesting user.
var ErrNotFound = errors.New("notification not found")

// Notification is an immutable message aimed at a set of users. Read
// state lives in separate per-user rows, never in the payload.
type Notification struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`

	// Module and ActionType tie the notification back to the audited
	// activity that produced it, and key delivery preferences.
	Module     audit.Module     `json:"module"`
	ActionType audit.ActionType `json:"actionType"`

	Severity Severity `json:"severity"`
	Title    string   `json:"title,omitempty"`
	Message  string   `json:"message"`

	// Data carries an optional structured payload for client rendering.
	Data json.RawMessage `json:"data,omitempty"`

	// Addressing as requested by the producer. Recipient resolution
	// happens once, at dispatch time.
	TargetRoles   []string `json:"targetRoles,omitempty"`
	TargetUserIDs []string `json:"targetUserIds,omitempty"`
}

// UserNotification is a notification joined with one user's read state.
type UserNotification struct {
	Notification
	IsRead bool       `json:"isRead"`
	ReadAt *time.Time `json:"readAt,omitempty"`
}

// Preference is a per-user opt-out for one (module, actionType) pair.
// Absence of a row means delivery is enabled.
type Preference struct {
	UserID     string           `json:"userId"`
	Module     audit.Module     `json:"module"`
	ActionType audit.ActionType `json:"actionType"`
	Enabled    bool             `json:"enabled"`
}

// Store defines the interface for notification persistence.
type Store interface {
	// Save persists a notification and its resolved recipient set.
	Save(ctx context.Context, n *Notification, recipients []string) error

	// Get retrieves a notification by ID.
	Get(ctx context.Context, id string) (*Notification, error)

	// ListForUser returns notifications addressed to the user joined
	// with their read state, newest first.
	ListForUser(ctx context.Context, userID string, limit, offset int) ([]UserNotification, error)

	// UnreadCount returns how many of the user's notifications are
	// unread. Absence of a read row counts as unread.
	UnreadCount(ctx context.Context, userID string) (int64, error)

	// MarkRead marks one notification read for the user. Idempotent;
	// returns ErrNotFound when the notification is not addressed to
	// the user.
	MarkRead(ctx context.Context, notificationID, userID string) error

	// MarkAllRead marks every notification currently addressed to the
	// user as read and returns how many were newly marked.
	MarkAllRead(ctx context.Context, userID string) (int64, error)

	// SetPreference upserts a delivery preference.
	SetPreference(ctx context.Context, p Preference) error

	// Preferences lists the user's explicit preferences.
	Preferences(ctx context.Context, userID string) ([]Preference, error)

	// DisabledUsers returns the subset of userIDs with delivery
	// explicitly disabled for the (module, actionType) pair.
	DisabledUsers(ctx context.Context, userIDs []string, module audit.Module, actionType audit.ActionType) (map[string]bool, error)
}

// UserDirectory resolves role-addressed notifications to user IDs.
// Backed by the platform's user service in production and by a fixture
// in tests.
type UserDirectory interface {
	UserIDsByRoles(ctx context.Context, roles []string) ([]string, error)
}

// Pusher delivers a message to a user's open live channels, best-effort.
type Pusher interface {
	SendToUser(userID string, message any)
}
