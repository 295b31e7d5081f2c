// LabTrail - Laboratory Inventory, Scheduling and Audit Platform
// Copyright 2026 M. Fedyk (mfedyk)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mfedyk/labtrail

package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/mfedyk/labtrail/internal/audit"
	"github.com/mfedyk/labtrail/internal/logging"
	"github.com/mfedyk/labtrail/internal/metrics"
	"github.com/mfedyk/labtrail/internal/models"
)

// Spec describes a notification to create and dispatch.
type Spec struct {
	Module     audit.Module     `json:"module" validate:"required"`
	ActionType audit.ActionType `json:"actionType" validate:"required"`
	Severity   Severity         `json:"severity,omitempty"`
	Title      string           `json:"title,omitempty"`
	Message    string           `json:"message" validate:"required"`
	Data       json.RawMessage  `json:"data,omitempty"`

	// At least one of TargetRoles and TargetUserIDs must be set.
	TargetRoles   []string `json:"targetRoles,omitempty"`
	TargetUserIDs []string `json:"targetUserIds,omitempty"`
}

// PushMessage is the envelope delivered on live channels.
type PushMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Dispatcher creates notifications, resolves recipients, persists once,
// and pushes to open live channels best-effort.
type Dispatcher struct {
	store     Store
	directory UserDirectory
	pusher    Pusher
}

// NewDispatcher creates a dispatcher. pusher may be nil when live
// delivery is disabled.
func NewDispatcher(store Store, directory UserDirectory, pusher Pusher) *Dispatcher {
	return &Dispatcher{
		store:     store,
		directory: directory,
		pusher:    pusher,
	}
}

// CreateAndDispatch persists a notification exactly once and fans it out
// to every resolved recipient's open channels. The returned notification
// carries its assigned ID and timestamp.
func (d *Dispatcher) CreateAndDispatch(ctx context.Context, spec Spec) (*Notification, error) {
	if err := validateSpec(&spec); err != nil {
		return nil, err
	}

	recipients, muted, err := d.resolveRecipients(ctx, &spec)
	if err != nil {
		return nil, err
	}

	n := &Notification{
		ID:            uuid.NewString(),
		CreatedAt:     time.Now().UTC(),
		Module:        spec.Module,
		ActionType:    spec.ActionType,
		Severity:      spec.Severity,
		Title:         spec.Title,
		Message:       spec.Message,
		Data:          spec.Data,
		TargetRoles:   spec.TargetRoles,
		TargetUserIDs: spec.TargetUserIDs,
	}

	if err := d.store.Save(ctx, n, recipients); err != nil {
		return nil, fmt.Errorf("failed to persist notification: %w", err)
	}

	metrics.NotificationsDispatched.WithLabelValues(string(n.Severity)).Inc()

	if d.pusher != nil {
		msg := PushMessage{Type: "notification", Payload: n}
		for _, userID := range recipients {
			if muted[userID] {
				metrics.NotificationsSuppressed.Inc()
				continue
			}
			d.pusher.SendToUser(userID, msg)
		}
	}

	logging.Debug().
		Str("notification_id", n.ID).
		Str("module", string(n.Module)).
		Int("recipients", len(recipients)).
		Msg("Notification dispatched")

	return n, nil
}

// validateSpec checks required fields and applies the severity default.
func validateSpec(spec *Spec) error {
	switch {
	case spec.Message == "":
		return fmt.Errorf("notification message is required")
	case !audit.IsValidModule(spec.Module):
		return fmt.Errorf("invalid notification module: %s", spec.Module)
	case !audit.IsValidActionType(spec.ActionType):
		return fmt.Errorf("invalid notification action type: %s", spec.ActionType)
	case len(spec.TargetRoles) == 0 && len(spec.TargetUserIDs) == 0:
		return fmt.Errorf("notification requires target roles or target user ids")
	}
	if spec.Severity == "" {
		spec.Severity = SeverityMedium
	}
	if !IsValidSeverity(spec.Severity) {
		return fmt.Errorf("invalid notification severity: %s", spec.Severity)
	}
	return nil
}

// resolveRecipients computes explicit users ∪ role-matched users, plus the
// subset that muted this (module, actionType) pair. Muted users still get
// the persisted notification; preferences govern live delivery only.
func (d *Dispatcher) resolveRecipients(ctx context.Context, spec *Spec) ([]string, map[string]bool, error) {
	set := make(map[string]bool)
	for _, userID := range spec.TargetUserIDs {
		set[userID] = true
	}

	if len(spec.TargetRoles) > 0 && d.directory != nil {
		roleUsers, err := d.directory.UserIDsByRoles(ctx, spec.TargetRoles)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to resolve role recipients: %w", err)
		}
		for _, userID := range roleUsers {
			set[userID] = true
		}
	}

	recipients := make([]string, 0, len(set))
	for userID := range set {
		recipients = append(recipients, userID)
	}

	muted, err := d.store.DisabledUsers(ctx, recipients, spec.Module, spec.ActionType)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load preferences: %w", err)
	}

	return recipients, muted, nil
}

// NotifyAuditEvent derives a notification from a persisted audit event
// and dispatches it to managers and admins. Errors are logged only; an
// audit failure must never propagate to the audited operation.
func (d *Dispatcher) NotifyAuditEvent(ctx context.Context, event *audit.Event) {
	spec := Spec{
		Module:      event.Action.Module,
		ActionType:  event.Action.Type,
		Severity:    severityForEvent(event),
		Message:     messageForEvent(event),
		TargetRoles: []string{models.RoleManager, models.RoleAdmin},
	}

	if data, err := json.Marshal(map[string]any{
		"auditEventId": event.ID,
		"entity":       event.Action.Entity,
		"entityId":     event.Action.EntityID,
		"status":       event.Status,
	}); err == nil {
		spec.Data = data
	}

	if _, err := d.CreateAndDispatch(ctx, spec); err != nil {
		logging.Error().Err(err).Int64("audit_event_id", event.ID).Msg("Failed to dispatch audit notification")
	}
}

// severityForEvent maps audit outcomes to notification severity.
func severityForEvent(event *audit.Event) Severity {
	switch {
	case event.Action.Type == audit.ActionAlert:
		return SeverityCritical
	case event.Status == audit.StatusError:
		return SeverityHigh
	case event.Action.Type == audit.ActionDelete:
		return SeverityHigh
	case event.Status == audit.StatusWarning:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// messageForEvent builds a human-readable summary of an audit event.
func messageForEvent(event *audit.Event) string {
	actor := event.Actor.Name
	if actor == "" {
		actor = event.Actor.ID
	}

	entity := event.Action.Entity
	if event.Action.EntityID != "" {
		entity += " " + event.Action.EntityID
	}

	verb := strings.ToLower(string(event.Action.Type))
	verb = strings.ReplaceAll(verb, "_", " ")

	msg := fmt.Sprintf("%s: %s %s", event.Action.Module, actor, verb)
	if entity != "" {
		msg += " " + entity
	}
	if event.Status == audit.StatusError {
		msg += " (failed"
		if event.Error != "" {
			msg += ": " + event.Error
		}
		msg += ")"
	}
	return msg
}

// MarkRead marks one notification read for the user. Idempotent.
func (d *Dispatcher) MarkRead(ctx context.Context, userID, notificationID string) error {
	return d.store.MarkRead(ctx, notificationID, userID)
}

// MarkAllRead marks every notification addressed to the user as read.
func (d *Dispatcher) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	return d.store.MarkAllRead(ctx, userID)
}

// ListForUser returns the user's notifications with read state.
func (d *Dispatcher) ListForUser(ctx context.Context, userID string, limit, offset int) ([]UserNotification, error) {
	return d.store.ListForUser(ctx, userID, limit, offset)
}

// UnreadCount returns the user's unread notification count.
func (d *Dispatcher) UnreadCount(ctx context.Context, userID string) (int64, error) {
	return d.store.UnreadCount(ctx, userID)
}

// SetPreference upserts a per-user delivery preference.
func (d *Dispatcher) SetPreference(ctx context.Context, p Preference) error {
	if !audit.IsValidModule(p.Module) {
		return fmt.Errorf("invalid preference module: %s", p.Module)
	}
	if !audit.IsValidActionType(p.ActionType) {
		return fmt.Errorf("invalid preference action type: %s", p.ActionType)
	}
	return d.store.SetPreference(ctx, p)
}

// Preferences lists the user's explicit preferences.
func (d *Dispatcher) Preferences(ctx context.Context, userID string) ([]Preference, error) {
	return d.store.Preferences(ctx, userID)
}
