// LabTrail - Laboratory Inventory, Scheduling and Audit Platform
// Copyright 2026 M. Fedyk (mfedyk)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mfedyk/labtrail

package notify

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/mfedyk/labtrail/internal/audit"
)

// staticDirectory maps roles to fixed user IDs.
type staticDirectory struct {
	byRole map[string][]string
}

func (d *staticDirectory) UserIDsByRoles(ctx context.Context, roles []string) ([]string, error) {
	var ids []string
	for _, role := range roles {
		ids = append(ids, d.byRole[role]...)
	}
	return ids, nil
}

// capturePusher records per-user pushes in order.
type capturePusher struct {
	mu     sync.Mutex
	pushes map[string][]any
}

func newCapturePusher() *capturePusher {
	return &capturePusher{pushes: make(map[string][]any)}
}

func (p *capturePusher) SendToUser(userID string, message any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushes[userID] = append(p.pushes[userID], message)
}

func (p *capturePusher) countFor(userID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pushes[userID])
}

func testDispatcher() (*Dispatcher, *MemoryStore, *capturePusher) {
	store := NewMemoryStore()
	pusher := newCapturePusher()
	directory := &staticDirectory{byRole: map[string][]string{
		"manager": {"mia", "mark"},
		"admin":   {"ada"},
	}}
	return NewDispatcher(store, directory, pusher), store, pusher
}

func TestDispatcher_CreateAndDispatchFanOut(t *testing.T) {
	d, store, pusher := testDispatcher()
	ctx := context.Background()

	n, err := d.CreateAndDispatch(ctx, Spec{
		Module:        audit.ModuleChemicals,
		ActionType:    audit.ActionAlert,
		Severity:      SeverityCritical,
		Message:       "Acetone stock below threshold",
		TargetRoles:   []string{"manager"},
		TargetUserIDs: []string{"solo"},
	})
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if n.ID == "" {
		t.Error("expected notification to be assigned an ID")
	}
	if store.Len() != 1 {
		t.Errorf("expected exactly one persisted notification, got %d", store.Len())
	}

	// All three resolved recipients see it
	for _, userID := range []string{"mia", "mark", "solo"} {
		list, err := d.ListForUser(ctx, userID, 10, 0)
		if err != nil {
			t.Fatalf("list failed for %s: %v", userID, err)
		}
		if len(list) != 1 {
			t.Errorf("expected 1 notification for %s, got %d", userID, len(list))
			continue
		}
		if list[0].IsRead {
			t.Errorf("new notification must be unread for %s", userID)
		}
		if pusher.countFor(userID) != 1 {
			t.Errorf("expected 1 push for %s, got %d", userID, pusher.countFor(userID))
		}
	}

	// Admin was not targeted
	if list, _ := d.ListForUser(ctx, "ada", 10, 0); len(list) != 0 {
		t.Errorf("expected no notifications for ada, got %d", len(list))
	}
}

func TestDispatcher_ValidateSpec(t *testing.T) {
	d, _, _ := testDispatcher()
	ctx := context.Background()

	tests := []struct {
		name string
		spec Spec
	}{
		{"missing message", Spec{Module: audit.ModuleChemicals, ActionType: audit.ActionCreate, TargetRoles: []string{"admin"}}},
		{"invalid module", Spec{Module: "KITCHEN", ActionType: audit.ActionCreate, Message: "m", TargetRoles: []string{"admin"}}},
		{"invalid action", Spec{Module: audit.ModuleChemicals, ActionType: "SHRED", Message: "m", TargetRoles: []string{"admin"}}},
		{"no targets", Spec{Module: audit.ModuleChemicals, ActionType: audit.ActionCreate, Message: "m"}},
		{"invalid severity", Spec{Module: audit.ModuleChemicals, ActionType: audit.ActionCreate, Message: "m", Severity: "shrug", TargetRoles: []string{"admin"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := d.CreateAndDispatch(ctx, tt.spec); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestDispatcher_SeverityDefault(t *testing.T) {
	d, _, _ := testDispatcher()
	ctx := context.Background()

	n, err := d.CreateAndDispatch(ctx, Spec{
		Module:        audit.ModuleEquipment,
		ActionType:    audit.ActionUpdate,
		Message:       "Centrifuge calibrated",
		TargetUserIDs: []string{"solo"},
	})
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if n.Severity != SeverityMedium {
		t.Errorf("expected default severity medium, got %s", n.Severity)
	}
}

func TestDispatcher_PreferenceSuppression(t *testing.T) {
	d, _, pusher := testDispatcher()
	ctx := context.Background()

	// mia opts out of chemical deletions; mark does not.
	if err := d.SetPreference(ctx, Preference{
		UserID:     "mia",
		Module:     audit.ModuleChemicals,
		ActionType: audit.ActionDelete,
		Enabled:    false,
	}); err != nil {
		t.Fatalf("set preference failed: %v", err)
	}

	if _, err := d.CreateAndDispatch(ctx, Spec{
		Module:      audit.ModuleChemicals,
		ActionType:  audit.ActionDelete,
		Message:     "Acetone removed from inventory",
		TargetRoles: []string{"manager"},
	}); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}

	if pusher.countFor("mia") != 0 {
		t.Error("mia opted out and must not be pushed")
	}
	if pusher.countFor("mark") != 1 {
		t.Errorf("expected 1 push for mark, got %d", pusher.countFor("mark"))
	}

	// Opting out mutes the live push only; the notification is still persisted.
	if list, _ := d.ListForUser(ctx, "mia", 10, 0); len(list) != 1 {
		t.Errorf("expected the notification in mia's list, got %d entries", len(list))
	}
	if count, _ := d.UnreadCount(ctx, "mia"); count != 1 {
		t.Errorf("expected 1 unread for mia, got %d", count)
	}

	// The preference is scoped to the (module, actionType) pair.
	if _, err := d.CreateAndDispatch(ctx, Spec{
		Module:      audit.ModuleChemicals,
		ActionType:  audit.ActionCreate,
		Message:     "Ethanol added to inventory",
		TargetRoles: []string{"manager"},
	}); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if pusher.countFor("mia") != 1 {
		t.Errorf("expected the unrelated action to reach mia, got %d pushes", pusher.countFor("mia"))
	}
}

func TestDispatcher_MarkReadIdempotent(t *testing.T) {
	d, _, _ := testDispatcher()
	ctx := context.Background()

	n, err := d.CreateAndDispatch(ctx, Spec{
		Module:        audit.ModuleRooms,
		ActionType:    audit.ActionStateChange,
		Message:       "Room 12 closed for maintenance",
		TargetUserIDs: []string{"solo"},
	})
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}

	count, err := d.UnreadCount(ctx, "solo")
	if err != nil {
		t.Fatalf("unread count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 unread, got %d", count)
	}

	if err := d.MarkRead(ctx, "solo", n.ID); err != nil {
		t.Fatalf("mark read failed: %v", err)
	}

	list, err := d.ListForUser(ctx, "solo", 10, 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if !list[0].IsRead || list[0].ReadAt == nil {
		t.Fatal("expected notification to be read with a read timestamp")
	}
	firstReadAt := *list[0].ReadAt

	// Second call succeeds and does not move the read timestamp
	if err := d.MarkRead(ctx, "solo", n.ID); err != nil {
		t.Fatalf("repeated mark read failed: %v", err)
	}
	list, _ = d.ListForUser(ctx, "solo", 10, 0)
	if !list[0].ReadAt.Equal(firstReadAt) {
		t.Error("repeated mark read must not change the read timestamp")
	}

	if count, _ := d.UnreadCount(ctx, "solo"); count != 0 {
		t.Errorf("expected 0 unread after mark read, got %d", count)
	}
}

func TestDispatcher_MarkReadUnknownNotification(t *testing.T) {
	d, _, _ := testDispatcher()
	ctx := context.Background()

	err := d.MarkRead(ctx, "solo", "no-such-id")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDispatcher_MarkAllRead(t *testing.T) {
	d, _, _ := testDispatcher()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := d.CreateAndDispatch(ctx, Spec{
			Module:        audit.ModuleEvents,
			ActionType:    audit.ActionCreate,
			Message:       "Schedule updated",
			TargetUserIDs: []string{"solo"},
		}); err != nil {
			t.Fatalf("dispatch failed: %v", err)
		}
	}

	marked, err := d.MarkAllRead(ctx, "solo")
	if err != nil {
		t.Fatalf("mark all read failed: %v", err)
	}
	if marked != 3 {
		t.Errorf("expected 3 newly marked, got %d", marked)
	}
	if count, _ := d.UnreadCount(ctx, "solo"); count != 0 {
		t.Errorf("expected 0 unread, got %d", count)
	}

	// Idempotent: nothing left to mark
	marked, err = d.MarkAllRead(ctx, "solo")
	if err != nil {
		t.Fatalf("repeated mark all read failed: %v", err)
	}
	if marked != 0 {
		t.Errorf("expected 0 newly marked on repeat, got %d", marked)
	}
}

func TestDispatcher_NotifyAuditEvent(t *testing.T) {
	d, store, pusher := testDispatcher()
	ctx := context.Background()

	d.NotifyAuditEvent(ctx, &audit.Event{
		ID:    7,
		Actor: audit.Actor{ID: "alice", Name: "Alice", Role: "technician"},
		Action: audit.Action{
			Type:     audit.ActionDelete,
			Module:   audit.ModuleChemicals,
			Entity:   "chemical",
			EntityID: "chem-42",
		},
		Status: audit.StatusSuccess,
	})

	if store.Len() != 1 {
		t.Fatalf("expected 1 derived notification, got %d", store.Len())
	}

	// Managers and admins receive audit-derived notifications
	for _, userID := range []string{"mia", "mark", "ada"} {
		if pusher.countFor(userID) != 1 {
			t.Errorf("expected 1 push for %s, got %d", userID, pusher.countFor(userID))
		}
	}

	list, err := d.ListForUser(ctx, "ada", 10, 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	n := list[0]
	if n.Severity != SeverityHigh {
		t.Errorf("expected severity high for a deletion, got %s", n.Severity)
	}
	if n.Module != audit.ModuleChemicals || n.ActionType != audit.ActionDelete {
		t.Errorf("unexpected module/action: %s/%s", n.Module, n.ActionType)
	}
	if n.Message == "" {
		t.Error("expected a human-readable message")
	}
}

func TestSeverityForEvent(t *testing.T) {
	tests := []struct {
		name  string
		event audit.Event
		want  Severity
	}{
		{"alert", audit.Event{Action: audit.Action{Type: audit.ActionAlert}}, SeverityCritical},
		{"failure", audit.Event{Action: audit.Action{Type: audit.ActionUpdate}, Status: audit.StatusError}, SeverityHigh},
		{"delete", audit.Event{Action: audit.Action{Type: audit.ActionDelete}, Status: audit.StatusSuccess}, SeverityHigh},
		{"warning", audit.Event{Action: audit.Action{Type: audit.ActionUpdate}, Status: audit.StatusWarning}, SeverityMedium},
		{"plain", audit.Event{Action: audit.Action{Type: audit.ActionUpdate}, Status: audit.StatusSuccess}, SeverityLow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := severityForEvent(&tt.event); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestDispatcher_ListPagination(t *testing.T) {
	d, _, _ := testDispatcher()
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		if _, err := d.CreateAndDispatch(ctx, Spec{
			Module:        audit.ModuleReports,
			ActionType:    audit.ActionExport,
			Message:       "Report generated",
			TargetUserIDs: []string{"solo"},
		}); err != nil {
			t.Fatalf("dispatch failed: %v", err)
		}
	}

	first, err := d.ListForUser(ctx, "solo", 5, 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	second, err := d.ListForUser(ctx, "solo", 5, 5)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(first) != 5 || len(second) != 2 {
		t.Fatalf("expected pages of 5 and 2, got %d and %d", len(first), len(second))
	}
	for _, a := range first {
		for _, b := range second {
			if a.ID == b.ID {
				t.Fatalf("notification %s appears on both pages", a.ID)
			}
		}
	}
}
