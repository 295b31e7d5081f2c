// LabTrail - Laboratory Inventory, Scheduling and Audit Platform
// Copyright 2026 M. Fedyk (mfedyk)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mfedyk/labtrail

//go:build integration

package notify

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/goccy/go-json"

	"github.com/mfedyk/labtrail/internal/audit"
)

func setupTestDB(t *testing.T) (*sql.DB, func()) {
	t.Helper()

	db, err := sql.Open("duckdb", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory DuckDB: %v", err)
	}

	cleanup := func() {
		db.Close()
	}

	return db, cleanup
}

func newTestStore(t *testing.T, db *sql.DB) *DuckDBStore {
	t.Helper()

	store := NewDuckDBStore(db)
	if err := store.CreateTables(context.Background()); err != nil {
		t.Fatalf("CreateTables failed: %v", err)
	}
	return store
}

func seedNotification(t *testing.T, store *DuckDBStore, id string, createdAt time.Time, recipients ...string) *Notification {
	t.Helper()

	n := &Notification{
		ID:          id,
		CreatedAt:   createdAt,
		Module:      audit.ModuleChemicals,
		ActionType:  audit.ActionAlert,
		Severity:    SeverityHigh,
		Message:     "Acetone stock below threshold",
		TargetRoles: []string{"manager"},
	}
	if err := store.Save(context.Background(), n, recipients); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	return n
}

func TestNotifyDuckDBStore_CreateTables(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	newTestStore(t, db)
	ctx := context.Background()

	for _, table := range []string{"notifications", "notification_recipients", "notification_reads", "notification_prefs"} {
		var name string
		err := db.QueryRowContext(ctx,
			"SELECT table_name FROM information_schema.tables WHERE table_name = ?", table).Scan(&name)
		if err != nil {
			t.Errorf("Table %s does not exist: %v", table, err)
		}
	}

	// Idempotent
	if err := NewDuckDBStore(db).CreateTables(ctx); err != nil {
		t.Fatalf("Second CreateTables failed: %v", err)
	}
}

func TestNotifyDuckDBStore_SaveAndGet(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := newTestStore(t, db)
	ctx := context.Background()

	data, _ := json.Marshal(map[string]any{"auditEventId": 7})
	n := &Notification{
		ID:            "n-1",
		CreatedAt:     time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Module:        audit.ModuleChemicals,
		ActionType:    audit.ActionDelete,
		Severity:      SeverityHigh,
		Title:         "Chemical removed",
		Message:       "Acetone removed from inventory",
		Data:          data,
		TargetRoles:   []string{"manager", "admin"},
		TargetUserIDs: []string{"solo"},
	}
	if err := store.Save(ctx, n, []string{"mia", "solo"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := store.Get(ctx, "n-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Module != audit.ModuleChemicals || got.ActionType != audit.ActionDelete {
		t.Errorf("Module/ActionType = %s/%s", got.Module, got.ActionType)
	}
	if got.Severity != SeverityHigh || got.Title != "Chemical removed" || got.Message != n.Message {
		t.Errorf("Notification = %+v", got)
	}
	if len(got.TargetRoles) != 2 || got.TargetRoles[0] != "manager" {
		t.Errorf("TargetRoles = %v", got.TargetRoles)
	}
	if len(got.TargetUserIDs) != 1 || got.TargetUserIDs[0] != "solo" {
		t.Errorf("TargetUserIDs = %v", got.TargetUserIDs)
	}

	var payload map[string]any
	if err := json.Unmarshal(got.Data, &payload); err != nil {
		t.Fatalf("Data payload is not valid JSON: %v", err)
	}
	if payload["auditEventId"] != float64(7) {
		t.Errorf("Data = %+v", payload)
	}

	if _, err := store.Get(ctx, "no-such-id"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestNotifyDuckDBStore_ListForUser(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := newTestStore(t, db)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	seedNotification(t, store, "n-1", base, "mia", "mark")
	seedNotification(t, store, "n-2", base.Add(time.Minute), "mia")

	list, err := store.ListForUser(ctx, "mia", 10, 0)
	if err != nil {
		t.Fatalf("ListForUser failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("Expected 2 notifications for mia, got %d", len(list))
	}
	// Newest first
	if list[0].ID != "n-2" || list[1].ID != "n-1" {
		t.Errorf("Order = [%s %s], want [n-2 n-1]", list[0].ID, list[1].ID)
	}
	for _, un := range list {
		if un.IsRead || un.ReadAt != nil {
			t.Errorf("New notification %s must be unread", un.ID)
		}
	}

	// Recipients do not leak across users
	list, err = store.ListForUser(ctx, "mark", 10, 0)
	if err != nil {
		t.Fatalf("ListForUser failed: %v", err)
	}
	if len(list) != 1 || list[0].ID != "n-1" {
		t.Fatalf("Expected only n-1 for mark, got %+v", list)
	}

	if list, _ := store.ListForUser(ctx, "stranger", 10, 0); len(list) != 0 {
		t.Errorf("Expected no notifications for a non-recipient, got %d", len(list))
	}
}

func TestNotifyDuckDBStore_ListPagination(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := newTestStore(t, db)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		seedNotification(t, store, fmt.Sprintf("n-%d", i), base.Add(time.Duration(i)*time.Second), "mia")
	}

	first, err := store.ListForUser(ctx, "mia", 3, 0)
	if err != nil {
		t.Fatalf("ListForUser failed: %v", err)
	}
	second, err := store.ListForUser(ctx, "mia", 3, 3)
	if err != nil {
		t.Fatalf("ListForUser failed: %v", err)
	}
	if len(first) != 3 || len(second) != 2 {
		t.Fatalf("Expected pages of 3 and 2, got %d and %d", len(first), len(second))
	}
	for _, a := range first {
		for _, b := range second {
			if a.ID == b.ID {
				t.Fatalf("Notification %s appears on both pages", a.ID)
			}
		}
	}
}

func TestNotifyDuckDBStore_MarkReadIdempotent(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := newTestStore(t, db)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	seedNotification(t, store, "n-1", base, "mia")

	count, err := store.UnreadCount(ctx, "mia")
	if err != nil {
		t.Fatalf("UnreadCount failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("Unread = %d, want 1", count)
	}

	if err := store.MarkRead(ctx, "n-1", "mia"); err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}

	list, err := store.ListForUser(ctx, "mia", 10, 0)
	if err != nil {
		t.Fatalf("ListForUser failed: %v", err)
	}
	if !list[0].IsRead || list[0].ReadAt == nil {
		t.Fatal("Expected notification to be read with a read timestamp")
	}
	firstReadAt := *list[0].ReadAt

	// The upsert keeps the original read timestamp on repeat
	if err := store.MarkRead(ctx, "n-1", "mia"); err != nil {
		t.Fatalf("Repeated MarkRead failed: %v", err)
	}
	list, _ = store.ListForUser(ctx, "mia", 10, 0)
	if !list[0].ReadAt.Equal(firstReadAt) {
		t.Error("Repeated MarkRead must not change the read timestamp")
	}

	if count, _ := store.UnreadCount(ctx, "mia"); count != 0 {
		t.Errorf("Unread = %d, want 0", count)
	}
}

func TestNotifyDuckDBStore_MarkReadRequiresRecipient(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := newTestStore(t, db)
	ctx := context.Background()

	seedNotification(t, store, "n-1", time.Now().UTC(), "mia")

	// Neither a non-recipient nor an unknown notification can be marked
	if err := store.MarkRead(ctx, "n-1", "stranger"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for a non-recipient, got %v", err)
	}
	if err := store.MarkRead(ctx, "no-such-id", "mia"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for an unknown notification, got %v", err)
	}
}

func TestNotifyDuckDBStore_MarkAllRead(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := newTestStore(t, db)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	seedNotification(t, store, "n-1", base, "mia")
	seedNotification(t, store, "n-2", base.Add(time.Second), "mia")
	seedNotification(t, store, "n-3", base.Add(2*time.Second), "mia", "mark")

	// One already read; MarkAllRead only counts the newly marked rows
	if err := store.MarkRead(ctx, "n-1", "mia"); err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}

	marked, err := store.MarkAllRead(ctx, "mia")
	if err != nil {
		t.Fatalf("MarkAllRead failed: %v", err)
	}
	if marked != 2 {
		t.Errorf("Marked = %d, want 2", marked)
	}
	if count, _ := store.UnreadCount(ctx, "mia"); count != 0 {
		t.Errorf("Unread = %d, want 0", count)
	}

	// Other recipients keep their own read state
	if count, _ := store.UnreadCount(ctx, "mark"); count != 1 {
		t.Errorf("Unread for mark = %d, want 1", count)
	}

	marked, err = store.MarkAllRead(ctx, "mia")
	if err != nil {
		t.Fatalf("Repeated MarkAllRead failed: %v", err)
	}
	if marked != 0 {
		t.Errorf("Marked = %d on repeat, want 0", marked)
	}
}

func TestNotifyDuckDBStore_Preferences(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := newTestStore(t, db)
	ctx := context.Background()

	pref := Preference{
		UserID:     "mia",
		Module:     audit.ModuleChemicals,
		ActionType: audit.ActionDelete,
		Enabled:    false,
	}
	if err := store.SetPreference(ctx, pref); err != nil {
		t.Fatalf("SetPreference failed: %v", err)
	}

	prefs, err := store.Preferences(ctx, "mia")
	if err != nil {
		t.Fatalf("Preferences failed: %v", err)
	}
	if len(prefs) != 1 || prefs[0].Enabled {
		t.Fatalf("Expected one disabled preference, got %+v", prefs)
	}

	// Upsert flips the row in place
	pref.Enabled = true
	if err := store.SetPreference(ctx, pref); err != nil {
		t.Fatalf("SetPreference upsert failed: %v", err)
	}
	prefs, _ = store.Preferences(ctx, "mia")
	if len(prefs) != 1 || !prefs[0].Enabled {
		t.Fatalf("Expected the same row re-enabled, got %+v", prefs)
	}
}

func TestNotifyDuckDBStore_DisabledUsers(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := newTestStore(t, db)
	ctx := context.Background()

	for _, p := range []Preference{
		{UserID: "mia", Module: audit.ModuleChemicals, ActionType: audit.ActionDelete, Enabled: false},
		{UserID: "mark", Module: audit.ModuleChemicals, ActionType: audit.ActionDelete, Enabled: true},
		{UserID: "ada", Module: audit.ModuleRooms, ActionType: audit.ActionDelete, Enabled: false},
	} {
		if err := store.SetPreference(ctx, p); err != nil {
			t.Fatalf("SetPreference failed: %v", err)
		}
	}

	disabled, err := store.DisabledUsers(ctx, []string{"mia", "mark", "ada", "solo"}, audit.ModuleChemicals, audit.ActionDelete)
	if err != nil {
		t.Fatalf("DisabledUsers failed: %v", err)
	}
	if len(disabled) != 1 || !disabled["mia"] {
		t.Errorf("Disabled = %v, want mia only", disabled)
	}

	// No candidates means no query
	disabled, err = store.DisabledUsers(ctx, nil, audit.ModuleChemicals, audit.ActionDelete)
	if err != nil {
		t.Fatalf("DisabledUsers failed: %v", err)
	}
	if len(disabled) != 0 {
		t.Errorf("Expected empty map, got %v", disabled)
	}
}

func TestNotifyDuckDBStore_SaveDeduplicatesRecipients(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := newTestStore(t, db)
	ctx := context.Background()

	seedNotification(t, store, "n-1", time.Now().UTC(), "mia", "mia")

	list, err := store.ListForUser(ctx, "mia", 10, 0)
	if err != nil {
		t.Fatalf("ListForUser failed: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("Expected a single row despite the duplicate recipient, got %d", len(list))
	}
}
