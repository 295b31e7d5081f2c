// LabTrail - Laboratory Inventory, Scheduling and Audit Platform
// Copyright 2026 M. Fedyk (mfedyk)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mfedyk/labtrail

package notify

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/mfedyk/labtrail/internal/audit"
	"github.com/mfedyk/labtrail/internal/logging"
	"github.com/mfedyk/labtrail/internal/metrics"
)

// DuckDBStore implements Store using DuckDB for persistent storage.
type DuckDBStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewDuckDBStore creates a new DuckDB-backed notification store.
// Call CreateTables during database initialization.
func NewDuckDBStore(db *sql.DB) *DuckDBStore {
	return &DuckDBStore{
		db: db,
	}
}

// CreateTables creates the notification tables if they don't exist.
// Recipients are materialized per user at dispatch time so read-state
// joins and unread counts stay single-table-index lookups.
func (s *DuckDBStore) CreateTables(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS notifications (
			id TEXT PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL,
			module TEXT NOT NULL,
			action_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			title TEXT,
			message TEXT NOT NULL,
			data JSON,
			target_roles JSON,
			target_user_ids JSON
		);

		CREATE TABLE IF NOT EXISTS notification_recipients (
			notification_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			PRIMARY KEY (notification_id, user_id)
		);

		CREATE TABLE IF NOT EXISTS notification_reads (
			notification_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			is_read BOOLEAN NOT NULL DEFAULT true,
			read_at TIMESTAMPTZ,
			PRIMARY KEY (notification_id, user_id)
		);

		CREATE TABLE IF NOT EXISTS notification_prefs (
			user_id TEXT NOT NULL,
			module TEXT NOT NULL,
			action_type TEXT NOT NULL,
			enabled BOOLEAN NOT NULL,
			PRIMARY KEY (user_id, module, action_type)
		);

		CREATE INDEX IF NOT EXISTS idx_notif_created_at ON notifications(created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_notif_recipients_user ON notification_recipients(user_id);
		CREATE INDEX IF NOT EXISTS idx_notif_reads_user ON notification_reads(user_id)
	`

	statements := strings.Split(query, ";")
	for _, stmt := range statements {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	logging.Info().Msg("Notification tables created/verified")
	return nil
}

// Save persists a notification and its resolved recipient set.
func (s *DuckDBStore) Save(ctx context.Context, n *Notification, recipients []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n == nil {
		return fmt.Errorf("notification cannot be nil")
	}

	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO notifications (
			id, created_at, module, action_type, severity,
			title, message, data, target_roles, target_user_ids
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		n.ID,
		n.CreatedAt,
		string(n.Module),
		string(n.ActionType),
		string(n.Severity),
		n.Title,
		n.Message,
		rawJSONString(n.Data),
		marshalStrings(n.TargetRoles),
		marshalStrings(n.TargetUserIDs),
	)
	if err != nil {
		metrics.RecordDBQuery("insert", "notifications", time.Since(start), err)
		return fmt.Errorf("failed to save notification: %w", err)
	}

	for _, userID := range recipients {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO notification_recipients (notification_id, user_id)
			VALUES (?, ?)
			ON CONFLICT DO NOTHING
		`, n.ID, userID); err != nil {
			metrics.RecordDBQuery("insert", "notification_recipients", time.Since(start), err)
			return fmt.Errorf("failed to save notification recipient: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit notification: %w", err)
	}
	metrics.RecordDBQuery("insert", "notifications", time.Since(start), nil)

	return nil
}

// marshalStrings marshals a string slice to a JSON string for DuckDB.
func marshalStrings(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	if data, err := json.Marshal(values); err == nil {
		return string(data)
	}
	return "[]"
}

// rawJSONString converts a raw JSON payload to a nullable string.
func rawJSONString(data json.RawMessage) *string {
	if len(data) == 0 {
		return nil
	}
	s := string(data)
	return &s
}

// Get retrieves a notification by ID.
func (s *DuckDBStore) Get(ctx context.Context, id string) (*Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT
			id, created_at, module, action_type, severity, title, message,
			CAST(data AS VARCHAR) as data,
			CAST(target_roles AS VARCHAR) as target_roles,
			CAST(target_user_ids AS VARCHAR) as target_user_ids
		FROM notifications
		WHERE id = ?
	`, id)

	n, err := scanNotification(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get notification: %w", err)
	}
	return n, nil
}

// ListForUser returns the user's notifications with read state, newest
// first.
func (s *DuckDBStore) ListForUser(ctx context.Context, userID string, limit, offset int) ([]UserNotification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT
			n.id, n.created_at, n.module, n.action_type, n.severity, n.title, n.message,
			CAST(n.data AS VARCHAR) as data,
			CAST(n.target_roles AS VARCHAR) as target_roles,
			CAST(n.target_user_ids AS VARCHAR) as target_user_ids,
			COALESCE(r.is_read, false) as is_read,
			r.read_at
		FROM notifications n
		JOIN notification_recipients rc
			ON rc.notification_id = n.id AND rc.user_id = ?
		LEFT JOIN notification_reads r
			ON r.notification_id = n.id AND r.user_id = ?
		ORDER BY n.created_at DESC, n.id DESC
	`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	if offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", offset)
	}

	start := time.Now()
	rows, err := s.db.QueryContext(ctx, query, userID, userID)
	metrics.RecordDBQuery("select", "notifications", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	var results []UserNotification
	for rows.Next() {
		var un UserNotification
		var readAt sql.NullTime
		n, err := scanNotificationInto(&un.Notification, rows, &un.IsRead, &readAt)
		if err != nil {
			logging.Warn().Err(err).Msg("Failed to scan notification row")
			continue
		}
		un.Notification = *n
		if readAt.Valid {
			un.ReadAt = &readAt.Time
		}
		results = append(results, un)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating notifications: %w", err)
	}

	return results, nil
}

// UnreadCount returns how many of the user's notifications are unread.
func (s *DuckDBStore) UnreadCount(ctx context.Context, userID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM notification_recipients rc
		LEFT JOIN notification_reads r
			ON r.notification_id = rc.notification_id AND r.user_id = rc.user_id
		WHERE rc.user_id = ? AND COALESCE(r.is_read, false) = false
	`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread notifications: %w", err)
	}

	return count, nil
}

// MarkRead marks one notification read for the user, idempotently.
func (s *DuckDBStore) MarkRead(ctx context.Context, notificationID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) > 0 FROM notification_recipients
		WHERE notification_id = ? AND user_id = ?
	`, notificationID, userID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check notification recipient: %w", err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, notificationID)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO notification_reads (notification_id, user_id, is_read, read_at)
		VALUES (?, ?, true, ?)
		ON CONFLICT (notification_id, user_id)
		DO UPDATE SET is_read = true
	`, notificationID, userID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to mark notification read: %w", err)
	}

	return nil
}

// MarkAllRead marks every notification currently addressed to the user
// as read.
func (s *DuckDBStore) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO notification_reads (notification_id, user_id, is_read, read_at)
		SELECT rc.notification_id, rc.user_id, true, ?
		FROM notification_recipients rc
		LEFT JOIN notification_reads r
			ON r.notification_id = rc.notification_id AND r.user_id = rc.user_id
		WHERE rc.user_id = ? AND r.notification_id IS NULL
	`, time.Now().UTC(), userID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark all notifications read: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get marked count: %w", err)
	}
	return count, nil
}

// SetPreference upserts a delivery preference.
func (s *DuckDBStore) SetPreference(ctx context.Context, p Preference) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notification_prefs (user_id, module, action_type, enabled)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, module, action_type)
		DO UPDATE SET enabled = EXCLUDED.enabled
	`, p.UserID, string(p.Module), string(p.ActionType), p.Enabled)
	if err != nil {
		return fmt.Errorf("failed to set notification preference: %w", err)
	}

	return nil
}

// Preferences lists the user's explicit preferences.
func (s *DuckDBStore) Preferences(ctx context.Context, userID string) ([]Preference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, module, action_type, enabled
		FROM notification_prefs
		WHERE user_id = ?
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list preferences: %w", err)
	}
	defer rows.Close()

	var prefs []Preference
	for rows.Next() {
		var p Preference
		var module, actionType string
		if err := rows.Scan(&p.UserID, &module, &actionType, &p.Enabled); err != nil {
			return nil, fmt.Errorf("failed to scan preference: %w", err)
		}
		p.Module = audit.Module(module)
		p.ActionType = audit.ActionType(actionType)
		prefs = append(prefs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating preferences: %w", err)
	}

	return prefs, nil
}

// DisabledUsers returns the subset of userIDs with delivery explicitly
// disabled for the (module, actionType) pair.
func (s *DuckDBStore) DisabledUsers(ctx context.Context, userIDs []string, module audit.Module, actionType audit.ActionType) (map[string]bool, error) {
	disabled := make(map[string]bool)
	if len(userIDs) == 0 {
		return disabled, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	placeholders := make([]string, len(userIDs))
	args := make([]interface{}, 0, len(userIDs)+2)
	args = append(args, string(module), string(actionType))
	for i, id := range userIDs {
		placeholders[i] = "?"
		args = append(args, id)
	}

	query := fmt.Sprintf(`
		SELECT user_id FROM notification_prefs
		WHERE module = ? AND action_type = ? AND enabled = false
		AND user_id IN (%s)
	`, strings.Join(placeholders, ","))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query disabled users: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("failed to scan disabled user: %w", err)
		}
		disabled[userID] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating disabled users: %w", err)
	}

	return disabled, nil
}

// scanFunc abstracts row.Scan and rows.Scan.
type scanFunc func(dest ...interface{}) error

// scanNotification scans the notification columns into a new value.
func scanNotification(scan scanFunc) (*Notification, error) {
	var n Notification
	return scanNotificationColumns(&n, scan, nil)
}

// scanNotificationInto scans notification columns plus read-state extras.
func scanNotificationInto(n *Notification, rows *sql.Rows, isRead *bool, readAt *sql.NullTime) (*Notification, error) {
	return scanNotificationColumns(n, rows.Scan, []interface{}{isRead, readAt})
}

// scanNotificationColumns performs the shared column scan and JSON parsing.
func scanNotificationColumns(n *Notification, scan scanFunc, extra []interface{}) (*Notification, error) {
	var module, actionType, severity string
	var title, data, targetRoles, targetUserIDs sql.NullString

	dests := []interface{}{
		&n.ID,
		&n.CreatedAt,
		&module,
		&actionType,
		&severity,
		&title,
		&n.Message,
		&data,
		&targetRoles,
		&targetUserIDs,
	}
	dests = append(dests, extra...)

	if err := scan(dests...); err != nil {
		return nil, err
	}

	n.Module = audit.Module(module)
	n.ActionType = audit.ActionType(actionType)
	n.Severity = Severity(severity)
	n.Title = title.String
	if data.Valid && data.String != "" {
		n.Data = json.RawMessage(data.String)
	}
	if targetRoles.Valid && targetRoles.String != "" {
		if err := json.Unmarshal([]byte(targetRoles.String), &n.TargetRoles); err != nil {
			logging.Debug().Err(err).Str("notification_id", n.ID).Msg("Failed to parse target roles JSON")
		}
	}
	if targetUserIDs.Valid && targetUserIDs.String != "" {
		if err := json.Unmarshal([]byte(targetUserIDs.String), &n.TargetUserIDs); err != nil {
			logging.Debug().Err(err).Str("notification_id", n.ID).Msg("Failed to parse target user IDs JSON")
		}
	}

	return n, nil
}
