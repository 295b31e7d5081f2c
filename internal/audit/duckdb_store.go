// LabTrail - Laboratory Inventory, Scheduling and Audit Platform
// Copyright 2026 M. Fedyk (mfedyk)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mfedyk/labtrail

package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/mfedyk/labtrail/internal/logging"
	"github.com/mfedyk/labtrail/internal/metrics"
)

// ErrNotFound is returned when no event exists for the requested ID.
var ErrNotFound = errors.New("audit event not found")

// DuckDBStore implements Store using DuckDB for persistent storage.
type DuckDBStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewDuckDBStore creates a new DuckDB-backed audit store.
// Call CreateTable during database initialization.
func NewDuckDBStore(db *sql.DB) *DuckDBStore {
	return &DuckDBStore{
		db: db,
	}
}

// CreateTable creates the audit_events table and its ID sequence if they
// don't exist. The sequence gives every event a monotonically increasing
// ID, which is the ordering tiebreak and the cursor for pagination.
func (s *DuckDBStore) CreateTable(ctx context.Context) error {
	query := `
		CREATE SEQUENCE IF NOT EXISTS audit_events_id_seq;

		CREATE TABLE IF NOT EXISTS audit_events (
			id BIGINT PRIMARY KEY DEFAULT nextval('audit_events_id_seq'),
			timestamp TIMESTAMPTZ NOT NULL,

			-- Actor snapshot (denormalized, never rewritten)
			actor_id TEXT NOT NULL,
			actor_email TEXT,
			actor_name TEXT,
			actor_role TEXT NOT NULL,

			-- Action
			action_type TEXT NOT NULL,
			action_module TEXT NOT NULL,
			entity TEXT NOT NULL,
			entity_id TEXT,

			-- Optional structured payload
			details JSON,

			-- Request context
			ctx_ip TEXT,
			ctx_user_agent TEXT,
			ctx_session_id TEXT,
			ctx_request_id TEXT,
			ctx_path TEXT,
			ctx_method TEXT,
			ctx_duration_ms BIGINT,

			status TEXT NOT NULL,
			error TEXT,

			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_events(timestamp DESC);
		CREATE INDEX IF NOT EXISTS idx_audit_actor_id ON audit_events(actor_id);
		CREATE INDEX IF NOT EXISTS idx_audit_module ON audit_events(action_module);
		CREATE INDEX IF NOT EXISTS idx_audit_action_type ON audit_events(action_type);
		CREATE INDEX IF NOT EXISTS idx_audit_entity_id ON audit_events(entity_id);
		CREATE INDEX IF NOT EXISTS idx_audit_status ON audit_events(status);
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

	logging.Info().Msg("Audit events table created/verified")
	return nil
}

// Save persists an audit event and assigns its sequence ID.
func (s *DuckDBStore) Save(ctx context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event == nil {
		return fmt.Errorf("event cannot be nil")
	}

	start := time.Now()
	query := `
		INSERT INTO audit_events (
			timestamp,
			actor_id, actor_email, actor_name, actor_role,
			action_type, action_module, entity, entity_id,
			details,
			ctx_ip, ctx_user_agent, ctx_session_id, ctx_request_id,
			ctx_path, ctx_method, ctx_duration_ms,
			status, error, created_at
		) VALUES (
			?,
			?, ?, ?, ?,
			?, ?, ?, ?,
			?,
			?, ?, ?, ?,
			?, ?, ?,
			?, ?, ?
		)
		RETURNING id
	`

	err := s.db.QueryRowContext(ctx, query,
		event.Timestamp,
		event.Actor.ID,
		event.Actor.Email,
		event.Actor.Name,
		event.Actor.Role,
		string(event.Action.Type),
		string(event.Action.Module),
		event.Action.Entity,
		nullString(event.Action.EntityID),
		marshalDetails(event.Details),
		nullString(event.Context.IP),
		nullString(event.Context.UserAgent),
		nullString(event.Context.SessionID),
		nullString(event.Context.RequestID),
		nullString(event.Context.Path),
		nullString(event.Context.Method),
		event.Context.DurationMS,
		string(event.Status),
		nullString(event.Error),
		time.Now().UTC(),
	).Scan(&event.ID)
	metrics.RecordDBQuery("insert", "audit_events", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("failed to save audit event: %w", err)
	}

	return nil
}

// marshalDetails converts details to a JSON string for the DuckDB column.
func marshalDetails(d *Details) *string {
	if d == nil {
		return nil
	}
	data, err := json.Marshal(d)
	if err != nil {
		return nil
	}
	s := string(data)
	return &s
}

// nullString converts an empty string to a SQL NULL.
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Get retrieves an event by ID.
func (s *DuckDBStore) Get(ctx context.Context, id int64) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := s.getBaseQuery(false) + " WHERE id = ?"

	row := s.db.QueryRowContext(ctx, query, id)
	event, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get audit event: %w", err)
	}

	return event, nil
}

// Query retrieves events matching the filter, newest first.
func (s *DuckDBStore) Query(ctx context.Context, filter Filter) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query, args := s.buildQuery(filter, false)

	start := time.Now()
	rows, err := s.db.QueryContext(ctx, query, args...)
	metrics.RecordDBQuery("select", "audit_events", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		event, err := scanEventFromRows(rows)
		if err != nil {
			logging.Warn().Err(err).Msg("Failed to scan audit event row")
			continue
		}
		events = append(events, *event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit events: %w", err)
	}

	return events, nil
}

// Count returns the number of events matching the filter.
func (s *DuckDBStore) Count(ctx context.Context, filter Filter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query, args := s.buildQuery(filter, true)

	var count int64
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count audit events: %w", err)
	}

	return count, nil
}

// Stats aggregates events within the optional time range.
func (s *DuckDBStore) Stats(ctx context.Context, start, end *time.Time) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where, args := rangeCondition(start, end)

	stats := &Stats{
		ByModule: make(map[string]int64),
		ByAction: make(map[string]int64),
		ByStatus: make(map[string]int64),
		ByUser:   make(map[string]int64),
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_events"+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to get total count: %w", err)
	}
	stats.TotalEntries = total

	for column, dest := range map[string]map[string]int64{
		"action_module": stats.ByModule,
		"action_type":   stats.ByAction,
		"status":        stats.ByStatus,
		"actor_id":      stats.ByUser,
	} {
		if err := s.countByColumn(ctx, column, where, args, dest); err != nil {
			return nil, err
		}
	}

	if err := s.setEventTimeRange(ctx, stats, where, args); err != nil {
		return nil, err
	}

	return stats, nil
}

// countByColumn executes a GROUP BY query and fills counts per value.
func (s *DuckDBStore) countByColumn(ctx context.Context, column, where string, args []interface{}, dest map[string]int64) error {
	query := fmt.Sprintf("SELECT %s, COUNT(*) FROM audit_events%s GROUP BY %s", column, where, column)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to get %s counts: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var count int64
		if err := rows.Scan(&key, &count); err == nil {
			dest[key] = count
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating %s counts: %w", column, err)
	}
	return nil
}

// setEventTimeRange populates the earliest and latest event timestamps.
func (s *DuckDBStore) setEventTimeRange(ctx context.Context, stats *Stats, where string, args []interface{}) error {
	var earliest, latest sql.NullTime
	query := "SELECT MIN(timestamp), MAX(timestamp) FROM audit_events" + where
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&earliest, &latest); err != nil {
		return fmt.Errorf("failed to get event time range: %w", err)
	}
	if earliest.Valid {
		stats.Earliest = &earliest.Time
	}
	if latest.Valid {
		stats.Latest = &latest.Time
	}
	return nil
}

// rangeCondition builds a WHERE clause for an optional time range.
func rangeCondition(start, end *time.Time) (string, []interface{}) {
	var conditions []string
	var args []interface{}
	if start != nil {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, *start)
	}
	if end != nil {
		conditions = append(conditions, "timestamp <= ?")
		args = append(args, *end)
	}
	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

// DeleteOlderThan removes events older than the given time.
func (s *DuckDBStore) DeleteOlderThan(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `DELETE FROM audit_events WHERE timestamp < ?`

	result, err := s.db.ExecContext(ctx, query, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old audit events: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get deleted count: %w", err)
	}

	if count > 0 {
		logging.Info().Int64("deleted", count).Time("older_than", olderThan).Msg("Deleted old audit events")
	}

	return count, nil
}

// buildQuery constructs the SQL query based on the filter.
func (s *DuckDBStore) buildQuery(filter Filter, countOnly bool) (string, []interface{}) {
	conditions, args := s.buildFilterConditions(filter, countOnly)

	query := s.getBaseQuery(countOnly)

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	if !countOnly {
		query = appendOrderAndLimit(query, filter)
	}

	return query, args
}

// buildSliceCondition creates a SQL IN condition for a slice of string values.
func buildSliceCondition[T ~string](column string, values []T, args *[]interface{}) string {
	if len(values) == 0 {
		return ""
	}
	placeholders := make([]string, len(values))
	for i, v := range values {
		placeholders[i] = "?"
		*args = append(*args, string(v))
	}
	return fmt.Sprintf("%s IN (%s)", column, strings.Join(placeholders, ","))
}

// buildFilterConditions builds WHERE clause conditions from a Filter.
// The cursor is a pagination detail, not a match criterion, so Count
// queries skip it.
func (s *DuckDBStore) buildFilterConditions(filter Filter, countOnly bool) ([]string, []interface{}) {
	var args []interface{}
	var conditions []string

	if cond := buildSliceCondition("action_module", filter.Modules, &args); cond != "" {
		conditions = append(conditions, cond)
	}
	if cond := buildSliceCondition("action_type", filter.ActionTypes, &args); cond != "" {
		conditions = append(conditions, cond)
	}
	if cond := buildSliceCondition("status", filter.Statuses, &args); cond != "" {
		conditions = append(conditions, cond)
	}

	conditions, args = appendStringCondition(conditions, args, "actor_id", filter.ActorID)
	conditions, args = appendStringCondition(conditions, args, "entity_id", filter.EntityID)

	if filter.Start != nil {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, *filter.Start)
	}
	if filter.End != nil {
		conditions = append(conditions, "timestamp <= ?")
		args = append(args, *filter.End)
	}

	if filter.Search != "" {
		conditions = append(conditions, "(LOWER(entity) LIKE ? OR LOWER(COALESCE(error, '')) LIKE ? OR LOWER(CAST(details AS VARCHAR)) LIKE ?)")
		searchPattern := "%" + strings.ToLower(filter.Search) + "%"
		args = append(args, searchPattern, searchPattern, searchPattern)
	}

	if !countOnly && filter.Cursor > 0 {
		conditions = append(conditions, "id < ?")
		args = append(args, filter.Cursor)
	}

	return conditions, args
}

// appendStringCondition adds a string equality condition if value is non-empty.
func appendStringCondition(conditions []string, args []interface{}, column, value string) ([]string, []interface{}) {
	if value != "" {
		conditions = append(conditions, column+" = ?")
		args = append(args, value)
	}
	return conditions, args
}

// getBaseQuery returns the SELECT statement for audit events.
func (s *DuckDBStore) getBaseQuery(countOnly bool) string {
	if countOnly {
		return "SELECT COUNT(*) FROM audit_events"
	}
	// Cast the JSON column to VARCHAR for proper scanning
	return `
		SELECT
			id, timestamp,
			actor_id, actor_email, actor_name, actor_role,
			action_type, action_module, entity, entity_id,
			CAST(details AS VARCHAR) as details,
			ctx_ip, ctx_user_agent, ctx_session_id, ctx_request_id,
			ctx_path, ctx_method, ctx_duration_ms,
			status, error
		FROM audit_events
	`
}

// appendOrderAndLimit adds ORDER BY, LIMIT, and OFFSET clauses.
// Events are always returned newest first with the sequence ID as
// tiebreak, so cursor pages never overlap and never skip.
func appendOrderAndLimit(query string, filter Filter) string {
	query += " ORDER BY timestamp DESC, id DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 && filter.Cursor == 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	return query
}

// scannedEventData holds raw scanned values from the database.
type scannedEventData struct {
	event      Event
	actionType string
	module     string
	status     string
	actorEmail sql.NullString
	actorName  sql.NullString
	entityID   sql.NullString
	details    sql.NullString
	ip         sql.NullString
	userAgent  sql.NullString
	sessionID  sql.NullString
	requestID  sql.NullString
	path       sql.NullString
	method     sql.NullString
	durationMS sql.NullInt64
	errMsg     sql.NullString
}

// scanDestinations returns pointers to all fields for scanning.
func (d *scannedEventData) scanDestinations() []interface{} {
	return []interface{}{
		&d.event.ID,
		&d.event.Timestamp,
		&d.event.Actor.ID,
		&d.actorEmail,
		&d.actorName,
		&d.event.Actor.Role,
		&d.actionType,
		&d.module,
		&d.event.Action.Entity,
		&d.entityID,
		&d.details,
		&d.ip,
		&d.userAgent,
		&d.sessionID,
		&d.requestID,
		&d.path,
		&d.method,
		&d.durationMS,
		&d.status,
		&d.errMsg,
	}
}

// toEvent converts scanned data to a fully populated Event.
func (d *scannedEventData) toEvent() *Event {
	d.event.Action.Type = ActionType(d.actionType)
	d.event.Action.Module = Module(d.module)
	d.event.Status = Status(d.status)

	d.event.Actor.Email = d.actorEmail.String
	d.event.Actor.Name = d.actorName.String
	d.event.Action.EntityID = d.entityID.String
	d.event.Context.IP = d.ip.String
	d.event.Context.UserAgent = d.userAgent.String
	d.event.Context.SessionID = d.sessionID.String
	d.event.Context.RequestID = d.requestID.String
	d.event.Context.Path = d.path.String
	d.event.Context.Method = d.method.String
	if d.durationMS.Valid {
		d.event.Context.DurationMS = d.durationMS.Int64
	}
	d.event.Error = d.errMsg.String

	if d.details.Valid && d.details.String != "" {
		var details Details
		if err := json.Unmarshal([]byte(d.details.String), &details); err != nil {
			logging.Debug().Err(err).Int64("event_id", d.event.ID).Msg("Failed to parse event details JSON")
		} else {
			d.event.Details = &details
		}
	}

	return &d.event
}

// scanEvent scans a single row into an Event.
func scanEvent(row *sql.Row) (*Event, error) {
	var data scannedEventData
	if err := row.Scan(data.scanDestinations()...); err != nil {
		return nil, err
	}
	return data.toEvent(), nil
}

// scanEventFromRows scans a row from sql.Rows into an Event.
func scanEventFromRows(rows *sql.Rows) (*Event, error) {
	var data scannedEventData
	if err := rows.Scan(data.scanDestinations()...); err != nil {
		return nil, err
	}
	return data.toEvent(), nil
}
