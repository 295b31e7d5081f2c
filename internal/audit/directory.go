// LabTrail - Laboratory Inventory, Scheduling and Audit Platform
// Copyright 2026 M. Fedyk (mfedyk)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mfedyk/labtrail

package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/mfedyk/labtrail/internal/metrics"
)

// ActorDirectory resolves roles to user IDs from the audit trail itself:
// every user the system has seen act, with their most recently observed
// role. Account management is external, so the event history is the only
// local source of the user population.
//
// Satisfies the notification dispatcher's UserDirectory interface.
type ActorDirectory struct {
	db *sql.DB
}

// NewActorDirectory creates a directory over the audit event table.
func NewActorDirectory(db *sql.DB) *ActorDirectory {
	return &ActorDirectory{db: db}
}

// UserIDsByRoles returns the IDs of users whose latest observed role is in
// roles. The system actor is never a notification recipient.
func (d *ActorDirectory) UserIDsByRoles(ctx context.Context, roles []string) ([]string, error) {
	if len(roles) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(roles)), ", ")
	query := fmt.Sprintf(`
		SELECT actor_id FROM (
			SELECT actor_id, actor_role,
			       ROW_NUMBER() OVER (PARTITION BY actor_id ORDER BY timestamp DESC, id DESC) AS rn
			FROM audit_events
			WHERE actor_id != 'system'
		) WHERE rn = 1 AND actor_role IN (%s)`, placeholders)

	args := make([]interface{}, len(roles))
	for i, role := range roles {
		args[i] = role
	}

	start := time.Now()
	rows, err := d.db.QueryContext(ctx, query, args...)
	metrics.RecordDBQuery("directory", "audit_events", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("resolve users by roles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan actor id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
