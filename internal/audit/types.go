// LabTrail - Laboratory Inventory, Scheduling and Audit Platform
// Copyright 2026 M. Fedyk (mfedyk)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mfedyk/labtrail

// Package audit provides durable audit event logging for all laboratory
// modules. It records who did what, to which entity, with before/after
// detail, and exposes filtered queries and aggregate statistics over the
// recorded history.
package audit

import (
	"context"
	"time"

	"github.com/goccy/go-json"
)

// ActionType categorizes what an actor did.
type ActionType string

const (
	ActionCreate      ActionType = "CREATE"
	ActionRead        ActionType = "READ"
	ActionUpdate      ActionType = "UPDATE"
	ActionDelete      ActionType = "DELETE"
	ActionLogin       ActionType = "LOGIN"
	ActionLogout      ActionType = "LOGOUT"
	ActionExport      ActionType = "EXPORT"
	ActionImport      ActionType = "IMPORT"
	ActionStateChange ActionType = "STATE_CHANGE"
	ActionAlert       ActionType = "ALERT"
)

// Module identifies the functional area an event belongs to.
type Module string

const (
	ModuleChemicals Module = "CHEMICALS"
	ModuleEquipment Module = "EQUIPMENT"
	ModuleRooms     Module = "ROOMS"
	ModuleEvents    Module = "EVENTS"
	ModuleUsers     Module = "USERS"
	ModuleAuth      Module = "AUTH"
	ModuleReports   Module = "REPORTS"
	ModuleSystem    Module = "SYSTEM"
)

// Status indicates whether the audited operation succeeded.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusError   Status = "ERROR"
	StatusWarning Status = "WARNING"
)

// AllActionTypes returns the closed set of action types.
func AllActionTypes() []ActionType {
	return []ActionType{
		ActionCreate, ActionRead, ActionUpdate, ActionDelete,
		ActionLogin, ActionLogout, ActionExport, ActionImport,
		ActionStateChange, ActionAlert,
	}
}

// AllModules returns the closed set of modules.
func AllModules() []Module {
	return []Module{
		ModuleChemicals, ModuleEquipment, ModuleRooms, ModuleEvents,
		ModuleUsers, ModuleAuth, ModuleReports, ModuleSystem,
	}
}

// AllStatuses returns the closed set of event statuses.
func AllStatuses() []Status {
	return []Status{StatusSuccess, StatusError, StatusWarning}
}

// IsValidActionType reports whether t is a known action type.
func IsValidActionType(t ActionType) bool {
	for _, v := range AllActionTypes() {
		if t == v {
			return true
		}
	}
	return false
}

// IsValidModule reports whether m is a known module.
func IsValidModule(m Module) bool {
	for _, v := range AllModules() {
		if m == v {
			return true
		}
	}
	return false
}

// IsValidStatus reports whether s is a known status.
func IsValidStatus(s Status) bool {
	return s == StatusSuccess || s == StatusError || s == StatusWarning
}

// Event represents a single immutable audit log entry.
type Event struct {
	// ID is a monotonically increasing identifier assigned by the store.
	ID int64 `json:"id"`

	// Timestamp when the audited operation occurred.
	Timestamp time.Time `json:"timestamp"`

	// Actor is a denormalized snapshot of who performed the action.
	Actor Actor `json:"actor"`

	// Action describes what was done and to what.
	Action Action `json:"action"`

	// Details carries optional before/after state and field-level changes.
	Details *Details `json:"details,omitempty"`

	// Context captures request metadata.
	Context Context `json:"context"`

	// Status of the audited operation.
	Status Status `json:"status"`

	// Error message when Status is ERROR or WARNING.
	Error string `json:"error,omitempty"`
}

// Actor is a point-in-time snapshot of the acting user or system.
// Later changes to the user record never rewrite history.
type Actor struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	Role  string `json:"role"`
}

// Action describes the operation that was performed.
type Action struct {
	Type     ActionType `json:"type"`
	Module   Module     `json:"module"`
	Entity   string     `json:"entity"`
	EntityID string     `json:"entityId,omitempty"`
}

// Details carries optional structured payload about the change.
type Details struct {
	Before   json.RawMessage `json:"before,omitempty"`
	After    json.RawMessage `json:"after,omitempty"`
	Changes  []Change        `json:"changes,omitempty"`
	Reason   string          `json:"reason,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// Change records a single field-level modification.
type Change struct {
	Field string `json:"field"`
	Old   any    `json:"old,omitempty"`
	New   any    `json:"new,omitempty"`
}

// Context captures where and how the audited request arrived.
type Context struct {
	IP         string `json:"ip,omitempty"`
	UserAgent  string `json:"userAgent,omitempty"`
	SessionID  string `json:"sessionId,omitempty"`
	RequestID  string `json:"requestId,omitempty"`
	Path       string `json:"path,omitempty"`
	Method     string `json:"method,omitempty"`
	DurationMS int64  `json:"durationMs,omitempty"`
}

// SystemActor returns the actor used for events the platform generates itself.
func SystemActor() Actor {
	return Actor{
		ID:   "system",
		Name: "LabTrail",
		Role: "system",
	}
}

// Filter defines the criteria for audit queries. All populated fields
// combine with AND semantics.
type Filter struct {
	// ActorID restricts results to a single actor.
	ActorID string `json:"actorId,omitempty"`

	// Modules filters by module.
	Modules []Module `json:"modules,omitempty"`

	// ActionTypes filters by action type.
	ActionTypes []ActionType `json:"actionTypes,omitempty"`

	// Statuses filters by operation status.
	Statuses []Status `json:"statuses,omitempty"`

	// EntityID restricts results to one entity instance.
	EntityID string `json:"entityId,omitempty"`

	// Start is the inclusive beginning of the time range.
	Start *time.Time `json:"start,omitempty"`

	// End is the inclusive end of the time range.
	End *time.Time `json:"end,omitempty"`

	// Search performs a case-insensitive substring match over entity,
	// reason and error fields.
	Search string `json:"search,omitempty"`

	// Limit is the maximum number of results.
	Limit int `json:"limit,omitempty"`

	// Offset for offset-based pagination.
	Offset int `json:"offset,omitempty"`

	// Cursor is an exclusive last-seen event ID for cursor-based
	// pagination. Results are always ordered newest first, so pages
	// contain events with IDs strictly below the cursor.
	Cursor int64 `json:"cursor,omitempty"`
}

// Stats summarizes the audit history over an optional time range.
type Stats struct {
	TotalEntries int64            `json:"totalEntries"`
	ByModule     map[string]int64 `json:"byModule"`
	ByAction     map[string]int64 `json:"byAction"`
	ByStatus     map[string]int64 `json:"byStatus"`
	ByUser       map[string]int64 `json:"byUser"`
	Earliest     *time.Time       `json:"earliest,omitempty"`
	Latest       *time.Time       `json:"latest,omitempty"`
}

// Store defines the interface for audit event persistence.
type Store interface {
	// Save persists an event and assigns its ID.
	Save(ctx context.Context, event *Event) error

	// Get retrieves an event by ID.
	Get(ctx context.Context, id int64) (*Event, error)

	// Query retrieves events matching the filter, newest first.
	Query(ctx context.Context, filter Filter) ([]Event, error)

	// Count returns the number of events matching the filter,
	// ignoring Limit, Offset and Cursor.
	Count(ctx context.Context, filter Filter) (int64, error)

	// Stats aggregates events within the optional time range.
	Stats(ctx context.Context, start, end *time.Time) (*Stats, error)

	// DeleteOlderThan removes events older than the given time.
	DeleteOlderThan(ctx context.Context, olderThan time.Time) (int64, error)
}
