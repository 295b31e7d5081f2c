// LabTrail - Laboratory Inventory, Scheduling and Audit Platform
// Copyright 2026 M. Fedyk (mfedyk)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mfedyk/labtrail

package models

// Role constants define the standard roles in the system. Role assignment
// itself happens upstream in the account service; LabTrail only consumes the
// resolved role from the request identity.
const (
	// RoleGuest marks an unauthenticated visitor. Guests may never subscribe
	// to live channels or write audit events.
	RoleGuest = "guest"

	// RoleTechnician is the default lab role with read access to own data.
	RoleTechnician = "technician"

	// RoleManager can act on lab inventory across the team.
	RoleManager = "manager"

	// RoleAdmin has full access including the complete audit trail.
	RoleAdmin = "admin"

	// RoleSystem identifies internal actors (schedulers, importers).
	RoleSystem = "system"
)

// ValidRoles contains all roles accepted on incoming identities.
var ValidRoles = []string{RoleGuest, RoleTechnician, RoleManager, RoleAdmin, RoleSystem}

// IsValidRole checks if a role name is one of the known roles.
func IsValidRole(role string) bool {
	for _, r := range ValidRoles {
		if r == role {
			return true
		}
	}
	return false
}

// User is the minimal account projection LabTrail needs for notification
// fan-out: enough to resolve role-targeted recipients.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	Role  string `json:"role"`
}
