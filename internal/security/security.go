// Package security implements API-key principals and right-based access
// control for action management. Default-deny: a right not explicitly granted
// to a principal's role is refused.
package security

import (
	"errors"

	"github.com/google/uuid"
)

// ErrPermissionDenied is returned when a principal lacks a required right.
var ErrPermissionDenied = errors.New("permission denied")

// Right names a single capability a role can grant.
type Right string

const (
	// RightActionsRead allows listing and reading action definitions and stats.
	RightActionsRead Right = "actions:read"
	// RightActionsManage allows creating, updating, and deleting actions.
	RightActionsManage Right = "actions:manage"
	// RightActionsTest allows running an action through the test endpoint.
	RightActionsTest Right = "actions:test"
	// RightLogsRead allows reading and streaming the execution log.
	RightLogsRead Right = "logs:read"
)

// Role defines a named set of rights. No wildcards — every right must be
// explicitly enumerated.
type Role struct {
	Name   string  `json:"name" yaml:"name"`
	Rights []Right `json:"rights" yaml:"rights"`
}

// Built-in role names.
const (
	RoleAdmin  = "admin"
	RoleViewer = "viewer"
)

// DefaultRoles returns the built-in role set: admin holds every right,
// viewer is read-only.
func DefaultRoles() map[string]Role {
	return map[string]Role{
		RoleAdmin: {
			Name:   RoleAdmin,
			Rights: []Right{RightActionsRead, RightActionsManage, RightActionsTest, RightLogsRead},
		},
		RoleViewer: {
			Name:   RoleViewer,
			Rights: []Right{RightActionsRead, RightLogsRead},
		},
	}
}

// Principal is an authenticated API client. Every key is scoped to exactly
// one service.
type Principal struct {
	KeyID     string    `json:"key_id"`
	Name      string    `json:"name"`
	ServiceID uuid.UUID `json:"service_id"`
	Role      string    `json:"role"`
}
