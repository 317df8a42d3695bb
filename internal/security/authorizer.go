package security

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// AuthorizerConfig is the full access control configuration.
type AuthorizerConfig struct {
	Roles       map[string]Role // role name → definition. Empty = DefaultRoles().
	DefaultRole string          // role for principals with no role set. Empty = deny.
}

// Authorizer enforces right-based access control with default-deny semantics.
// Safe for concurrent use.
type Authorizer struct {
	mu          sync.RWMutex
	roles       map[string]Role
	defaultRole string
	logger      *slog.Logger
}

// NewAuthorizer creates an Authorizer from the given configuration.
func NewAuthorizer(cfg AuthorizerConfig, logger *slog.Logger) *Authorizer {
	roles := cfg.Roles
	if len(roles) == 0 {
		roles = DefaultRoles()
	}
	return &Authorizer{
		roles:       roles,
		defaultRole: cfg.DefaultRole,
		logger:      logger,
	}
}

// Authorize returns nil if the principal may exercise the right against the
// service. A key scoped to another service is denied before any role check,
// so cross-service requests fail identically whether or not the target exists.
func (a *Authorizer) Authorize(ctx context.Context, p Principal, serviceID uuid.UUID, right Right) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if p.ServiceID != serviceID {
		a.logger.WarnContext(ctx, "permission denied: key scoped to another service",
			slog.String("key_id", p.KeyID),
			slog.String("service_id", serviceID.String()),
		)
		return fmt.Errorf("%w: key %q is not scoped to this service", ErrPermissionDenied, p.KeyID)
	}

	role, ok := a.resolveRole(p)
	if !ok {
		a.logger.WarnContext(ctx, "permission denied: no role found",
			slog.String("key_id", p.KeyID),
			slog.String("right", string(right)),
		)
		return fmt.Errorf("%w: key %q has no assigned role", ErrPermissionDenied, p.KeyID)
	}

	if !roleHasRight(role, right) {
		a.logger.WarnContext(ctx, "permission denied: right not in role",
			slog.String("key_id", p.KeyID),
			slog.String("role", role.Name),
			slog.String("right", string(right)),
		)
		return fmt.Errorf("%w: role %q does not include %q", ErrPermissionDenied, role.Name, right)
	}

	return nil
}

// resolveRole returns the role for the principal, falling back to defaultRole.
func (a *Authorizer) resolveRole(p Principal) (Role, bool) {
	roleName := p.Role
	if roleName == "" {
		roleName = a.defaultRole
	}
	if roleName == "" {
		return Role{}, false
	}
	role, ok := a.roles[roleName]
	return role, ok
}

func roleHasRight(role Role, right Right) bool {
	for _, r := range role.Rights {
		if r == right {
			return true
		}
	}
	return false
}
