// Package model defines domain models and data structures.
package model

import (
	"fmt"
	"slices"
	"strings"
)

// Role is a capability role granted to an actor within a tenant.
type Role string

const (
	// RoleOwner can perform every tenant operation including payouts.
	RoleOwner Role = "owner"
	// RoleAdmin manages tenant data and exports.
	RoleAdmin Role = "admin"
	// RoleStaff has read access plus day-to-day operations.
	RoleStaff Role = "staff"
	// RoleSystem is used by background workers acting for a tenant.
	RoleSystem Role = "system"
)

// SystemActorID identifies background workers in audit fields.
const SystemActorID = "system"

// TenantContext is the unit of isolation threaded through every scoped call.
// It is a value type; copies share no mutable state.
type TenantContext struct {
	tenantID string
	actorID  string
	roles    []Role
}

// NewTenantContext validates and builds a TenantContext.
func NewTenantContext(tenantID, actorID string, roles ...Role) (TenantContext, error) {
	tenantID = strings.TrimSpace(tenantID)
	actorID = strings.TrimSpace(actorID)
	if tenantID == "" {
		return TenantContext{}, fmt.Errorf("%w: tenant id is required", ErrInvalidArgument)
	}
	if actorID == "" {
		return TenantContext{}, fmt.Errorf("%w: actor id is required", ErrInvalidArgument)
	}
	if strings.ContainsAny(tenantID, "/ ") {
		return TenantContext{}, fmt.Errorf("%w: tenant id %q contains reserved characters", ErrInvalidArgument, tenantID)
	}

	return TenantContext{
		tenantID: tenantID,
		actorID:  actorID,
		roles:    slices.Clone(roles),
	}, nil
}

// SystemContext builds the context a background worker uses for one tenant.
func SystemContext(tenantID string) (TenantContext, error) {
	return NewTenantContext(tenantID, SystemActorID, RoleSystem)
}

// TenantID returns the tenant the context is bound to.
func (c TenantContext) TenantID() string { return c.tenantID }

// ActorID returns the acting user or worker.
func (c TenantContext) ActorID() string { return c.actorID }

// Roles returns a copy of the granted roles.
func (c TenantContext) Roles() []Role { return slices.Clone(c.roles) }

// HasRole reports whether any of the given roles was granted.
func (c TenantContext) HasRole(roles ...Role) bool {
	for _, r := range roles {
		if slices.Contains(c.roles, r) {
			return true
		}
	}

	return false
}

// Valid reports whether the context was built by NewTenantContext.
func (c TenantContext) Valid() bool {
	return c.tenantID != "" && c.actorID != ""
}
