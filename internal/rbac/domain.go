package rbac

import (
	"slices"
	"strings"
	"time"

	"github.com/odyssey-erp/odyssey-iam/internal/shared"
)

// Role represents a high-level permission grouping.
type Role struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	System      bool      `json:"system"`
	Permissions []string  `json:"permissions,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Permission represents an atomic capability.
type Permission struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Assignment ties a permission to a role.
type Assignment struct {
	RoleID       int64
	PermissionID int64
	CreatedAt    time.Time
}

// Principal is the request-scoped identity resolved from live storage.
// Permissions should come from NewPermissionSet; Has still answers correctly
// for an unsorted slice, only slower.
type Principal struct {
	UserID      int64                `json:"user_id"`
	Email       string               `json:"email"`
	Status      shared.AccountStatus `json:"status"`
	RoleID      *int64               `json:"role_id,omitempty"`
	Role        string               `json:"role,omitempty"`
	Permissions []string             `json:"permissions"`

	TokenID        string    `json:"-"`
	TokenExpiresAt time.Time `json:"-"`
}

// Has reports whether perm is part of the resolved permission set.
func (p *Principal) Has(perm string) bool {
	if p == nil {
		return false
	}
	perm = normalizePermission(perm)
	if _, found := slices.BinarySearch(p.Permissions, perm); found {
		return true
	}
	return slices.Contains(p.Permissions, perm)
}

// Active reports whether the account may use the system without restriction.
func (p *Principal) Active() bool {
	return p != nil && p.Status == shared.StatusActive
}

// ActorID returns the principal user id, or the system actor for nil.
func (p *Principal) ActorID() int64 {
	if p == nil {
		return shared.SystemActor()
	}
	return p.UserID
}

// NewPermissionSet normalises, deduplicates and sorts permission names.
func NewPermissionSet(perms []string) []string {
	out := make([]string, 0, len(perms))
	for _, p := range perms {
		p = normalizePermission(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func normalizePermission(p string) string {
	return strings.TrimSpace(strings.ToLower(p))
}

// systemRoles is the fixed list of roles that can never be deleted or renamed.
var systemRoles = []string{shared.RoleSuperAdmin, shared.RoleAdmin}

// IsSystemRole reports whether name is a protected system role.
func IsSystemRole(name string) bool {
	return slices.Contains(systemRoles, strings.TrimSpace(strings.ToLower(name)))
}

// SystemRoles returns a copy of the protected role list.
func SystemRoles() []string {
	return slices.Clone(systemRoles)
}
