package shared

// Core platform permissions referenced by route guards. The catalog file is the
// source of truth for which permissions exist; these names must match it.
const (
	PermUserRead   = "user.read"
	PermUserInvite = "user.invite"
	PermUserManage = "user.manage"

	PermRoleRead   = "role.read"
	PermRoleManage = "role.manage"

	PermPermissionRead = "permission.read"

	// PermAdminAccess marks the top two privilege tiers.
	PermAdminAccess = "admin.access"
	// PermAdminSuper marks the top tier only.
	PermAdminSuper = "admin.super"
)

// Role names seeded by the default catalog.
const (
	RoleSuperAdmin  = "super_admin"
	RoleAdmin       = "admin"
	RoleManager     = "manager"
	RoleEditor      = "editor"
	RoleContributor = "contributor"
	RoleViewer      = "viewer"
)

// CoreScopes lists all permissions related to identity administration.
func CoreScopes() []string {
	return []string{
		PermUserRead,
		PermUserInvite,
		PermUserManage,
		PermRoleRead,
		PermRoleManage,
		PermPermissionRead,
		PermAdminAccess,
		PermAdminSuper,
	}
}
