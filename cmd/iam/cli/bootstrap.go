package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/odyssey-erp/odyssey-iam/internal/rbac"
	"github.com/odyssey-erp/odyssey-iam/internal/shared"
	"github.com/odyssey-erp/odyssey-iam/internal/users"
)

// RoleSyncer seeds the catalog and looks roles up by name.
type RoleSyncer interface {
	SyncCatalog(ctx context.Context, catalog *rbac.Catalog) error
	GetRoleByName(ctx context.Context, name string) (rbac.Role, error)
}

// Provisioner creates active accounts.
type Provisioner interface {
	Provision(ctx context.Context, email, password string, roleID *int64) (users.User, error)
}

// Bootstrap groups the operator commands that prepare a fresh installation.
type Bootstrap struct {
	Roles RoleSyncer
	Users Provisioner
	Out   io.Writer
}

// Seed syncs the permission catalog and bootstrap roles.
func (b Bootstrap) Seed(ctx context.Context, catalog *rbac.Catalog) error {
	if b.Roles == nil {
		return errors.New("bootstrap: role service not configured")
	}
	if err := b.Roles.SyncCatalog(ctx, catalog); err != nil {
		return err
	}
	b.printf("catalog v%d synced: %d permissions, %d roles\n", catalog.Version, len(catalog.Permissions), len(catalog.Roles))
	return nil
}

// CreateSuperAdmin provisions an active account holding the super_admin role.
// The catalog must have been seeded first.
func (b Bootstrap) CreateSuperAdmin(ctx context.Context, email, password string) (users.User, error) {
	if b.Roles == nil || b.Users == nil {
		return users.User{}, errors.New("bootstrap: services not configured")
	}
	role, err := b.Roles.GetRoleByName(ctx, shared.RoleSuperAdmin)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return users.User{}, fmt.Errorf("bootstrap: role %s missing, run seed first: %w", shared.RoleSuperAdmin, err)
		}
		return users.User{}, err
	}
	user, err := b.Users.Provision(ctx, email, password, &role.ID)
	if err != nil {
		return users.User{}, err
	}
	b.printf("created %s (id %d) with role %s\n", user.Email, user.ID, role.Name)
	return user, nil
}

func (b Bootstrap) printf(format string, args ...any) {
	if b.Out == nil {
		return
	}
	_, _ = fmt.Fprintf(b.Out, format, args...)
}
