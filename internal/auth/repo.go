package auth

import (
	"context"
	"time"

	"github.com/odyssey-erp/odyssey-iam/internal/users"
)

// Repository defines the account reads the authenticator needs.
type Repository interface {
	GetByEmail(ctx context.Context, email string) (users.User, error)
	GetByID(ctx context.Context, id int64) (users.User, error)
	TouchLogin(ctx context.Context, id int64, now time.Time) error
}

// PermissionResolver flattens a role into its permission set.
type PermissionResolver interface {
	ResolvePermissions(ctx context.Context, roleID int64) ([]string, error)
}

var _ Repository = (*users.PGRepository)(nil)
