package rbac

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-iam/internal/platform/db"
	"github.com/odyssey-erp/odyssey-iam/internal/shared"
)

// Repository defines persistence operations for the role registry.
type Repository interface {
	ListRoles(ctx context.Context) ([]Role, error)
	GetRole(ctx context.Context, id int64) (Role, error)
	GetRoleByName(ctx context.Context, name string) (Role, error)
	CreateRole(ctx context.Context, name, description string) (Role, error)
	UpdateRole(ctx context.Context, id int64, name, description string) (Role, error)
	DeleteRole(ctx context.Context, id int64) (int64, error)
	ListPermissions(ctx context.Context) ([]Permission, error)
	UpsertPermission(ctx context.Context, name, description string) (Permission, error)
	RolePermissions(ctx context.Context, roleID int64) ([]string, error)
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes the statements that must run inside one transaction.
type TxRepository interface {
	LockRole(ctx context.Context, roleID int64) (Role, error)
	PermissionIDs(ctx context.Context, names []string) (map[string]int64, error)
	ClearRolePermissions(ctx context.Context, roleID int64) error
	InsertRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error
	Audit(ctx context.Context, log shared.AuditLog) error
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	pool  *pgxpool.Pool
	guard db.Guard
}

// NewRepository constructs a PostgreSQL repository. Every call is bounded by guard.
func NewRepository(pool *pgxpool.Pool, guard db.Guard) *PGRepository {
	return &PGRepository{pool: pool, guard: guard}
}

const roleColumns = `id, name, description, created_at, updated_at`

func scanRole(row pgx.Row) (Role, error) {
	var role Role
	if err := row.Scan(&role.ID, &role.Name, &role.Description, &role.CreatedAt, &role.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, shared.ErrNotFound
		}
		return Role{}, db.Classify(err)
	}
	role.System = IsSystemRole(role.Name)
	return role, nil
}

// ListRoles returns all roles ordered by name.
func (r *PGRepository) ListRoles(ctx context.Context) ([]Role, error) {
	ctx, cancel := r.guard.Context(ctx)
	defer cancel()

	rows, err := r.pool.Query(ctx, `SELECT `+roleColumns+` FROM roles ORDER BY name`)
	if err != nil {
		return nil, db.Classify(err)
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, db.Classify(err)
	}
	return roles, nil
}

// GetRole fetches a role by ID.
func (r *PGRepository) GetRole(ctx context.Context, id int64) (Role, error) {
	ctx, cancel := r.guard.Context(ctx)
	defer cancel()
	return scanRole(r.pool.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = $1`, id))
}

// GetRoleByName fetches a role by its unique name.
func (r *PGRepository) GetRoleByName(ctx context.Context, name string) (Role, error) {
	ctx, cancel := r.guard.Context(ctx)
	defer cancel()
	return scanRole(r.pool.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE name = $1`, name))
}

// CreateRole inserts a new role. A name collision surfaces as ErrDuplicateName.
func (r *PGRepository) CreateRole(ctx context.Context, name, description string) (Role, error) {
	ctx, cancel := r.guard.Context(ctx)
	defer cancel()
	return scanRole(r.pool.QueryRow(ctx,
		`INSERT INTO roles (name, description) VALUES ($1, $2) RETURNING `+roleColumns,
		name, description))
}

// UpdateRole renames a role and replaces its description.
func (r *PGRepository) UpdateRole(ctx context.Context, id int64, name, description string) (Role, error) {
	ctx, cancel := r.guard.Context(ctx)
	defer cancel()
	return scanRole(r.pool.QueryRow(ctx,
		`UPDATE roles SET name = $2, description = $3, updated_at = NOW() WHERE id = $1 RETURNING `+roleColumns,
		id, name, description))
}

// DeleteRole removes a role and returns the number of deleted rows. Assignments
// cascade and users fall back to no role.
func (r *PGRepository) DeleteRole(ctx context.Context, id int64) (int64, error) {
	ctx, cancel := r.guard.Context(ctx)
	defer cancel()
	tag, err := r.pool.Exec(ctx, `DELETE FROM roles WHERE id = $1`, id)
	if err != nil {
		return 0, db.Classify(err)
	}
	return tag.RowsAffected(), nil
}

// ListPermissions returns all permissions ordered by name.
func (r *PGRepository) ListPermissions(ctx context.Context) ([]Permission, error) {
	ctx, cancel := r.guard.Context(ctx)
	defer cancel()

	rows, err := r.pool.Query(ctx, `SELECT id, name, description FROM permissions ORDER BY name`)
	if err != nil {
		return nil, db.Classify(err)
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Name, &p.Description); err != nil {
			return nil, db.Classify(err)
		}
		perms = append(perms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, db.Classify(err)
	}
	return perms, nil
}

// UpsertPermission inserts a permission or refreshes its description.
func (r *PGRepository) UpsertPermission(ctx context.Context, name, description string) (Permission, error) {
	ctx, cancel := r.guard.Context(ctx)
	defer cancel()
	var p Permission
	err := r.pool.QueryRow(ctx, `
		INSERT INTO permissions (name, description) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET description = EXCLUDED.description
		RETURNING id, name, description`, name, description).Scan(&p.ID, &p.Name, &p.Description)
	if err != nil {
		return Permission{}, db.Classify(err)
	}
	return p, nil
}

// RolePermissions returns the deduplicated permission names assigned to a role.
func (r *PGRepository) RolePermissions(ctx context.Context, roleID int64) ([]string, error) {
	ctx, cancel := r.guard.Context(ctx)
	defer cancel()

	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT p.name
		FROM role_permissions rp
		JOIN permissions p ON p.id = rp.permission_id
		WHERE rp.role_id = $1
		ORDER BY p.name`, roleID)
	if err != nil {
		return nil, db.Classify(err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, db.Classify(err)
	}
	return names, nil
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx wraps callback in a repeatable-read transaction bounded by the guard timeout.
func (r *PGRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	ctx, cancel := r.guard.Context(ctx)
	defer cancel()
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

// LockRole reads a role and holds its row lock until the transaction ends.
func (t *txRepo) LockRole(ctx context.Context, roleID int64) (Role, error) {
	return scanRole(t.tx.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = $1 FOR UPDATE`, roleID))
}

// PermissionIDs resolves permission names to ids. Unknown names are absent from the result.
func (t *txRepo) PermissionIDs(ctx context.Context, names []string) (map[string]int64, error) {
	rows, err := t.tx.Query(ctx, `SELECT id, name FROM permissions WHERE name = ANY($1)`, names)
	if err != nil {
		return nil, db.Classify(err)
	}
	defer rows.Close()
	ids := make(map[string]int64, len(names))
	for rows.Next() {
		var (
			id   int64
			name string
		)
		if err := rows.Scan(&id, &name); err != nil {
			return nil, db.Classify(err)
		}
		ids[name] = id
	}
	if err := rows.Err(); err != nil {
		return nil, db.Classify(err)
	}
	return ids, nil
}

// ClearRolePermissions removes every assignment of a role.
func (t *txRepo) ClearRolePermissions(ctx context.Context, roleID int64) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, roleID); err != nil {
		return fmt.Errorf("rbac: clear assignments: %w", db.Classify(err))
	}
	return nil
}

// InsertRolePermissions attaches permissions to a role in one statement.
func (t *txRepo) InsertRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error {
	if len(permissionIDs) == 0 {
		return nil
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO role_permissions (role_id, permission_id)
		SELECT $1, unnest($2::bigint[])
		ON CONFLICT DO NOTHING`, roleID, permissionIDs)
	if err != nil {
		return fmt.Errorf("rbac: insert assignments: %w", db.Classify(err))
	}
	return nil
}

// Audit records an audit entry inside the transaction.
func (t *txRepo) Audit(ctx context.Context, log shared.AuditLog) error {
	return shared.NewAuditLogger(t.tx).Record(ctx, log)
}

var _ Repository = (*PGRepository)(nil)
