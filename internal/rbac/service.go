package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/odyssey-erp/odyssey-iam/internal/shared"
)

// Service orchestrates RBAC operations.
type Service struct {
	repo   Repository
	audit  shared.AuditRecorder
	logger *slog.Logger
}

// NewService constructs a Service backed by the provided repository.
func NewService(repo Repository, audit shared.AuditRecorder, logger *slog.Logger) *Service {
	if audit == nil {
		audit = shared.NopAudit{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: audit, logger: logger}
}

// ListRoles returns all roles ordered by name.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.repo.ListRoles(ctx)
}

// GetRole fetches a role by ID together with its permission set.
func (s *Service) GetRole(ctx context.Context, id int64) (Role, error) {
	role, err := s.repo.GetRole(ctx, id)
	if err != nil {
		return Role{}, err
	}
	perms, err := s.ResolvePermissions(ctx, id)
	if err != nil {
		return Role{}, err
	}
	role.Permissions = perms
	return role, nil
}

// GetRoleByName fetches a role by name.
func (s *Service) GetRoleByName(ctx context.Context, name string) (Role, error) {
	return s.repo.GetRoleByName(ctx, strings.TrimSpace(name))
}

// CreateRole inserts a new role.
func (s *Service) CreateRole(ctx context.Context, actor *Principal, name, description string) (Role, error) {
	name, err := normalizeRoleName(name)
	if err != nil {
		return Role{}, err
	}
	role, err := s.repo.CreateRole(ctx, name, strings.TrimSpace(description))
	if err != nil {
		return Role{}, fmt.Errorf("rbac: create role: %w", err)
	}
	s.record(ctx, actor, shared.AuditRoleCreated, role.ID, map[string]any{"name": role.Name})
	return role, nil
}

// RenameRole updates name and description of an existing role. System roles
// keep their name because protection is keyed on it.
func (s *Service) RenameRole(ctx context.Context, actor *Principal, id int64, name, description string) (Role, error) {
	name, err := normalizeRoleName(name)
	if err != nil {
		return Role{}, err
	}
	current, err := s.repo.GetRole(ctx, id)
	if err != nil {
		return Role{}, err
	}
	if IsSystemRole(current.Name) && current.Name != name {
		return Role{}, fmt.Errorf("rbac: rename %s: %w", current.Name, shared.ErrProtectedRole)
	}
	role, err := s.repo.UpdateRole(ctx, id, name, strings.TrimSpace(description))
	if err != nil {
		return Role{}, fmt.Errorf("rbac: update role: %w", err)
	}
	s.record(ctx, actor, shared.AuditRoleUpdated, role.ID, map[string]any{"from": current.Name, "to": role.Name})
	return role, nil
}

// DeleteRole removes a role by ID. System roles are rejected whoever the caller is.
func (s *Service) DeleteRole(ctx context.Context, actor *Principal, id int64) error {
	role, err := s.repo.GetRole(ctx, id)
	if err != nil {
		return err
	}
	if IsSystemRole(role.Name) {
		return fmt.Errorf("rbac: delete %s: %w", role.Name, shared.ErrProtectedRole)
	}
	rows, err := s.repo.DeleteRole(ctx, id)
	if err != nil {
		return fmt.Errorf("rbac: delete role: %w", err)
	}
	if rows == 0 {
		return shared.ErrNotFound
	}
	s.record(ctx, actor, shared.AuditRoleDeleted, id, map[string]any{"name": role.Name})
	return nil
}

// ListPermissions returns all permissions ordered by name.
func (s *Service) ListPermissions(ctx context.Context) ([]Permission, error) {
	return s.repo.ListPermissions(ctx)
}

// ResolvePermissions returns the flattened, deduplicated permission set of a
// role. A missing role or a role without assignments yields an empty set.
func (s *Service) ResolvePermissions(ctx context.Context, roleID int64) ([]string, error) {
	names, err := s.repo.RolePermissions(ctx, roleID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return []string{}, nil
		}
		return nil, err
	}
	return NewPermissionSet(names), nil
}

// AssignPermissions replaces the permission set of a role atomically: the
// previous assignments are cleared and the new set inserted in one transaction.
func (s *Service) AssignPermissions(ctx context.Context, actor *Principal, roleID int64, permissions []string) error {
	wanted := NewPermissionSet(permissions)
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		role, err := tx.LockRole(ctx, roleID)
		if err != nil {
			return err
		}
		ids, err := tx.PermissionIDs(ctx, wanted)
		if err != nil {
			return err
		}
		permissionIDs := make([]int64, 0, len(wanted))
		var unknown []string
		for _, name := range wanted {
			id, ok := ids[name]
			if !ok {
				unknown = append(unknown, name)
				continue
			}
			permissionIDs = append(permissionIDs, id)
		}
		if len(unknown) > 0 {
			return shared.NewValidationError("permissions", "unknown permissions: "+strings.Join(unknown, ", "))
		}
		if err := tx.ClearRolePermissions(ctx, role.ID); err != nil {
			return err
		}
		if err := tx.InsertRolePermissions(ctx, role.ID, permissionIDs); err != nil {
			return err
		}
		return tx.Audit(ctx, shared.AuditLog{
			ActorID:  actor.ActorID(),
			Action:   shared.AuditRolePermissionsSet,
			Entity:   shared.AuditEntityRole,
			EntityID: strconv.FormatInt(role.ID, 10),
			Meta:     map[string]any{"role": role.Name, "permissions": wanted},
		})
	})
}

// SyncCatalog seeds permissions and bootstrap roles. Roles that already exist
// keep their current assignments.
func (s *Service) SyncCatalog(ctx context.Context, catalog *Catalog) error {
	if catalog == nil {
		return errors.New("rbac: catalog required")
	}
	for _, name := range catalog.PermissionNames() {
		if _, err := s.repo.UpsertPermission(ctx, name, catalog.Permissions[name]); err != nil {
			return fmt.Errorf("rbac: sync permission %s: %w", name, err)
		}
	}
	for _, name := range catalog.RoleNames() {
		_, err := s.repo.GetRoleByName(ctx, name)
		if err == nil {
			continue
		}
		if !errors.Is(err, shared.ErrNotFound) {
			return fmt.Errorf("rbac: sync role %s: %w", name, err)
		}
		role, err := s.repo.CreateRole(ctx, name, catalog.Roles[name].Description)
		if err != nil {
			return fmt.Errorf("rbac: sync role %s: %w", name, err)
		}
		if err := s.AssignPermissions(ctx, nil, role.ID, catalog.RolePermissions(name)); err != nil {
			return fmt.Errorf("rbac: sync role %s: %w", name, err)
		}
		s.logger.Info("rbac role seeded", slog.String("role", name), slog.Int("catalog_version", catalog.Version))
	}
	return nil
}

func (s *Service) record(ctx context.Context, actor *Principal, action string, roleID int64, meta map[string]any) {
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actor.ActorID(),
		Action:   action,
		Entity:   shared.AuditEntityRole,
		EntityID: strconv.FormatInt(roleID, 10),
		Meta:     meta,
	})
	if err != nil {
		s.logger.Warn("rbac audit", slog.String("action", action), slog.Any("error", err))
	}
}

func normalizeRoleName(name string) (string, error) {
	name = strings.TrimSpace(strings.ToLower(name))
	if name == "" {
		return "", shared.NewValidationError("name", "role name required")
	}
	if len(name) > 64 {
		return "", shared.NewValidationError("name", "role name too long")
	}
	return name, nil
}
