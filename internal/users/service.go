package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/odyssey-erp/odyssey-iam/internal/platform/security"
	"github.com/odyssey-erp/odyssey-iam/internal/rbac"
	"github.com/odyssey-erp/odyssey-iam/internal/shared"
)

// Config tunes the account lifecycle.
type Config struct {
	DefaultStatus     shared.AccountStatus
	InviteTTL         time.Duration
	ResetTTL          time.Duration
	PasswordMinLength int
	BaseURL           string
	Clock             shared.Clock
}

// Service owns the account lifecycle state machine and its token flows.
type Service struct {
	repo    Repository
	roles   RolePermissions
	hasher  security.PasswordHasher
	secrets security.SecretSource
	mailer  Mailer
	audit   shared.AuditRecorder
	logger  *slog.Logger
	cfg     Config
}

// NewService builds Service instance.
func NewService(repo Repository, roles RolePermissions, hasher security.PasswordHasher, secrets security.SecretSource, mailer Mailer, audit shared.AuditRecorder, logger *slog.Logger, cfg Config) *Service {
	if cfg.InviteTTL <= 0 {
		cfg.InviteTTL = 72 * time.Hour
	}
	if cfg.ResetTTL <= 0 {
		cfg.ResetTTL = time.Hour
	}
	if cfg.PasswordMinLength <= 0 {
		cfg.PasswordMinLength = 8
	}
	if cfg.DefaultStatus == "" {
		cfg.DefaultStatus = shared.StatusActive
	}
	if audit == nil {
		audit = shared.NopAudit{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if mailer == nil {
		mailer = LogMailer{Logger: logger}
	}
	return &Service{repo: repo, roles: roles, hasher: hasher, secrets: secrets, mailer: mailer, audit: audit, logger: logger, cfg: cfg}
}

func (s *Service) now() time.Time {
	return s.cfg.Clock.Now()
}

// Get fetches a user by ID.
func (s *Service) Get(ctx context.Context, id int64) (User, error) {
	return s.repo.GetByID(ctx, id)
}

// GetByEmail fetches a user by email after normalization.
func (s *Service) GetByEmail(ctx context.Context, email string) (User, error) {
	return s.repo.GetByEmail(ctx, NormalizeEmail(email))
}

// List returns one page of users and its pagination metadata.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]User, shared.Pagination, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, shared.Pagination{}, shared.NewValidationError("status", "unknown account status")
	}
	page := shared.NewPagination(filter.Page, filter.PerPage, 0)
	filter.Page, filter.PerPage = page.Page, page.PerPage
	list, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, shared.Pagination{}, fmt.Errorf("users: list: %w", err)
	}
	return list, shared.NewPagination(page.Page, page.PerPage, total), nil
}

// Register creates a self-registered account with the configured default
// status. A pending account waits for an administrator to activate it, so no
// invitation token is issued.
func (s *Service) Register(ctx context.Context, input RegisterInput) (User, error) {
	email, err := validateEmail(input.Email)
	if err != nil {
		return User{}, err
	}
	if err := s.ValidatePassword(input.Password); err != nil {
		return User{}, err
	}
	status, err := InitialStatus(TriggerRegister, s.cfg.DefaultStatus)
	if err != nil {
		return User{}, err
	}
	hash, err := s.hasher.Hash(input.Password)
	if err != nil {
		return User{}, fmt.Errorf("users: hash password: %w", err)
	}
	record := NewUser{
		Email:        email,
		FirstName:    strings.TrimSpace(input.FirstName),
		LastName:     strings.TrimSpace(input.LastName),
		PasswordHash: hash,
		Status:       status,
	}
	if status != shared.StatusPending {
		now := s.now()
		record.ActivatedAt = &now
	}
	user, err := s.repo.Create(ctx, record)
	if err != nil {
		return User{}, fmt.Errorf("users: register: %w", err)
	}
	s.record(ctx, user.ID, shared.AuditUserRegistered, user.ID, map[string]any{"status": user.Status})
	return user, nil
}

// Provision creates an active account with a known password and role. It is
// reserved for operator bootstrap and skips the invitation flow.
func (s *Service) Provision(ctx context.Context, email, password string, roleID *int64) (User, error) {
	address, err := validateEmail(email)
	if err != nil {
		return User{}, err
	}
	if err := s.ValidatePassword(password); err != nil {
		return User{}, err
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return User{}, fmt.Errorf("users: hash password: %w", err)
	}
	now := s.now()
	user, err := s.repo.Create(ctx, NewUser{
		Email:        address,
		PasswordHash: hash,
		Status:       shared.StatusActive,
		RoleID:       roleID,
		ActivatedAt:  &now,
	})
	if err != nil {
		return User{}, fmt.Errorf("users: provision: %w", err)
	}
	s.record(ctx, shared.SystemActor(), shared.AuditUserRegistered, user.ID, map[string]any{"status": user.Status, "role_id": roleID, "provisioned": true})
	return user, nil
}

// Activate consumes an invitation token, sets the chosen password and moves
// the account to active. Unknown, mismatched and consumed tokens all yield
// ErrInvalidToken; a token past its expiry yields ErrExpiredToken.
func (s *Service) Activate(ctx context.Context, token, newPassword string) (User, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return User{}, shared.ErrInvalidToken
	}
	user, err := s.repo.GetByInvitationToken(ctx, token)
	if err != nil {
		return User{}, tokenLookupError(err)
	}
	next, err := Transition(user.Status, TriggerActivate, "")
	if err != nil {
		return User{}, shared.ErrInvalidToken
	}
	now := s.now()
	if user.InvitationExpiresAt == nil || shared.Expired(now, *user.InvitationExpiresAt) {
		return User{}, shared.ErrExpiredToken
	}
	if err := s.ValidatePassword(newPassword); err != nil {
		return User{}, err
	}
	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return User{}, fmt.Errorf("users: hash password: %w", err)
	}
	activated, err := s.repo.ConsumeInvitation(ctx, ConsumeParams{
		UserID:       user.ID,
		Token:        token,
		PasswordHash: hash,
		From:         user.Status,
		Status:       next,
		Now:          now,
	})
	if err != nil {
		return User{}, err
	}
	s.record(ctx, shared.SystemActor(), shared.AuditUserActivated, activated.ID, nil)
	return activated, nil
}

// ResetPassword consumes a reset token and sets a new password. It follows the
// same expiry and single-use rules as activation.
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) (User, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return User{}, shared.ErrInvalidToken
	}
	user, err := s.repo.GetByResetToken(ctx, token)
	if err != nil {
		return User{}, tokenLookupError(err)
	}
	next, err := Transition(user.Status, TriggerResetPassword, "")
	if err != nil {
		return User{}, shared.ErrInvalidToken
	}
	now := s.now()
	if user.ResetExpiresAt == nil || shared.Expired(now, *user.ResetExpiresAt) {
		return User{}, shared.ErrExpiredToken
	}
	if err := s.ValidatePassword(newPassword); err != nil {
		return User{}, err
	}
	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return User{}, fmt.Errorf("users: hash password: %w", err)
	}
	updated, err := s.repo.ConsumeReset(ctx, ConsumeParams{
		UserID:       user.ID,
		Token:        token,
		PasswordHash: hash,
		From:         user.Status,
		Status:       next,
		Now:          now,
	})
	if err != nil {
		return User{}, err
	}
	s.record(ctx, shared.SystemActor(), shared.AuditUserPasswordReset, updated.ID, nil)
	return updated, nil
}

// ChangeOwnPassword verifies the current password and replaces it. An inactive
// account becomes active. Suspended and pending accounts keep their status;
// pending accounts still activate through their invitation.
func (s *Service) ChangeOwnPassword(ctx context.Context, userID int64, currentPassword, newPassword string) (User, error) {
	user, err := s.repo.GetByID(ctx, userID)
	if err != nil {
		return User{}, err
	}
	if !s.hasher.Verify(user.PasswordHash, currentPassword) {
		return User{}, shared.ErrInvalidCredentials
	}
	next, err := Transition(user.Status, TriggerChangePassword, "")
	if err != nil {
		return User{}, &shared.AccountNotActiveError{Status: user.Status}
	}
	if err := s.ValidatePassword(newPassword); err != nil {
		return User{}, err
	}
	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return User{}, fmt.Errorf("users: hash password: %w", err)
	}
	updated, err := s.repo.UpdatePassword(ctx, user.ID, user.PasswordHash, hash, user.Status, next, s.now())
	if err != nil {
		return User{}, err
	}
	s.record(ctx, user.ID, shared.AuditUserPasswordChanged, user.ID, map[string]any{"from": user.Status, "to": updated.Status})
	return updated, nil
}

// UpdateStatus applies an administrative status change. The actor needs
// user.manage whatever route the call came from.
func (s *Service) UpdateStatus(ctx context.Context, actor *rbac.Principal, userID int64, status shared.AccountStatus) (User, error) {
	if err := rbac.Check(actor, rbac.ModeAll, shared.PermUserManage); err != nil {
		return User{}, err
	}
	user, err := s.repo.GetByID(ctx, userID)
	if err != nil {
		return User{}, err
	}
	next, err := Transition(user.Status, TriggerAdministrative, status)
	if err != nil {
		return User{}, shared.NewValidationError("status", "status must be one of active, inactive, suspended")
	}
	if next == user.Status {
		return user, nil
	}
	updated, err := s.repo.UpdateStatus(ctx, user.ID, user.Status, next, s.now())
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return User{}, fmt.Errorf("users: status changed concurrently: %w", err)
		}
		return User{}, err
	}
	s.record(ctx, actor.ActorID(), shared.AuditUserStatusChanged, user.ID, map[string]any{"from": user.Status, "to": next})
	return updated, nil
}

// AssignRole sets the role of a user or clears it when roleID is nil. The
// actor may only grant a role whose permissions it holds itself.
func (s *Service) AssignRole(ctx context.Context, actor *rbac.Principal, userID int64, roleID *int64) (User, error) {
	if err := rbac.Check(actor, rbac.ModeAll, shared.PermUserManage); err != nil {
		return User{}, err
	}
	if roleID != nil && *roleID <= 0 {
		return User{}, shared.NewValidationError("role_id", "invalid role id")
	}
	if err := s.checkGrant(ctx, actor, roleID); err != nil {
		return User{}, err
	}
	updated, err := s.repo.UpdateRole(ctx, userID, roleID, s.now())
	if err != nil {
		return User{}, err
	}
	s.record(ctx, actor.ActorID(), shared.AuditUserRoleChanged, userID, map[string]any{"role_id": roleID})
	return updated, nil
}

// checkGrant rejects roles carrying a permission the actor lacks. Super
// admins may grant any role.
func (s *Service) checkGrant(ctx context.Context, actor *rbac.Principal, roleID *int64) error {
	if roleID == nil || rbac.IsSuperAdmin(actor) {
		return nil
	}
	if s.roles == nil {
		return shared.ErrInsufficientPermission
	}
	perms, err := s.roles.ResolvePermissions(ctx, *roleID)
	if err != nil {
		return fmt.Errorf("users: resolve role %d: %w", *roleID, err)
	}
	for _, perm := range perms {
		if !actor.Has(perm) {
			s.logger.Warn("role grant denied",
				slog.Int64("actor_id", actor.ActorID()),
				slog.Int64("role_id", *roleID),
				slog.String("missing", perm))
			return shared.ErrInsufficientPermission
		}
	}
	return nil
}

// UpdateProfile replaces the display names of a user.
func (s *Service) UpdateProfile(ctx context.Context, userID int64, firstName, lastName string) (User, error) {
	firstName, lastName = strings.TrimSpace(firstName), strings.TrimSpace(lastName)
	if utf8.RuneCountInString(firstName) > 100 || utf8.RuneCountInString(lastName) > 100 {
		return User{}, shared.NewValidationError("name", "name too long")
	}
	return s.repo.UpdateProfile(ctx, userID, firstName, lastName, s.now())
}

// ValidatePassword enforces the length policy on the normalized password.
func (s *Service) ValidatePassword(password string) error {
	normalized := security.NormalizePassword(password)
	if utf8.RuneCountInString(normalized) < s.cfg.PasswordMinLength {
		return shared.NewValidationError("password", fmt.Sprintf("password must be at least %d characters", s.cfg.PasswordMinLength))
	}
	if len(normalized) > security.MaxPasswordBytes {
		return shared.NewValidationError("password", "password must be at most 72 bytes")
	}
	return nil
}

// NormalizeEmail trims and lower-cases an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validateEmail(raw string) (string, error) {
	email := NormalizeEmail(raw)
	at := strings.LastIndexByte(email, '@')
	if at <= 0 || at == len(email)-1 || len(email) > 254 || strings.ContainsAny(email, " \t\r\n") {
		return "", shared.NewValidationError("email", "invalid email address")
	}
	return email, nil
}

func tokenLookupError(err error) error {
	if errors.Is(err, shared.ErrNotFound) {
		return shared.ErrInvalidToken
	}
	return err
}

func (s *Service) record(ctx context.Context, actorID int64, action string, userID int64, meta map[string]any) {
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   shared.AuditEntityUser,
		EntityID: strconv.FormatInt(userID, 10),
		Meta:     meta,
	})
	if err != nil {
		s.logger.Warn("users audit", slog.String("action", action), slog.Any("error", err))
	}
}
