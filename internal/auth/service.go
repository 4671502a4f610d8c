package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/odyssey-erp/odyssey-iam/internal/platform/security"
	"github.com/odyssey-erp/odyssey-iam/internal/rbac"
	"github.com/odyssey-erp/odyssey-iam/internal/shared"
	"github.com/odyssey-erp/odyssey-iam/internal/users"
)

// Login outcomes reported to the metrics recorder.
const (
	OutcomeSuccess         = "success"
	OutcomeUnknownAccount  = "unknown_account"
	OutcomeInvalidPassword = "invalid_password"
	OutcomeNotActive       = "not_active"
	OutcomeExpired         = "expired"
	OutcomeInvalidToken    = "invalid_token"
	OutcomeRevoked         = "revoked"
	OutcomeError           = "error"
)

// Recorder receives authentication outcomes.
type Recorder interface {
	ObserveLogin(outcome string)
	ObserveTokenCheck(outcome string)
}

type nopRecorder struct{}

func (nopRecorder) ObserveLogin(string)      {}
func (nopRecorder) ObserveTokenCheck(string) {}

// Credentials is either a bearer token or an email/password pair.
type Credentials struct {
	Token    string
	Email    string
	Password string
}

// LoginResult is returned by a successful login.
type LoginResult struct {
	Principal *rbac.Principal `json:"principal"`
	Token     string          `json:"token"`
	TokenType string          `json:"token_type"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Options carries the optional collaborators of Service.
type Options struct {
	Denylist Denylist
	Metrics  Recorder
	Logger   *slog.Logger
	Clock    shared.Clock
}

// Service wraps authentication business rules.
type Service struct {
	repo     Repository
	perms    PermissionResolver
	hasher   security.PasswordHasher
	signer   security.TokenSigner
	denylist Denylist
	metrics  Recorder
	logger   *slog.Logger
	clock    shared.Clock
}

// NewService constructs a new Service.
func NewService(repo Repository, perms PermissionResolver, hasher security.PasswordHasher, signer security.TokenSigner, opts Options) *Service {
	s := &Service{
		repo:     repo,
		perms:    perms,
		hasher:   hasher,
		signer:   signer,
		denylist: opts.Denylist,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		clock:    opts.Clock,
	}
	if s.metrics == nil {
		s.metrics = nopRecorder{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Login validates email/password credentials and issues a session token.
// Unknown email and wrong password are indistinguishable to the caller; only a
// correct password on a non-active account reveals the account status.
func (s *Service) Login(ctx context.Context, email, password string) (LoginResult, error) {
	user, err := s.repo.GetByEmail(ctx, users.NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			s.hasher.VerifyDummy(password)
			s.metrics.ObserveLogin(OutcomeUnknownAccount)
			return LoginResult{}, shared.ErrInvalidCredentials
		}
		s.metrics.ObserveLogin(OutcomeError)
		return LoginResult{}, err
	}
	if !s.hasher.Verify(user.PasswordHash, password) {
		s.metrics.ObserveLogin(OutcomeInvalidPassword)
		return LoginResult{}, shared.ErrInvalidCredentials
	}
	if user.Status != shared.StatusActive {
		s.metrics.ObserveLogin(OutcomeNotActive)
		return LoginResult{}, &shared.AccountNotActiveError{Status: user.Status}
	}

	principal, err := s.principal(ctx, user)
	if err != nil {
		s.metrics.ObserveLogin(OutcomeError)
		return LoginResult{}, err
	}
	token, claims, err := s.signer.Sign(user.ID, user.Email, user.RoleName)
	if err != nil {
		s.metrics.ObserveLogin(OutcomeError)
		return LoginResult{}, err
	}
	principal.TokenID = claims.ID
	principal.TokenExpiresAt = claims.ExpiresAt.Time
	if err := s.repo.TouchLogin(ctx, user.ID, s.clock.Now()); err != nil {
		s.logger.Warn("auth touch login", slog.Int64("user_id", user.ID), slog.Any("error", err))
	}
	s.metrics.ObserveLogin(OutcomeSuccess)
	return LoginResult{Principal: principal, Token: token, TokenType: "Bearer", ExpiresAt: principal.TokenExpiresAt}, nil
}

// VerifyToken checks signature and expiry, consults the denylist and then
// resolves status, role and permissions from storage. Revocations and role
// changes therefore apply to the next request.
func (s *Service) VerifyToken(ctx context.Context, token string) (*rbac.Principal, error) {
	claims, err := s.signer.Verify(strings.TrimSpace(token))
	if err != nil {
		if errors.Is(err, shared.ErrExpiredToken) {
			s.metrics.ObserveTokenCheck(OutcomeExpired)
		} else {
			s.metrics.ObserveTokenCheck(OutcomeInvalidToken)
		}
		return nil, err
	}
	if s.denylist != nil {
		revoked, err := s.denylist.IsRevoked(ctx, claims.ID)
		if err != nil {
			s.metrics.ObserveTokenCheck(OutcomeError)
			return nil, err
		}
		if revoked {
			s.metrics.ObserveTokenCheck(OutcomeRevoked)
			return nil, shared.ErrInvalidToken
		}
	}
	userID, err := claims.UserID()
	if err != nil {
		s.metrics.ObserveTokenCheck(OutcomeInvalidToken)
		return nil, shared.ErrInvalidToken
	}
	user, err := s.repo.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			s.metrics.ObserveTokenCheck(OutcomeUnknownAccount)
			return nil, shared.ErrInvalidToken
		}
		s.metrics.ObserveTokenCheck(OutcomeError)
		return nil, err
	}
	principal, err := s.principal(ctx, user)
	if err != nil {
		s.metrics.ObserveTokenCheck(OutcomeError)
		return nil, err
	}
	principal.TokenID = claims.ID
	principal.TokenExpiresAt = claims.ExpiresAt.Time
	s.metrics.ObserveTokenCheck(OutcomeSuccess)
	return principal, nil
}

// Authenticate resolves a principal from a bearer token when present, otherwise
// from an email/password pair.
func (s *Service) Authenticate(ctx context.Context, creds Credentials) (*rbac.Principal, error) {
	if creds.Token != "" {
		return s.VerifyToken(ctx, creds.Token)
	}
	result, err := s.Login(ctx, creds.Email, creds.Password)
	if err != nil {
		return nil, err
	}
	return result.Principal, nil
}

// Logout revokes the token until it would have expired anyway. Without a
// denylist tokens stay valid until expiry and Logout only validates.
func (s *Service) Logout(ctx context.Context, token string) error {
	claims, err := s.signer.Verify(strings.TrimSpace(token))
	if err != nil {
		return err
	}
	if s.denylist == nil {
		return nil
	}
	return s.denylist.Revoke(ctx, claims.ID, claims.ExpiresAt.Time)
}

func (s *Service) principal(ctx context.Context, user users.User) (*rbac.Principal, error) {
	perms := []string{}
	if user.RoleID != nil {
		resolved, err := s.perms.ResolvePermissions(ctx, *user.RoleID)
		if err != nil {
			return nil, err
		}
		perms = resolved
	}
	return &rbac.Principal{
		UserID:      user.ID,
		Email:       user.Email,
		Status:      user.Status,
		RoleID:      user.RoleID,
		Role:        user.RoleName,
		Permissions: rbac.NewPermissionSet(perms),
	}, nil
}
