package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/odyssey-erp/odyssey-iam/internal/rbac"
	"github.com/odyssey-erp/odyssey-iam/internal/shared"
)

// Mailer hands a delivery to the outbound channel. Implementations must not
// log the payload secrets.
type Mailer interface {
	Deliver(ctx context.Context, delivery Delivery) error
}

// LogMailer records deliveries without sending them. Used when no queue is configured.
type LogMailer struct {
	Logger *slog.Logger
}

// Deliver implements Mailer.
func (m LogMailer) Deliver(_ context.Context, delivery Delivery) error {
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("mail delivery skipped", slog.Any("delivery", delivery))
	return nil
}

// Invite creates a pending account with a temporary password and an
// invitation token, then hands both to the mailer. The inviter needs
// user.invite or user.manage and may not hand out a role above its own.
func (s *Service) Invite(ctx context.Context, inviter *rbac.Principal, input InviteInput) (InviteResult, error) {
	if err := rbac.Check(inviter, rbac.ModeAny, shared.PermUserInvite, shared.PermUserManage); err != nil {
		return InviteResult{}, err
	}
	email, err := validateEmail(input.Email)
	if err != nil {
		return InviteResult{}, err
	}
	if input.RoleID != nil && *input.RoleID <= 0 {
		return InviteResult{}, shared.NewValidationError("role_id", "invalid role id")
	}
	if err := s.checkGrant(ctx, inviter, input.RoleID); err != nil {
		return InviteResult{}, err
	}
	status, err := InitialStatus(TriggerInvite, "")
	if err != nil {
		return InviteResult{}, err
	}
	token, tempPassword, hash, err := s.issueInvitationSecrets()
	if err != nil {
		return InviteResult{}, err
	}
	expires := s.now().Add(s.cfg.InviteTTL)
	invitedBy := inviter.UserID
	record := NewUser{
		Email:               email,
		FirstName:           strings.TrimSpace(input.FirstName),
		LastName:            strings.TrimSpace(input.LastName),
		PasswordHash:        hash,
		Status:              status,
		RoleID:              input.RoleID,
		InvitationToken:     &token,
		InvitationExpiresAt: &expires,
		InvitedBy:           &invitedBy,
	}
	user, err := s.repo.Create(ctx, record)
	if err != nil {
		return InviteResult{}, fmt.Errorf("users: invite: %w", err)
	}
	delivery := s.invitationDelivery(user, token, tempPassword, expires)
	s.record(ctx, inviter.ActorID(), shared.AuditUserInvited, user.ID, map[string]any{"email": user.Email, "role_id": user.RoleID})
	s.deliver(ctx, delivery)
	return InviteResult{User: user, Delivery: delivery}, nil
}

// ResendInvitation issues a fresh token and temporary password for a pending
// account. The previous token is invalid from the moment this returns.
func (s *Service) ResendInvitation(ctx context.Context, actorID, userID int64) (Delivery, error) {
	user, err := s.repo.GetByID(ctx, userID)
	if err != nil {
		return Delivery{}, err
	}
	if !CanTransition(user.Status, TriggerResendInvitation, "") {
		return Delivery{}, shared.NewValidationError("account_status", "invitation can only be resent to pending accounts")
	}
	token, tempPassword, hash, err := s.issueInvitationSecrets()
	if err != nil {
		return Delivery{}, err
	}
	now := s.now()
	expires := now.Add(s.cfg.InviteTTL)
	updated, err := s.repo.ReplaceInvitation(ctx, user.ID, token, hash, expires, now)
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return Delivery{}, shared.NewValidationError("account_status", "invitation can only be resent to pending accounts")
		}
		return Delivery{}, err
	}
	delivery := s.invitationDelivery(updated, token, tempPassword, expires)
	s.record(ctx, actorID, shared.AuditUserInviteResent, user.ID, nil)
	s.deliver(ctx, delivery)
	return delivery, nil
}

// RequestPasswordReset issues a reset token for an active account. Unknown and
// non-active emails return (nil, nil) so the caller answers identically.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) (*Delivery, error) {
	user, err := s.repo.GetByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if !CanTransition(user.Status, TriggerRequestReset, "") {
		return nil, nil
	}
	token, err := s.secrets.Token()
	if err != nil {
		return nil, fmt.Errorf("users: issue token: %w", err)
	}
	now := s.now()
	expires := now.Add(s.cfg.ResetTTL)
	if err := s.repo.SetResetToken(ctx, user.ID, token, expires, now); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return nil, nil
		}
		return nil, err
	}
	delivery := Delivery{
		Destination: user.Email,
		Kind:        DeliveryPasswordReset,
		Payload: DeliveryPayload{
			Name:      displayName(user),
			Token:     token,
			Link:      s.link("/reset-password", token),
			ExpiresAt: expires,
		},
	}
	s.deliver(ctx, delivery)
	return &delivery, nil
}

func (s *Service) issueInvitationSecrets() (token, tempPassword, hash string, err error) {
	if token, err = s.secrets.Token(); err != nil {
		return "", "", "", fmt.Errorf("users: issue token: %w", err)
	}
	if tempPassword, err = s.secrets.TemporaryPassword(); err != nil {
		return "", "", "", fmt.Errorf("users: issue temporary password: %w", err)
	}
	if hash, err = s.hasher.Hash(tempPassword); err != nil {
		return "", "", "", fmt.Errorf("users: hash password: %w", err)
	}
	return token, tempPassword, hash, nil
}

func (s *Service) invitationDelivery(user User, token, tempPassword string, expires time.Time) Delivery {
	return Delivery{
		Destination: user.Email,
		Kind:        DeliveryInvitation,
		Payload: DeliveryPayload{
			Name:              displayName(user),
			Token:             token,
			TemporaryPassword: tempPassword,
			Link:              s.link("/activate", token),
			ExpiresAt:         expires,
		},
	}
}

// deliver never fails the calling operation: the state change is already committed.
func (s *Service) deliver(ctx context.Context, delivery Delivery) {
	if err := s.mailer.Deliver(ctx, delivery); err != nil {
		s.logger.Error("mail delivery failed", slog.Any("delivery", delivery), slog.Any("error", err))
	}
}

func (s *Service) link(path, token string) string {
	base := strings.TrimRight(s.cfg.BaseURL, "/")
	return base + path + "?token=" + url.QueryEscape(token)
}

func displayName(user User) string {
	name := strings.TrimSpace(user.FirstName + " " + user.LastName)
	if name == "" {
		return user.Email
	}
	return name
}
