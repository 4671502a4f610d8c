package users

import (
	"context"
	"log/slog"
	"time"

	"github.com/odyssey-erp/odyssey-iam/internal/shared"
)

// User represents a user account. Secrets never leave the service as JSON.
type User struct {
	ID                  int64                `json:"id"`
	Email               string               `json:"email"`
	FirstName           string               `json:"first_name"`
	LastName            string               `json:"last_name"`
	PasswordHash        string               `json:"-"`
	Status              shared.AccountStatus `json:"account_status"`
	RoleID              *int64               `json:"role_id,omitempty"`
	RoleName            string               `json:"role,omitempty"`
	TwoFactorEnabled    bool                 `json:"two_factor_enabled"`
	TwoFactorSecret     *string              `json:"-"`
	InvitationToken     *string              `json:"-"`
	InvitationExpiresAt *time.Time           `json:"invitation_expires_at,omitempty"`
	InvitedBy           *int64               `json:"invited_by,omitempty"`
	ActivatedAt         *time.Time           `json:"activated_at,omitempty"`
	ResetToken          *string              `json:"-"`
	ResetExpiresAt      *time.Time           `json:"-"`
	LastLoginAt         *time.Time           `json:"last_login_at,omitempty"`
	CreatedAt           time.Time            `json:"created_at"`
	UpdatedAt           time.Time            `json:"updated_at"`
}

// RolePermissions resolves the permission set a role grants.
type RolePermissions interface {
	ResolvePermissions(ctx context.Context, roleID int64) ([]string, error)
}

// NewUser carries the columns of an insert.
type NewUser struct {
	Email               string
	FirstName           string
	LastName            string
	PasswordHash        string
	Status              shared.AccountStatus
	RoleID              *int64
	InvitationToken     *string
	InvitationExpiresAt *time.Time
	InvitedBy           *int64
	ActivatedAt         *time.Time
}

// RegisterInput is the self-registration request.
type RegisterInput struct {
	Email     string `json:"email" validate:"required,email,max=254"`
	Password  string `json:"password" validate:"required"`
	FirstName string `json:"first_name" validate:"max=100"`
	LastName  string `json:"last_name" validate:"max=100"`
}

// InviteInput is the invitation request.
type InviteInput struct {
	Email     string `json:"email" validate:"required,email,max=254"`
	FirstName string `json:"first_name" validate:"max=100"`
	LastName  string `json:"last_name" validate:"max=100"`
	RoleID    *int64 `json:"role_id" validate:"omitempty,gt=0"`
}

// ListFilter narrows user listings.
type ListFilter struct {
	Status  shared.AccountStatus
	RoleID  *int64
	Search  string
	Page    int
	PerPage int
}

// ConsumeParams describes a one-time token consumption.
type ConsumeParams struct {
	UserID       int64
	Token        string
	PasswordHash string
	From         shared.AccountStatus
	Status       shared.AccountStatus
	Now          time.Time
}

// DeliveryKind selects the message template.
type DeliveryKind string

// Delivery kinds.
const (
	DeliveryInvitation    DeliveryKind = "invitation"
	DeliveryPasswordReset DeliveryKind = "password_reset"
)

// DeliveryPayload is the secret-bearing content handed to the mail collaborator.
type DeliveryPayload struct {
	Name              string    `json:"name"`
	Token             string    `json:"token"`
	TemporaryPassword string    `json:"temporary_password,omitempty"`
	Link              string    `json:"link"`
	ExpiresAt         time.Time `json:"expires_at"`
}

// Delivery is one outbound message. It is the only place a temporary password
// or token may appear.
type Delivery struct {
	Destination string          `json:"destination"`
	Kind        DeliveryKind    `json:"kind"`
	Payload     DeliveryPayload `json:"payload"`
}

// LogValue redacts the secrets when a Delivery is logged.
func (d Delivery) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("destination", d.Destination),
		slog.String("kind", string(d.Kind)),
		slog.Time("expires_at", d.Payload.ExpiresAt),
	)
}

// InviteResult is returned by Invite.
type InviteResult struct {
	User     User     `json:"user"`
	Delivery Delivery `json:"-"`
}
