package shared

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Audit actions recorded by the identity services.
const (
	AuditUserInvited         = "user.invited"
	AuditUserInviteResent    = "user.invite_resent"
	AuditUserActivated       = "user.activated"
	AuditUserRegistered      = "user.registered"
	AuditUserStatusChanged   = "user.status_changed"
	AuditUserRoleChanged     = "user.role_changed"
	AuditUserPasswordReset   = "user.password_reset"
	AuditUserPasswordChanged = "user.password_changed"
	AuditRoleCreated         = "role.created"
	AuditRoleUpdated         = "role.updated"
	AuditRoleDeleted         = "role.deleted"
	AuditRolePermissionsSet  = "role.permissions_replaced"

	AuditEntityUser = "user"
	AuditEntityRole = "role"
)

const auditInsertStatement = `INSERT INTO audit_logs (actor_id, action, entity, entity_id, meta, occurred_at) VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))`

// systemActor is recorded for unauthenticated flows such as activation.
const systemActor int64 = 0

// AuditLog represents a record stored in audit_logs. Meta must never carry
// passwords or tokens.
type AuditLog struct {
	ActorID  int64
	Action   string
	Entity   string
	EntityID string
	Meta     map[string]any
	At       time.Time
}

// AuditRecorder is the write side used by services.
type AuditRecorder interface {
	Record(ctx context.Context, log AuditLog) error
}

// Execer is the subset of pgxpool.Pool and pgx.Tx used for audit writes.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// AuditLogger writes records into audit_logs.
type AuditLogger struct {
	db Execer
}

// NewAuditLogger returns a new AuditLogger.
func NewAuditLogger(db Execer) *AuditLogger {
	return &AuditLogger{db: db}
}

// Record persists the log entry.
func (l *AuditLogger) Record(ctx context.Context, log AuditLog) error {
	if l == nil || l.db == nil {
		return errors.New("audit logger not initialised")
	}
	if log.Action == "" || log.Entity == "" || log.EntityID == "" {
		return errors.New("audit log requires action/entity/entity_id")
	}
	metaJSON, err := json.Marshal(log.Meta)
	if err != nil {
		return err
	}
	var at *time.Time
	if !log.At.IsZero() {
		at = &log.At
	}
	_, err = l.db.Exec(ctx, auditInsertStatement, log.ActorID, log.Action, log.Entity, log.EntityID, metaJSON, at)
	return err
}

// SystemActor is the actor id recorded for unauthenticated flows such as activation.
func SystemActor() int64 {
	return systemActor
}

// NopAudit discards every record.
type NopAudit struct{}

// Record implements AuditRecorder.
func (NopAudit) Record(context.Context, AuditLog) error { return nil }
