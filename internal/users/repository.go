package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-iam/internal/platform/db"
	"github.com/odyssey-erp/odyssey-iam/internal/shared"
)

// Repository defines persistence operations for user accounts.
type Repository interface {
	Create(ctx context.Context, user NewUser) (User, error)
	GetByID(ctx context.Context, id int64) (User, error)
	GetByEmail(ctx context.Context, email string) (User, error)
	GetByInvitationToken(ctx context.Context, token string) (User, error)
	GetByResetToken(ctx context.Context, token string) (User, error)
	List(ctx context.Context, filter ListFilter) ([]User, int, error)
	ConsumeInvitation(ctx context.Context, params ConsumeParams) (User, error)
	ReplaceInvitation(ctx context.Context, id int64, token, passwordHash string, expiresAt, now time.Time) (User, error)
	SetResetToken(ctx context.Context, id int64, token string, expiresAt, now time.Time) error
	ConsumeReset(ctx context.Context, params ConsumeParams) (User, error)
	UpdatePassword(ctx context.Context, id int64, currentHash, newHash string, from, to shared.AccountStatus, now time.Time) (User, error)
	UpdateStatus(ctx context.Context, id int64, from, to shared.AccountStatus, now time.Time) (User, error)
	UpdateRole(ctx context.Context, id int64, roleID *int64, now time.Time) (User, error)
	UpdateProfile(ctx context.Context, id int64, firstName, lastName string, now time.Time) (User, error)
	TouchLogin(ctx context.Context, id int64, now time.Time) error
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	pool  *pgxpool.Pool
	guard db.Guard
}

// NewRepository constructs a repository. Every call is bounded by guard.
func NewRepository(pool *pgxpool.Pool, guard db.Guard) *PGRepository {
	return &PGRepository{pool: pool, guard: guard}
}

const userColumns = `u.id, u.email, u.first_name, u.last_name, u.password_hash, u.account_status, u.role_id,
	COALESCE(r.name, ''), u.two_factor_enabled, u.two_factor_secret, u.invitation_token, u.invitation_expires_at,
	u.invited_by, u.activated_at, u.reset_token, u.reset_expires_at, u.last_login_at, u.created_at, u.updated_at`

const userFrom = ` FROM users u LEFT JOIN roles r ON r.id = u.role_id`

// returning wraps a data-modifying statement so the result carries the role name.
func returning(stmt string) string {
	return `WITH u AS (` + stmt + ` RETURNING *) SELECT ` + userColumns + ` FROM u LEFT JOIN roles r ON r.id = u.role_id`
}

func scanUser(row pgx.Row, missing error) (User, error) {
	var (
		user   User
		status string
	)
	err := row.Scan(
		&user.ID, &user.Email, &user.FirstName, &user.LastName, &user.PasswordHash, &status, &user.RoleID,
		&user.RoleName, &user.TwoFactorEnabled, &user.TwoFactorSecret, &user.InvitationToken, &user.InvitationExpiresAt,
		&user.InvitedBy, &user.ActivatedAt, &user.ResetToken, &user.ResetExpiresAt, &user.LastLoginAt,
		&user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, missing
		}
		return User{}, db.Classify(err)
	}
	user.Status = shared.AccountStatus(status)
	return user, nil
}

// Create inserts a user. A taken email surfaces as ErrDuplicateName.
func (r *PGRepository) Create(ctx context.Context, user NewUser) (User, error) {
	ctx, cancel := r.guard.Context(ctx)
	defer cancel()
	return scanUser(r.pool.QueryRow(ctx, returning(`INSERT INTO users
		(email, first_name, last_name, password_hash, account_status, role_id, invitation_token, invitation_expires_at, invited_by, activated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`),
		user.Email, user.FirstName, user.LastName, user.PasswordHash, string(user.Status), user.RoleID,
		user.InvitationToken, user.InvitationExpiresAt, user.InvitedBy, user.ActivatedAt,
	), shared.ErrNotFound)
}

// GetByID fetches a user by ID.
func (r *PGRepository) GetByID(ctx context.Context, id int64) (User, error) {
	return r.getBy(ctx, `u.id = $1`, id)
}

// GetByEmail fetches a user by normalized email.
func (r *PGRepository) GetByEmail(ctx context.Context, email string) (User, error) {
	return r.getBy(ctx, `u.email = $1`, email)
}

// GetByInvitationToken fetches the user holding an invitation token.
func (r *PGRepository) GetByInvitationToken(ctx context.Context, token string) (User, error) {
	return r.getBy(ctx, `u.invitation_token = $1`, token)
}

// GetByResetToken fetches the user holding a reset token.
func (r *PGRepository) GetByResetToken(ctx context.Context, token string) (User, error) {
	return r.getBy(ctx, `u.reset_token = $1`, token)
}

func (r *PGRepository) getBy(ctx context.Context, where string, arg any) (User, error) {
	ctx, cancel := r.guard.Context(ctx)
	defer cancel()
	return scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+userFrom+` WHERE `+where, arg), shared.ErrNotFound)
}

// List returns one page of users together with the total match count.
func (r *PGRepository) List(ctx context.Context, filter ListFilter) ([]User, int, error) {
	ctx, cancel := r.guard.Context(ctx)
	defer cancel()

	var (
		clauses []string
		args    []any
	)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		clauses = append(clauses, fmt.Sprintf("u.account_status = $%d", len(args)))
	}
	if filter.RoleID != nil {
		args = append(args, *filter.RoleID)
		clauses = append(clauses, fmt.Sprintf("u.role_id = $%d", len(args)))
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		args = append(args, "%"+strings.ToLower(search)+"%")
		clauses = append(clauses, fmt.Sprintf("(u.email LIKE $%[1]d OR LOWER(u.first_name || ' ' || u.last_name) LIKE $%[1]d)", len(args)))
	}
	where := ""
	if len(clauses) > 0 {
		where = ` WHERE ` + strings.Join(clauses, " AND ")
	}
	page := shared.NewPagination(filter.Page, filter.PerPage, 0)
	args = append(args, page.PerPage, page.Offset())
	query := `SELECT ` + userColumns + `, COUNT(*) OVER ()` + userFrom + where +
		fmt.Sprintf(` ORDER BY u.id LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, db.Classify(err)
	}
	defer rows.Close()
	var (
		list  []User
		total int
	)
	for rows.Next() {
		user, count, err := scanListRow(rows)
		if err != nil {
			return nil, 0, err
		}
		total = count
		list = append(list, user)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, db.Classify(err)
	}
	return list, total, nil
}

func scanListRow(rows pgx.Rows) (User, int, error) {
	var (
		user   User
		status string
		total  int
	)
	err := rows.Scan(
		&user.ID, &user.Email, &user.FirstName, &user.LastName, &user.PasswordHash, &status, &user.RoleID,
		&user.RoleName, &user.TwoFactorEnabled, &user.TwoFactorSecret, &user.InvitationToken, &user.InvitationExpiresAt,
		&user.InvitedBy, &user.ActivatedAt, &user.ResetToken, &user.ResetExpiresAt, &user.LastLoginAt,
		&user.CreatedAt, &user.UpdatedAt, &total,
	)
	if err != nil {
		return User{}, 0, db.Classify(err)
	}
	user.Status = shared.AccountStatus(status)
	return user, total, nil
}

// ConsumeInvitation activates a pending account in one conditional statement.
// The token is cleared in the same write, so of two concurrent callers at most
// one sees a row. Zero rows yields ErrInvalidToken.
func (r *PGRepository) ConsumeInvitation(ctx context.Context, p ConsumeParams) (User, error) {
	ctx, cancel := r.guard.Context(ctx)
	defer cancel()
	return scanUser(r.pool.QueryRow(ctx, returning(`UPDATE users SET
			password_hash = $3, account_status = 'active', invitation_token = NULL, invitation_expires_at = NULL,
			activated_at = $4, updated_at = $4
		WHERE id = $1 AND invitation_token = $2 AND account_status = 'pending' AND invitation_expires_at >= $4`),
		p.UserID, p.Token, p.PasswordHash, p.Now,
	), shared.ErrInvalidToken)
}

// ReplaceInvitation swaps the invitation token and temporary password of a
// pending account. The previous token stops matching with the same write.
func (r *PGRepository) ReplaceInvitation(ctx context.Context, id int64, token, passwordHash string, expiresAt, now time.Time) (User, error) {
	ctx, cancel := r.guard.Context(ctx)
	defer cancel()
	return scanUser(r.pool.QueryRow(ctx, returning(`UPDATE users SET
			invitation_token = $2, invitation_expires_at = $3, password_hash = $4, updated_at = $5
		WHERE id = $1 AND account_status = 'pending'`),
		id, token, expiresAt, passwordHash, now,
	), ErrInvalidTransition)
}

// SetResetToken stores a reset token on an active account, replacing any
// outstanding one.
func (r *PGRepository) SetResetToken(ctx context.Context, id int64, token string, expiresAt, now time.Time) error {
	ctx, cancel := r.guard.Context(ctx)
	defer cancel()
	tag, err := r.pool.Exec(ctx, `UPDATE users SET reset_token = $2, reset_expires_at = $3, updated_at = $4
		WHERE id = $1 AND account_status = 'active'`, id, token, expiresAt, now)
	if err != nil {
		return db.Classify(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// ConsumeReset sets a new password and clears the reset token in one
// conditional statement. Zero rows yields ErrInvalidToken.
func (r *PGRepository) ConsumeReset(ctx context.Context, p ConsumeParams) (User, error) {
	ctx, cancel := r.guard.Context(ctx)
	defer cancel()
	return scanUser(r.pool.QueryRow(ctx, returning(`UPDATE users SET
			password_hash = $3, account_status = $5, reset_token = NULL, reset_expires_at = NULL, updated_at = $4
		WHERE id = $1 AND reset_token = $2 AND reset_expires_at >= $4 AND account_status = $6`),
		p.UserID, p.Token, p.PasswordHash, p.Now, string(p.Status), string(p.From),
	), shared.ErrInvalidToken)
}

// UpdatePassword replaces the hash only if both the hash and the status are
// still the ones the caller read.
func (r *PGRepository) UpdatePassword(ctx context.Context, id int64, currentHash, newHash string, from, to shared.AccountStatus, now time.Time) (User, error) {
	ctx, cancel := r.guard.Context(ctx)
	defer cancel()
	return scanUser(r.pool.QueryRow(ctx, returning(`UPDATE users SET
			password_hash = $3, account_status = $4, reset_token = NULL, reset_expires_at = NULL, updated_at = $5
		WHERE id = $1 AND password_hash = $2 AND account_status = $6`),
		id, currentHash, newHash, string(to), now, string(from),
	), shared.ErrInvalidCredentials)
}

// UpdateStatus moves an account from one status to another. Leaving pending
// clears the invitation and stamps the activation time.
func (r *PGRepository) UpdateStatus(ctx context.Context, id int64, from, to shared.AccountStatus, now time.Time) (User, error) {
	ctx, cancel := r.guard.Context(ctx)
	defer cancel()
	return scanUser(r.pool.QueryRow(ctx, returning(`UPDATE users SET
			account_status = $3,
			invitation_token = CASE WHEN $2 = 'pending' THEN NULL ELSE invitation_token END,
			invitation_expires_at = CASE WHEN $2 = 'pending' THEN NULL ELSE invitation_expires_at END,
			activated_at = CASE WHEN $3 = 'active' THEN COALESCE(activated_at, $4) ELSE activated_at END,
			updated_at = $4
		WHERE id = $1 AND account_status = $2`),
		id, string(from), string(to), now,
	), ErrInvalidTransition)
}

// UpdateRole assigns a role, or clears it when roleID is nil. An unknown role
// surfaces as ErrNotFound through the foreign key.
func (r *PGRepository) UpdateRole(ctx context.Context, id int64, roleID *int64, now time.Time) (User, error) {
	ctx, cancel := r.guard.Context(ctx)
	defer cancel()
	return scanUser(r.pool.QueryRow(ctx, returning(`UPDATE users SET role_id = $2, updated_at = $3 WHERE id = $1`),
		id, roleID, now), shared.ErrNotFound)
}

// UpdateProfile replaces the display names.
func (r *PGRepository) UpdateProfile(ctx context.Context, id int64, firstName, lastName string, now time.Time) (User, error) {
	ctx, cancel := r.guard.Context(ctx)
	defer cancel()
	return scanUser(r.pool.QueryRow(ctx, returning(`UPDATE users SET first_name = $2, last_name = $3, updated_at = $4 WHERE id = $1`),
		id, firstName, lastName, now), shared.ErrNotFound)
}

// TouchLogin records a successful login.
func (r *PGRepository) TouchLogin(ctx context.Context, id int64, now time.Time) error {
	ctx, cancel := r.guard.Context(ctx)
	defer cancel()
	if _, err := r.pool.Exec(ctx, `UPDATE users SET last_login_at = $2 WHERE id = $1`, id, now); err != nil {
		return db.Classify(err)
	}
	return nil
}

var _ Repository = (*PGRepository)(nil)
