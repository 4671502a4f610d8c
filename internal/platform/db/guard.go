package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/odyssey-erp/odyssey-iam/internal/shared"
)

// DefaultTimeout bounds a storage call when no explicit timeout is configured.
const DefaultTimeout = 5 * time.Second

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgTooManyConnections  = "53300"
	pgAdminShutdown       = "57P01"
	pgCannotConnectNow    = "57P03"
	pgQueryCanceled       = "57014"
)

// Guard bounds every storage call with a timeout.
type Guard struct {
	Timeout time.Duration
}

// Context derives a bounded context for a single storage call.
func (g Guard) Context(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := g.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

// Classify maps driver errors to the shared taxonomy. Unknown errors pass
// through unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, shared.ErrStorageUnavailable) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return fmt.Errorf("%w: %w", shared.ErrStorageUnavailable, err)
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return fmt.Errorf("%w: %w", shared.ErrStorageUnavailable, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == pgUniqueViolation:
			return fmt.Errorf("%w: %s", shared.ErrDuplicateName, pgErr.ConstraintName)
		case pgErr.Code == pgForeignKeyViolation:
			return fmt.Errorf("%w: %s", shared.ErrNotFound, pgErr.ConstraintName)
		case pgErr.Code == pgTooManyConnections,
			pgErr.Code == pgAdminShutdown,
			pgErr.Code == pgCannotConnectNow,
			pgErr.Code == pgQueryCanceled,
			strings.HasPrefix(pgErr.Code, "08"):
			return fmt.Errorf("%w: %w", shared.ErrStorageUnavailable, err)
		}
	}
	return err
}
