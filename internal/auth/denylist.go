package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-iam/internal/platform/db"
	"github.com/odyssey-erp/odyssey-iam/internal/shared"
)

const denylistPrefix = "iam:revoked:"

// Denylist records revoked token ids until their natural expiry.
type Denylist interface {
	Revoke(ctx context.Context, tokenID string, expiresAt time.Time) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

// RedisDenylist stores revoked ids as keys whose TTL is the remaining token
// lifetime, so entries disappear without a sweeper.
type RedisDenylist struct {
	client redis.UniversalClient
	guard  db.Guard
	clock  shared.Clock
}

// NewRedisDenylist builds a denylist on top of client.
func NewRedisDenylist(client redis.UniversalClient, guard db.Guard, clock shared.Clock) *RedisDenylist {
	return &RedisDenylist{client: client, guard: guard, clock: clock}
}

// Revoke marks tokenID revoked. Tokens already past expiry are ignored.
func (d *RedisDenylist) Revoke(ctx context.Context, tokenID string, expiresAt time.Time) error {
	ttl := expiresAt.Sub(d.clock.Now())
	if ttl <= 0 {
		return nil
	}
	ctx, cancel := d.guard.Context(ctx)
	defer cancel()
	if err := d.client.Set(ctx, denylistPrefix+tokenID, 1, ttl).Err(); err != nil {
		return fmt.Errorf("%w: denylist: %w", shared.ErrStorageUnavailable, err)
	}
	return nil
}

// IsRevoked reports whether tokenID was revoked.
func (d *RedisDenylist) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	ctx, cancel := d.guard.Context(ctx)
	defer cancel()
	n, err := d.client.Exists(ctx, denylistPrefix+tokenID).Result()
	if err != nil {
		return false, fmt.Errorf("%w: denylist: %w", shared.ErrStorageUnavailable, err)
	}
	return n > 0, nil
}

var _ Denylist = (*RedisDenylist)(nil)
