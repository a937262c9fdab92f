// Package lock provides per-tenant advisory locks backed by redis.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"

	"github.com/meridian-cogs/meridian/internal/shared"
)

// Lease is a held tenant lock. Release must be called on every exit path.
type Lease interface {
	Refresh(ctx context.Context) error
	Release(ctx context.Context) error
}

// TenantLocker serializes runs and rollbacks per tenant.
type TenantLocker interface {
	Acquire(ctx context.Context, tenant shared.TenantID) (Lease, error)
}

// RedisLocker implements TenantLocker with redislock. Acquisition does not
// block: a held lock surfaces shared.ErrConcurrentRun immediately.
type RedisLocker struct {
	client *redislock.Client
	ttl    time.Duration
}

// NewRedisLocker constructs RedisLocker. The TTL is the lease window after
// which a lock held by a crashed process expires on its own.
func NewRedisLocker(rdb redis.UniversalClient, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &RedisLocker{client: redislock.New(rdb), ttl: ttl}
}

// Acquire obtains the tenant lock or fails with shared.ErrConcurrentRun.
func (l *RedisLocker) Acquire(ctx context.Context, tenant shared.TenantID) (Lease, error) {
	if err := tenant.Validate(); err != nil {
		return nil, err
	}
	lk, err := l.client.Obtain(ctx, shared.TenantLockKey(tenant), l.ttl, nil)
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			return nil, fmt.Errorf("platform/lock: tenant %s: %w", tenant, shared.ErrConcurrentRun)
		}
		return nil, fmt.Errorf("platform/lock: obtain: %w", err)
	}
	return &redisLease{lock: lk, ttl: l.ttl}, nil
}

type redisLease struct {
	lock *redislock.Lock
	ttl  time.Duration
}

func (l *redisLease) Refresh(ctx context.Context) error {
	if err := l.lock.Refresh(ctx, l.ttl, nil); err != nil {
		return fmt.Errorf("platform/lock: refresh: %w", err)
	}
	return nil
}

func (l *redisLease) Release(ctx context.Context) error {
	err := l.lock.Release(ctx)
	if err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
		return fmt.Errorf("platform/lock: release: %w", err)
	}
	return nil
}
