package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/meridian-cogs/meridian/internal/shared"
)

func newTestLocker(t *testing.T) *RedisLocker {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisLocker(rdb, time.Minute)
}

func TestAcquireExcludesSameTenant(t *testing.T) {
	locker := newTestLocker(t)
	ctx := context.Background()

	lease, err := locker.Acquire(ctx, "tenant-a")
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, "tenant-a")
	require.ErrorIs(t, err, shared.ErrConcurrentRun)

	require.NoError(t, lease.Release(ctx))

	lease2, err := locker.Acquire(ctx, "tenant-a")
	require.NoError(t, err)
	require.NoError(t, lease2.Release(ctx))
}

func TestAcquireIndependentTenants(t *testing.T) {
	locker := newTestLocker(t)
	ctx := context.Background()

	leaseA, err := locker.Acquire(ctx, "tenant-a")
	require.NoError(t, err)
	leaseB, err := locker.Acquire(ctx, "tenant-b")
	require.NoError(t, err)

	require.NoError(t, leaseA.Release(ctx))
	require.NoError(t, leaseB.Release(ctx))
}

func TestAcquireRejectsInvalidTenant(t *testing.T) {
	locker := newTestLocker(t)

	_, err := locker.Acquire(context.Background(), "not a tenant!!")
	require.ErrorIs(t, err, shared.ErrInvalidTenantID)
}

func TestReleaseIsIdempotent(t *testing.T) {
	locker := newTestLocker(t)
	ctx := context.Background()

	lease, err := locker.Acquire(ctx, "tenant-a")
	require.NoError(t, err)
	require.NoError(t, lease.Release(ctx))
	require.NoError(t, lease.Release(ctx))
}
