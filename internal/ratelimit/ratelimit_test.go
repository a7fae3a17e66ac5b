package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestLockerSingleOwner(t *testing.T) {
	_, client := newTestClient(t)
	locker := NewLocker(client)
	ctx := context.Background()

	token, ok, err := locker.TryLock(ctx, "job:expire_trials", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = locker.TryLock(ctx, "job:expire_trials", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second owner must not acquire the lock")

	require.NoError(t, locker.Release(ctx, "job:expire_trials", "someone-else"))
	_, ok, _ = locker.TryLock(ctx, "job:expire_trials", time.Minute)
	assert.False(t, ok, "release with a foreign token must not free the lock")

	require.NoError(t, locker.Release(ctx, "job:expire_trials", token))
	_, ok, err = locker.TryLock(ctx, "job:expire_trials", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLockerWithLock(t *testing.T) {
	_, client := newTestClient(t)
	locker := NewLocker(client)
	ctx := context.Background()

	ran := false
	err := locker.WithLock(ctx, "job:a", time.Minute, func(ctx context.Context) error {
		ran = true
		inner := locker.WithLock(ctx, "job:a", time.Minute, func(context.Context) error { return nil })
		assert.ErrorIs(t, inner, ErrLockHeld)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)

	var nilLocker *Locker
	assert.True(t, errors.Is(nilLocker.WithLock(ctx, "job:a", time.Minute, nil), ErrLockNotConfigured))
}

func TestEntitlementLimiterThrottlesPerTenant(t *testing.T) {
	_, client := newTestClient(t)
	limiter := NewEntitlementLimiter(client, EntitlementLimiterConfig{Rate: 0.001, Burst: 2}, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := limiter.AllowTenant(ctx, "tenant-a")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}
	res, err := limiter.AllowTenant(ctx, "tenant-a")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Greater(t, res.RetryAfter, time.Duration(0))

	res, err = limiter.AllowTenant(ctx, "tenant-b")
	require.NoError(t, err)
	assert.True(t, res.Allowed, "buckets are isolated per tenant")
}

func TestEntitlementLimiterFailsOpen(t *testing.T) {
	mr, client := newTestClient(t)
	limiter := NewEntitlementLimiter(client, DefaultEntitlementLimiterConfig(), zap.NewNop())
	mr.Close()

	res, err := limiter.AllowTenant(context.Background(), "tenant-a")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	var disabled *EntitlementLimiter
	res, err = disabled.AllowTenant(context.Background(), "tenant-a")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestTokenBucketRejectsInvalidInput(t *testing.T) {
	_, client := newTestClient(t)
	bucket := NewTokenBucket(client)
	ctx := context.Background()

	_, err := bucket.Take(ctx, "k", Bucket{Rate: 0, Burst: 1})
	assert.ErrorIs(t, err, ErrInvalidBucket)
	_, err = bucket.Take(ctx, "", Bucket{Rate: 1, Burst: 1})
	assert.ErrorIs(t, err, ErrInvalidBucket)

	var missing *TokenBucket
	_, err = missing.Take(ctx, "k", Bucket{Rate: 1, Burst: 1})
	assert.ErrorIs(t, err, ErrLimiterNotConfigured)
}

func TestTokenBucketTracksFractionalTokens(t *testing.T) {
	mr, client := newTestClient(t)
	bucket := NewTokenBucket(client)
	ctx := context.Background()

	res, err := bucket.Take(ctx, "frac", Bucket{Rate: 1, Burst: 3})
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.InDelta(t, 2, res.Remaining, 0.01)
	assert.True(t, mr.Exists("frac"))
}
