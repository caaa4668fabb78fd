package runlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisLocker(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedis(rdb, "teesched:lock:"), mr
}

func TestRedisAcquireExclusive(t *testing.T) {
	l, mr := newRedisLocker(t)
	ctx := context.Background()

	release, err := l.Acquire(ctx, "booking", time.Minute)
	require.NoError(t, err)
	assert.True(t, mr.Exists("teesched:lock:booking"))

	_, err = l.Acquire(ctx, "booking", time.Minute)
	assert.ErrorIs(t, err, ErrBusy)

	release()
	release()
	assert.False(t, mr.Exists("teesched:lock:booking"))

	again, err := l.Acquire(ctx, "booking", time.Minute)
	require.NoError(t, err)
	again()
}

func TestRedisExpiredLeaseIsNotReleasedByOldHolder(t *testing.T) {
	l, mr := newRedisLocker(t)
	ctx := context.Background()

	stale, err := l.Acquire(ctx, "booking", time.Second)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	fresh, err := l.Acquire(ctx, "booking", time.Minute)
	require.NoError(t, err)

	stale()
	assert.True(t, mr.Exists("teesched:lock:booking"), "stale release must not free the new lease")

	_, err = l.Acquire(ctx, "booking", time.Minute)
	assert.ErrorIs(t, err, ErrBusy)
	fresh()
}

func TestRedisUnavailable(t *testing.T) {
	l, mr := newRedisLocker(t)
	mr.Close()

	_, err := l.Acquire(context.Background(), "booking", time.Minute)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrBusy)
}

func TestLocal(t *testing.T) {
	l := NewLocal()
	now := time.Date(2026, 6, 15, 6, 25, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	release, err := l.Acquire(ctx, "booking", time.Minute)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "booking", time.Minute)
	assert.ErrorIs(t, err, ErrBusy)

	_, err = l.Acquire(ctx, "scan", time.Minute)
	assert.NoError(t, err, "keys are independent")

	release()
	next, err := l.Acquire(ctx, "booking", time.Minute)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = l.Acquire(ctx, "booking", time.Minute)
	require.NoError(t, err, "expired lease is reclaimed")

	next()
	_, err = l.Acquire(ctx, "booking", time.Minute)
	assert.ErrorIs(t, err, ErrBusy, "old holder cannot release a reclaimed lease")
}
