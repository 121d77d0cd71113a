package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	locker := NewRedisLocker(redis.NewClient(&redis.Options{Addr: srv.Addr()}))
	t.Cleanup(func() { _ = locker.Close() })
	return locker, srv
}

func TestRedisLocker_ExclusiveUntilRelease(t *testing.T) {
	locker, srv := newTestRedisLocker(t)
	ctx := context.Background()

	held, release, ok, err := locker.Acquire(ctx, LockKey, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, held)
	assert.True(t, srv.Exists(LockKey))

	_, _, ok, err = locker.Acquire(ctx, LockKey, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	release()
	assert.False(t, srv.Exists(LockKey))
	assert.Error(t, held.Err())

	_, release, ok, err = locker.Acquire(ctx, LockKey, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	release()
}

func TestRedisLocker_ReleaseKeepsForeignLock(t *testing.T) {
	locker, srv := newTestRedisLocker(t)

	_, release, ok, err := locker.Acquire(context.Background(), LockKey, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// The lock expired and another replica took it
	require.NoError(t, srv.Set(LockKey, "someone-else"))
	release()

	value, err := srv.Get(LockKey)
	require.NoError(t, err)
	assert.Equal(t, "someone-else", value)
}

func TestRedisLocker_ExtendsWhileHeld(t *testing.T) {
	locker, srv := newTestRedisLocker(t)
	ttl := 90 * time.Millisecond

	held, release, ok, err := locker.Acquire(context.Background(), LockKey, ttl)
	require.NoError(t, err)
	require.True(t, ok)
	defer release()

	// Advance the server clock past the original ttl in steps; the holder
	// pushes the expiry out in between
	for i := 0; i < 3; i++ {
		srv.FastForward(60 * time.Millisecond)
		require.True(t, srv.Exists(LockKey))
		require.Eventually(t, func() bool { return srv.TTL(LockKey) > 60*time.Millisecond }, time.Second, 5*time.Millisecond)
	}
	assert.NoError(t, held.Err())
}

func TestRedisLocker_LostLockCancelsHeldContext(t *testing.T) {
	locker, srv := newTestRedisLocker(t)

	held, release, ok, err := locker.Acquire(context.Background(), LockKey, 60*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	defer release()

	require.NoError(t, srv.Set(LockKey, "someone-else"))
	select {
	case <-held.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("held context survived a lost lock")
	}
}

func TestDialRedisLocker(t *testing.T) {
	srv := miniredis.RunT(t)

	locker, err := DialRedisLocker(context.Background(), "redis://"+srv.Addr())
	require.NoError(t, err)
	defer locker.Close()

	_, err = DialRedisLocker(context.Background(), "not a url")
	assert.Error(t, err)
}
