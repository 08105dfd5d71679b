package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
)

func TestRedisLocker_TryLock(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	a := NewRedisLocker(client, "replica-a")
	b := NewRedisLocker(client, "replica-b")

	ok, err := a.TryLock(ctx, "stuck-task-recovery", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.TryLock(ctx, "stuck-task-recovery", time.Minute)
	require.NoError(t, err)
	require.False(t, ok, "second replica must not get the lease")

	mr.FastForward(2 * time.Minute)

	ok, err = b.TryLock(ctx, "stuck-task-recovery", time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "lease should be free after expiry")
}
