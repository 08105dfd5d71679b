package cache

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// Locker grants short leases so that only one orchestrator replica runs a
// periodic sweep per interval.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// RedisLocker implements Locker with SET NX PX. Leases are never released
// explicitly; they expire after ttl.
type RedisLocker struct {
	client *redis.Client
	owner  string
}

// NewRedisLocker creates a locker identifying itself as owner
func NewRedisLocker(client *redis.Client, owner string) *RedisLocker {
	return &RedisLocker{client: client, owner: owner}
}

// TryLock acquires key for ttl. It returns false when another owner holds it.
func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return l.client.SetNX(ctx, "lock:"+key, l.owner, ttl).Result()
}
