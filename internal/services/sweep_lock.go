package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RunLocker keeps two instances from running the same sweep at once. It only
// saves work: the sweeps stay correct without it.
type RunLocker interface {
	// TryLock returns ok=false when another holder has the lock
	TryLock(ctx context.Context, name string, ttl time.Duration) (unlock func(), ok bool, err error)
}

// unlockScript deletes the key only if it still holds our token
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisRunLocker implements RunLocker with SET NX PX
type RedisRunLocker struct {
	client *redis.Client
	prefix string
}

// NewRedisRunLocker connects to redisURL (redis://...)
func NewRedisRunLocker(redisURL string) (*RedisRunLocker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	return NewRedisRunLockerWithClient(redis.NewClient(opts)), nil
}

// NewRedisRunLockerWithClient wraps an existing client
func NewRedisRunLockerWithClient(client *redis.Client) *RedisRunLocker {
	return &RedisRunLocker{client: client, prefix: "tour-engine:sweep:"}
}

// Ping checks the connection
func (l *RedisRunLocker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

func (l *RedisRunLocker) TryLock(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	key := l.prefix + name
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire sweep lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	unlock := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		unlockScript.Run(releaseCtx, l.client, []string{key}, token)
	}
	return unlock, true, nil
}

// Close closes the Redis client
func (l *RedisRunLocker) Close() error {
	return l.client.Close()
}
