package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// redisReleaseScript deletes the lock only if it still holds our token.
// KEYS[1] = lock key
// ARGV[1] = owner token
var redisReleaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// redisExtendScript refreshes the TTL only if the lock still holds our token.
// KEYS[1] = lock key
// ARGV[1] = owner token
// ARGV[2] = ttl in milliseconds
var redisExtendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker implements Locker across processes using SET NX PX.
type RedisLocker struct {
	client redis.UniversalClient
	ttl    time.Duration
	retry  time.Duration
	prefix string
}

// NewRedisLocker creates a locker backed by Redis. ttl bounds how long a
// crashed holder can block a key.
func NewRedisLocker(client redis.UniversalClient, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{
		client: client,
		ttl:    ttl,
		retry:  50 * time.Millisecond,
		prefix: "autonomy:lock:",
	}
}

// NewRedisClient builds a client the way the daemon configures it.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// Acquire polls until the key is set by us or ctx is done. The lock is
// renewed every ttl/3 until released, so long session runs keep it.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	k := l.prefix + key
	token := uuid.New().String()

	for {
		ok, err := l.client.SetNX(ctx, k, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis lock error: %w", err)
		}
		if ok {
			stop := make(chan struct{})
			go l.keepAlive(k, token, stop)
			var once sync.Once
			return func() {
				once.Do(func() {
					close(stop)
					if err := redisReleaseScript.Run(context.Background(), l.client, []string{k}, token).Err(); err != nil {
						slog.Warn("lock: redis release failed", "key", k, "error", err)
					}
				})
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retry):
		}
	}
}

func (l *RedisLocker) keepAlive(key, token string, stop <-chan struct{}) {
	t := time.NewTicker(l.ttl / 3)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
			n, err := redisExtendScript.Run(ctx, l.client, []string{key}, token, l.ttl.Milliseconds()).Int()
			cancel()
			if err != nil {
				slog.Warn("lock: redis renew failed", "key", key, "error", err)
				continue
			}
			if n == 0 {
				slog.Warn("lock: redis lock lost", "key", key)
				return
			}
		}
	}
}
