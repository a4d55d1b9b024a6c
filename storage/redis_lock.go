package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisLockPrefix = "rtfeed:lock:"

// Deletes the key only if it still holds our token. Keeps a holder
// whose lease expired from releasing someone else's lock.
var redisReleaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a lease based Locker shared by every process talking
// to the same Redis. Useful when pollers write to a store that has
// no locking primitive of its own, or to separate databases.
type RedisLocker struct {
	client   *redis.Client
	holderID string
	ttl      time.Duration
}

func NewRedisLocker(client *redis.Client, opts ...Option) *RedisLocker {
	o := buildOptions(opts)
	return &RedisLocker{
		client:   client,
		holderID: o.holderID,
		ttl:      o.leaseTTL,
	}
}

// Connects to Redis at addr and verifies the connection.
func DialRedisLocker(ctx context.Context, addr string, opts ...Option) (*RedisLocker, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	return NewRedisLocker(client, opts...), nil
}

func (l *RedisLocker) TryAcquire(ctx context.Context, scopeKey string) (func(), bool, error) {
	key := redisLockPrefix + scopeKey
	token := l.holderID + "/" + uuid.NewString()

	acquired, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("SET NX %s: %w", key, err)
	}
	if !acquired {
		return nil, false, nil
	}

	release := func() {
		_ = redisReleaseScript.Run(context.Background(), l.client, []string{key}, token).Err()
	}

	return release, true, nil
}

func (l *RedisLocker) Close() error {
	return l.client.Close()
}
