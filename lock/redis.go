package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisTTL bounds how long a crashed holder can block a key.
const DefaultRedisTTL = 5 * time.Minute

var errHeld = errors.New("lock held")

// releaseScript deletes the key only while it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLock implements Locker with SET NX PX and a token-checked release.
type RedisLock struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisLock creates a lock namespaced under prefix.
func NewRedisLock(client redis.UniversalClient, prefix string) *RedisLock {
	if prefix == "" {
		prefix = "membership:lock:"
	}
	return &RedisLock{client: client, prefix: prefix}
}

// Acquire polls SET NX with exponential backoff until it wins or ctx ends.
func (l *RedisLock) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	var release func()
	op := func() error {
		r, ok, err := l.TryAcquire(ctx, key, ttl)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return errHeld
		}
		release = r
		return nil
	}
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(25*time.Millisecond),
		backoff.WithMaxInterval(time.Second),
		backoff.WithMaxElapsedTime(0),
	)
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return nil, fmt.Errorf("acquire lock for %s: %w", key, err)
	}
	return release, nil
}

// TryAcquire makes a single SET NX attempt.
func (l *RedisLock) TryAcquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}
	k := l.prefix + key
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, k, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis setnx %s: %w", k, err)
	}
	if !ok {
		return nil, false, nil
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			_ = releaseScript.Run(context.Background(), l.client, []string{k}, token).Err()
		})
	}
	return release, true, nil
}
