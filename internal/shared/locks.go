package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld indicates the critical section is owned by another holder.
var ErrLockHeld = errors.New("ledger: lock held")

// PeriodCloseLockKey builds redis keys for period close critical sections.
func PeriodCloseLockKey(periodID int64) string {
	return fmt.Sprintf("ledger:period:%d:close", periodID)
}

// RedisLock is a single-holder lock backed by SET NX with a TTL. The TTL is a
// liveness bound: a crashed closer releases the section once it expires.
type RedisLock struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisLock constructs a RedisLock with the supplied TTL.
func NewRedisLock(client *redis.Client, ttl time.Duration) *RedisLock {
	return &RedisLock{client: client, ttl: ttl}
}

// Acquire claims the key and returns a release func. Release only deletes the
// key when this holder still owns it.
func (l *RedisLock) Acquire(ctx context.Context, key string) (func(context.Context), error) {
	if l == nil || l.client == nil {
		return nil, errors.New("ledger: redis lock not initialised")
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockHeld
	}
	release := func(ctx context.Context) {
		const script = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`
		_ = l.client.Eval(ctx, script, []string{key}, token).Err()
	}
	return release, nil
}
