package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
)

// RedisMutex serialises a periodic task across gateway instances sharing a
// Redis. It never waits: an instance that loses the race skips its turn.
type RedisMutex struct {
	locker *redislock.Client
	key    string
	ttl    time.Duration
}

// NewRedisMutex returns a mutex on key. ttl bounds how long a crashed holder
// can keep others out and must exceed the task's run time.
func NewRedisMutex(client redislock.RedisClient, key string, ttl time.Duration) *RedisMutex {
	return &RedisMutex{locker: redislock.New(client), key: key, ttl: ttl}
}

// TryRun runs fn while holding the lock. It reports false without calling fn
// when another instance holds it.
func (m *RedisMutex) TryRun(ctx context.Context, fn func(ctx context.Context) error) (bool, error) {
	l, err := m.locker.Obtain(ctx, m.key, m.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("obtain %s: %w", m.key, err)
	}
	defer func() {
		_ = l.Release(context.WithoutCancel(ctx))
	}()

	return true, fn(ctx)
}

// LocalMutex is the single-instance stand-in for RedisMutex.
type LocalMutex struct{}

func (LocalMutex) TryRun(ctx context.Context, fn func(ctx context.Context) error) (bool, error) {
	return true, fn(ctx)
}
