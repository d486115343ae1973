package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisMutexSkipsWhenHeld(t *testing.T) {
	m := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()

	a := NewRedisMutex(client, "test:janitor", time.Minute)
	b := NewRedisMutex(client, "test:janitor", time.Minute)

	ran, err := a.TryRun(ctx, func(ctx context.Context) error {
		inner, err := b.TryRun(ctx, func(context.Context) error {
			t.Fatal("second holder must not run")
			return nil
		})
		assert.False(t, inner)
		return err
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.False(t, m.Exists("test:janitor"), "released after run")

	boom := errors.New("boom")
	ran, err = b.TryRun(ctx, func(context.Context) error { return boom })
	assert.True(t, ran)
	assert.ErrorIs(t, err, boom)
}

func TestRedisMutexBackendDown(t *testing.T) {
	m := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: m.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	m.Close()

	ran, err := NewRedisMutex(client, "test:janitor", time.Minute).TryRun(context.Background(), func(context.Context) error { return nil })
	assert.False(t, ran)
	assert.Error(t, err)
}

func TestLocalMutexAlwaysRuns(t *testing.T) {
	calls := 0
	ran, err := LocalMutex{}.TryRun(context.Background(), func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 1, calls)
}
