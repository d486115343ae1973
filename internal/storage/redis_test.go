package storage

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOpenRedis(t *testing.T) {
	m := miniredis.RunT(t)

	client, err := OpenRedis(context.Background(), RedisOptions{Addr: m.Addr()}, 1, discardLogger())
	if err != nil {
		t.Fatalf("OpenRedis: %v", err)
	}
	_ = client.Close()
}

func TestOpenRedisGivesUp(t *testing.T) {
	opts := RedisOptions{Addr: "127.0.0.1:1", DialTimeout: 20 * time.Millisecond}
	if _, err := OpenRedis(context.Background(), opts, 2, discardLogger()); err == nil {
		t.Fatal("expected connection error")
	}
	if _, err := OpenRedis(context.Background(), RedisOptions{}, 1, discardLogger()); err == nil {
		t.Fatal("expected error for empty addr")
	}
}
