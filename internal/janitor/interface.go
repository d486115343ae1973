package janitor

import (
	"context"
	"time"
)

//go:generate mockgen -destination=mocks/mock_purgers.go -package=mocks github.com/mattjoyce/ocrgate/internal/janitor JobPurger,DeliveryPurger

// JobPurger deletes finished jobs older than cutoff. *jobs.Registry satisfies it.
type JobPurger interface {
	Purge(ctx context.Context, cutoff time.Time) (int, error)
}

// DeliveryPurger deletes webhook attempt history older than cutoff.
type DeliveryPurger interface {
	PurgeDeliveriesBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Evictor drops idle in-process rate-limit buckets.
type Evictor interface {
	EvictIdle(now time.Time) int
}

// Mutex keeps sweeps from overlapping across instances.
type Mutex interface {
	TryRun(ctx context.Context, fn func(ctx context.Context) error) (bool, error)
}
