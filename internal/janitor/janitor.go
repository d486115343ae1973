package janitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/ocrgate/internal/events"
	"github.com/mattjoyce/ocrgate/internal/lock"
)

type Config struct {
	Interval  time.Duration
	Retention time.Duration
}

// Report summarises one sweep.
type Report struct {
	Skipped    bool `json:"skipped"`
	Jobs       int  `json:"jobs_purged"`
	Deliveries int  `json:"deliveries_purged"`
	Buckets    int  `json:"buckets_evicted"`
}

// Janitor purges finished jobs and webhook history past retention and
// evicts idle rate-limit buckets.
type Janitor struct {
	cfg        Config
	jobs       JobPurger
	deliveries DeliveryPurger
	evictor    Evictor
	mutex      Mutex
	events     *events.Hub
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a Janitor. evictor may be nil when rate limits live in Redis
// (keys expire there). mutex defaults to a local one.
func New(cfg Config, jobs JobPurger, deliveries DeliveryPurger, evictor Evictor, mutex Mutex, hub *events.Hub, logger *slog.Logger) *Janitor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if mutex == nil {
		mutex = lock.LocalMutex{}
	}
	if hub == nil {
		hub = events.NewHub(16)
	}
	return &Janitor{
		cfg:        cfg,
		jobs:       jobs,
		deliveries: deliveries,
		evictor:    evictor,
		mutex:      mutex,
		events:     hub,
		logger:     logger,
		now:        time.Now,
	}
}

// Start sweeps immediately and then every Interval until ctx is cancelled.
func (j *Janitor) Start(ctx context.Context) error {
	j.logger.Info("janitor started", "interval", j.cfg.Interval.String(), "retention", j.cfg.Retention.String())
	defer j.logger.Info("janitor stopped")

	j.tick(ctx)

	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			j.tick(ctx)
		}
	}
}

func (j *Janitor) tick(ctx context.Context) {
	report, err := j.Sweep(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			j.logger.Error("sweep failed", "error", err)
		}
		return
	}
	if report.Jobs+report.Deliveries+report.Buckets > 0 {
		j.logger.Info("sweep complete", "jobs_purged", report.Jobs, "deliveries_purged", report.Deliveries, "buckets_evicted", report.Buckets)
		j.events.Publish("janitor.sweep", "", report)
	} else {
		j.logger.Debug("sweep complete", "skipped", report.Skipped)
	}
}

// Sweep runs one pass. Purges run under the mutex so only one instance does
// them; bucket eviction is per-process and always runs.
func (j *Janitor) Sweep(ctx context.Context) (Report, error) {
	var report Report
	now := j.now()

	if j.evictor != nil {
		report.Buckets = j.evictor.EvictIdle(now)
	}

	if j.cfg.Retention <= 0 {
		return report, nil
	}
	cutoff := now.Add(-j.cfg.Retention)

	ran, err := j.mutex.TryRun(ctx, func(ctx context.Context) error {
		n, err := j.jobs.Purge(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("purge jobs: %w", err)
		}
		report.Jobs = n

		n, err = j.deliveries.PurgeDeliveriesBefore(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("purge deliveries: %w", err)
		}
		report.Deliveries = n
		return nil
	})
	report.Skipped = !ran
	return report, err
}
