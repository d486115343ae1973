package janitor

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/ocrgate/internal/events"
	"github.com/mattjoyce/ocrgate/internal/janitor/mocks"
)

// TestLogBuffer is a bytes.Buffer that can be used to capture log output.
type TestLogBuffer struct {
	mu sync.Mutex
	bytes.Buffer
}

func (b *TestLogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Buffer.Write(p)
}

func (b *TestLogBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Buffer.String()
}

func NewTestSlogger() (*slog.Logger, *TestLogBuffer) {
	var buf TestLogBuffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(handler), &buf
}

type fakeEvictor struct {
	calls []time.Time
	n     int
}

func (f *fakeEvictor) EvictIdle(now time.Time) int {
	f.calls = append(f.calls, now)
	return f.n
}

type busyMutex struct{}

func (busyMutex) TryRun(context.Context, func(context.Context) error) (bool, error) {
	return false, nil
}

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestSweep(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	jobsPurger := mocks.NewMockJobPurger(ctrl)
	deliveryPurger := mocks.NewMockDeliveryPurger(ctrl)
	evictor := &fakeEvictor{n: 4}
	logger, _ := NewTestSlogger()
	cutoff := now.Add(-24 * time.Hour)

	j := New(Config{Interval: time.Minute, Retention: 24 * time.Hour}, jobsPurger, deliveryPurger, evictor, nil, nil, logger)
	j.now = func() time.Time { return now }
	ctx := context.Background()

	t.Run("purges and evicts", func(t *testing.T) {
		jobsPurger.EXPECT().Purge(gomock.Any(), cutoff).Return(7, nil)
		deliveryPurger.EXPECT().PurgeDeliveriesBefore(gomock.Any(), cutoff).Return(3, nil)

		report, err := j.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, Report{Jobs: 7, Deliveries: 3, Buckets: 4}, report)
		assert.Equal(t, []time.Time{now}, evictor.calls)
	})

	t.Run("job purge error stops the pass", func(t *testing.T) {
		jobsPurger.EXPECT().Purge(gomock.Any(), cutoff).Return(0, errors.New("db locked"))

		_, err := j.Sweep(ctx)
		assert.ErrorContains(t, err, "purge jobs: db locked")
	})

	t.Run("delivery purge error", func(t *testing.T) {
		jobsPurger.EXPECT().Purge(gomock.Any(), cutoff).Return(1, nil)
		deliveryPurger.EXPECT().PurgeDeliveriesBefore(gomock.Any(), cutoff).Return(0, errors.New("redis down"))

		report, err := j.Sweep(ctx)
		assert.ErrorContains(t, err, "purge deliveries")
		assert.Equal(t, 1, report.Jobs)
	})
}

func TestSweepSkipsWhenAnotherInstanceHoldsLock(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	// No purge expectations: the mocks fail the test if called.
	evictor := &fakeEvictor{n: 1}
	logger, _ := NewTestSlogger()
	j := New(Config{Retention: time.Hour}, mocks.NewMockJobPurger(ctrl), mocks.NewMockDeliveryPurger(ctrl), evictor, busyMutex{}, nil, logger)

	report, err := j.Sweep(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.Equal(t, 1, report.Buckets, "eviction is local and still runs")
}

func TestSweepWithoutRetentionOnlyEvicts(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	logger, _ := NewTestSlogger()
	j := New(Config{}, mocks.NewMockJobPurger(ctrl), mocks.NewMockDeliveryPurger(ctrl), nil, nil, nil, logger)

	report, err := j.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{}, report)
}

func TestStartPublishesSweepAndStops(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	jobsPurger := mocks.NewMockJobPurger(ctrl)
	deliveryPurger := mocks.NewMockDeliveryPurger(ctrl)
	jobsPurger.EXPECT().Purge(gomock.Any(), gomock.Any()).Return(2, nil).MinTimes(1)
	deliveryPurger.EXPECT().PurgeDeliveriesBefore(gomock.Any(), gomock.Any()).Return(0, nil).MinTimes(1)

	hub := events.NewHub(16)
	logger, logBuf := NewTestSlogger()
	j := New(Config{Interval: time.Hour, Retention: time.Hour}, jobsPurger, deliveryPurger, nil, nil, hub, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Start(ctx) }()

	require.Eventually(t, func() bool {
		return len(hub.SnapshotSince(0, "", true)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("janitor did not stop")
	}
	ev := hub.SnapshotSince(0, "", true)[0]
	assert.Equal(t, "janitor.sweep", ev.Type)
	assert.JSONEq(t, `{"skipped":false,"jobs_purged":2,"deliveries_purged":0,"buckets_evicted":0}`, string(ev.Data))
	assert.Contains(t, logBuf.String(), "sweep complete")
	assert.Empty(t, hub.SnapshotSince(0, "acme", false), "sweep events are admin-only")
}

func TestLoggerIsUsedAsGiven(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	logger, logBuf := NewTestSlogger()
	j := New(Config{}, mocks.NewMockJobPurger(ctrl), mocks.NewMockDeliveryPurger(ctrl), nil, nil, nil,
		logger.With("component", "janitor"))
	j.now = func() time.Time { return now }

	j.tick(context.Background())

	lines := strings.Split(strings.TrimSpace(logBuf.String()), "\n")
	require.NotEmpty(t, lines)
	for _, line := range lines {
		assert.Equal(t, 1, strings.Count(line, `"component":"janitor"`), line)
	}
}
