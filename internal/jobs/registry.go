package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const maxIDAttempts = 3

// Registry is the job lifecycle entry point used by the API.
type Registry struct {
	store     Store
	notifiers []Notifier
	logger    *slog.Logger
	now       func() time.Time
}

func NewRegistry(store Store, logger *slog.Logger, notifiers ...Notifier) *Registry {
	return &Registry{
		store:     store,
		notifiers: notifiers,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Submit creates a pending job owned by owner and returns its id. Ids are
// random v4 UUIDs drawn from crypto/rand.
func (r *Registry) Submit(ctx context.Context, owner string, payload json.RawMessage) (string, error) {
	if owner == "" {
		return "", errors.New("submit: owner is required")
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return "", errors.New("submit: payload is not valid JSON")
	}

	now := r.now()
	for attempt := 1; attempt <= maxIDAttempts; attempt++ {
		id, err := uuid.NewRandom()
		if err != nil {
			return "", fmt.Errorf("generate job id: %w", err)
		}
		job := &Job{
			ID:        id.String(),
			Owner:     owner,
			Status:    StatusPending,
			Payload:   payload,
			CreatedAt: now,
			UpdatedAt: now,
		}
		err = r.store.Create(ctx, job)
		if errors.Is(err, ErrIDCollision) {
			r.logger.Warn("job id collision, regenerating", "attempt", attempt)
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create job: %w", err)
		}
		r.logger.Info("job submitted", "job_id", job.ID, "owner", owner)
		r.notify(job)
		return job.ID, nil
	}
	return "", fmt.Errorf("create job: %w", ErrIDCollision)
}

// GetStatus returns the job only to its owner. A job owned by anyone else is
// reported exactly like a missing one.
func (r *Registry) GetStatus(ctx context.Context, jobID, requester string) (*Job, error) {
	job, err := r.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if requester == "" || job.Owner != requester {
		return nil, ErrNotFound
	}
	return job, nil
}

// UpdateStatus is the processing collaborator's callback. Re-applying the
// current status (completed onto a completed job) returns the stored job
// unchanged with a nil error and no notification; any other move out of a
// terminal state fails with ErrInvalidTransition and leaves the job untouched.
func (r *Registry) UpdateStatus(ctx context.Context, jobID string, status Status, result json.RawMessage, errMsg string) (*Job, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	if len(result) > 0 && !json.Valid(result) {
		return nil, errors.New("update status: result is not valid JSON")
	}

	u := Update{Status: status, At: r.now()}
	switch status {
	case StatusCompleted:
		u.Result = result
	case StatusFailed:
		u.Error = errMsg
	}

	job, applied, err := r.store.Transition(ctx, jobID, u)
	if err != nil {
		return nil, err
	}
	logger := r.logger.With("job_id", jobID, "status", status)
	if !applied {
		logger.Debug("status update was a no-op")
		return job, nil
	}
	logger.Info("job status updated")
	r.notify(job)
	return job, nil
}

// Claim hands the oldest pending job to a processing collaborator.
func (r *Registry) Claim(ctx context.Context) (*Job, error) {
	job, err := r.store.ClaimNext(ctx, r.now())
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	if job == nil {
		return nil, nil
	}
	r.logger.Info("job claimed", "job_id", job.ID)
	r.notify(job)
	return job, nil
}

// Purge removes finished jobs that completed before cutoff.
func (r *Registry) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	return r.store.PurgeFinishedBefore(ctx, cutoff)
}

// Pending returns the number of jobs waiting to be claimed.
func (r *Registry) Pending(ctx context.Context) (int, error) {
	return r.store.CountPending(ctx)
}

func (r *Registry) notify(job *Job) {
	for _, n := range r.notifiers {
		n.JobChanged(job.clone())
	}
}
