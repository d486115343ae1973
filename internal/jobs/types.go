package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

var (
	// ErrNotFound is returned both for unknown ids and for jobs owned by someone else.
	ErrNotFound          = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidStatus     = errors.New("unknown job status")
	ErrIDCollision       = errors.New("job id already exists")
)

// predecessor is the only state each status may be entered from.
var predecessor = map[Status]Status{
	StatusProcessing: StatusPending,
	StatusCompleted:  StatusProcessing,
	StatusFailed:     StatusProcessing,
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether from -> to is an edge of the job state machine.
func CanTransition(from, to Status) bool {
	p, ok := predecessor[to]
	return ok && p == from
}

type Job struct {
	ID          string          `json:"job_id"`
	Owner       string          `json:"owner,omitempty"`
	Status      Status          `json:"status"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Update is a requested status change. Result is kept only for completed,
// Error only for failed.
type Update struct {
	Status Status
	Result json.RawMessage
	Error  string
	At     time.Time
}

// Store persists jobs. Transition must be atomic per job: it applies the
// change only if the stored status is the target's predecessor, returns
// (job, false, nil) when the job is already in the target status, and
// ErrInvalidTransition otherwise.
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	Transition(ctx context.Context, id string, u Update) (*Job, bool, error)
	// ClaimNext moves the oldest pending job to processing; nil when none is pending.
	ClaimNext(ctx context.Context, at time.Time) (*Job, error)
	PurgeFinishedBefore(ctx context.Context, cutoff time.Time) (int, error)
	CountPending(ctx context.Context) (int, error)
}

// Notifier is told about every applied change. Implementations must not block.
type Notifier interface {
	JobChanged(job Job)
}

func (j *Job) clone() Job {
	c := *j
	c.Payload = append(json.RawMessage(nil), j.Payload...)
	c.Result = append(json.RawMessage(nil), j.Result...)
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return c
}

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) { return time.Parse(timeLayout, s) }
