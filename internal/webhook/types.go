package webhook

import (
	"encoding/json"
	"errors"
	"time"
)

// Event names a registration can subscribe to.
const (
	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"
	EventAll          = "*"
)

var (
	// ErrUnsafeDestination means the URL or one of its addresses is not allowed.
	ErrUnsafeDestination = errors.New("unsafe webhook destination")
	// ErrUnresolvable means the hostname did not resolve. Registration treats
	// it as unsafe; delivery treats it as a retryable failure.
	ErrUnresolvable   = errors.New("webhook destination did not resolve")
	ErrNotFound       = errors.New("webhook registration not found")
	ErrInvalidEvent   = errors.New("unknown webhook event")
	ErrWeakSecret     = errors.New("webhook secret too short")
	ErrDeliveryFailed = errors.New("webhook delivery failed")
)

type Registration struct {
	ID        string    `json:"id"`
	Owner     string    `json:"-"`
	URL       string    `json:"url"`
	Secret    string    `json:"-"`
	Events    []string  `json:"events"`
	CreatedAt time.Time `json:"created_at"`
}

// Wants reports whether the registration subscribes to event.
func (r *Registration) Wants(event string) bool {
	for _, e := range r.Events {
		if e == EventAll || e == event {
			return true
		}
	}
	return false
}

type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeRetrying  Outcome = "retrying"
	OutcomeFailed    Outcome = "failed"
	OutcomeAborted   Outcome = "aborted"
)

// Delivery is one attempt to deliver one event to one registration.
type Delivery struct {
	ID             string    `json:"id"`
	DeliveryID     string    `json:"delivery_id"`
	RegistrationID string    `json:"registration_id"`
	JobID          string    `json:"job_id"`
	Event          string    `json:"event"`
	Attempt        int       `json:"attempt"`
	Outcome        Outcome   `json:"outcome"`
	StatusCode     int       `json:"status_code,omitempty"`
	Error          string    `json:"error,omitempty"`
	AttemptedAt    time.Time `json:"attempted_at"`
}

// Payload is the JSON body POSTed to receivers.
type Payload struct {
	DeliveryID string     `json:"delivery_id"`
	Event      string     `json:"event"`
	SentAt     time.Time  `json:"sent_at"`
	Job        JobSummary `json:"job"`
}

type JobSummary struct {
	ID          string          `json:"job_id"`
	Status      string          `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}
