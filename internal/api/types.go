package api

import (
	"encoding/json"
	"time"

	"github.com/mattjoyce/ocrgate/internal/jobs"
	"github.com/mattjoyce/ocrgate/internal/webhook"
)

// SubmitJobRequest is the JSON body for POST /v1/jobs.
type SubmitJobRequest struct {
	Payload json.RawMessage `json:"payload"`
}

// SubmitJobResponse is returned on successful submission.
type SubmitJobResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// JobStatusResponse is what an owner sees of a job. The submitted payload is
// not echoed back.
type JobStatusResponse struct {
	JobID       string          `json:"job_id"`
	Status      string          `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

func newJobStatus(j *jobs.Job) JobStatusResponse {
	return JobStatusResponse{
		JobID:       j.ID,
		Status:      string(j.Status),
		Result:      j.Result,
		Error:       j.Error,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
	}
}

// UpdateStatusRequest is the JSON body for PUT /v1/jobs/{jobID}/status.
type UpdateStatusRequest struct {
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// CreateWebhookRequest is the JSON body for POST /v1/webhooks.
type CreateWebhookRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events,omitempty"`
	Secret string   `json:"secret,omitempty"`
}

// CreateWebhookResponse is the only response that carries the signing secret.
type CreateWebhookResponse struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Events    []string  `json:"events"`
	Secret    string    `json:"secret"`
	CreatedAt time.Time `json:"created_at"`
}

type WebhookListResponse struct {
	Webhooks []webhook.Registration `json:"webhooks"`
}

type DeliveryListResponse struct {
	Deliveries []webhook.Delivery `json:"deliveries"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	QueueDepth    int    `json:"queue_depth"`
}

// StatusResponse is returned by GET /v1/status.
type StatusResponse struct {
	Service          string `json:"service"`
	Version          string `json:"version,omitempty"`
	Owner            string `json:"owner"`
	StateBackend     string `json:"state_backend"`
	RateLimitBackend string `json:"rate_limit_backend"`
	UptimeSeconds    int64  `json:"uptime_seconds"`
	PendingJobs      int    `json:"pending_jobs"`
	WebhookQueue     int    `json:"webhook_queue"`
	EventSubscribers int    `json:"event_subscribers"`
}
