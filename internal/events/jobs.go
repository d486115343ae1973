package events

import (
	"time"

	"github.com/mattjoyce/ocrgate/internal/jobs"
)

// JobNotifier republishes job lifecycle changes on a Hub as job.<status>
// events scoped to the job's owner. Payloads and results are not included.
type JobNotifier struct {
	Hub *Hub
}

func (n JobNotifier) JobChanged(job jobs.Job) {
	data := map[string]any{
		"job_id":     job.ID,
		"status":     job.Status,
		"updated_at": job.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if job.Error != "" {
		data["error"] = job.Error
	}
	n.Hub.Publish("job."+string(job.Status), job.Owner, data)
}
