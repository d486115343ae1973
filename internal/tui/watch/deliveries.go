package watch

import (
	"encoding/json"
	"strings"

	"github.com/mattjoyce/ocrgate/internal/events"
)

// DeliveryStats counts webhook outcomes seen on the stream.
type DeliveryStats struct {
	Delivered int
	Failed    int
	Aborted   int
	Dropped   int
}

type deliveryEventData struct {
	JobID      string `json:"job_id"`
	WebhookID  string `json:"webhook_id"`
	StatusCode int    `json:"status_code"`
	Attempt    int    `json:"attempt"`
}

// applyDeliveryEvent counts a webhook.* event and marks it against its job.
func applyDeliveryEvent(stats *DeliveryStats, jobs map[string]*JobState, e events.Event) bool {
	outcome, ok := strings.CutPrefix(e.Type, "webhook.")
	if !ok {
		return false
	}
	switch outcome {
	case "delivered":
		stats.Delivered++
	case "failed":
		stats.Failed++
	case "aborted":
		stats.Aborted++
	case "dropped":
		stats.Dropped++
	default:
		return false
	}

	var d deliveryEventData
	if err := json.Unmarshal(e.Data, &d); err == nil {
		if job := jobs[d.JobID]; job != nil {
			job.Deliveries++
			job.LastHook = outcome
		}
	}
	return true
}
