package watch

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/ocrgate/internal/events"
)

const maxTrackedJobs = 200

// JobState is what the stream has told us about one job.
type JobState struct {
	ID        string
	Status    string
	Error     string
	UpdatedAt time.Time

	Deliveries int
	LastHook   string
}

type jobEventData struct {
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
	Error     string `json:"error"`
	UpdatedAt string `json:"updated_at"`
}

// applyJobEvent folds a job.* event into jobs. It reports whether anything changed.
func applyJobEvent(jobs map[string]*JobState, e events.Event) bool {
	if !strings.HasPrefix(e.Type, "job.") {
		return false
	}
	var d jobEventData
	if err := json.Unmarshal(e.Data, &d); err != nil || d.JobID == "" {
		return false
	}

	job := jobs[d.JobID]
	if job == nil {
		job = &JobState{ID: d.JobID}
		jobs[d.JobID] = job
	}
	job.Status = d.Status
	if job.Status == "" {
		job.Status = strings.TrimPrefix(e.Type, "job.")
	}
	job.Error = d.Error
	job.UpdatedAt = e.At
	if t, err := time.Parse(time.RFC3339Nano, d.UpdatedAt); err == nil {
		job.UpdatedAt = t
	}

	if len(jobs) > maxTrackedJobs {
		evictOldest(jobs)
	}
	return true
}

// evictOldest drops the least recently updated finished job, or the least
// recently updated job when none has finished.
func evictOldest(jobs map[string]*JobState) {
	var victim *JobState
	for _, j := range jobs {
		finished := j.Status == "completed" || j.Status == "failed"
		if victim == nil {
			victim = j
			continue
		}
		victimFinished := victim.Status == "completed" || victim.Status == "failed"
		if finished && !victimFinished || finished == victimFinished && j.UpdatedAt.Before(victim.UpdatedAt) {
			victim = j
		}
	}
	if victim != nil {
		delete(jobs, victim.ID)
	}
}

func newJobTable() table.Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "Job", Width: 36},
			{Title: "Status", Width: 11},
			{Title: "Updated", Width: 9},
			{Title: "Hooks", Width: 6},
			{Title: "Error", Width: 30},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)
	return t
}

// jobRows renders jobs newest first.
func jobRows(jobs map[string]*JobState) []table.Row {
	list := make([]*JobState, 0, len(jobs))
	for _, j := range jobs {
		list = append(list, j)
	}
	sort.Slice(list, func(a, b int) bool {
		if !list[a].UpdatedAt.Equal(list[b].UpdatedAt) {
			return list[a].UpdatedAt.After(list[b].UpdatedAt)
		}
		return list[a].ID < list[b].ID
	})

	rows := make([]table.Row, 0, len(list))
	for _, j := range list {
		hooks := ""
		if j.Deliveries > 0 {
			hooks = j.LastHook
		}
		rows = append(rows, table.Row{
			j.ID,
			j.Status,
			j.UpdatedAt.Local().Format("15:04:05"),
			hooks,
			truncate(j.Error, 30),
		})
	}
	return rows
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
