package watch

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/ocrgate/internal/events"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestModel() *Model {
	m := New("http://127.0.0.1:1", "test-key")
	m.now = func() time.Time { return fixedNow }
	return m
}

func jobEvent(id int64, jobID, status string, updated time.Time) events.Event {
	data, _ := json.Marshal(map[string]string{
		"job_id":     jobID,
		"status":     status,
		"updated_at": updated.Format(time.RFC3339Nano),
	})
	return events.Event{ID: id, Type: "job." + status, At: updated, Data: data}
}

func TestReadSSE(t *testing.T) {
	stream := strings.Join([]string{
		": keep-alive",
		"",
		"id: 7",
		"event: job.completed",
		`data: {"job_id":"abc"}`,
		"",
		"id: 8",
		"event: webhook.failed",
		`data: {"job_id":"abc",`,
		`data: "status_code":500}`,
		"",
		"id: 9",
		"event: partial",
	}, "\n")

	var got []events.Event
	require.NoError(t, readSSE(strings.NewReader(stream), func(e events.Event) { got = append(got, e) }))

	require.Len(t, got, 2, "comments and unterminated frames are skipped")
	assert.Equal(t, int64(7), got[0].ID)
	assert.Equal(t, "job.completed", got[0].Type)
	assert.JSONEq(t, `{"job_id":"abc"}`, string(got[0].Data))
	assert.Equal(t, int64(8), got[1].ID)
	assert.JSONEq(t, `{"job_id":"abc","status_code":500}`, string(got[1].Data))
}

func TestSubscribeResumesFromLastEventID(t *testing.T) {
	var gotLastID, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotLastID = r.Header.Get("Last-Event-ID")
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "id: 12\nevent: job.pending\ndata: {\"job_id\":\"j1\"}\n\n")
	}))
	defer srv.Close()

	ch := make(chan events.Event, 4)
	msg := subscribe(srv.URL, "k", 11, ch)()

	ended, ok := msg.(streamEndedMsg)
	require.True(t, ok)
	assert.NoError(t, ended.err)
	assert.Equal(t, int64(12), ended.lastID)
	assert.Equal(t, "11", gotLastID)
	assert.Equal(t, "Bearer k", gotAuth)
	require.Len(t, ch, 1)
	assert.Equal(t, "job.pending", (<-ch).Type)
}

func TestSubscribeRejectedStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	msg := subscribe(srv.URL, "k", 0, make(chan events.Event, 1))()
	ended := msg.(streamEndedMsg)
	require.Error(t, ended.err)
	assert.Contains(t, ended.err.Error(), "403")
}

func TestJobEventsBuildTable(t *testing.T) {
	m := newTestModel()

	m.Update(eventMsg(jobEvent(1, "job-a", "pending", fixedNow.Add(-3*time.Second))))
	m.Update(eventMsg(jobEvent(2, "job-b", "pending", fixedNow.Add(-2*time.Second))))
	m.Update(eventMsg(jobEvent(3, "job-a", "completed", fixedNow.Add(-time.Second))))

	require.Len(t, m.jobs, 2)
	assert.Equal(t, "completed", m.jobs["job-a"].Status)

	rows := m.table.Rows()
	require.Len(t, rows, 2)
	assert.Equal(t, "job-a", rows[0][0], "most recently updated first")
	assert.Equal(t, "completed", rows[0][1])
	assert.Equal(t, "job-b", rows[1][0])

	assert.Len(t, m.log, 3)
	assert.Equal(t, int64(3), m.log[0].ID)
	assert.True(t, m.health.Connected)
}

func TestDeliveryEventsAreCounted(t *testing.T) {
	m := newTestModel()
	m.Update(eventMsg(jobEvent(1, "job-a", "completed", fixedNow)))

	for i, typ := range []string{"webhook.failed", "webhook.delivered", "webhook.dropped", "webhook.something"} {
		data, _ := json.Marshal(map[string]any{"job_id": "job-a", "webhook_id": "h1", "attempt": 1})
		m.Update(eventMsg(events.Event{ID: int64(i + 2), Type: typ, At: fixedNow, Data: data}))
	}

	assert.Equal(t, DeliveryStats{Delivered: 1, Failed: 1, Dropped: 1}, m.deliveries)
	assert.Equal(t, 3, m.jobs["job-a"].Deliveries)
	assert.Equal(t, "dropped", m.jobs["job-a"].LastHook)
}

func TestJobTrackingIsBounded(t *testing.T) {
	jobs := map[string]*JobState{}
	for i := 0; i < maxTrackedJobs+10; i++ {
		status := "completed"
		if i == 0 {
			status = "processing"
		}
		applyJobEvent(jobs, jobEvent(int64(i), fmt.Sprintf("job-%03d", i), status, fixedNow.Add(time.Duration(i)*time.Second)))
	}

	assert.Len(t, jobs, maxTrackedJobs)
	assert.Contains(t, jobs, "job-000", "unfinished jobs outlive finished ones")
	assert.NotContains(t, jobs, "job-001")
}

func TestIgnoresMalformedEvents(t *testing.T) {
	jobs := map[string]*JobState{}
	assert.False(t, applyJobEvent(jobs, events.Event{Type: "job.pending", Data: json.RawMessage(`not json`)}))
	assert.False(t, applyJobEvent(jobs, events.Event{Type: "job.pending", Data: json.RawMessage(`{}`)}))
	assert.False(t, applyJobEvent(jobs, events.Event{Type: "auth.failed", Data: json.RawMessage(`{"job_id":"x"}`)}))
	assert.Empty(t, jobs)
}

func TestHealthAndStream(t *testing.T) {
	m := newTestModel()

	m.Update(healthMsg{Status: "ok", UptimeSeconds: 90, QueueDepth: 4})
	m.Update(statusMsg{Owner: "acme", WebhookQueue: 2})
	assert.True(t, m.health.Connected)
	assert.Equal(t, 4, m.health.QueueDepth)
	assert.Equal(t, "acme", m.health.Owner)

	_, cmd := m.Update(streamEndedMsg{lastID: 41})
	assert.False(t, m.health.Connected)
	assert.Contains(t, m.lastError, "reconnecting")
	assert.NotNil(t, cmd)
}

func TestViewAndQuit(t *testing.T) {
	m := newTestModel()
	assert.Equal(t, "Connecting to ocrgate...", m.View())

	m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	m.Update(healthMsg{Status: "ok", UptimeSeconds: 3700})
	m.Update(eventMsg(jobEvent(1, "0f8e2a6c-1111-4222-8333-444455556666", "completed", fixedNow)))

	view := m.View()
	assert.Contains(t, view, "OCRGATE WATCH")
	assert.Contains(t, view, "HEALTHY")
	assert.Contains(t, view, "1h 1m")
	assert.Contains(t, view, "[0f8e2a6c]")

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	_, isQuit := cmd().(tea.QuitMsg)
	assert.True(t, isQuit)
}

func TestPulseFades(t *testing.T) {
	var p Pulse
	p.Fade(fixedNow)
	assert.Equal(t, 0, p.lit)

	p.Hit(fixedNow)
	assert.Equal(t, pulseWidth, p.lit)
	p.Fade(fixedNow.Add(5 * time.Second))
	assert.Equal(t, 3, p.lit)
	p.Fade(fixedNow.Add(time.Minute))
	assert.Equal(t, 0, p.lit)
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "42s", formatDuration(42*time.Second))
	assert.Equal(t, "2m 5s", formatDuration(125*time.Second))
	assert.Equal(t, "3h 0m", formatDuration(3*time.Hour))
}
