package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// HealthState is the latest /healthz and /v1/status view of the gateway.
type HealthState struct {
	Status        string
	UptimeSeconds int64
	QueueDepth    int
	WebhookQueue  int
	Owner         string
	Connected     bool
	LastCheck     time.Time
}

func renderHeader(h HealthState, stats DeliveryStats, pulse Pulse, theme Theme, width int, now time.Time) string {
	innerWidth := width - 4

	status := theme.Completed.Render("HEALTHY")
	switch {
	case !h.Connected:
		status = theme.Failed.Render("CONNECTING")
	case h.Status != "ok" && h.Status != "":
		status = theme.Failed.Render("DEGRADED")
	}

	title := " OCRGATE WATCH"
	if h.Owner != "" {
		title += theme.Dim.Render(" as ") + theme.Highlight.Render(h.Owner)
	}
	clock := theme.Dim.Render(now.Format("15:04:05"))
	pad := max(innerWidth-lipgloss.Width(title)-lipgloss.Width(clock)-4, 1)
	titleLine := title + strings.Repeat(" ", pad) + clock + " "

	statsLine := fmt.Sprintf(" %s  up %s  pending: %d  webhook queue: %d",
		status,
		formatDuration(time.Duration(h.UptimeSeconds)*time.Second),
		h.QueueDepth,
		h.WebhookQueue,
	)

	deliveries := fmt.Sprintf(" webhooks: %s delivered  %s failed  %s aborted  %s dropped",
		theme.Completed.Render(fmt.Sprint(stats.Delivered)),
		theme.Failed.Render(fmt.Sprint(stats.Failed)),
		theme.Failed.Render(fmt.Sprint(stats.Aborted)),
		theme.Failed.Render(fmt.Sprint(stats.Dropped)),
	)

	last := "never"
	if !pulse.Last().IsZero() {
		last = now.Sub(pulse.Last()).Round(time.Second).String() + " ago"
	}
	activity := fmt.Sprintf(" last event: %s %s", last, pulse.Render(theme))

	return theme.Border.Width(innerWidth).Render(
		lipgloss.JoinVertical(lipgloss.Left, titleLine, statsLine, deliveries, activity),
	)
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
