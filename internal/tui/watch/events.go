package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/ocrgate/internal/events"
)

const (
	eventLogSize  = 50
	eventLogShown = 8
)

func renderEventLog(log []events.Event, theme Theme, width int) string {
	innerWidth := width - 4
	title := theme.Title.Render("EVENTS")

	if len(log) == 0 {
		return theme.Border.Width(innerWidth).Render(
			lipgloss.JoinVertical(lipgloss.Left, title, theme.Dim.Render("  waiting for events...")),
		)
	}

	var lines []string
	for i, e := range log {
		if i >= eventLogShown {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}
	body := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left, title, body))
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Local().Format("15:04:05"))
	_, outcome, _ := strings.Cut(e.Type, ".")
	typ := theme.StatusStyle(outcome).Render(fmt.Sprintf("%-18s", e.Type))
	return fmt.Sprintf("%s %s %s", ts, typ, describe(e))
}

// describe pulls a short summary out of the event payload.
func describe(e events.Event) string {
	var data map[string]any
	_ = json.Unmarshal(e.Data, &data)

	var parts []string
	if id, ok := data["job_id"].(string); ok {
		if len(id) > 8 {
			id = id[:8]
		}
		parts = append(parts, "["+id+"]")
	}
	if code, ok := data["status_code"].(float64); ok {
		parts = append(parts, fmt.Sprintf("HTTP %d", int(code)))
	}
	if attempt, ok := data["attempt"].(float64); ok && attempt > 1 {
		parts = append(parts, fmt.Sprintf("attempt %d", int(attempt)))
	}
	if ip, ok := data["client_ip"].(string); ok {
		parts = append(parts, ip)
	}
	if msg, ok := data["error"].(string); ok && msg != "" {
		parts = append(parts, truncate(msg, 40))
	}

	if len(parts) == 0 {
		return truncate(string(e.Data), 60)
	}
	return strings.Join(parts, " ")
}
