// Package watch implements `ocrgate watch`, a live terminal view of the
// gateway's health, the caller's jobs and webhook deliveries.
package watch

import "github.com/charmbracelet/lipgloss"

// Theme keeps every colour used by the view in one place.
type Theme struct {
	Pending    lipgloss.Style
	Processing lipgloss.Style
	Completed  lipgloss.Style
	Failed     lipgloss.Style

	Border    lipgloss.Style
	Title     lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style

	PulseOn  lipgloss.Style
	PulseOff lipgloss.Style
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")

	return Theme{
		Pending:    lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Processing: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		Completed:  lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		Failed:     lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),

		PulseOn:  lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		PulseOff: lipgloss.NewStyle().Foreground(lipgloss.Color("#444444")),
	}
}

// StatusStyle picks the colour for a job status or delivery outcome.
func (t Theme) StatusStyle(status string) lipgloss.Style {
	switch status {
	case "completed", "delivered":
		return t.Completed
	case "processing", "retrying":
		return t.Processing
	case "failed", "aborted", "dropped":
		return t.Failed
	default:
		return t.Pending
	}
}
