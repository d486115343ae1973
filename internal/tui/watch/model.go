package watch

import (
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/ocrgate/internal/events"
)

const (
	healthInterval    = 5 * time.Second
	reconnectInterval = 3 * time.Second
)

// Model is the bubbletea model behind `ocrgate watch`.
type Model struct {
	apiURL string
	apiKey string

	width  int
	height int

	health     HealthState
	jobs       map[string]*JobState
	deliveries DeliveryStats
	log        []events.Event
	table      table.Model
	pulse      Pulse
	theme      Theme
	lastError  string

	stream chan events.Event
	now    func() time.Time
}

func New(apiURL, apiKey string) *Model {
	return &Model{
		apiURL: apiURL,
		apiKey: apiKey,
		jobs:   make(map[string]*JobState),
		table:  newJobTable(),
		theme:  NewDefaultTheme(),
		stream: make(chan events.Event, 100),
		now:    time.Now,
	}
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(
		subscribe(m.apiURL, m.apiKey, 0, m.stream),
		nextEvent(m.stream),
		fetchHealth(m.apiURL),
		fetchStatus(m.apiURL, m.apiKey),
		tick(),
	)
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.table, cmd = m.table.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.table.SetHeight(max(m.height-20, 5))

	case tickMsg:
		m.pulse.Fade(time.Time(msg))
		return m, tick()

	case eventMsg:
		m.applyEvent(events.Event(msg))
		return m, nextEvent(m.stream)

	case healthMsg:
		m.health.Status = msg.Status
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.QueueDepth = msg.QueueDepth
		m.health.Connected = true
		m.health.LastCheck = m.now()
		m.lastError = ""
		return m, tea.Tick(healthInterval, func(time.Time) tea.Msg { return fetchHealth(m.apiURL)() })

	case statusMsg:
		m.health.Owner = msg.Owner
		m.health.WebhookQueue = msg.WebhookQueue
		return m, tea.Tick(healthInterval, func(time.Time) tea.Msg { return fetchStatus(m.apiURL, m.apiKey)() })

	case streamEndedMsg:
		m.health.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		if msg.err != nil {
			m.lastError = "event stream: " + msg.err.Error()
		}
		lastID := msg.lastID
		return m, tea.Tick(reconnectInterval, func(time.Time) tea.Msg { return reconnectMsg{lastID: lastID} })

	case reconnectMsg:
		return m, subscribe(m.apiURL, m.apiKey, msg.lastID, m.stream)

	case errMsg:
		m.lastError = msg.Error()
		return m, tea.Tick(healthInterval, func(time.Time) tea.Msg { return fetchHealth(m.apiURL)() })
	}

	return m, nil
}

func (m *Model) applyEvent(e events.Event) {
	m.log = append([]events.Event{e}, m.log...)
	if len(m.log) > eventLogSize {
		m.log = m.log[:eventLogSize]
	}
	m.pulse.Hit(m.now())
	m.health.Connected = true
	m.lastError = ""

	changed := applyJobEvent(m.jobs, e)
	changed = applyDeliveryEvent(&m.deliveries, m.jobs, e) || changed
	if changed {
		m.table.SetRows(jobRows(m.jobs))
	}
}

func (m *Model) View() string {
	if m.width == 0 {
		return "Connecting to ocrgate..."
	}

	parts := []string{
		renderHeader(m.health, m.deliveries, m.pulse, m.theme, m.width, m.now()),
		m.theme.Border.Width(m.width - 4).Render(
			lipgloss.JoinVertical(lipgloss.Left, m.theme.Title.Render("JOBS"), m.table.View()),
		),
		renderEventLog(m.log, m.theme, m.width),
	}
	if m.lastError != "" {
		parts = append(parts, m.theme.Failed.Render(" ⚠ "+m.lastError))
	}
	parts = append(parts, m.theme.Dim.Render(" [q] quit • [↑/↓] scroll jobs"))

	return lipgloss.NewStyle().Margin(1, 2).Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}
