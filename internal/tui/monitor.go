package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/foreman/internal/api"
	"github.com/mattjoyce/foreman/internal/dispatch"
	"github.com/mattjoyce/foreman/internal/events"
)

const (
	healthEvery    = 5 * time.Second
	reconnectDelay = 3 * time.Second
)

// Source is the part of the API client the monitor reads from.
type Source interface {
	Health(ctx context.Context) (api.HealthzResponse, error)
	Status(ctx context.Context) (dispatch.StatusReport, error)
	Events(ctx context.Context, lastID int64, ch chan<- events.Event) error
}

var _ Source = (*api.Client)(nil)

type (
	eventMsg           events.Event
	healthMsg          api.HealthzResponse
	statusMsg          dispatch.StatusReport
	errMsg             struct{ err error }
	sseDisconnectedMsg struct{ err error }
	reconnectMsg       struct{}
	tickMsg            time.Time
)

// Model is the bubbletea model of the monitor.
type Model struct {
	ctx context.Context
	src Source

	width  int
	height int

	state     *State
	plans     table.Model
	theme     Theme
	hubEvents chan events.Event
	lastError string
}

// NewMonitor creates a monitor reading from src until ctx is cancelled.
func NewMonitor(ctx context.Context, src Source) Model {
	t := table.New(
		table.WithColumns(planColumns(80)),
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

	return Model{
		ctx:       ctx,
		src:       src,
		state:     NewState(),
		plans:     t,
		theme:     NewDefaultTheme(),
		hubEvents: make(chan events.Event, 100),
	}
}

func planColumns(width int) []table.Column {
	task := width - 2 - 18 - 18 - 7 - 12
	if task < 20 {
		task = 20
	}
	return []table.Column{
		{Title: "ST", Width: 2},
		{Title: "Plan", Width: 18},
		{Title: "Status", Width: 18},
		{Title: "Steps", Width: 7},
		{Title: "Task", Width: task},
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.fetchStatus(),
		m.fetchHealth(),
		m.subscribe(0),
		m.receiveNextEvent(),
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.plans.SetColumns(planColumns(m.width - 6))
		m.plans.SetWidth(m.width - 6)

	case tickMsg:
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case statusMsg:
		m.state.Seed(dispatch.StatusReport(msg))
		m.refreshTable()
		return m, nil

	case eventMsg:
		m.state.Apply(events.Event(msg))
		m.state.Connected = true
		m.lastError = ""
		m.refreshTable()
		return m, m.receiveNextEvent()

	case healthMsg:
		m.state.Health = api.HealthzResponse(msg)
		m.state.Connected = true
		m.lastError = ""
		return m, tea.Tick(healthEvery, func(time.Time) tea.Msg { return m.fetchHealth()() })

	case sseDisconnectedMsg:
		m.state.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		if msg.err != nil {
			m.lastError = fmt.Sprintf("event stream: %v, reconnecting...", msg.err)
		}
		return m, tea.Tick(reconnectDelay, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, m.subscribe(m.state.LastID)

	case errMsg:
		m.lastError = msg.err.Error()
		return m, tea.Tick(healthEvery, func(time.Time) tea.Msg { return m.fetchHealth()() })
	}

	var cmd tea.Cmd
	m.plans, cmd = m.plans.Update(msg)
	return m, cmd
}

func (m *Model) refreshTable() {
	rows := make([]table.Row, 0, len(m.state.Plans))
	for _, p := range m.state.SortedPlans() {
		rows = append(rows, table.Row{
			m.theme.planSymbol(string(p.Status)),
			shortID(p.ID),
			string(p.Status),
			fmt.Sprintf("%d/%d", p.Done(), p.Total),
			p.Task,
		})
	}
	m.plans.SetRows(rows)
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to foreman..."
	}
	inner := m.width - 4

	plans := m.theme.Border.Width(inner).Render(
		lipgloss.JoinVertical(lipgloss.Left, m.theme.Title.Render("Plans"), m.plans.View()),
	)
	parts := []string{
		m.renderHeader(inner),
		plans,
		m.panel("Workers", m.renderWorkers(), inner),
	}
	if len(m.state.Questions) > 0 {
		parts = append(parts, m.panel("Waiting for an answer", m.renderQuestions(), inner))
	}
	parts = append(parts, m.panel("Event Stream", m.renderEvents(), inner))
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(" ⚠ "+m.lastError))
	}
	parts = append(parts, lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Render(" [q] Quit • [↑/↓] Scroll plans"))

	return lipgloss.NewStyle().Margin(1, 2).Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}

func (m Model) panel(title, body string, width int) string {
	return m.theme.Border.Width(width).Render(lipgloss.JoinVertical(lipgloss.Left, m.theme.Title.Render(title), body))
}

func (m Model) renderHeader(width int) string {
	h := m.state.Health
	status := m.theme.StatusOK.Render("HEALTHY")
	switch {
	case !m.state.Connected:
		status = m.theme.StatusFailed.Render("CONNECTING")
	case h.Status != "" && h.Status != "ok":
		status = m.theme.StatusFailed.Render(strings.ToUpper(h.Status))
	}
	dispatchState := m.theme.StatusOK.Render("active")
	if m.state.Paused || h.Dispatch == api.DispatchPaused {
		dispatchState = m.theme.StatusWaiting.Render("paused")
	}

	var tiers []string
	for _, t := range h.Tiers {
		style := m.theme.StatusOK
		if !t.Healthy {
			style = m.theme.StatusFailed
		}
		tiers = append(tiers, style.Render(string(t.Tier)))
	}
	lastEvent := "never"
	if !m.state.LastEvent.IsZero() {
		lastEvent = m.state.LastEvent.Format("15:04:05")
	}

	stats := fmt.Sprintf(" %s  ⏱ %s  Queue: %d  Workers: %d  Dispatch: %s",
		status, formatDuration(time.Duration(h.UptimeSeconds)*time.Second), h.QueueDepth, h.ActiveWorkers, dispatchState)
	activity := fmt.Sprintf(" Tiers: %s  Last event: %s", strings.Join(tiers, " "), lastEvent)
	return m.theme.Border.Width(width).Render(lipgloss.JoinVertical(lipgloss.Left,
		m.theme.Title.Render("FOREMAN MONITOR"), stats, activity))
}

func (m Model) renderWorkers() string {
	workers := m.state.SortedWorkers()
	if len(workers) == 0 {
		return m.theme.Dim.Render("  No workers running")
	}
	var lines []string
	for _, w := range workers {
		line := fmt.Sprintf("  %-12s %-24s %-18s %s", shortID(w.ID), w.UnitID, w.Action, w.Endpoint)
		if w.Paused {
			line += m.theme.StatusWaiting.Render("  paused")
		}
		if w.LastProgress != "" {
			line += m.theme.Dim.Render("  " + w.LastProgress)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func (m Model) renderQuestions() string {
	var lines []string
	for _, q := range m.state.SortedQuestions() {
		lines = append(lines, fmt.Sprintf("  %s  %s", m.theme.Highlight.Render(q.ID), q.Text))
	}
	return strings.Join(lines, "\n")
}

func (m Model) renderEvents() string {
	var lines []string
	for i, e := range m.state.Log {
		if i >= 10 {
			break
		}
		lines = append(lines, fmt.Sprintf("  %s | %-20s | %s", e.At.Format("15:04:05"), e.Type, truncate(string(e.Data), 80)))
	}
	if len(lines) == 0 {
		return m.theme.Dim.Render("  No events yet...")
	}
	return strings.Join(lines, "\n")
}

func (m Model) subscribe(lastID int64) tea.Cmd {
	return func() tea.Msg {
		err := m.src.Events(m.ctx, lastID, m.hubEvents)
		if m.ctx.Err() != nil {
			return nil
		}
		return sseDisconnectedMsg{err: err}
	}
}

func (m Model) receiveNextEvent() tea.Cmd {
	return func() tea.Msg {
		select {
		case e := <-m.hubEvents:
			return eventMsg(e)
		case <-m.ctx.Done():
			return nil
		}
	}
}

func (m Model) fetchHealth() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(m.ctx, 2*time.Second)
		defer cancel()
		h, err := m.src.Health(ctx)
		if err != nil {
			return errMsg{err}
		}
		return healthMsg(h)
	}
}

func (m Model) fetchStatus() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(m.ctx, 5*time.Second)
		defer cancel()
		r, err := m.src.Status(ctx)
		if err != nil {
			return errMsg{err}
		}
		return statusMsg(r)
	}
}

// Run starts the monitor in the terminal and blocks until the user quits.
func Run(ctx context.Context, src Source) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	_, err := tea.NewProgram(NewMonitor(ctx, src), tea.WithContext(ctx)).Run()
	return err
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
