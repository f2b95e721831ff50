package tui

import (
	"context"
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/foreman/internal/api"
	"github.com/mattjoyce/foreman/internal/dispatch"
	"github.com/mattjoyce/foreman/internal/events"
	"github.com/mattjoyce/foreman/internal/plan"
	"github.com/mattjoyce/foreman/internal/router"
)

type fakeSource struct {
	health    api.HealthzResponse
	healthErr error
	status    dispatch.StatusReport
	streamed  []events.Event
	lastIDs   []int64
}

func (f *fakeSource) Health(context.Context) (api.HealthzResponse, error) {
	return f.health, f.healthErr
}

func (f *fakeSource) Status(context.Context) (dispatch.StatusReport, error) {
	return f.status, nil
}

func (f *fakeSource) Events(ctx context.Context, lastID int64, ch chan<- events.Event) error {
	f.lastIDs = append(f.lastIDs, lastID)
	for _, e := range f.streamed {
		ch <- e
	}
	return errors.New("connection reset")
}

func sized(t *testing.T, m Model) Model {
	t.Helper()
	next, _ := m.Update(tea.WindowSizeMsg{Width: 140, Height: 50})
	return next.(Model)
}

func TestMonitorRendersStatusAndEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src := &fakeSource{}
	m := sized(t, NewMonitor(ctx, src))

	rec := record("plan-abc", plan.StatusRunning)
	next, _ := m.Update(statusMsg(dispatch.StatusReport{ActivePlans: []*plan.Record{&rec}}))
	m = next.(Model)
	next, _ = m.Update(healthMsg(api.HealthzResponse{
		Status:        "ok",
		UptimeSeconds: 125,
		QueueDepth:    3,
		Dispatch:      api.DispatchPaused,
		Tiers:         []router.TierHealth{{Tier: "local", Healthy: true}},
	}))
	m = next.(Model)
	next, cmd := m.Update(eventMsg(event(t, 7, events.PlanQueued, record("plan-def", plan.StatusQueued))))
	m = next.(Model)
	assert.NotNil(t, cmd, "keeps receiving events")

	view := m.View()
	assert.Contains(t, view, "FOREMAN MONITOR")
	assert.Contains(t, view, "HEALTHY")
	assert.Contains(t, view, "2m 5s")
	assert.Contains(t, view, "Queue: 3")
	assert.Contains(t, view, "paused")
	assert.Contains(t, view, "plan-abc")
	assert.Contains(t, view, "plan-def")
	assert.Contains(t, view, events.PlanQueued)
}

func TestMonitorBeforeFirstResize(t *testing.T) {
	m := NewMonitor(context.Background(), &fakeSource{})
	assert.Equal(t, "Connecting to foreman...", m.View())
}

func TestMonitorQuits(t *testing.T) {
	m := sized(t, NewMonitor(context.Background(), &fakeSource{}))
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
}

func TestSubscribeResumesFromLastEvent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src := &fakeSource{streamed: []events.Event{{ID: 41, Type: events.PlanCreated, Data: []byte(`{}`)}}}
	m := sized(t, NewMonitor(ctx, src))

	msg := m.subscribe(0)()
	disconnected, ok := msg.(sseDisconnectedMsg)
	require.True(t, ok)
	assert.EqualError(t, disconnected.err, "connection reset")

	e, ok := m.receiveNextEvent()().(eventMsg)
	require.True(t, ok)
	next, _ := m.Update(e)
	m = next.(Model)

	next, _ = m.Update(disconnected)
	m = next.(Model)
	assert.Contains(t, m.View(), "CONNECTING")
	assert.Contains(t, m.View(), "connection reset")

	_, cmd := m.Update(reconnectMsg{})
	require.NotNil(t, cmd)
	src.streamed = nil
	cmd()
	assert.Equal(t, []int64{0, 41}, src.lastIDs)
}

func TestFetchHealthError(t *testing.T) {
	src := &fakeSource{healthErr: errors.New("dial tcp: connection refused")}
	m := sized(t, NewMonitor(context.Background(), src))

	msg := m.fetchHealth()()
	next, cmd := m.Update(msg)
	assert.NotNil(t, cmd)
	assert.Contains(t, next.(Model).View(), "connection refused")
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "42s", formatDuration(42*time.Second))
	assert.Equal(t, "3m 7s", formatDuration(187*time.Second))
	assert.Equal(t, "2h 5m", formatDuration(125*time.Minute))
}
