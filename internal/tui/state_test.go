package tui

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/foreman/internal/action"
	"github.com/mattjoyce/foreman/internal/dispatch"
	"github.com/mattjoyce/foreman/internal/events"
	"github.com/mattjoyce/foreman/internal/plan"
	"github.com/mattjoyce/foreman/internal/worker"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func event(t *testing.T, id int64, typ string, payload any) events.Event {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return events.Event{ID: id, Type: typ, At: t0.Add(time.Duration(id) * time.Second), Data: data}
}

func record(id string, status plan.Status) plan.Record {
	return plan.Record{
		Status: status,
		Plan: plan.Plan{
			ID:   id,
			Task: "merge project core into stable",
			Steps: []plan.Step{
				{ID: "validate-core", Action: action.Validate, Project: "core"},
				{ID: "merge-core", Action: action.Merge, Project: "core"},
			},
		},
	}
}

func TestApplyPlanLifecycle(t *testing.T) {
	s := NewState()
	s.Apply(event(t, 1, events.PlanCreated, record("p1", plan.StatusPendingApproval)))
	s.Apply(event(t, 2, events.PlanStarted, record("p1", plan.StatusRunning)))
	s.Apply(event(t, 3, events.StepFinished, map[string]any{
		"plan_id": "p1",
		"step":    plan.StepResult{StepID: "validate-core", Status: plan.StepSucceeded},
	}))

	require.Contains(t, s.Plans, "p1")
	row := s.Plans["p1"]
	assert.Equal(t, plan.StatusRunning, row.Status)
	assert.Equal(t, 2, row.Total)
	assert.Equal(t, 1, row.Done())
	assert.Equal(t, int64(3), s.LastID)
	assert.Len(t, s.Log, 3)
	assert.Equal(t, events.StepFinished, s.Log[0].Type, "newest first")

	s.Apply(event(t, 4, events.PlanCreated, record("p2", plan.StatusQueued)))
	plans := s.SortedPlans()
	require.Len(t, plans, 2)
	assert.Equal(t, "p2", plans[0].ID)
}

func TestApplyWorkersAndQuestions(t *testing.T) {
	s := NewState()
	s.Apply(event(t, 1, events.WorkerSpawned, worker.Handle{ID: "w1", UnitID: "p1-implement-core", StartedAt: t0}))
	s.Apply(event(t, 2, events.WorkerProgress, map[string]any{"worker_id": "w1", "message": "running tests"}))
	s.Apply(event(t, 3, events.WorkerQuestion, worker.Question{ID: "w1:q1", WorkerQID: "q1", Text: "which branch?", AskedAt: t0}))

	require.Contains(t, s.Workers, "w1")
	assert.Equal(t, "running tests", s.Workers["w1"].LastProgress)
	require.Len(t, s.SortedQuestions(), 1)

	s.Apply(event(t, 4, events.WorkerAnswered, worker.Question{ID: "w1:q1", Answered: true}))
	assert.Empty(t, s.Questions)

	s.Apply(event(t, 5, events.WorkerQuestion, worker.Question{ID: "w1:q2", Text: "again?"}))
	s.Apply(event(t, 6, events.WorkerTerminated, worker.Result{WorkerID: "w1", Status: worker.StatusDone}))
	assert.Empty(t, s.Workers)
	assert.Empty(t, s.Questions, "a terminated worker's questions go with it")
}

func TestApplyDispatchPauseAndBadPayload(t *testing.T) {
	s := NewState()
	s.Apply(event(t, 1, events.DispatchPaused, map[string]string{"actor": "ops"}))
	assert.True(t, s.Paused)
	s.Apply(event(t, 2, events.DispatchResumed, map[string]string{"actor": "ops"}))
	assert.False(t, s.Paused)

	s.Apply(events.Event{ID: 3, Type: events.PlanFailed, Data: []byte(`not json`)})
	assert.Empty(t, s.Plans)
	assert.Len(t, s.Log, 3)
}

func TestSeed(t *testing.T) {
	s := NewState()
	rec := record("p1", plan.StatusRunning)
	rec.Result = &plan.Result{Steps: []plan.StepResult{{StepID: "validate-core", Status: plan.StepSucceeded}}}
	s.Seed(dispatch.StatusReport{
		ActivePlans: []*plan.Record{&rec},
		Workers: []worker.Handle{{
			ID: "w1",
			Questions: []worker.Question{
				{ID: "w1:q1", Text: "open"},
				{ID: "w1:q0", Text: "done", Answered: true},
			},
		}},
		Paused: true,
	})

	assert.Equal(t, 1, s.Plans["p1"].Done())
	assert.Contains(t, s.Workers, "w1")
	assert.Len(t, s.Questions, 1)
	assert.True(t, s.Paused)
}
