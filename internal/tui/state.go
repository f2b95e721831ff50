package tui

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/mattjoyce/foreman/internal/api"
	"github.com/mattjoyce/foreman/internal/dispatch"
	"github.com/mattjoyce/foreman/internal/events"
	"github.com/mattjoyce/foreman/internal/plan"
	"github.com/mattjoyce/foreman/internal/worker"
)

const maxLogLines = 50

// PlanRow is one plan as the monitor shows it.
type PlanRow struct {
	ID      string
	Task    string
	Status  plan.Status
	Steps   map[string]plan.StepStatus
	Total   int
	Updated time.Time
}

// Done counts steps that will not run again.
func (p *PlanRow) Done() int {
	n := 0
	for _, s := range p.Steps {
		switch s {
		case plan.StepSucceeded, plan.StepSkipped, plan.StepCompensated, plan.StepFailed, plan.StepCancelled:
			n++
		}
	}
	return n
}

// State folds the event stream into what the monitor renders.
type State struct {
	Plans     map[string]*PlanRow
	Workers   map[string]worker.Handle
	Questions map[string]worker.Question
	Log       []events.Event
	LastID    int64
	LastEvent time.Time
	Paused    bool
	Health    api.HealthzResponse
	Connected bool
}

// NewState returns an empty state.
func NewState() *State {
	return &State{
		Plans:     make(map[string]*PlanRow),
		Workers:   make(map[string]worker.Handle),
		Questions: make(map[string]worker.Question),
	}
}

// Seed loads the snapshot returned by GET /status.
func (s *State) Seed(r dispatch.StatusReport) {
	for _, rec := range r.ActivePlans {
		s.upsertPlan(rec, time.Time{})
	}
	for _, h := range r.Workers {
		s.Workers[h.ID] = h
		for _, q := range h.Questions {
			if !q.Answered && !q.Expired {
				s.Questions[q.ID] = q
			}
		}
	}
	s.Paused = r.Paused
}

// Apply folds one event. Payloads that do not decode are kept in the log only.
func (s *State) Apply(e events.Event) {
	s.Log = append([]events.Event{e}, s.Log...)
	if len(s.Log) > maxLogLines {
		s.Log = s.Log[:maxLogLines]
	}
	if e.ID > s.LastID {
		s.LastID = e.ID
	}
	s.LastEvent = e.At

	switch e.Type {
	case events.PlanCreated, events.PlanPendingApproval, events.PlanApproved, events.PlanDenied,
		events.PlanQueued, events.PlanStarted, events.PlanCompleted, events.PlanFailed,
		events.PlanCancelled, events.PlanEscalated:
		var rec plan.Record
		if json.Unmarshal(e.Data, &rec) == nil && rec.Plan.ID != "" {
			s.upsertPlan(&rec, e.At)
		}

	case events.StepStarted, events.StepFinished:
		var payload struct {
			PlanID string          `json:"plan_id"`
			Step   plan.StepResult `json:"step"`
		}
		if json.Unmarshal(e.Data, &payload) != nil {
			return
		}
		if row, ok := s.Plans[payload.PlanID]; ok {
			row.Steps[payload.Step.StepID] = payload.Step.Status
			row.Updated = e.At
		}

	case events.WorkerSpawned:
		var h worker.Handle
		if json.Unmarshal(e.Data, &h) == nil && h.ID != "" {
			s.Workers[h.ID] = h
		}

	case events.WorkerProgress:
		var p struct {
			WorkerID string `json:"worker_id"`
			Message  string `json:"message"`
		}
		if json.Unmarshal(e.Data, &p) != nil {
			return
		}
		if h, ok := s.Workers[p.WorkerID]; ok {
			h.LastProgress = p.Message
			h.LastHeartbeat = e.At
			s.Workers[p.WorkerID] = h
		}

	case events.WorkerTerminated:
		var r worker.Result
		if json.Unmarshal(e.Data, &r) == nil {
			delete(s.Workers, r.WorkerID)
			for id := range s.Questions {
				if workerOf(id) == r.WorkerID {
					delete(s.Questions, id)
				}
			}
		}

	case events.WorkerQuestion:
		var q worker.Question
		if json.Unmarshal(e.Data, &q) == nil && q.ID != "" {
			s.Questions[q.ID] = q
		}

	case events.WorkerAnswered:
		var q worker.Question
		if json.Unmarshal(e.Data, &q) == nil {
			delete(s.Questions, q.ID)
		}

	case events.DispatchPaused:
		s.Paused = true
	case events.DispatchResumed:
		s.Paused = false
	}
}

func (s *State) upsertPlan(rec *plan.Record, at time.Time) {
	row, ok := s.Plans[rec.Plan.ID]
	if !ok {
		row = &PlanRow{ID: rec.Plan.ID, Steps: make(map[string]plan.StepStatus)}
		s.Plans[rec.Plan.ID] = row
	}
	row.Task = rec.Plan.Task
	row.Status = rec.Status
	row.Total = len(rec.Plan.Steps)
	if rec.Result != nil {
		for _, st := range rec.Result.Steps {
			row.Steps[st.StepID] = st.Status
		}
	}
	if at.IsZero() {
		at = rec.UpdatedAt
	}
	row.Updated = at
}

// SortedPlans returns plans with the most recently updated first.
func (s *State) SortedPlans() []*PlanRow {
	out := make([]*PlanRow, 0, len(s.Plans))
	for _, p := range s.Plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Updated.Equal(out[j].Updated) {
			return out[i].Updated.After(out[j].Updated)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// SortedWorkers returns workers oldest first.
func (s *State) SortedWorkers() []worker.Handle {
	out := make([]worker.Handle, 0, len(s.Workers))
	for _, h := range s.Workers {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// SortedQuestions returns open questions oldest first.
func (s *State) SortedQuestions() []worker.Question {
	out := make([]worker.Question, 0, len(s.Questions))
	for _, q := range s.Questions {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AskedAt.Before(out[j].AskedAt) })
	return out
}

func workerOf(questionID string) string {
	id, _, _ := strings.Cut(questionID, ":")
	return id
}
