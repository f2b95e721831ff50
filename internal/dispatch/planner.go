package dispatch

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/foreman/internal/autonomy"
	"github.com/mattjoyce/foreman/internal/graph"
	"github.com/mattjoyce/foreman/internal/plan"
)

// Rough per-kind durations used for the plan estimate.
var kindEstimate = map[plan.Kind]time.Duration{
	plan.KindDirect:    time.Minute,
	plan.KindDelegated: 10 * time.Minute,
	plan.KindInference: 20 * time.Minute,
}

// Planner decomposes tasks into plans. It is pure: nothing is stored.
type Planner struct {
	templates      []Template
	defaultTimeout time.Duration
}

// NewPlanner tries templates in order; the first that matches wins.
func NewPlanner(defaultTimeout time.Duration, templates ...Template) *Planner {
	return &Planner{templates: templates, defaultTimeout: defaultTimeout}
}

// Plan builds an immutable plan for task against g, gating it with snap.
func (p *Planner) Plan(task string, g *graph.Graph, snap *autonomy.Snapshot, now time.Time) (plan.Plan, error) {
	task = strings.TrimSpace(task)
	if task == "" {
		return plan.Plan{}, fmt.Errorf("%w: empty task", ErrUnrecognisedTask)
	}

	var (
		draft   Draft
		matched bool
	)
	for _, t := range p.templates {
		d, ok, err := t.Build(task, g)
		if err != nil {
			return plan.Plan{}, fmt.Errorf("plan %q (%s): %w", task, t.Name(), err)
		}
		if ok {
			draft, matched = d, true
			break
		}
	}
	if !matched {
		return plan.Plan{}, fmt.Errorf("%w: %q", ErrUnrecognisedTask, task)
	}

	pl := plan.Plan{
		ID:           uuid.NewString(),
		Task:         task,
		Target:       draft.Target,
		Steps:        draft.Steps,
		GraphVersion: g.Version(),
		CreatedAt:    now,
	}
	for i := range pl.Steps {
		if pl.Steps[i].Timeout == 0 && pl.Steps[i].Kind == plan.KindDirect {
			pl.Steps[i].Timeout = p.defaultTimeout
		}
	}
	if err := pl.Validate(); err != nil {
		return plan.Plan{}, err
	}

	scope, err := AggregateScope(g, pl.Steps)
	if err != nil {
		return plan.Plan{}, err
	}
	pl.Scope = scope
	pl.RequiresApproval = RequiresApproval(snap, pl.Steps, scope)
	pl.EstimatedDuration = estimate(pl.Steps)
	return pl, nil
}

// AggregateScope unions the scope of every step.
func AggregateScope(g *graph.Graph, steps []plan.Step) (graph.ActionScope, error) {
	scopes := make([]graph.ActionScope, 0, len(steps))
	for _, s := range steps {
		sc, err := g.ScopeOf(s.Action, s.Project, s.Branch)
		if err != nil {
			return graph.ActionScope{}, fmt.Errorf("scope of step %s: %w", s.ID, err)
		}
		scopes = append(scopes, sc)
	}
	return graph.Evaluate(scopes...), nil
}

// RequiresApproval is true unless every step may auto-execute over scope.
func RequiresApproval(snap *autonomy.Snapshot, steps []plan.Step, scope graph.ActionScope) bool {
	for _, s := range steps {
		if !snap.CanAutoExecute(s.Action, scope) {
			return true
		}
	}
	return false
}

// Verdict folds per-step autonomy decisions: auto only if every step is auto,
// skip if any step would be skipped, otherwise propose.
func Verdict(snap *autonomy.Snapshot, steps []plan.Step, scope graph.ActionScope) autonomy.Verdict {
	out := autonomy.AutoExecute
	for _, s := range steps {
		switch snap.Decide(s.Action, scope) {
		case autonomy.Skip:
			return autonomy.Skip
		case autonomy.Propose:
			out = autonomy.Propose
		}
	}
	return out
}

// estimate is the length of the critical path.
func estimate(steps []plan.Step) time.Duration {
	ordered, err := plan.Order(steps)
	if err != nil {
		return 0
	}
	finish := make(map[string]time.Duration, len(ordered))
	var longest time.Duration
	for _, s := range ordered {
		var start time.Duration
		for _, d := range s.DependsOn {
			start = max(start, finish[d])
		}
		own := s.Timeout
		if own == 0 || own > kindEstimate[s.Kind] {
			own = kindEstimate[s.Kind]
		}
		finish[s.ID] = start + own
		longest = max(longest, finish[s.ID])
	}
	return longest
}
