// Package plan holds dispatch plans, their steps and their results.
package plan

import (
	"fmt"
	"time"

	"github.com/mattjoyce/foreman/internal/action"
	"github.com/mattjoyce/foreman/internal/errs"
	"github.com/mattjoyce/foreman/internal/graph"
)

// Status is the lifecycle state of a plan.
type Status string

const (
	StatusPlanned         Status = "planned"
	StatusPendingApproval Status = "pending_approval"
	StatusApproved        Status = "approved"
	StatusQueued          Status = "queued"
	StatusRunning         Status = "running"
	StatusSuccess         Status = "success"
	StatusFailed          Status = "failed"
	StatusCancelled       Status = "cancelled"
	StatusPendingHuman    Status = "pending_human"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCancelled, StatusPendingHuman:
		return true
	}
	return false
}

// Kind is how a step executes.
type Kind string

const (
	KindDirect    Kind = "direct"
	KindDelegated Kind = "delegated"
	KindInference Kind = "inference"
)

// Exec is the closed set of step execution variants.
type Exec interface {
	Kind() Kind
}

// Direct runs a configured command; no worker, no inference.
type Direct struct{}

// Delegated hands the step to a worker that does not need a model endpoint.
type Delegated struct{}

// Inference hands the step to a worker bound to a routed endpoint, then
// evaluates the result through the revision cycle.
type Inference struct {
	TaskType   string
	Complexity string
	// Tier forces a tier, bypassing table lookup and fallback.
	Tier string
}

func (Direct) Kind() Kind    { return KindDirect }
func (Delegated) Kind() Kind { return KindDelegated }
func (Inference) Kind() Kind { return KindInference }

// Step is one node of a plan.
type Step struct {
	ID         string            `json:"id"`
	Action     action.Name       `json:"action"`
	Project    string            `json:"project"`
	Branch     string            `json:"branch,omitempty"`
	DependsOn  []string          `json:"depends_on,omitempty"`
	Kind       Kind              `json:"kind"`
	TaskType   string            `json:"task_type,omitempty"`
	Complexity string            `json:"complexity,omitempty"`
	Tier       string            `json:"tier,omitempty"`
	Timeout    time.Duration     `json:"timeout,omitempty"`
	Task       string            `json:"task,omitempty"`
	Params     map[string]string `json:"params,omitempty"`
}

// Exec returns the execution variant of the step.
func (s Step) Exec() (Exec, error) {
	switch s.Kind {
	case KindDirect:
		return Direct{}, nil
	case KindDelegated:
		return Delegated{}, nil
	case KindInference:
		return Inference{TaskType: s.TaskType, Complexity: s.Complexity, Tier: s.Tier}, nil
	}
	return nil, fmt.Errorf("step %s: unknown kind %q", s.ID, s.Kind)
}

// Plan is immutable once created.
type Plan struct {
	ID                string            `json:"id"`
	Task              string            `json:"task"`
	Target            string            `json:"target,omitempty"`
	Steps             []Step            `json:"steps"`
	Scope             graph.ActionScope `json:"scope"`
	RequiresApproval  bool              `json:"requires_approval"`
	EstimatedDuration time.Duration     `json:"estimated_duration"`
	GraphVersion      uint64            `json:"graph_version"`
	CreatedBy         string            `json:"created_by,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
}

// Step looks up a step by id.
func (p *Plan) Step(id string) (Step, bool) {
	for _, s := range p.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// Validate checks ids, dependency references, kinds and acyclicity.
func (p *Plan) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("plan has no steps")
	}
	seen := make(map[string]bool, len(p.Steps))
	for _, s := range p.Steps {
		if s.ID == "" {
			return fmt.Errorf("step with empty id")
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate step id %q", s.ID)
		}
		seen[s.ID] = true
		if _, ok := action.Lookup(s.Action); !ok {
			return fmt.Errorf("step %s: unknown action %q", s.ID, s.Action)
		}
		if _, err := s.Exec(); err != nil {
			return err
		}
	}
	for _, s := range p.Steps {
		for _, d := range s.DependsOn {
			if !seen[d] {
				return fmt.Errorf("step %s depends on unknown step %q", s.ID, d)
			}
		}
	}
	_, err := Order(p.Steps)
	return err
}

// Order returns the steps topologically sorted. Among steps whose
// dependencies are satisfied, insertion order wins.
func Order(steps []Step) ([]Step, error) {
	done := make(map[string]bool, len(steps))
	placed := make([]bool, len(steps))
	out := make([]Step, 0, len(steps))
	for len(out) < len(steps) {
		progressed := false
		for i, s := range steps {
			if placed[i] || !depsDone(s, done) {
				continue
			}
			placed[i] = true
			done[s.ID] = true
			out = append(out, s)
			progressed = true
			break
		}
		if !progressed {
			return nil, &errs.CycleError{Path: stepCycle(steps, placed)}
		}
	}
	return out, nil
}

func depsDone(s Step, done map[string]bool) bool {
	for _, d := range s.DependsOn {
		if !done[d] {
			return false
		}
	}
	return true
}

// stepCycle walks dependencies from the first unplaced step until a step repeats.
func stepCycle(steps []Step, placed []bool) []string {
	byID := make(map[string]Step, len(steps))
	var start string
	for i, s := range steps {
		byID[s.ID] = s
		if !placed[i] && start == "" {
			start = s.ID
		}
	}
	index := map[string]int{}
	var path []string
	cur := start
	for {
		if i, ok := index[cur]; ok {
			return append(path[i:], cur)
		}
		index[cur] = len(path)
		path = append(path, cur)
		next := ""
		for _, d := range byID[cur].DependsOn {
			if _, ok := byID[d]; ok {
				next = d
				if _, onPath := index[d]; onPath {
					break
				}
			}
		}
		if next == "" {
			return path
		}
		cur = next
	}
}
