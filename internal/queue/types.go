package queue

import (
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/foreman/internal/plan"
)

var ErrPlanNotFound = errors.New("plan not found")

// TransitionError is returned when a plan is not in a state that allows the change.
type TransitionError struct {
	ID      string
	Current plan.Status
	To      plan.Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("plan %s is %s and cannot become %s", e.ID, e.Current, e.To)
}

// Change describes a status transition.
type Change struct {
	// From lists the statuses the plan may currently be in. Empty means any non-terminal status.
	From       []plan.Status
	Actor      string
	ApprovedBy string
	DeniedBy   string
	Reason     string
	Result     *plan.Result
	Detail     string
}

// LogEntry is one line of a plan's audit trail.
type LogEntry struct {
	ID     int64     `json:"id"`
	PlanID string    `json:"plan_id"`
	At     time.Time `json:"at"`
	Event  string    `json:"event"`
	StepID string    `json:"step_id,omitempty"`
	Actor  string    `json:"actor,omitempty"`
	Detail string    `json:"detail,omitempty"`
}

var nonTerminal = []plan.Status{
	plan.StatusPlanned,
	plan.StatusPendingApproval,
	plan.StatusApproved,
	plan.StatusQueued,
	plan.StatusRunning,
}
