package plan

import "time"

// StepStatus is the outcome of one step.
type StepStatus string

const (
	StepPending     StepStatus = "pending"
	StepRunning     StepStatus = "running"
	StepSucceeded   StepStatus = "succeeded"
	StepFailed      StepStatus = "failed"
	StepCancelled   StepStatus = "cancelled"
	StepSkipped     StepStatus = "skipped"
	StepCompensated StepStatus = "compensated"
	StepEscalated   StepStatus = "escalated"
)

// StepResult records what happened to a step.
type StepResult struct {
	StepID       string     `json:"step_id"`
	Action       string     `json:"action"`
	Project      string     `json:"project"`
	Kind         Kind       `json:"kind"`
	Status       StepStatus `json:"status"`
	WorkerID     string     `json:"worker_id,omitempty"`
	Endpoint     string     `json:"endpoint,omitempty"`
	Tier         string     `json:"tier,omitempty"`
	Fallback     bool       `json:"fallback,omitempty"`
	ArtifactRef  string     `json:"artifact_ref,omitempty"`
	Output       string     `json:"output,omitempty"`
	Error        string     `json:"error,omitempty"`
	ErrorKind    string     `json:"error_kind,omitempty"`
	Revisions    int        `json:"revisions,omitempty"`
	EscalationID string     `json:"escalation_id,omitempty"`
	StartedAt    time.Time  `json:"started_at,omitempty"`
	FinishedAt   time.Time  `json:"finished_at,omitempty"`
}

// Compensation records one rollback action.
type Compensation struct {
	StepID string `json:"step_id"`
	Action string `json:"action"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}

// Result is what execution produced. It is reported for every terminal state.
type Result struct {
	PlanID        string         `json:"plan_id"`
	Status        Status         `json:"status"`
	Steps         []StepResult   `json:"steps"`
	Compensations []Compensation `json:"compensations,omitempty"`
	Error         string         `json:"error,omitempty"`
	ErrorKind     string         `json:"error_kind,omitempty"`
	EscalationID  string         `json:"escalation_id,omitempty"`
	ProposalID    string         `json:"proposal_id,omitempty"`
}

// Record is a plan with its mutable lifecycle state.
type Record struct {
	Plan         Plan       `json:"plan"`
	Status       Status     `json:"status"`
	ApprovedBy   string     `json:"approved_by,omitempty"`
	DeniedBy     string     `json:"denied_by,omitempty"`
	DenialReason string     `json:"denial_reason,omitempty"`
	Result       *Result    `json:"result,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
	QueuedAt     *time.Time `json:"queued_at,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// Approved reports whether the approval gate is open.
func (r *Record) Approved() bool {
	return !r.Plan.RequiresApproval || r.ApprovedBy != ""
}
