// Package evaluator scores finished work and decides between finalizing,
// another revision attempt and handing the unit to a human.
package evaluator

import (
	"context"
	"time"

	"github.com/mattjoyce/foreman/internal/proposal"
	"github.com/mattjoyce/foreman/internal/registry"
)

// Score is the three-way outcome of a check.
type Score string

const (
	Pass          Score = "pass"
	NeedsRevision Score = "needs_revision"
	Fail          Score = "fail"
)

func (s Score) rank() int {
	switch s {
	case Fail:
		return 2
	case NeedsRevision:
		return 1
	default:
		return 0
	}
}

// Worst returns the most severe score: fail, then needs_revision, then pass.
func Worst(scores ...Score) Score {
	worst := Pass
	for _, s := range scores {
		if s.rank() > worst.rank() {
			worst = s
		}
	}
	return worst
}

// CheckName identifies one of the three checks.
type CheckName string

const (
	CheckTests  CheckName = "tests"
	CheckLint   CheckName = "lint"
	CheckReview CheckName = "review"
)

// CheckResult is the outcome of one check.
type CheckResult struct {
	Name     CheckName `json:"name"`
	Score    Score     `json:"score"`
	Feedback string    `json:"feedback,omitempty"`
}

// Check runs against a target. Checks never return errors: a check that
// cannot run reports Fail.
type Check interface {
	Name() CheckName
	Run(ctx context.Context, t Target) CheckResult
}

// Target is the unit of work being evaluated.
type Target struct {
	PlanID      string
	UnitID      string
	Project     registry.Project
	Branch      string
	Dir         string
	Task        string
	ArtifactRef string
	Diff        string
	Revision    int
}

// Result is one evaluation. History per unit is append-only.
type Result struct {
	ID        string    `json:"id"`
	PlanID    string    `json:"plan_id,omitempty"`
	UnitID    string    `json:"unit_id"`
	Project   string    `json:"project"`
	Tests     Score     `json:"tests"`
	Lint      Score     `json:"lint"`
	Review    Score     `json:"review"`
	Overall   Score     `json:"overall"`
	Feedback  string    `json:"feedback,omitempty"`
	Revision  int       `json:"revision"`
	Signature string    `json:"signature,omitempty"`
	At        time.Time `json:"at"`
}

// RevisionRequest asks the dispatcher for another attempt on the same branch.
type RevisionRequest struct {
	UnitID   string `json:"unit_id"`
	Project  string `json:"project"`
	Branch   string `json:"branch"`
	Feedback string `json:"feedback"`
	Revision int    `json:"revision"`
}

// Escalation hands a unit to a human with its full evaluation history.
type Escalation struct {
	ID         string    `json:"id"`
	PlanID     string    `json:"plan_id,omitempty"`
	UnitID     string    `json:"unit_id"`
	Project    string    `json:"project"`
	Reason     string    `json:"reason"`
	ProposalID string    `json:"proposal_id,omitempty"`
	History    []Result  `json:"history"`
	CreatedAt  time.Time `json:"created_at"`
}

// Outcome is what happens to a unit after evaluation.
type Outcome string

const (
	Finalize Outcome = "finalize"
	Revise   Outcome = "revise"
	Escalate Outcome = "escalate"
	Propose  Outcome = "propose"
	Reject   Outcome = "reject"
)

// Decision is the result of Next.
type Decision struct {
	Outcome    Outcome
	Revision   *RevisionRequest
	Escalation *Escalation
	Proposal   *proposal.Proposal
	// Err is set for Reject and for an exhausted revision budget.
	Err error
}

// Store persists evaluation history, failure signatures, proposals and escalations.
type Store interface {
	AppendEvaluation(ctx context.Context, r Result) error
	History(ctx context.Context, unitID string) ([]Result, error)
	// RecordSignature notes that unitID failed with signature and returns the
	// number of distinct units seen with it.
	RecordSignature(ctx context.Context, signature, unitID string) (int, error)
	ProposalForSignature(ctx context.Context, signature string) (proposal.Proposal, bool, error)
	SaveProposal(ctx context.Context, p proposal.Proposal) error
	RecordEscalation(ctx context.Context, e Escalation) error
}
