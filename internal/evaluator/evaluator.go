package evaluator

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/foreman/internal/clock"
	"github.com/mattjoyce/foreman/internal/config"
	"github.com/mattjoyce/foreman/internal/errs"
	"github.com/mattjoyce/foreman/internal/events"
	"github.com/mattjoyce/foreman/internal/log"
	"github.com/mattjoyce/foreman/internal/metrics"
	"github.com/mattjoyce/foreman/internal/notify"
	"github.com/mattjoyce/foreman/internal/proposal"
)

// Evaluator runs the checks and drives the revision cycle.
type Evaluator struct {
	tests, lint, review Check
	store               Store
	maxRevisions        int
	patternThreshold    int
	checkTimeout        time.Duration
	clk                 clock.Clock
	hub                 events.Publisher
	notifier            notify.Notifier
	logger              *slog.Logger
}

// Options wires an Evaluator. Nil checks pass as "not configured".
type Options struct {
	Tests, Lint, Review Check
	Store               Store
	MaxRevisions        int
	PatternThreshold    int
	CheckTimeout        time.Duration
	Clock               clock.Clock
	Hub                 events.Publisher
	Notifier            notify.Notifier
	Logger              *slog.Logger
}

func New(o Options) *Evaluator {
	if o.Tests == nil {
		o.Tests = NewCommandCheck(CheckTests, nil)
	}
	if o.Lint == nil {
		o.Lint = NewCommandCheck(CheckLint, nil)
	}
	if o.Review == nil {
		o.Review = skipCheck(CheckReview)
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Hub == nil {
		o.Hub = events.Nop{}
	}
	if o.Logger == nil {
		o.Logger = log.WithComponent("evaluator")
	}
	return &Evaluator{
		tests:            o.Tests,
		lint:             o.Lint,
		review:           o.Review,
		store:            o.Store,
		maxRevisions:     o.MaxRevisions,
		patternThreshold: o.PatternThreshold,
		checkTimeout:     o.CheckTimeout,
		clk:              o.Clock,
		hub:              o.Hub,
		notifier:         o.Notifier,
		logger:           o.Logger,
	}
}

// FromConfig builds the checks from evaluation config. reviewer may be nil
// when the review pass is disabled.
func FromConfig(cfg config.EvaluationConfig, reviewer Reviewer, o Options) *Evaluator {
	o.Tests = NewCommandCheck(CheckTests, cfg.Checks.Tests.Command)
	o.Lint = NewCommandCheck(CheckLint, cfg.Checks.Lint.Command)
	if cfg.Checks.Review.Enabled && reviewer != nil {
		o.Review = ReviewCheck{Reviewer: reviewer}
	}
	o.MaxRevisions = cfg.MaxRevisions
	o.PatternThreshold = cfg.PatternThreshold
	o.CheckTimeout = cfg.CheckTimeout
	return New(o)
}

// MaxRevisions is the revision budget per unit.
func (e *Evaluator) MaxRevisions() int { return e.maxRevisions }

type skipCheck CheckName

func (s skipCheck) Name() CheckName { return CheckName(s) }
func (s skipCheck) Run(context.Context, Target) CheckResult {
	return CheckResult{Name: CheckName(s), Score: Pass, Feedback: "not configured"}
}

// Evaluate runs the three checks concurrently and appends the result to history.
func (e *Evaluator) Evaluate(ctx context.Context, t Target) (Result, error) {
	checkCtx := ctx
	if e.checkTimeout > 0 {
		var cancel context.CancelFunc
		checkCtx, cancel = context.WithTimeout(ctx, e.checkTimeout)
		defer cancel()
	}

	checks := []Check{e.tests, e.lint, e.review}
	results := make([]CheckResult, len(checks))
	g, gctx := errgroup.WithContext(checkCtx)
	for i, c := range checks {
		g.Go(func() error {
			results[i] = c.Run(gctx, t)
			return nil
		})
	}
	_ = g.Wait()

	r := Result{
		ID:       uuid.NewString(),
		PlanID:   t.PlanID,
		UnitID:   t.UnitID,
		Project:  t.Project.ID,
		Tests:    results[0].Score,
		Lint:     results[1].Score,
		Review:   results[2].Score,
		Revision: t.Revision,
		At:       e.clk.Now(),
	}
	r.Overall = Worst(r.Tests, r.Lint, r.Review)
	r.Feedback = combineFeedback(results)
	if r.Overall != Pass {
		r.Signature = Signature(results)
	}

	if err := e.store.AppendEvaluation(ctx, r); err != nil {
		return r, fmt.Errorf("record evaluation: %w", err)
	}
	metrics.RecordEvaluation(string(r.Overall))
	e.hub.Publish(events.EvaluationRecorded, r)
	e.logger.Info("evaluation recorded", "unit_id", r.UnitID, "revision", r.Revision,
		"tests", r.Tests, "lint", r.Lint, "review", r.Review, "overall", r.Overall)
	return r, nil
}

// Next decides what follows an evaluation.
//
// pass finalizes and fail rejects. needs_revision asks for another attempt
// while the budget lasts, unless the same failure signature has been seen on
// enough distinct units, in which case an enhancement proposal is raised and
// the unit goes to a human. An exhausted budget escalates with the history.
func (e *Evaluator) Next(ctx context.Context, t Target, r Result) (Decision, error) {
	switch r.Overall {
	case Pass:
		return Decision{Outcome: Finalize}, nil
	case Fail:
		return Decision{
			Outcome: Reject,
			Err:     fmt.Errorf("%w: evaluation of %s failed: %s", errs.ErrStepFailed, t.UnitID, firstLine(r.Feedback)),
		}, nil
	}

	if e.patternThreshold > 0 && r.Signature != "" {
		seen, err := e.store.RecordSignature(ctx, r.Signature, t.UnitID)
		if err != nil {
			return Decision{}, fmt.Errorf("record failure signature: %w", err)
		}
		if seen >= e.patternThreshold {
			p, err := e.propose(ctx, r, seen)
			if err != nil {
				return Decision{}, err
			}
			esc, err := e.escalate(ctx, t, "recurring failure pattern "+r.Signature, p.ID)
			if err != nil {
				return Decision{}, err
			}
			return Decision{Outcome: Propose, Proposal: &p, Escalation: esc}, nil
		}
	}

	if r.Revision < e.maxRevisions {
		return Decision{
			Outcome: Revise,
			Revision: &RevisionRequest{
				UnitID:   t.UnitID,
				Project:  t.Project.ID,
				Branch:   t.Branch,
				Feedback: r.Feedback,
				Revision: r.Revision + 1,
			},
		}, nil
	}

	esc, err := e.escalate(ctx, t, fmt.Sprintf("no passing evaluation after %d revisions", e.maxRevisions), "")
	if err != nil {
		return Decision{}, err
	}
	return Decision{
		Outcome:    Escalate,
		Escalation: esc,
		Err:        fmt.Errorf("%w: unit %s", errs.ErrRevisionBudgetExhausted, t.UnitID),
	}, nil
}

// History returns every evaluation of a unit, oldest first.
func (e *Evaluator) History(ctx context.Context, unitID string) ([]Result, error) {
	return e.store.History(ctx, unitID)
}

func (e *Evaluator) propose(ctx context.Context, r Result, seen int) (proposal.Proposal, error) {
	if p, ok, err := e.store.ProposalForSignature(ctx, r.Signature); err != nil {
		return proposal.Proposal{}, fmt.Errorf("look up proposal: %w", err)
	} else if ok {
		return p, nil
	}
	p := proposal.New(
		"recurring-failure",
		"Recurring evaluation failure "+r.Signature,
		fmt.Sprintf("%d unrelated units needed revision for the same reason:\n%s", seen, firstLine(r.Feedback)),
		"review the shared tooling, prompts or conventions behind this failure before dispatching more work of this kind",
		r.Signature,
		e.clk.Now(),
	)
	if err := e.store.SaveProposal(ctx, p); err != nil {
		return proposal.Proposal{}, fmt.Errorf("save proposal: %w", err)
	}
	e.hub.Publish(events.ProposalCreated, p)
	notify.Send(ctx, e.notifier, e.logger, notify.Notice{
		Kind:    notify.Proposal,
		Subject: p.Title,
		Body:    p.Rationale,
		Ref:     p.ID,
		At:      p.CreatedAt,
	})
	e.logger.Info("enhancement proposal raised", "proposal_id", p.ID, "signature", r.Signature, "units", seen)
	return p, nil
}

func (e *Evaluator) escalate(ctx context.Context, t Target, reason, proposalID string) (*Escalation, error) {
	history, err := e.store.History(ctx, t.UnitID)
	if err != nil {
		return nil, fmt.Errorf("load evaluation history: %w", err)
	}
	esc := &Escalation{
		ID:         uuid.NewString(),
		PlanID:     t.PlanID,
		UnitID:     t.UnitID,
		Project:    t.Project.ID,
		Reason:     reason,
		ProposalID: proposalID,
		History:    history,
		CreatedAt:  e.clk.Now(),
	}
	if err := e.store.RecordEscalation(ctx, *esc); err != nil {
		return nil, fmt.Errorf("record escalation: %w", err)
	}
	metrics.RecordEscalation(reasonLabel(proposalID))
	notify.Send(ctx, e.notifier, e.logger, notify.Notice{
		Kind:    notify.Escalation,
		Subject: fmt.Sprintf("unit %s in %s needs a human", t.UnitID, t.Project.ID),
		Body:    reason,
		PlanID:  t.PlanID,
		Ref:     esc.ID,
		Data:    map[string]any{"evaluations": len(history)},
		At:      esc.CreatedAt,
	})
	e.logger.Warn("unit escalated", "unit_id", t.UnitID, "plan_id", t.PlanID, "reason", reason)
	return esc, nil
}

func reasonLabel(proposalID string) string {
	if proposalID != "" {
		return "recurring_failure"
	}
	return "revision_budget"
}

func combineFeedback(results []CheckResult) string {
	var parts []string
	for _, r := range results {
		if r.Score == Pass || r.Feedback == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("[%s] %s", r.Name, r.Feedback))
	}
	return strings.Join(parts, "\n\n")
}

var (
	digits     = regexp.MustCompile(`[0-9]+`)
	hexish     = regexp.MustCompile(`\b[0-9a-f]{7,}\b`)
	whitespace = regexp.MustCompile(`\s+`)
)

// Signature fingerprints the failing checks so that the same failure on
// different units, files or line numbers hashes alike.
func Signature(results []CheckResult) string {
	var parts []string
	for _, r := range results {
		if r.Score == Pass {
			continue
		}
		parts = append(parts, string(r.Name)+"="+string(r.Score)+":"+normalize(r.Feedback))
	}
	if len(parts) == 0 {
		return ""
	}
	sort.Strings(parts)
	sum := blake3.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:8])
}

func normalize(feedback string) string {
	// The first line after the check header carries the failure; later lines are noise.
	lines := strings.Split(strings.TrimSpace(feedback), "\n")
	line := lines[0]
	if len(lines) > 1 && strings.Contains(line, "(exit") {
		line = lines[1]
	}
	line = strings.ToLower(line)
	line = hexish.ReplaceAllString(line, "#")
	line = digits.ReplaceAllString(line, "#")
	line = whitespace.ReplaceAllString(line, " ")
	return strings.TrimSpace(line)
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}
