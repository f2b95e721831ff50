package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/mattjoyce/foreman/internal/action"
	"github.com/mattjoyce/foreman/internal/errs"
	"github.com/mattjoyce/foreman/internal/evaluator"
	"github.com/mattjoyce/foreman/internal/plan"
	"github.com/mattjoyce/foreman/internal/registry"
	"github.com/mattjoyce/foreman/internal/router"
	"github.com/mattjoyce/foreman/internal/worker"
	"github.com/mattjoyce/foreman/internal/workspace"
)

// maxDiffBytes bounds the diff handed to the review check.
const maxDiffBytes = 64 * 1024

// stepContext carries one step through its handler.
type stepContext struct {
	run     *run
	step    plan.Step
	project registry.Project
	result  *plan.StepResult
}

// UnitID names the unit of work behind a step. Revisions keep the same id.
func UnitID(planID, stepID string) string {
	if len(planID) > 8 {
		planID = planID[:8]
	}
	return planID + "-" + stepID
}

func commandData(s plan.Step, p registry.Project) CommandData {
	d := CommandData{
		Project: p.ID,
		Path:    p.Path,
		Remote:  p.Remote,
		Branch:  s.Branch,
		Version: s.Params["version"],
		Params:  s.Params,
	}
	if d.Params == nil {
		d.Params = map[string]string{}
	}
	switch s.Action {
	case action.Merge:
		d.Source = p.IntegrationBranch()
		if d.Branch == "" {
			d.Branch = p.StableBranch()
		}
	case action.Tag, action.Release, action.Publish:
		if d.Branch == "" {
			d.Branch = p.StableBranch()
		}
	default:
		if d.Branch == "" {
			d.Branch = p.IntegrationBranch()
		}
	}
	if src, ok := s.Params["source"]; ok {
		d.Source = src
	}
	return d
}

// direct runs the action's configured command. No worker, no inference.
func (c stepContext) direct(ctx context.Context) error {
	cmd, ok := c.run.actions[string(c.step.Action)]
	if !ok || strings.TrimSpace(cmd.Run) == "" {
		return fmt.Errorf("%w: no command configured for action %s", errs.ErrStepFailed, c.step.Action)
	}
	script, err := RenderCommand(cmd.Run, commandData(c.step, c.project))
	if err != nil {
		return fmt.Errorf("%w: %w", errs.ErrStepFailed, err)
	}
	out, err := c.run.e.runner.Run(ctx, Command{Script: script, Dir: c.project.Path, Timeout: c.step.Timeout})
	c.result.Output = lastLines(out, 20)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", errs.ErrStepFailed, c.step.Action, err)
	}
	return nil
}

// delegated hands the step to a worker without a model endpoint.
func (c stepContext) delegated(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	unitID := UnitID(c.run.rec.Plan.ID, c.step.ID)
	ws, err := c.workspace(ctx, unitID, 0)
	if err != nil {
		return err
	}
	res, err := c.work(ctx, worker.Unit{
		ID:           unitID,
		Action:       c.step.Action,
		Project:      c.project,
		Branch:       c.step.Branch,
		Task:         c.task(),
		Scope:        workspace.ScopeFor(c.project, c.step.Action),
		WorkspaceDir: ws,
	})
	if err != nil {
		return err
	}
	c.result.ArtifactRef = res.ArtifactRef
	c.result.Output = res.Message
	return nil
}

// inference routes the step to an endpoint, runs the worker under a slot on
// that endpoint, then evaluates the result. needs_revision re-enters a worker
// on the same branch with the feedback until the evaluator finalizes,
// rejects or escalates.
func (c stepContext) inference(ctx context.Context, x plan.Inference) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	sel, err := c.selectEndpoint(ctx, x)
	if err != nil {
		return err
	}
	c.result.Endpoint = sel.Endpoint.Name
	c.result.Tier = string(sel.Endpoint.Tier)
	c.result.Fallback = sel.Fallback

	unitID := UnitID(c.run.rec.Plan.ID, c.step.ID)
	a := c.step.Action
	feedback := ""
	for attempt := 0; ; attempt++ {
		ws, err := c.workspace(ctx, unitID, attempt)
		if err != nil {
			return err
		}
		ep := sel.Endpoint
		res, err := c.workOnEndpoint(ctx, ep, worker.Unit{
			ID:           unitID,
			Attempt:      attempt,
			Action:       a,
			Project:      c.project,
			Branch:       c.step.Branch,
			Task:         c.task(),
			Feedback:     feedback,
			Endpoint:     &ep,
			Scope:        workspace.ScopeFor(c.project, a),
			WorkspaceDir: ws,
		})
		if err != nil {
			return err
		}
		c.result.ArtifactRef = res.ArtifactRef
		c.result.Revisions = attempt

		target := evaluator.Target{
			PlanID:      c.run.rec.Plan.ID,
			UnitID:      unitID,
			Project:     c.project,
			Branch:      c.step.Branch,
			Dir:         c.project.Path,
			Task:        c.task(),
			ArtifactRef: res.ArtifactRef,
			Diff:        c.diff(ctx),
			Revision:    attempt,
		}
		er, err := c.run.e.evaluator.Evaluate(ctx, target)
		if err != nil {
			return fmt.Errorf("evaluate %s: %w", unitID, err)
		}
		dec, err := c.run.e.evaluator.Next(ctx, target, er)
		if err != nil {
			return fmt.Errorf("decide after evaluation of %s: %w", unitID, err)
		}

		switch dec.Outcome {
		case evaluator.Finalize:
			c.result.Output = er.Feedback
			return nil
		case evaluator.Revise:
			feedback = dec.Revision.Feedback
			a = action.Revise
			c.run.logger.Info("revision requested", "step_id", c.step.ID, "unit_id", unitID, "revision", dec.Revision.Revision)
		case evaluator.Reject:
			c.result.Output = er.Feedback
			return dec.Err
		case evaluator.Escalate, evaluator.Propose:
			esc := &escalatedError{cause: dec.Err}
			if dec.Escalation != nil {
				esc.escalationID = dec.Escalation.ID
				c.result.EscalationID = dec.Escalation.ID
			}
			if dec.Proposal != nil {
				esc.proposalID = dec.Proposal.ID
			}
			if esc.cause == nil {
				esc.cause = fmt.Errorf("unit %s escalated: recurring failure pattern", unitID)
			}
			return esc
		default:
			return fmt.Errorf("unknown evaluation outcome %q", dec.Outcome)
		}
	}
}

func (c stepContext) selectEndpoint(ctx context.Context, x plan.Inference) (router.Selection, error) {
	if x.Tier != "" {
		tier, err := router.ParseTier(x.Tier)
		if err != nil {
			return router.Selection{}, err
		}
		return c.run.e.router.SelectForced(ctx, tier)
	}
	taskType := x.TaskType
	if taskType == "" {
		taskType = string(c.step.Action)
	}
	return c.run.e.router.SelectEndpoint(ctx, taskType, router.Complexity(x.Complexity))
}

// workOnEndpoint holds an endpoint slot for the lifetime of the worker. An
// endpoint the worker could not reach is taken out of rotation until the
// next health refresh.
func (c stepContext) workOnEndpoint(ctx context.Context, ep router.Endpoint, u worker.Unit) (worker.Result, error) {
	release, err := c.run.e.router.Acquire(ctx, ep)
	if err != nil {
		return worker.Result{}, err
	}
	defer release()
	res, err := c.work(ctx, u)
	if err != nil && res.Reason == worker.ReasonEndpointDown {
		c.run.e.router.MarkUnhealthy(ep.Name, err)
		c.run.logger.Warn("worker could not reach endpoint", "step_id", c.step.ID, "endpoint", ep.Name)
	}
	return res, err
}

// work spawns a worker and waits for its terminal report.
func (c stepContext) work(ctx context.Context, u worker.Unit) (worker.Result, error) {
	h, err := c.run.e.workers.Spawn(ctx, u)
	if err != nil {
		return worker.Result{}, fmt.Errorf("%w: %w", errs.ErrStepFailed, err)
	}
	c.result.WorkerID = h.ID
	res, err := c.run.e.workers.Await(ctx, h)
	if err != nil {
		return res, err
	}
	if res.Status != worker.StatusDone {
		if res.Err != nil {
			return res, res.Err
		}
		return res, fmt.Errorf("%w: worker %s: %s", errs.ErrStepFailed, h.ID, res.Message)
	}
	return res, nil
}

// workspace prepares the attempt's workspace. Revisions see the previous
// attempt's files so its artifacts stay visible.
func (c stepContext) workspace(ctx context.Context, unitID string, attempt int) (string, error) {
	m := c.run.e.workspaces
	if m == nil {
		return "", nil
	}
	ws, err := m.Prepare(ctx, unitID, attempt)
	if err != nil {
		return "", fmt.Errorf("prepare workspace %s: %w", workspace.AttemptID(unitID, attempt), err)
	}
	return ws.Dir, nil
}

func (c stepContext) diff(ctx context.Context) string {
	if c.step.Branch == "" {
		return ""
	}
	d, err := evaluator.GitDiff(ctx, c.project.Path, c.project.IntegrationBranch(), c.step.Branch, maxDiffBytes)
	if err != nil {
		c.run.logger.Debug("diff unavailable", "step_id", c.step.ID, "error", err)
		return ""
	}
	return d
}

func (c stepContext) task() string {
	if c.step.Task != "" {
		return c.step.Task
	}
	return fmt.Sprintf("%s project %s", c.step.Action, c.project.ID)
}

func (c stepContext) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.step.Timeout > 0 {
		return context.WithTimeout(ctx, c.step.Timeout)
	}
	return context.WithCancel(ctx)
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
