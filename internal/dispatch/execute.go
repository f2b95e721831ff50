package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/foreman/internal/action"
	"github.com/mattjoyce/foreman/internal/config"
	"github.com/mattjoyce/foreman/internal/errs"
	"github.com/mattjoyce/foreman/internal/events"
	"github.com/mattjoyce/foreman/internal/graph"
	"github.com/mattjoyce/foreman/internal/log"
	"github.com/mattjoyce/foreman/internal/metrics"
	"github.com/mattjoyce/foreman/internal/notify"
	"github.com/mattjoyce/foreman/internal/plan"
	"github.com/mattjoyce/foreman/internal/queue"
)

// compensationTimeout bounds each rollback command.
const compensationTimeout = 5 * time.Minute

// escalatedError ends a step in the pending-human state instead of failing it.
type escalatedError struct {
	escalationID string
	proposalID   string
	cause        error
}

func (e *escalatedError) Error() string {
	if e.cause != nil {
		return e.cause.Error()
	}
	return "escalated to a human"
}

func (e *escalatedError) Unwrap() error { return e.cause }

type outcome struct {
	index  int
	result plan.StepResult
	err    error
}

// run is the per-plan execution state. Only the Run goroutine touches it.
type run struct {
	e       *Engine
	rec     *plan.Record
	steps   []plan.Step
	results []plan.StepResult
	graph   *graph.Graph
	actions map[string]config.ActionCommand
	logger  *slog.Logger

	completed     []int
	compensations []plan.Compensation
	failure       error
	failedAt      string
	escalated     *escalatedError
}

// Run executes a dequeued plan to a terminal state and stores the result.
// Independent steps run concurrently up to the worker limit. A failing step
// stops the plan, in-flight steps are cancelled and every completed step is
// compensated in reverse completion order. A unit escalated to a human ends
// the plan in pending_human without rollback.
func (e *Engine) Run(ctx context.Context, rec *plan.Record) *plan.Record {
	planCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.mu.Lock()
	e.running[rec.Plan.ID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.running, rec.Plan.ID)
		e.mu.Unlock()
	}()

	r := &run{
		e:       e,
		rec:     rec,
		steps:   rec.Plan.Steps,
		results: make([]plan.StepResult, len(rec.Plan.Steps)),
		graph:   e.graph.Load(),
		actions: *e.actions.Load(),
		logger:  log.WithPlan(rec.Plan.ID),
	}
	for i, s := range r.steps {
		r.results[i] = plan.StepResult{StepID: s.ID, Action: string(s.Action), Project: s.Project, Kind: s.Kind, Status: plan.StepPending}
	}
	r.logger.Info("plan started", "task", rec.Plan.Task, "steps", len(r.steps))
	e.hub.Publish(events.PlanStarted, rec)

	result := r.execute(planCtx)
	return e.finish(ctx, rec, result)
}

func (r *run) execute(ctx context.Context) *plan.Result {
	stepCtx, stopSteps := context.WithCancel(ctx)
	defer stopSteps()

	// Buffered so step goroutines never block on a finished run.
	outcomes := make(chan outcome, len(r.steps))
	started := make([]bool, len(r.steps))
	succeeded := make(map[string]bool, len(r.steps))
	inFlight := 0

	for {
		if r.failure == nil && r.escalated == nil && ctx.Err() == nil {
			for i, s := range r.steps {
				if inFlight >= r.e.maxWorkers {
					break
				}
				if started[i] || !ready(s, succeeded) {
					continue
				}
				started[i] = true
				inFlight++
				go func() { outcomes <- r.runStep(stepCtx, i) }()
			}
		}
		if inFlight == 0 {
			break
		}

		o := <-outcomes
		inFlight--
		r.results[o.index] = o.result
		switch o.result.Status {
		case plan.StepSucceeded:
			succeeded[o.result.StepID] = true
			r.completed = append(r.completed, o.index)
		case plan.StepFailed:
			if r.failure == nil {
				r.failure, r.failedAt = o.err, o.result.StepID
				stopSteps()
			}
		case plan.StepEscalated:
			if r.escalated == nil {
				var esc *escalatedError
				errors.As(o.err, &esc)
				r.escalated = esc
			}
		}
	}

	for i := range r.results {
		if r.results[i].Status == plan.StepPending {
			r.results[i].Status = plan.StepSkipped
			r.save(r.results[i])
		}
	}

	res := &plan.Result{PlanID: r.rec.Plan.ID}
	switch {
	case r.failure != nil:
		compensated := r.rollback(ctx)
		res.Status = plan.StatusFailed
		stepErr := &errs.StepError{PlanID: r.rec.Plan.ID, StepID: r.failedAt, Cause: r.failure, Compensations: compensated}
		res.Error = stepErr.Error()
		res.ErrorKind = errs.KindOf(r.failure)
		if res.ErrorKind == "" {
			res.ErrorKind = errs.KindStepFailed
		}
	case ctx.Err() != nil:
		compensated := r.rollback(ctx)
		res.Status = plan.StatusCancelled
		res.Error = "cancelled"
		if len(compensated) > 0 {
			res.Error = fmt.Sprintf("cancelled (compensated: %v)", compensated)
		}
	case r.escalated != nil:
		res.Status = plan.StatusPendingHuman
		res.EscalationID = r.escalated.escalationID
		res.ProposalID = r.escalated.proposalID
		res.Error = r.escalated.Error()
		res.ErrorKind = errs.KindOf(r.escalated.cause)
	default:
		res.Status = plan.StatusSuccess
	}
	res.Steps = r.results
	res.Compensations = r.compensations
	return res
}

func ready(s plan.Step, succeeded map[string]bool) bool {
	for _, d := range s.DependsOn {
		if !succeeded[d] {
			return false
		}
	}
	return true
}

// runStep executes one step and classifies its outcome.
func (r *run) runStep(ctx context.Context, i int) outcome {
	s := r.steps[i]
	res := r.results[i]
	res.Status = plan.StepRunning
	res.StartedAt = r.e.clk.Now()
	r.save(res)
	r.e.hub.Publish(events.StepStarted, map[string]any{"plan_id": r.rec.Plan.ID, "step": res})
	logger := r.logger.With("step_id", s.ID, "action", s.Action, "project", s.Project, "kind", s.Kind)
	logger.Info("step started")

	err := r.handle(ctx, s, &res)

	res.FinishedAt = r.e.clk.Now()
	switch {
	case err == nil:
		res.Status = plan.StepSucceeded
	case isEscalation(err):
		res.Status = plan.StepEscalated
		res.Error = err.Error()
		res.ErrorKind = errs.KindOf(err)
	case ctx.Err() != nil:
		res.Status = plan.StepCancelled
		res.Error = ctx.Err().Error()
	default:
		res.Status = plan.StepFailed
		res.Error = err.Error()
		res.ErrorKind = errs.KindOf(err)
		if res.ErrorKind == "" {
			res.ErrorKind = errs.KindStepFailed
			err = fmt.Errorf("%w: %w", errs.ErrStepFailed, err)
		}
	}
	r.save(res)

	duration := res.FinishedAt.Sub(res.StartedAt).Seconds()
	metrics.RecordStep(string(s.Action), string(s.Kind), string(res.Status), duration)
	r.e.hub.Publish(events.StepFinished, map[string]any{"plan_id": r.rec.Plan.ID, "step": res})
	if res.Status == plan.StepSucceeded {
		logger.Info("step finished", "status", res.Status)
	} else {
		logger.Warn("step finished", "status", res.Status, "error", res.Error)
	}
	return outcome{index: i, result: res, err: err}
}

func isEscalation(err error) bool {
	var esc *escalatedError
	return errors.As(err, &esc)
}

// handle takes the project write lock when the action writes, then runs the
// handler for the step's execution variant.
func (r *run) handle(ctx context.Context, s plan.Step, res *plan.StepResult) error {
	if action.MustLookup(s.Action).Writes {
		release, err := r.e.locks.Acquire(ctx, s.Project)
		if err != nil {
			return fmt.Errorf("wait for project lock: %w", err)
		}
		defer release()
	}
	project, ok := r.graph.Registry().Get(s.Project)
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownProject, s.Project)
	}

	x, err := s.Exec()
	if err != nil {
		return err
	}
	sc := stepContext{run: r, step: s, project: project, result: res}
	switch x := x.(type) {
	case plan.Direct:
		return sc.direct(ctx)
	case plan.Delegated:
		return sc.delegated(ctx)
	case plan.Inference:
		return sc.inference(ctx, x)
	}
	return fmt.Errorf("step %s: unhandled kind %q", s.ID, x.Kind())
}

func (r *run) save(res plan.StepResult) {
	// Step bookkeeping must land even while the plan is being cancelled.
	if err := r.e.queue.SaveStepResult(context.Background(), r.rec.Plan.ID, res); err != nil {
		r.logger.Error("failed to save step result", "step_id", res.StepID, "error", err)
	}
}

// rollback compensates completed steps in reverse completion order and
// returns the ids of the steps compensated.
func (r *run) rollback(ctx context.Context) []string {
	base := context.WithoutCancel(ctx)
	var done []string
	for i := len(r.completed) - 1; i >= 0; i-- {
		idx := r.completed[i]
		s := r.steps[idx]
		cmd, ok := r.actions[string(s.Action)]
		if !ok || cmd.Compensate == "" {
			continue
		}
		c := plan.Compensation{StepID: s.ID, Action: string(s.Action)}
		err := r.compensateLocked(base, s, cmd.Compensate)
		c.OK = err == nil
		if err != nil {
			c.Error = err.Error()
			r.logger.Error("compensation failed", "step_id", s.ID, "error", err)
		} else {
			r.results[idx].Status = plan.StepCompensated
			r.save(r.results[idx])
			done = append(done, s.ID)
			r.logger.Info("step compensated", "step_id", s.ID)
		}
		metrics.RecordCompensation(string(s.Action), c.OK)
		r.e.hub.Publish(events.StepCompensated, map[string]any{"plan_id": r.rec.Plan.ID, "compensation": c})
		r.compensations = append(r.compensations, c)
	}
	return done
}

// compensateLocked holds the project write lock for the whole compensation
// when the action writes, as the step itself did.
func (r *run) compensateLocked(ctx context.Context, s plan.Step, tmpl string) error {
	if action.MustLookup(s.Action).Writes {
		release, err := r.e.locks.Acquire(ctx, s.Project)
		if err != nil {
			return fmt.Errorf("wait for project lock: %w", err)
		}
		defer release()
	}
	return r.compensate(ctx, s, tmpl)
}

func (r *run) compensate(ctx context.Context, s plan.Step, tmpl string) error {
	project, ok := r.graph.Registry().Get(s.Project)
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownProject, s.Project)
	}
	script, err := RenderCommand(tmpl, commandData(s, project))
	if err != nil {
		return err
	}
	out, err := r.e.runner.Run(ctx, Command{Script: script, Dir: project.Path, Timeout: compensationTimeout})
	if err != nil {
		return err
	}
	r.logger.Debug("compensation output", "step_id", s.ID, "output", out)
	return nil
}

// finish stores the terminal state and tells the humans that need to know.
func (e *Engine) finish(ctx context.Context, rec *plan.Record, result *plan.Result) *plan.Record {
	logger := log.WithPlan(rec.Plan.ID)
	storeCtx := context.WithoutCancel(ctx)
	stored, err := e.queue.Transition(storeCtx, rec.Plan.ID, result.Status, queue.Change{
		From:   []plan.Status{plan.StatusRunning},
		Actor:  "dispatcher",
		Result: result,
		Detail: result.Error,
	})
	if err != nil {
		logger.Error("failed to store plan result", "error", err)
		rec.Status = result.Status
		rec.Result = result
		stored = rec
	}
	metrics.RecordPlan(string(result.Status))

	switch result.Status {
	case plan.StatusSuccess:
		logger.Info("plan completed")
		e.hub.Publish(events.PlanCompleted, stored)
	case plan.StatusCancelled:
		logger.Info("plan cancelled", "compensations", len(result.Compensations))
		e.hub.Publish(events.PlanCancelled, stored)
	case plan.StatusPendingHuman:
		logger.Warn("plan waiting on a human", "escalation_id", result.EscalationID)
		e.hub.Publish(events.PlanEscalated, stored)
	default:
		logger.Error("plan failed", "error", result.Error, "compensations", len(result.Compensations))
		e.hub.Publish(events.PlanFailed, stored)
		notify.Send(storeCtx, e.notifier, logger, notify.Notice{
			Kind:    notify.PlanFailed,
			Subject: "Plan failed: " + rec.Plan.Task,
			Body:    result.Error,
			PlanID:  rec.Plan.ID,
			Data:    map[string]any{"error_kind": result.ErrorKind, "compensations": result.Compensations},
		})
	}
	return stored
}
