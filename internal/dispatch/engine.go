package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/foreman/internal/autonomy"
	"github.com/mattjoyce/foreman/internal/clock"
	"github.com/mattjoyce/foreman/internal/config"
	"github.com/mattjoyce/foreman/internal/errs"
	"github.com/mattjoyce/foreman/internal/evaluator"
	"github.com/mattjoyce/foreman/internal/events"
	"github.com/mattjoyce/foreman/internal/graph"
	"github.com/mattjoyce/foreman/internal/lock"
	"github.com/mattjoyce/foreman/internal/log"
	"github.com/mattjoyce/foreman/internal/metrics"
	"github.com/mattjoyce/foreman/internal/notify"
	"github.com/mattjoyce/foreman/internal/plan"
	"github.com/mattjoyce/foreman/internal/queue"
	"github.com/mattjoyce/foreman/internal/router"
	"github.com/mattjoyce/foreman/internal/worker"
	"github.com/mattjoyce/foreman/internal/workspace"
)

// ErrActorRequired is returned when a human decision arrives without an actor.
var ErrActorRequired = errors.New("a human actor is required")

// Router is the part of the model router dispatch uses.
type Router interface {
	SelectEndpoint(ctx context.Context, taskType string, complexity router.Complexity) (router.Selection, error)
	SelectForced(ctx context.Context, tier router.Tier) (router.Selection, error)
	Acquire(ctx context.Context, ep router.Endpoint) (func(), error)
	MarkUnhealthy(name string, cause error)
	Health() []router.TierHealth
}

// Workers is the part of the worker pool dispatch uses.
type Workers interface {
	Spawn(ctx context.Context, u worker.Unit) (*worker.Handle, error)
	Await(ctx context.Context, h *worker.Handle) (worker.Result, error)
	List() []worker.Handle
}

// Evaluator scores a finished unit and decides what follows.
type Evaluator interface {
	Evaluate(ctx context.Context, t evaluator.Target) (evaluator.Result, error)
	Next(ctx context.Context, t evaluator.Target, r evaluator.Result) (evaluator.Decision, error)
}

// Options wires an Engine.
type Options struct {
	Queue      *queue.Queue
	Graph      *graph.Graph
	Autonomy   *autonomy.Engine
	Router     Router
	Workers    Workers
	Evaluator  Evaluator
	Workspaces workspace.Manager
	Runner     Runner
	Locks      *lock.ProjectLocks
	Templates  []Template
	Actions    map[string]config.ActionCommand
	Hub        events.Publisher
	Notifier   notify.Notifier
	Clock      clock.Clock
	Logger     *slog.Logger

	MaxWorkers         int
	PollInterval       time.Duration
	DefaultStepTimeout time.Duration
}

// Engine plans tasks, gates them on autonomy, and executes approved plans.
type Engine struct {
	queue      *queue.Queue
	autonomy   *autonomy.Engine
	router     Router
	workers    Workers
	evaluator  Evaluator
	workspaces workspace.Manager
	runner     Runner
	locks      *lock.ProjectLocks
	planner    *Planner
	hub        events.Publisher
	notifier   notify.Notifier
	clk        clock.Clock
	logger     *slog.Logger

	maxWorkers   int
	pollInterval time.Duration

	graph   atomic.Pointer[graph.Graph]
	actions atomic.Pointer[map[string]config.ActionCommand]

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// New builds an engine. Templates are tried after the built-in ones.
func New(o Options) *Engine {
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Hub == nil {
		o.Hub = events.Nop{}
	}
	if o.Logger == nil {
		o.Logger = log.WithComponent("dispatch")
	}
	if o.Locks == nil {
		o.Locks = lock.NewProjectLocks()
	}
	if o.MaxWorkers <= 0 {
		o.MaxWorkers = 1
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	e := &Engine{
		queue:        o.Queue,
		autonomy:     o.Autonomy,
		router:       o.Router,
		workers:      o.Workers,
		evaluator:    o.Evaluator,
		workspaces:   o.Workspaces,
		runner:       o.Runner,
		locks:        o.Locks,
		planner:      NewPlanner(o.DefaultStepTimeout, append(BuiltinTemplates(), o.Templates...)...),
		hub:          o.Hub,
		notifier:     o.Notifier,
		clk:          o.Clock,
		logger:       o.Logger,
		maxWorkers:   o.MaxWorkers,
		pollInterval: o.PollInterval,
		running:      make(map[string]context.CancelFunc),
	}
	e.Reload(o.Graph, o.Actions)
	return e
}

// Reload swaps the dependency graph and action commands. Plans already
// running keep the values they started with.
func (e *Engine) Reload(g *graph.Graph, actions map[string]config.ActionCommand) {
	if g != nil {
		e.graph.Store(g)
	}
	if actions == nil {
		actions = map[string]config.ActionCommand{}
	}
	e.actions.Store(&actions)
}

func (e *Engine) Graph() *graph.Graph { return e.graph.Load() }

// Plan decomposes task into a stored plan. Plans that need approval wait in
// pending_approval and a notice goes out; the rest are planned.
func (e *Engine) Plan(ctx context.Context, task, actor string) (*plan.Record, error) {
	g := e.graph.Load()
	pl, err := e.planner.Plan(task, g, e.autonomy.Snapshot(), e.clk.Now())
	if err != nil {
		return nil, err
	}
	pl.CreatedBy = actor

	rec := &plan.Record{Plan: pl, Status: plan.StatusPlanned}
	if pl.RequiresApproval {
		rec.Status = plan.StatusPendingApproval
	}
	if err := e.queue.Save(ctx, rec); err != nil {
		return nil, fmt.Errorf("save plan: %w", err)
	}
	stored, err := e.queue.Get(ctx, pl.ID)
	if err != nil {
		return nil, err
	}

	e.logger.Info("plan created", "plan_id", pl.ID, "task", pl.Task, "steps", len(pl.Steps),
		"requires_approval", pl.RequiresApproval, "actor", actor)
	e.hub.Publish(events.PlanCreated, stored)
	if pl.RequiresApproval {
		e.requestApproval(ctx, stored)
	}
	return stored, nil
}

func (e *Engine) requestApproval(ctx context.Context, rec *plan.Record) {
	metrics.RecordPlan(string(plan.StatusPendingApproval))
	e.hub.Publish(events.PlanPendingApproval, rec)
	notify.Send(ctx, e.notifier, e.logger, notify.Notice{
		Kind:    notify.ApprovalRequired,
		Subject: "Approval required: " + rec.Plan.Task,
		Body:    describeScope(rec.Plan.Scope),
		PlanID:  rec.Plan.ID,
		Data:    map[string]any{"steps": len(rec.Plan.Steps), "impact": rec.Plan.Scope.EstimatedImpact.String()},
	})
}

func describeScope(s graph.ActionScope) string {
	var flags []string
	if s.Destructive {
		flags = append(flags, "destructive")
	}
	if s.AffectsRemote {
		flags = append(flags, "affects remote")
	}
	if !s.Reversible {
		flags = append(flags, "irreversible")
	}
	msg := fmt.Sprintf("projects: %s; branches: %s; impact: %s",
		strings.Join(s.Projects, ", "), strings.Join(s.Branches, ", "), s.EstimatedImpact)
	if len(flags) > 0 {
		msg += "; " + strings.Join(flags, ", ")
	}
	return msg
}

// Suggestion is the outcome of a system-originated task.
type Suggestion struct {
	Verdict autonomy.Verdict `json:"verdict"`
	Record  *plan.Record     `json:"record,omitempty"`
}

// Suggest plans a task that no human asked for. Auto-executable plans are
// queued, proposable ones wait for approval, and everything else is dropped
// without being stored.
func (e *Engine) Suggest(ctx context.Context, task, origin string) (Suggestion, error) {
	g := e.graph.Load()
	snap := e.autonomy.Snapshot()
	pl, err := e.planner.Plan(task, g, snap, e.clk.Now())
	if err != nil {
		return Suggestion{}, err
	}
	verdict := Verdict(snap, pl.Steps, pl.Scope)
	if verdict == autonomy.AutoExecute && pl.RequiresApproval {
		verdict = autonomy.Propose
	}
	if verdict == autonomy.Skip {
		e.logger.Info("suggested task skipped", "task", task, "origin", origin)
		return Suggestion{Verdict: verdict}, nil
	}

	pl.CreatedBy = origin
	pl.RequiresApproval = verdict != autonomy.AutoExecute
	rec := &plan.Record{Plan: pl, Status: plan.StatusPendingApproval}
	if verdict == autonomy.AutoExecute {
		rec.Status = plan.StatusPlanned
	}
	if err := e.queue.Save(ctx, rec); err != nil {
		return Suggestion{}, fmt.Errorf("save plan: %w", err)
	}
	e.hub.Publish(events.PlanCreated, rec)

	if verdict == autonomy.Propose {
		stored, err := e.queue.Get(ctx, pl.ID)
		if err != nil {
			return Suggestion{}, err
		}
		e.requestApproval(ctx, stored)
		return Suggestion{Verdict: verdict, Record: stored}, nil
	}
	queued, err := e.Enqueue(ctx, pl.ID, origin)
	if err != nil {
		return Suggestion{}, err
	}
	return Suggestion{Verdict: verdict, Record: queued}, nil
}

// Approve opens the approval gate. It does not queue the plan.
func (e *Engine) Approve(ctx context.Context, id, actor string) (*plan.Record, error) {
	if strings.TrimSpace(actor) == "" {
		return nil, ErrActorRequired
	}
	rec, err := e.queue.Transition(ctx, id, plan.StatusApproved, queue.Change{
		From:       []plan.Status{plan.StatusPendingApproval},
		Actor:      actor,
		ApprovedBy: actor,
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("plan approved", "plan_id", id, "actor", actor)
	e.hub.Publish(events.PlanApproved, rec)
	return rec, nil
}

// Deny cancels a plan before anything ran.
func (e *Engine) Deny(ctx context.Context, id, actor, reason string) (*plan.Record, error) {
	if strings.TrimSpace(actor) == "" {
		return nil, ErrActorRequired
	}
	current, err := e.queue.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	msg := "denied by " + actor
	if reason != "" {
		msg += ": " + reason
	}
	result := current.Result
	if result == nil {
		result = &plan.Result{PlanID: id}
	}
	result.Status = plan.StatusCancelled
	result.Error = fmt.Errorf("%w: %s", errs.ErrApprovalDenied, msg).Error()
	result.ErrorKind = errs.KindApprovalDenied
	for i := range result.Steps {
		result.Steps[i].Status = plan.StepSkipped
	}

	rec, err := e.queue.Transition(ctx, id, plan.StatusCancelled, queue.Change{
		From:     []plan.Status{plan.StatusPlanned, plan.StatusPendingApproval, plan.StatusApproved},
		Actor:    actor,
		DeniedBy: actor,
		Reason:   reason,
		Result:   result,
	})
	if err != nil {
		return nil, err
	}
	metrics.RecordPlan(string(plan.StatusCancelled))
	e.logger.Info("plan denied", "plan_id", id, "actor", actor, "reason", reason)
	e.hub.Publish(events.PlanDenied, rec)
	return rec, nil
}

// Execute queues an approved plan. A plan still behind the approval gate is
// returned unchanged in pending_approval; the gate never blocks the caller.
func (e *Engine) Execute(ctx context.Context, id, actor string) (*plan.Record, error) {
	rec, err := e.queue.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !rec.Approved() {
		return rec, nil
	}
	return e.Enqueue(ctx, id, actor)
}

// Enqueue hands a plan to the dispatch loop.
func (e *Engine) Enqueue(ctx context.Context, id, actor string) (*plan.Record, error) {
	rec, err := e.queue.Enqueue(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	e.logger.Info("plan queued", "plan_id", id, "actor", actor)
	e.hub.Publish(events.PlanQueued, rec)
	return rec, nil
}

// Cancel stops a plan. A running plan has its workers terminated and its
// completed steps compensated; anything not yet running is cancelled in place.
func (e *Engine) Cancel(ctx context.Context, id, actor string) (*plan.Record, error) {
	e.mu.Lock()
	cancel, running := e.running[id]
	e.mu.Unlock()
	if running {
		e.logger.Info("cancelling running plan", "plan_id", id, "actor", actor)
		if err := e.queue.Log(ctx, id, "cancel_requested", "", actor, ""); err != nil {
			e.logger.Warn("failed to log cancel request", "plan_id", id, "error", err)
		}
		cancel()
		return e.queue.Get(ctx, id)
	}

	current, err := e.queue.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	result := current.Result
	if result == nil {
		result = &plan.Result{PlanID: id}
	}
	result.Status = plan.StatusCancelled
	result.Error = "cancelled by " + actor
	for i := range result.Steps {
		if result.Steps[i].Status == plan.StepPending {
			result.Steps[i].Status = plan.StepSkipped
		}
	}
	rec, err := e.queue.Transition(ctx, id, plan.StatusCancelled, queue.Change{
		From:   []plan.Status{plan.StatusPlanned, plan.StatusPendingApproval, plan.StatusApproved, plan.StatusQueued},
		Actor:  actor,
		Result: result,
	})
	if err != nil {
		return nil, err
	}
	metrics.RecordPlan(string(plan.StatusCancelled))
	e.hub.Publish(events.PlanCancelled, rec)
	return rec, nil
}

// Get returns a stored plan.
func (e *Engine) Get(ctx context.Context, id string) (*plan.Record, error) {
	return e.queue.Get(ctx, id)
}

// List returns recent plans, newest first.
func (e *Engine) List(ctx context.Context, limit int) ([]*plan.Record, error) {
	return e.queue.List(ctx, limit)
}

// StatusReport is the operational snapshot behind status() and /healthz.
type StatusReport struct {
	ActivePlans   []*plan.Record      `json:"active_plans"`
	Workers       []worker.Handle     `json:"workers"`
	ActiveWorkers int                 `json:"active_workers"`
	QueueDepth    int                 `json:"queue_depth"`
	Paused        bool                `json:"paused"`
	Tiers         []router.TierHealth `json:"tiers"`
}

// Status reports active plans, workers, queue state and tier health.
func (e *Engine) Status(ctx context.Context) (StatusReport, error) {
	active, err := e.queue.Active(ctx)
	if err != nil {
		return StatusReport{}, err
	}
	depth, err := e.queue.Depth(ctx)
	if err != nil {
		return StatusReport{}, err
	}
	paused, err := e.queue.Paused(ctx)
	if err != nil {
		return StatusReport{}, err
	}
	r := StatusReport{ActivePlans: active, QueueDepth: depth, Paused: paused}
	if e.workers != nil {
		r.Workers = e.workers.List()
		r.ActiveWorkers = len(r.Workers)
	}
	if e.router != nil {
		r.Tiers = e.router.Health()
	}
	return r, nil
}

// Pause stops the dispatch loop from starting new plans.
func (e *Engine) Pause(ctx context.Context, actor string) error {
	if err := e.queue.Pause(ctx); err != nil {
		return err
	}
	e.logger.Info("dispatch paused", "actor", actor)
	e.hub.Publish(events.DispatchPaused, map[string]string{"actor": actor})
	return nil
}

// Resume restarts the dispatch loop.
func (e *Engine) Resume(ctx context.Context, actor string) error {
	if err := e.queue.Resume(ctx); err != nil {
		return err
	}
	e.logger.Info("dispatch resumed", "actor", actor)
	e.hub.Publish(events.DispatchResumed, map[string]string{"actor": actor})
	return nil
}

// Start runs the dispatch loop until ctx is cancelled. Plans interrupted by a
// previous crash are failed first. Each dequeued plan runs in its own
// goroutine; on shutdown running plans are cancelled and awaited.
func (e *Engine) Start(ctx context.Context) error {
	if n, err := e.queue.RecoverInterrupted(ctx); err != nil {
		return fmt.Errorf("recover interrupted plans: %w", err)
	} else if n > 0 {
		e.logger.Warn("failed plans interrupted by restart", "count", n)
	}

	e.logger.Info("dispatch loop started", "poll_interval", e.pollInterval)
	defer e.logger.Info("dispatch loop stopped")
	ticker := e.clk.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.wg.Wait()
			return ctx.Err()
		case <-ticker.C():
			if err := e.drain(ctx); err != nil {
				e.logger.Error("failed to dispatch", "error", err)
			}
		}
	}
}

// drain launches every queued plan.
func (e *Engine) drain(ctx context.Context) error {
	paused, err := e.queue.Paused(ctx)
	if err != nil || paused {
		return err
	}
	for {
		rec, err := e.queue.Dequeue(ctx)
		if err != nil {
			return fmt.Errorf("dequeue: %w", err)
		}
		if rec == nil {
			return nil
		}
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.Run(ctx, rec)
		}()
	}
}

// DispatchOnce runs the oldest queued plan to completion in the caller's
// goroutine. It returns (nil, nil) when nothing is queued.
func (e *Engine) DispatchOnce(ctx context.Context) (*plan.Record, error) {
	rec, err := e.queue.Dequeue(ctx)
	if err != nil || rec == nil {
		return nil, err
	}
	return e.Run(ctx, rec), nil
}
