package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/mattjoyce/foreman/internal/clock"
	"github.com/mattjoyce/foreman/internal/errs"
	"github.com/mattjoyce/foreman/internal/events"
	"github.com/mattjoyce/foreman/internal/metrics"
	"github.com/mattjoyce/foreman/internal/notify"
	"github.com/mattjoyce/foreman/internal/protocol"
)

const proceedText = "no answer arrived in time; proceed using your best judgment"

// Pool runs delegated workers, bounded by Settings.MaxWorkers.
type Pool struct {
	runtime  Runtime
	clk      clock.Clock
	settings Settings
	sem      *semaphore.Weighted
	hub      events.Publisher
	notifier notify.Notifier
	logger   *slog.Logger

	mu      sync.Mutex
	workers map[string]*entry
}

type entry struct {
	handle    Handle
	proc      Process
	outbox    []protocol.Answer
	done      chan Result
	finalized bool
}

// NewPool creates a pool. hub and notifier may be nil.
func NewPool(rt Runtime, settings Settings, clk clock.Clock, hub events.Publisher, notifier notify.Notifier, logger *slog.Logger) *Pool {
	if settings.MaxWorkers < 1 {
		settings.MaxWorkers = 1
	}
	if clk == nil {
		clk = clock.Real()
	}
	if hub == nil {
		hub = events.Nop{}
	}
	return &Pool{
		runtime:  rt,
		clk:      clk,
		settings: settings,
		sem:      semaphore.NewWeighted(int64(settings.MaxWorkers)),
		hub:      hub,
		notifier: notifier,
		logger:   logger,
		workers:  make(map[string]*entry),
	}
}

// Spawn starts a worker for u, waiting for a free slot.
func (p *Pool) Spawn(ctx context.Context, u Unit) (*Handle, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("wait for worker slot: %w", err)
	}

	id := uuid.NewString()
	now := p.clk.Now()
	e := &entry{
		handle: Handle{
			ID:            id,
			UnitID:        u.ID,
			Project:       u.Project.ID,
			Action:        u.Action,
			Attempt:       u.Attempt,
			Scope:         u.Scope,
			Status:        StatusPending,
			StartedAt:     now,
			LastHeartbeat: now,
		},
		done: make(chan Result, 1),
	}
	e.handle.done = e.done
	if u.Endpoint != nil {
		e.handle.Endpoint = u.Endpoint.Name
	}

	p.mu.Lock()
	p.workers[id] = e
	active := len(p.workers)
	p.mu.Unlock()
	metrics.SetActiveWorkers(active)

	proc, err := p.runtime.Start(ctx, p.assignment(id, u, now))
	if err != nil {
		p.finalize(e, Result{
			WorkerID: id,
			UnitID:   u.ID,
			Status:   StatusError,
			Reason:   ReasonSpawnFailed,
			Message:  err.Error(),
			Err:      fmt.Errorf("%w: spawn worker: %w", errs.ErrStepFailed, err),
		})
		return nil, fmt.Errorf("spawn worker for %s: %w", u.ID, err)
	}

	p.mu.Lock()
	e.proc = proc
	e.handle.Ref = proc.Ref()
	if e.handle.Status == StatusPending {
		e.handle.Status = StatusWorking
	}
	h := e.snapshot()
	p.mu.Unlock()

	p.logger.Info("worker spawned", "worker_id", id, "unit_id", u.ID, "ref", h.Ref, "action", u.Action, "project", u.Project.ID)
	p.hub.Publish(events.WorkerSpawned, h)
	go p.watchExit(e, proc)
	return &h, nil
}

func (p *Pool) assignment(id string, u Unit, now time.Time) *protocol.Assignment {
	a := &protocol.Assignment{
		Protocol:     protocol.Version,
		WorkerID:     id,
		UnitID:       u.ID,
		Action:       string(u.Action),
		Project:      u.Project.ID,
		ProjectPath:  u.Project.Path,
		Branch:       u.Branch,
		WorkspaceDir: u.WorkspaceDir,
		WriteScope:   append([]string{}, u.Scope.Write...),
		Task:         u.Task,
		Feedback:     u.Feedback,
		Revision:     u.Attempt,
		ReportURL:    strings.TrimSuffix(p.settings.ReportBaseURL, "/") + "/workers/" + id + "/reports",
		ReportSecret: DeriveSecret(p.settings.Secret, id),
	}
	if p.settings.WallClockCap > 0 {
		a.DeadlineAt = now.Add(p.settings.WallClockCap)
	}
	if u.Endpoint != nil {
		a.Endpoint = &protocol.EndpointRef{
			Name:    u.Endpoint.Name,
			Address: u.Endpoint.Address,
			Backend: u.Endpoint.Backend,
			Model:   u.Endpoint.Model,
			APIKey:  u.Endpoint.APIKey,
		}
	}
	return a
}

func (p *Pool) watchExit(e *entry, proc Process) {
	<-proc.Exited()
	exitErr := proc.ExitErr()
	msg := "worker exited without reporting a result"
	if exitErr != nil {
		msg = fmt.Sprintf("%s: %v", msg, exitErr)
	}
	p.finalize(e, Result{
		WorkerID: e.handle.ID,
		UnitID:   e.handle.UnitID,
		Status:   StatusError,
		Reason:   ReasonExited,
		Message:  msg,
		Err:      fmt.Errorf("%w: %s", errs.ErrStepFailed, msg),
	})
}

// finalize delivers res exactly once and frees the slot.
func (p *Pool) finalize(e *entry, res Result) bool {
	p.mu.Lock()
	if e.finalized {
		p.mu.Unlock()
		return false
	}
	e.finalized = true
	e.handle.Status = res.Status
	delete(p.workers, e.handle.ID)
	active := len(p.workers)
	p.mu.Unlock()

	e.done <- res
	p.sem.Release(1)

	metrics.SetActiveWorkers(active)
	metrics.RecordWorkerTermination(string(res.Reason))
	p.hub.Publish(events.WorkerTerminated, res)
	if res.Status == StatusError {
		p.logger.Warn("worker ended", "worker_id", res.WorkerID, "unit_id", res.UnitID, "reason", res.Reason, "message", res.Message)
	} else {
		p.logger.Info("worker ended", "worker_id", res.WorkerID, "unit_id", res.UnitID, "reason", res.Reason)
	}
	return true
}

// Await blocks until h ends. Cancelling ctx terminates the worker.
func (p *Pool) Await(ctx context.Context, h *Handle) (Result, error) {
	select {
	case res := <-h.done:
		return res, nil
	case <-ctx.Done():
		p.Terminate(h.ID, ReasonCancelled)
		return <-h.done, ctx.Err()
	}
}

// Terminate stops a worker. It is a no-op for unknown or already ended workers.
func (p *Pool) Terminate(id string, reason Reason) {
	p.mu.Lock()
	e, ok := p.workers[id]
	p.mu.Unlock()
	if !ok {
		return
	}
	p.kill(e, Result{
		WorkerID: id,
		UnitID:   e.handle.UnitID,
		Status:   StatusError,
		Reason:   reason,
		Message:  "terminated: " + string(reason),
		Err:      fmt.Errorf("%w: worker %s terminated (%s)", errs.ErrStepFailed, id, reason),
	})
}

func (p *Pool) kill(e *entry, res Result) {
	if !p.finalize(e, res) {
		return
	}
	p.mu.Lock()
	proc := e.proc
	p.mu.Unlock()
	if proc == nil {
		return
	}
	if err := proc.Terminate(p.settings.TerminationGrace); err != nil {
		p.logger.Error("terminate worker failed", "worker_id", res.WorkerID, "error", err)
	}
}

// Get returns a snapshot of a live worker.
func (p *Pool) Get(id string) (Handle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.workers[id]
	if !ok {
		return Handle{}, false
	}
	return e.snapshot(), true
}

// List returns snapshots of all live workers ordered by start time.
func (p *Pool) List() []Handle {
	p.mu.Lock()
	out := make([]Handle, 0, len(p.workers))
	for _, e := range p.workers {
		out = append(out, e.snapshot())
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Len is the number of live workers.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Shutdown terminates every live worker.
func (p *Pool) Shutdown() {
	for _, h := range p.List() {
		p.Terminate(h.ID, ReasonCancelled)
	}
}

func (e *entry) snapshot() Handle {
	h := e.handle
	h.Questions = append([]Question(nil), e.handle.Questions...)
	return h
}
