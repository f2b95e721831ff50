package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/mattjoyce/foreman/internal/clock"
	"github.com/mattjoyce/foreman/internal/events"
	"github.com/mattjoyce/foreman/internal/log"
	"github.com/mattjoyce/foreman/internal/metrics"
)

// Breaker defaults: a task that fails this many times in a row is skipped
// until the cooldown has passed, then tried once more (half-open).
const (
	DefaultBreakerThreshold = 5
	DefaultBreakerReset     = 5 * time.Minute
)

// BreakerState is the circuit state of one task.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// Func is the body of a recurring task.
type Func func(ctx context.Context) error

type task struct {
	name     string
	interval time.Duration
	jitter   time.Duration
	run      Func

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	lastRun  time.Time
	lastErr  error
}

// TaskStatus is a read-only view of a registered task.
type TaskStatus struct {
	Name     string        `json:"name"`
	Interval time.Duration `json:"interval"`
	State    BreakerState  `json:"state"`
	Failures int           `json:"failures"`
	LastRun  time.Time     `json:"last_run,omitempty"`
	LastErr  string        `json:"last_error,omitempty"`
}

// Options tunes a Scheduler.
type Options struct {
	Clock            clock.Clock
	Hub              events.Publisher
	Logger           *slog.Logger
	BreakerThreshold int
	BreakerReset     time.Duration
}

// Scheduler runs registered tasks on their own tickers until stopped.
type Scheduler struct {
	clk       clock.Clock
	events    events.Publisher
	logger    *slog.Logger
	threshold int
	reset     time.Duration

	mu      sync.Mutex
	tasks   map[string]*task
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a scheduler with no tasks.
func New(o Options) *Scheduler {
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Hub == nil {
		o.Hub = events.Nop{}
	}
	if o.Logger == nil {
		o.Logger = log.WithComponent("scheduler")
	}
	if o.BreakerThreshold <= 0 {
		o.BreakerThreshold = DefaultBreakerThreshold
	}
	if o.BreakerReset <= 0 {
		o.BreakerReset = DefaultBreakerReset
	}
	return &Scheduler{
		clk:       o.Clock,
		events:    o.Hub,
		logger:    o.Logger,
		threshold: o.BreakerThreshold,
		reset:     o.BreakerReset,
		tasks:     make(map[string]*task),
		stopCh:    make(chan struct{}),
	}
}

// Register adds a task. Names are unique and tasks must be registered before Start.
func (s *Scheduler) Register(name string, interval time.Duration, fn Func) error {
	return s.RegisterJittered(name, interval, 0, fn)
}

// RegisterJittered is Register with a random delay of up to jitter before the
// first run, so tasks sharing an interval do not fire together.
func (s *Scheduler) RegisterJittered(name string, interval, jitter time.Duration, fn Func) error {
	if interval <= 0 {
		return fmt.Errorf("task %s: interval must be positive", name)
	}
	if fn == nil {
		return fmt.Errorf("task %s: nil func", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("task %s: scheduler already started", name)
	}
	if _, dup := s.tasks[name]; dup {
		return fmt.Errorf("task %s already registered", name)
	}
	s.tasks[name] = &task{name: name, interval: interval, jitter: jitter, run: fn, state: BreakerClosed}
	return nil
}

// Start launches one goroutine per task. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler already started")
	}
	s.started = true

	s.logger.Info("starting scheduler", "tasks", len(s.tasks))
	for _, name := range s.namesLocked() {
		t := s.tasks[name]
		s.wg.Add(1)
		go s.loop(ctx, t)
	}
	return nil
}

// Stop signals every task loop and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	s.mu.Unlock()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// RunOnce runs the named task synchronously, honouring its breaker.
func (s *Scheduler) RunOnce(ctx context.Context, name string) error {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown task %q", name)
	}
	return s.runTask(ctx, t)
}

// Tasks reports every registered task, sorted by name.
func (s *Scheduler) Tasks() []TaskStatus {
	s.mu.Lock()
	names := s.namesLocked()
	tasks := make([]*task, 0, len(names))
	for _, n := range names {
		tasks = append(tasks, s.tasks[n])
	}
	s.mu.Unlock()

	out := make([]TaskStatus, 0, len(tasks))
	for _, t := range tasks {
		t.mu.Lock()
		st := TaskStatus{Name: t.name, Interval: t.interval, State: t.state, Failures: t.failures, LastRun: t.lastRun}
		if t.lastErr != nil {
			st.LastErr = t.lastErr.Error()
		}
		t.mu.Unlock()
		out = append(out, st)
	}
	return out
}

func (s *Scheduler) namesLocked() []string {
	names := make([]string, 0, len(s.tasks))
	for n := range s.tasks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (s *Scheduler) loop(ctx context.Context, t *task) {
	defer s.wg.Done()

	if d := calculateJitteredInterval(0, t.jitter); d > 0 {
		select {
		case <-s.clk.After(d):
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}

	ticker := s.clk.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C():
			if err := s.runTask(ctx, t); err != nil && ctx.Err() == nil {
				s.logger.Debug("task run skipped or failed", "task", t.name, "error", err)
			}
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// runTask applies the breaker, runs the task and records the outcome.
func (s *Scheduler) runTask(ctx context.Context, t *task) error {
	now := s.clk.Now()
	if ok, reason := s.allow(t, now); !ok {
		s.events.Publish("scheduler.skipped", map[string]any{"task": t.name, "reason": reason})
		return fmt.Errorf("task %s skipped: %s", t.name, reason)
	}

	start := now
	err := t.run(ctx)
	elapsed := s.clk.Now().Sub(start)
	s.record(t, start, err)
	metrics.RecordScheduledRun(t.name, err == nil)

	if err != nil {
		s.logger.Error("scheduled task failed", "task", t.name, "duration", elapsed, "error", err)
		s.events.Publish("scheduler.task_failed", map[string]any{"task": t.name, "error": err.Error()})
		return err
	}
	s.logger.Debug("scheduled task finished", "task", t.name, "duration", elapsed)
	return nil
}

func (s *Scheduler) allow(t *task, now time.Time) (bool, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != BreakerOpen {
		return true, ""
	}
	if now.Before(t.openedAt.Add(s.reset)) {
		return false, "circuit_open"
	}
	t.state = BreakerHalfOpen
	s.logger.Info("task breaker moved to half-open", "task", t.name)
	return true, ""
}

func (s *Scheduler) record(t *task, at time.Time, err error) {
	t.mu.Lock()
	previous := t.state
	t.lastRun = at
	t.lastErr = err
	if err == nil {
		t.state = BreakerClosed
		t.failures = 0
	} else {
		t.failures++
		if t.state == BreakerHalfOpen || t.failures >= s.threshold {
			t.state = BreakerOpen
			t.openedAt = s.clk.Now()
		}
	}
	state, failures := t.state, t.failures
	t.mu.Unlock()

	if state != previous {
		s.logger.Info("task breaker state changed", "task", t.name, "previous_state", previous, "state", state, "failures", failures)
		s.events.Publish("scheduler.circuit_state_changed", map[string]any{
			"task":           t.name,
			"previous_state": previous,
			"state":          state,
			"failure_count":  failures,
		})
	}
}

// calculateJitteredInterval adds a random jitter to the base interval.
func calculateJitteredInterval(baseInterval time.Duration, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return baseInterval
	}
	return baseInterval + time.Duration(rand.Int63n(jitter.Nanoseconds()))
}
