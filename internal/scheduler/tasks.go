package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/foreman/internal/config"
	"github.com/mattjoyce/foreman/internal/metrics"
)

// Names of the housekeeping tasks.
const (
	TaskWatchdogSweep    = "watchdog.sweep"
	TaskRouterHealth     = "router.health"
	TaskWorkspaceCleanup = "workspace.cleanup"
	TaskQueuePrune       = "queue.prune"
	// TaskSuggestPrefix names recurring suggestions: "suggest.<n>" for the nth configured task.
	TaskSuggestPrefix = "suggest."
)

// SuggestOrigin is recorded as the creator of scheduled suggestions.
const SuggestOrigin = "scheduler"

const (
	cleanupInterval = time.Hour
	pruneInterval   = 24 * time.Hour
)

// SweepTask enforces heartbeat and wall-clock deadlines.
func SweepTask(w Sweeper, logger *slog.Logger) Func {
	return func(ctx context.Context) error {
		r := w.Sweep()
		if len(r.Terminated) > 0 || r.ExpiredQuestions > 0 {
			logger.Info("watchdog sweep", "terminated", len(r.Terminated), "expired_questions", r.ExpiredQuestions)
		}
		return nil
	}
}

// HealthTask refreshes the health of every endpoint.
func HealthTask(p HealthRefresher) Func {
	return func(ctx context.Context) error {
		if err := p.Refresh(ctx); err != nil {
			return fmt.Errorf("refresh endpoint health: %w", err)
		}
		return nil
	}
}

// CleanupTask removes workspaces older than retention.
func CleanupTask(c Cleaner, retention time.Duration, logger *slog.Logger) Func {
	return func(ctx context.Context) error {
		r, err := c.Cleanup(ctx, retention)
		if err != nil {
			return fmt.Errorf("clean up workspaces: %w", err)
		}
		if r.DeletedDirs > 0 {
			logger.Info("removed stale workspaces", "count", r.DeletedDirs)
		}
		return nil
	}
}

// PruneTask drops terminal plans older than retention and refreshes the
// queue depth gauge.
func PruneTask(q QueueService, retention time.Duration, logger *slog.Logger) Func {
	return func(ctx context.Context) error {
		n, err := q.Prune(ctx, retention)
		if err != nil {
			return fmt.Errorf("prune plans: %w", err)
		}
		if n > 0 {
			logger.Info("pruned finished plans", "count", n, "retention", retention)
		}
		depth, err := q.Depth(ctx)
		if err != nil {
			return fmt.Errorf("read queue depth: %w", err)
		}
		metrics.SetQueueDepth(depth)
		return nil
	}
}

// SuggestTask plans task on every tick. Whether the plan runs, waits for a
// human or is dropped is up to the autonomy level of the projects it touches.
func SuggestTask(sug Suggester, task string, logger *slog.Logger) Func {
	return func(ctx context.Context) error {
		res, err := sug.Suggest(ctx, task, SuggestOrigin)
		if err != nil {
			return fmt.Errorf("suggest %q: %w", task, err)
		}
		if res.Record == nil {
			logger.Debug("scheduled task skipped", "task", task, "verdict", res.Verdict)
			return nil
		}
		logger.Info("scheduled task planned", "task", task, "verdict", res.Verdict, "plan_id", res.Record.Plan.ID, "status", res.Record.Status)
		return nil
	}
}

// Services are the components the housekeeping tasks act on. Nil members are
// not scheduled.
type Services struct {
	Queue      QueueService
	Workers    Sweeper
	Router     HealthRefresher
	Workspaces Cleaner

	Suggester   Suggester
	// Suggestions are the recurring tasks handed to Suggester.
	Suggestions []config.ScheduledTask
}

// RegisterDefaults registers the housekeeping tasks with intervals from cfg,
// plus one task per configured suggestion.
func RegisterDefaults(s *Scheduler, cfg config.ServiceConfig, svc Services) error {
	logger := s.logger
	type entry struct {
		name     string
		interval time.Duration
		fn       Func
	}
	var entries []entry
	if svc.Workers != nil {
		entries = append(entries, entry{TaskWatchdogSweep, cfg.SweepInterval, SweepTask(svc.Workers, logger)})
	}
	if svc.Router != nil {
		entries = append(entries, entry{TaskRouterHealth, cfg.HealthInterval, HealthTask(svc.Router)})
	}
	if svc.Workspaces != nil && cfg.WorkspaceRetention > 0 {
		entries = append(entries, entry{TaskWorkspaceCleanup, cleanupInterval, CleanupTask(svc.Workspaces, cfg.WorkspaceRetention, logger)})
	}
	if svc.Queue != nil && cfg.PlanRetention > 0 {
		entries = append(entries, entry{TaskQueuePrune, pruneInterval, PruneTask(svc.Queue, cfg.PlanRetention, logger)})
	}
	if svc.Suggester != nil {
		for i, st := range svc.Suggestions {
			entries = append(entries, entry{fmt.Sprintf("%s%d", TaskSuggestPrefix, i), st.Interval, SuggestTask(svc.Suggester, st.Task, logger)})
		}
	}
	for _, e := range entries {
		// Spread the slow tasks so they do not all fire on the same tick.
		jitter := time.Duration(0)
		if e.interval >= time.Hour {
			jitter = e.interval / 10
		}
		if err := s.RegisterJittered(e.name, e.interval, jitter, e.fn); err != nil {
			return err
		}
	}
	return nil
}
