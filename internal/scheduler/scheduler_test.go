package scheduler

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/foreman/internal/autonomy"
	"github.com/mattjoyce/foreman/internal/clock"
	"github.com/mattjoyce/foreman/internal/config"
	"github.com/mattjoyce/foreman/internal/dispatch"
	"github.com/mattjoyce/foreman/internal/events"
	"github.com/mattjoyce/foreman/internal/plan"
	"github.com/mattjoyce/foreman/internal/scheduler/mocks"
	"github.com/mattjoyce/foreman/internal/worker"
	"github.com/mattjoyce/foreman/internal/workspace"
)

// TestLogBuffer is a bytes.Buffer that can be used to capture log output.
type TestLogBuffer struct {
	bytes.Buffer
}

// NewTestSlogger creates a new *slog.Logger that writes to a TestLogBuffer.
func NewTestSlogger() (*slog.Logger, *TestLogBuffer) {
	var buf TestLogBuffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(handler), &buf
}

func TestCalculateJitteredInterval(t *testing.T) {
	tests := []struct {
		name         string
		baseInterval time.Duration
		jitter       time.Duration
	}{
		{name: "No Jitter", baseInterval: 1 * time.Minute, jitter: 0},
		{name: "Positive Jitter", baseInterval: 5 * time.Minute, jitter: 30 * time.Second},
		{name: "Large Jitter", baseInterval: 1 * time.Hour, jitter: 15 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for range 100 {
				jittered := calculateJitteredInterval(tt.baseInterval, tt.jitter)
				if tt.jitter == 0 {
					assert.Equal(t, tt.baseInterval, jittered)
				} else {
					assert.GreaterOrEqual(t, jittered, tt.baseInterval)
					assert.LessOrEqual(t, jittered, tt.baseInterval+tt.jitter)
				}
			}
		})
	}
}

func TestRegisterValidation(t *testing.T) {
	s := New(Options{})
	noop := func(context.Context) error { return nil }

	require.NoError(t, s.Register("a", time.Second, noop))
	assert.Error(t, s.Register("a", time.Second, noop), "duplicate name")
	assert.Error(t, s.Register("b", 0, noop), "non-positive interval")
	assert.Error(t, s.Register("c", time.Second, nil), "nil func")

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	assert.Error(t, s.Register("d", time.Second, noop), "registration after start")
	assert.Error(t, s.Start(context.Background()))
	assert.Error(t, s.RunOnce(context.Background(), "missing"))
}

func TestTasksRunOnTheirTicker(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s := New(Options{Clock: clk})

	var fast, slow atomic.Int32
	require.NoError(t, s.Register("fast", time.Second, func(context.Context) error { fast.Add(1); return nil }))
	require.NoError(t, s.Register("slow", 24*time.Hour, func(context.Context) error { slow.Add(1); return nil }))
	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool {
		clk.Advance(time.Second)
		return fast.Load() >= 3
	}, 5*time.Second, 10*time.Millisecond)
	s.Stop()

	assert.Zero(t, slow.Load())
	stopped := fast.Load()
	clk.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, stopped, fast.Load(), "no runs after Stop")
}

func TestStopOnContextCancel(t *testing.T) {
	s := New(Options{})
	require.NoError(t, s.Register("t", time.Hour, func(context.Context) error { return nil }))
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	cancel()

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestBreakerOpensAndRecovers(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	hub := events.NewHub(64)
	sub, unsubscribe := hub.SubscribePrefix("scheduler.")
	defer unsubscribe()
	logger, logBuf := NewTestSlogger()
	s := New(Options{Clock: clk, Hub: hub, Logger: logger, BreakerThreshold: 2, BreakerReset: 30 * time.Minute})

	fail := true
	var calls int
	require.NoError(t, s.Register("flaky", time.Minute, func(context.Context) error {
		calls++
		if fail {
			return errors.New("endpoint unreachable")
		}
		return nil
	}))
	ctx := context.Background()

	require.Error(t, s.RunOnce(ctx, "flaky"))
	assert.Equal(t, BreakerClosed, s.Tasks()[0].State)
	require.Error(t, s.RunOnce(ctx, "flaky"))
	assert.Equal(t, BreakerOpen, s.Tasks()[0].State)
	assert.Equal(t, 2, s.Tasks()[0].Failures)

	err := s.RunOnce(ctx, "flaky")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit_open")
	assert.Equal(t, 2, calls, "open breaker skips the task")

	clk.Advance(31 * time.Minute)
	require.Error(t, s.RunOnce(ctx, "flaky"))
	assert.Equal(t, 3, calls, "half-open lets one run through")
	assert.Equal(t, BreakerOpen, s.Tasks()[0].State, "a half-open failure reopens at once")

	clk.Advance(31 * time.Minute)
	fail = false
	require.NoError(t, s.RunOnce(ctx, "flaky"))
	st := s.Tasks()[0]
	assert.Equal(t, BreakerClosed, st.State)
	assert.Zero(t, st.Failures)
	assert.Empty(t, st.LastErr)
	assert.Equal(t, clk.Now(), st.LastRun)

	assert.Contains(t, logBuf.String(), "task breaker moved to half-open")

	var kinds []string
	for len(sub) > 0 {
		kinds = append(kinds, (<-sub).Type)
	}
	assert.Contains(t, kinds, "scheduler.circuit_state_changed")
	assert.Contains(t, kinds, "scheduler.skipped")
	assert.Contains(t, kinds, "scheduler.task_failed")
}

func TestHousekeepingTasks(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	ctx := context.Background()
	logger, logBuf := NewTestSlogger()

	queue := mocks.NewMockQueueService(ctrl)
	sweeper := mocks.NewMockSweeper(ctrl)
	refresher := mocks.NewMockHealthRefresher(ctrl)
	cleaner := mocks.NewMockCleaner(ctrl)

	sweeper.EXPECT().Sweep().Return(worker.SweepReport{Terminated: []string{"w1"}, ExpiredQuestions: 1})
	require.NoError(t, SweepTask(sweeper, logger)(ctx))
	assert.Contains(t, logBuf.String(), "watchdog sweep")

	refresher.EXPECT().Refresh(gomock.Any()).Return(errors.New("health check failed"))
	err := HealthTask(refresher)(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refresh endpoint health")

	cleaner.EXPECT().Cleanup(gomock.Any(), 48*time.Hour).Return(workspace.CleanupReport{DeletedDirs: 3}, nil)
	require.NoError(t, CleanupTask(cleaner, 48*time.Hour, logger)(ctx))
	assert.Contains(t, logBuf.String(), "removed stale workspaces")

	gomock.InOrder(
		queue.EXPECT().Prune(gomock.Any(), 720*time.Hour).Return(2, nil),
		queue.EXPECT().Depth(gomock.Any()).Return(5, nil),
	)
	require.NoError(t, PruneTask(queue, 720*time.Hour, logger)(ctx))
	assert.Contains(t, logBuf.String(), "pruned finished plans")

	queue.EXPECT().Prune(gomock.Any(), time.Hour).Return(0, errors.New("database is locked"))
	require.Error(t, PruneTask(queue, time.Hour, logger)(ctx))
}

func TestRegisterDefaults(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	cfg := config.Defaults().Service
	s := New(Options{})
	require.NoError(t, RegisterDefaults(s, cfg, Services{
		Queue:      mocks.NewMockQueueService(ctrl),
		Workers:    mocks.NewMockSweeper(ctrl),
		Router:     mocks.NewMockHealthRefresher(ctrl),
		Workspaces: mocks.NewMockCleaner(ctrl),
	}))

	var names []string
	intervals := map[string]time.Duration{}
	for _, st := range s.Tasks() {
		names = append(names, st.Name)
		intervals[st.Name] = st.Interval
	}
	assert.Equal(t, []string{TaskQueuePrune, TaskRouterHealth, TaskWatchdogSweep, TaskWorkspaceCleanup}, names)
	assert.Equal(t, cfg.SweepInterval, intervals[TaskWatchdogSweep])
	assert.Equal(t, cfg.HealthInterval, intervals[TaskRouterHealth])
	assert.Equal(t, time.Hour, intervals[TaskWorkspaceCleanup])
	assert.Equal(t, 24*time.Hour, intervals[TaskQueuePrune])

	suggesting := New(Options{})
	require.NoError(t, RegisterDefaults(suggesting, cfg, Services{
		Suggester: mocks.NewMockSuggester(ctrl),
		Suggestions: []config.ScheduledTask{
			{Task: "run tests across all projects", Interval: 6 * time.Hour},
			{Task: "validate project core", Interval: time.Hour},
		},
	}))
	tasks := suggesting.Tasks()
	require.Len(t, tasks, 2)
	assert.Equal(t, TaskSuggestPrefix+"0", tasks[0].Name)
	assert.Equal(t, 6*time.Hour, tasks[0].Interval)
	assert.Equal(t, TaskSuggestPrefix+"1", tasks[1].Name)

	unwired := New(Options{})
	require.NoError(t, RegisterDefaults(unwired, cfg, Services{
		Suggestions: []config.ScheduledTask{{Task: "validate project core", Interval: time.Hour}},
	}))
	assert.Empty(t, unwired.Tasks(), "suggestions need a suggester")

	partial := New(Options{})
	require.NoError(t, RegisterDefaults(partial, cfg, Services{Workers: mocks.NewMockSweeper(ctrl)}))
	require.Len(t, partial.Tasks(), 1)
	assert.Equal(t, TaskWatchdogSweep, partial.Tasks()[0].Name)
}

func TestSuggestTask(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	logger, logBuf := NewTestSlogger()
	ctx := context.Background()
	sug := mocks.NewMockSuggester(ctrl)
	const task = "run tests across all projects"

	queued := &plan.Record{Plan: plan.Plan{ID: "p-1"}, Status: plan.StatusQueued}
	sug.EXPECT().Suggest(gomock.Any(), task, SuggestOrigin).Return(dispatch.Suggestion{Verdict: autonomy.AutoExecute, Record: queued}, nil)
	require.NoError(t, SuggestTask(sug, task, logger)(ctx))
	assert.Contains(t, logBuf.String(), "scheduled task planned")
	assert.Contains(t, logBuf.String(), "p-1")

	logBuf.Reset()
	sug.EXPECT().Suggest(gomock.Any(), task, SuggestOrigin).Return(dispatch.Suggestion{Verdict: autonomy.Skip}, nil)
	require.NoError(t, SuggestTask(sug, task, logger)(ctx))
	assert.Contains(t, logBuf.String(), "scheduled task skipped")

	sug.EXPECT().Suggest(gomock.Any(), task, SuggestOrigin).Return(dispatch.Suggestion{}, errors.New("no template matched"))
	err := SuggestTask(sug, task, logger)(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no template matched")
}
