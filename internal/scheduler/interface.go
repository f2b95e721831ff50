package scheduler

import (
	"context"
	"time"

	"github.com/mattjoyce/foreman/internal/dispatch"
	"github.com/mattjoyce/foreman/internal/worker"
	"github.com/mattjoyce/foreman/internal/workspace"
)

//go:generate mockgen -destination=mocks/mock_services.go -package=mocks github.com/mattjoyce/foreman/internal/scheduler QueueService,Sweeper,HealthRefresher,Cleaner,Suggester

// QueueService is the part of the dispatch queue the housekeeping tasks use.
type QueueService interface {
	Prune(ctx context.Context, retention time.Duration) (int, error)
	Depth(ctx context.Context) (int, error)
}

// Sweeper enforces worker deadlines.
type Sweeper interface {
	Sweep() worker.SweepReport
}

// HealthRefresher refreshes endpoint health.
type HealthRefresher interface {
	Refresh(ctx context.Context) error
}

// Cleaner removes stale workspaces.
type Cleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (workspace.CleanupReport, error)
}

// Suggester plans tasks nobody asked for; autonomy decides what becomes of them.
type Suggester interface {
	Suggest(ctx context.Context, task, origin string) (dispatch.Suggestion, error)
}
