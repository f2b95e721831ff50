package workspace

import (
	"context"
	"time"
)

// Workspace is the directory of one attempt at a unit of work. It holds the
// worker log, the worker's notes and anything carried over from earlier attempts.
type Workspace struct {
	UnitID  string
	Attempt int
	Dir     string
}

// CleanupReport summarizes a cleanup run.
type CleanupReport struct {
	DeletedDirs int
}

// Manager governs per-attempt workspace lifecycle.
type Manager interface {
	// Prepare creates the workspace for attempt. Revision attempts see the
	// previous attempt's files under PreviousDir.
	Prepare(ctx context.Context, unitID string, attempt int) (Workspace, error)

	Open(ctx context.Context, unitID string, attempt int) (Workspace, error)

	// Cleanup removes workspaces untouched for longer than olderThan.
	Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error)
}
