package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/foreman/internal/clock"
)

func newManager(t *testing.T, clk clock.Clock) (*FSManager, string) {
	t.Helper()
	base := filepath.Join(t.TempDir(), "workspaces")
	m, err := NewFSManager(base, clk)
	require.NoError(t, err)
	return m, base
}

func TestPrepareFirstAttempt(t *testing.T) {
	m, base := newManager(t, nil)
	ctx := context.Background()

	ws, err := m.Prepare(ctx, "core-implement-retry", 0)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "core-implement-retry-r0"), ws.Dir)
	assert.DirExists(t, ws.Dir)
	assert.NoDirExists(t, filepath.Join(ws.Dir, PreviousDir))

	opened, err := m.Open(ctx, "core-implement-retry", 0)
	require.NoError(t, err)
	assert.Equal(t, ws, opened)

	_, err = m.Prepare(ctx, "core-implement-retry", 0)
	assert.Error(t, err, "an attempt workspace is created once")
}

func TestRevisionSeesPreviousAttempt(t *testing.T) {
	m, _ := newManager(t, nil)
	ctx := context.Background()

	first, err := m.Prepare(ctx, "u", 0)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(first.Dir, "worker.log"), []byte("attempt 0"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(first.Dir, "notes"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(first.Dir, "notes", "decisions.md"), []byte("- write a.go"), 0o644))

	second, err := m.Prepare(ctx, "u", 1)
	require.NoError(t, err)
	carried := filepath.Join(second.Dir, PreviousDir, "worker.log")
	data, err := os.ReadFile(carried)
	require.NoError(t, err)
	assert.Equal(t, "attempt 0", string(data))
	assert.FileExists(t, filepath.Join(second.Dir, PreviousDir, "notes", "decisions.md"))

	a, err := os.Stat(filepath.Join(first.Dir, "worker.log"))
	require.NoError(t, err)
	b, err := os.Stat(carried)
	require.NoError(t, err)
	assert.True(t, os.SameFile(a, b), "previous attempt is hard-linked, not copied")

	// Only one generation is carried.
	third, err := m.Prepare(ctx, "u", 2)
	require.NoError(t, err)
	assert.NoDirExists(t, filepath.Join(third.Dir, PreviousDir, PreviousDir))
}

func TestRevisionWithoutPredecessor(t *testing.T) {
	m, _ := newManager(t, nil)
	ws, err := m.Prepare(context.Background(), "orphan", 3)
	require.NoError(t, err)
	assert.NoDirExists(t, filepath.Join(ws.Dir, PreviousDir))
}

func TestPrepareRejectsBadIDs(t *testing.T) {
	m, _ := newManager(t, nil)
	for _, id := range []string{"", "  ", "..", "a/b", `a\b`} {
		_, err := m.Prepare(context.Background(), id, 0)
		assert.Error(t, err, "id %q", id)
	}
	_, err := m.Prepare(context.Background(), "u", -1)
	assert.Error(t, err)
}

func TestCleanupRemovesStaleAttempts(t *testing.T) {
	now := time.Now()
	m, base := newManager(t, clock.NewFake(now))
	ctx := context.Background()

	stale, err := m.Prepare(ctx, "old", 0)
	require.NoError(t, err)
	fresh, err := m.Prepare(ctx, "new", 0)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(base, "stray.txt"), nil, 0o644))

	past := now.Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(stale.Dir, past, past))

	report, err := m.Cleanup(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, report.DeletedDirs)
	assert.NoDirExists(t, stale.Dir)
	assert.DirExists(t, fresh.Dir)
	assert.FileExists(t, filepath.Join(base, "stray.txt"))

	_, err = m.Cleanup(ctx, 0)
	assert.Error(t, err)
}

func TestAttemptID(t *testing.T) {
	assert.Equal(t, "core-implement-x-r2", AttemptID("core-implement-x", 2))
}
