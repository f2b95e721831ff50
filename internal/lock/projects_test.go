package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func acquireQuickly(locks *ProjectLocks, project string) (func(), error) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	return locks.Acquire(ctx, project)
}

func TestProjectLocksSerializeWriters(t *testing.T) {
	t.Parallel()
	locks := NewProjectLocks()

	release, err := locks.Acquire(context.Background(), "core")
	require.NoError(t, err)

	_, err = acquireQuickly(locks, "core")
	assert.ErrorIs(t, err, context.DeadlineExceeded, "second writer must wait")

	other, err := acquireQuickly(locks, "web")
	require.NoError(t, err, "other projects are independent")
	other()

	release()
	release()

	again, err := acquireQuickly(locks, "core")
	require.NoError(t, err)
	again()
}

func TestProjectLocksHandOver(t *testing.T) {
	t.Parallel()
	locks := NewProjectLocks()

	release, err := locks.Acquire(context.Background(), "core")
	require.NoError(t, err)

	got := make(chan struct{})
	go func() {
		r, err := locks.Acquire(context.Background(), "core")
		if err == nil {
			r()
		}
		close(got)
	}()

	select {
	case <-got:
		t.Fatal("waiter acquired a held lock")
	case <-time.After(20 * time.Millisecond):
	}
	release()
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the released lock")
	}
}
