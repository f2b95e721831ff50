package lock

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireInstanceLockWritesPID(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "run", "foreman.lock")
	l, err := AcquireInstanceLock(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Release() })

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), strings.TrimSpace(string(b)))

	pid, ok := HolderPID(path)
	require.True(t, ok)
	assert.Equal(t, os.Getpid(), pid)
}

func TestAcquireInstanceLockIsExclusive(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "foreman.lock")
	l1, err := AcquireInstanceLock(path)
	require.NoError(t, err)

	_, err = AcquireInstanceLock(path)
	require.ErrorIs(t, err, ErrHeld)

	require.NoError(t, l1.Release())
	require.NoError(t, l1.Release())

	l2, err := AcquireInstanceLock(path)
	require.NoError(t, err)
	require.NoError(t, l2.Release())
}

func TestAcquireInstanceLockEmptyPath(t *testing.T) {
	_, err := AcquireInstanceLock("")
	require.Error(t, err)
}

func TestHolderPIDMissingOrGarbage(t *testing.T) {
	dir := t.TempDir()
	_, ok := HolderPID(filepath.Join(dir, "missing"))
	assert.False(t, ok)

	bad := filepath.Join(dir, "bad")
	require.NoError(t, os.WriteFile(bad, []byte("nope"), 0o644))
	_, ok = HolderPID(bad)
	assert.False(t, ok)
}
