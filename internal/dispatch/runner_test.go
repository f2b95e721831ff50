package dispatch

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/foreman/internal/log"
)

func TestRenderCommand(t *testing.T) {
	data := CommandData{
		Project: "core",
		Path:    "/src/core",
		Branch:  "main",
		Source:  "develop",
		Version: "v0.2.0",
		Params:  map[string]string{"dependency": "core"},
	}

	got, err := RenderCommand(`git -C {{.Path}} merge {{.Source}} && git tag {{.Version}} # {{index .Params "dependency"}}`, data)
	require.NoError(t, err)
	assert.Equal(t, "git -C /src/core merge develop && git tag v0.2.0 # core", got)

	_, err = RenderCommand("echo {{.Nope}}", data)
	require.Error(t, err)

	_, err = RenderCommand("echo {{", data)
	require.Error(t, err)
}

func TestShellRunnerCapturesOutput(t *testing.T) {
	r := NewShellRunner(time.Second, log.Discard())
	dir := t.TempDir()

	out, err := r.Run(context.Background(), Command{Script: "pwd; echo $FOREMAN_TEST", Dir: dir, Env: []string{"FOREMAN_TEST=hello"}})
	require.NoError(t, err)
	assert.Contains(t, out, dir)
	assert.Contains(t, out, "hello")
}

func TestShellRunnerReportsExitStatus(t *testing.T) {
	r := NewShellRunner(time.Second, log.Discard())

	out, err := r.Run(context.Background(), Command{Script: "echo first; echo 'merge conflict in go.mod' >&2; exit 3"})
	require.Error(t, err)
	assert.Contains(t, out, "first")
	assert.Equal(t, "command exited with status 3: merge conflict in go.mod", err.Error())
}

func TestShellRunnerTimeoutTerminates(t *testing.T) {
	r := NewShellRunner(200*time.Millisecond, log.Discard())

	start := time.Now()
	_, err := r.Run(context.Background(), Command{Script: "sleep 30", Timeout: 100 * time.Millisecond})
	require.ErrorIs(t, err, ErrCommandTimeout)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestShellRunnerKillsAfterGrace(t *testing.T) {
	r := NewShellRunner(200*time.Millisecond, log.Discard())

	start := time.Now()
	_, err := r.Run(context.Background(), Command{Script: "trap '' TERM; sleep 30", Timeout: 100 * time.Millisecond})
	require.ErrorIs(t, err, ErrCommandTimeout)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestShellRunnerHonoursCancellation(t *testing.T) {
	r := NewShellRunner(time.Second, log.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	_, err := r.Run(ctx, Command{Script: "sleep 30"})
	require.ErrorIs(t, err, context.Canceled)

	_, err = r.Run(ctx, Command{Script: "echo never"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestShellRunnerRejectsEmptyScript(t *testing.T) {
	_, err := NewShellRunner(0, nil).Run(context.Background(), Command{Script: "  "})
	require.Error(t, err)
}

func TestTruncateKeepsTail(t *testing.T) {
	s := strings.Repeat("a", maxOutputBytes) + "tail"
	got := truncate(s)
	assert.Len(t, got, maxOutputBytes)
	assert.True(t, strings.HasSuffix(got, "tail"))
	assert.Equal(t, "last", lastLine("first\nlast\n"))
}
