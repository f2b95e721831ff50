package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"text/template"
	"time"
)

const (
	// maxOutputBytes caps the output captured from a direct command.
	maxOutputBytes = 64 * 1024

	// defaultGrace is the wait after SIGTERM before SIGKILL.
	defaultGrace = 5 * time.Second
)

// ErrCommandTimeout is returned when a command outlives its timeout.
var ErrCommandTimeout = errors.New("command timed out")

// Command is one shell command run on behalf of a direct step or a compensation.
type Command struct {
	Script  string
	Dir     string
	Env     []string
	Timeout time.Duration
}

// Runner executes direct commands.
type Runner interface {
	Run(ctx context.Context, c Command) (string, error)
}

// CommandData is what action templates can reference.
type CommandData struct {
	Project string
	Path    string
	Remote  string
	Branch  string
	Source  string
	Version string
	Params  map[string]string
}

// RenderCommand expands an action template. Unknown fields are errors.
func RenderCommand(tmpl string, data CommandData) (string, error) {
	t, err := template.New("action").Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("parse command template: %w", err)
	}
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render command template: %w", err)
	}
	return strings.TrimSpace(b.String()), nil
}

// ShellRunner runs commands through /bin/sh -c. On timeout the process gets
// SIGTERM, then SIGKILL once the grace period runs out.
type ShellRunner struct {
	Shell  string
	Grace  time.Duration
	Logger *slog.Logger
}

var _ Runner = (*ShellRunner)(nil)

func NewShellRunner(grace time.Duration, logger *slog.Logger) *ShellRunner {
	if grace <= 0 {
		grace = defaultGrace
	}
	return &ShellRunner{Shell: "/bin/sh", Grace: grace, Logger: logger}
}

// Run executes c and returns its combined output. Cancelling ctx terminates
// the command the same way a timeout does.
func (r *ShellRunner) Run(ctx context.Context, c Command) (string, error) {
	if strings.TrimSpace(c.Script) == "" {
		return "", errors.New("empty command")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	// Not CommandContext: termination is signalled by hand so the grace period applies.
	cmd := exec.Command(r.Shell, "-c", c.Script)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	cmd.WaitDelay = 2 * time.Second

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start command: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	var timeout <-chan time.Time
	if c.Timeout > 0 {
		t := time.NewTimer(c.Timeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case err := <-waitErr:
		output := truncate(out.String())
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				return output, fmt.Errorf("command exited with status %d: %s", exitErr.ExitCode(), lastLine(output))
			}
			return output, fmt.Errorf("wait for command: %w", err)
		}
		return output, nil
	case <-timeout:
		r.terminate(cmd, waitErr)
		return truncate(out.String()), fmt.Errorf("%w after %s", ErrCommandTimeout, c.Timeout)
	case <-ctx.Done():
		r.terminate(cmd, waitErr)
		return truncate(out.String()), ctx.Err()
	}
}

func (r *ShellRunner) terminate(cmd *exec.Cmd, waitErr <-chan error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		logger.Error("failed to send SIGTERM", "error", err)
	}
	grace := time.NewTimer(r.Grace)
	defer grace.Stop()
	select {
	case <-waitErr:
	case <-grace.C:
		logger.Warn("command did not exit after SIGTERM, sending SIGKILL", "pid", cmd.Process.Pid)
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			logger.Error("failed to send SIGKILL", "error", err)
		}
		<-waitErr
	}
}

func truncate(s string) string {
	if len(s) > maxOutputBytes {
		return s[len(s)-maxOutputBytes:]
	}
	return s
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
