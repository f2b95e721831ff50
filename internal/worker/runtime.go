package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/mattjoyce/foreman/internal/config"
	"github.com/mattjoyce/foreman/internal/protocol"
)

//go:generate mockgen -destination=mocks/mock_runtime.go -package=mocks github.com/mattjoyce/foreman/internal/worker Runtime,Process

// Runtime starts worker processes.
type Runtime interface {
	Start(ctx context.Context, a *protocol.Assignment) (Process, error)
}

// Process is a started worker.
type Process interface {
	// Ref is a runtime-specific reference such as a pid.
	Ref() string
	// Exited is closed once the process is gone.
	Exited() <-chan struct{}
	// ExitErr is valid after Exited is closed.
	ExitErr() error
	// Terminate asks the process to stop and kills it after grace.
	Terminate(grace time.Duration) error
}

// maxLogBytes caps the captured worker log.
const maxLogBytes = 64 * 1024

// ProcessRuntime runs each worker as a local subprocess. The assignment is
// written to stdin as JSON; stdout and stderr go to worker.log in the workspace.
type ProcessRuntime struct {
	command []string
	env     map[string]string
	logger  *slog.Logger
}

// NewProcessRuntime builds a runtime from watchdog.runtime config.
func NewProcessRuntime(cfg config.RuntimeConfig, logger *slog.Logger) (*ProcessRuntime, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New("worker runtime command is empty")
	}
	return &ProcessRuntime{command: cfg.Command, env: cfg.Env, logger: logger}, nil
}

func (r *ProcessRuntime) Start(ctx context.Context, a *protocol.Assignment) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// Not CommandContext: termination is driven by Terminate with a grace period.
	cmd := exec.Command(r.command[0], r.command[1:]...)
	cmd.Dir = a.ProjectPath
	cmd.Env = os.Environ()
	keys := make([]string, 0, len(r.env))
	for k := range r.env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cmd.Env = append(cmd.Env, k+"="+r.env[k])
	}
	cmd.Env = append(cmd.Env,
		"FOREMAN_WORKER_ID="+a.WorkerID,
		"FOREMAN_REPORT_URL="+a.ReportURL,
	)
	if a.Endpoint != nil && a.Endpoint.APIKey != "" {
		cmd.Env = append(cmd.Env, "FOREMAN_API_KEY="+a.Endpoint.APIKey)
	}

	out := &cappedBuffer{limit: maxLogBytes}
	cmd.Stdout = out
	cmd.Stderr = out
	// Grandchildren holding the output pipe must not block Wait forever.
	cmd.WaitDelay = 2 * time.Second

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}

	p := &process{cmd: cmd, exited: make(chan struct{}), log: out}

	go func() {
		defer stdin.Close()
		if err := protocol.EncodeAssignment(stdin, a); err != nil {
			r.logger.Warn("write assignment failed", "worker_id", a.WorkerID, "error", err)
		}
	}()

	go func() {
		p.exitErr = cmd.Wait()
		if a.WorkspaceDir != "" {
			if err := os.WriteFile(filepath.Join(a.WorkspaceDir, "worker.log"), out.Bytes(), 0o644); err != nil {
				r.logger.Warn("write worker log failed", "worker_id", a.WorkerID, "error", err)
			}
		}
		close(p.exited)
	}()

	r.logger.Debug("worker started", "worker_id", a.WorkerID, "pid", cmd.Process.Pid, "command", r.command[0])
	return p, nil
}

type process struct {
	cmd     *exec.Cmd
	exited  chan struct{}
	exitErr error
	log     *cappedBuffer
}

func (p *process) Ref() string             { return fmt.Sprintf("pid:%d", p.cmd.Process.Pid) }
func (p *process) Exited() <-chan struct{} { return p.exited }

func (p *process) ExitErr() error {
	<-p.exited
	return p.exitErr
}

func (p *process) Terminate(grace time.Duration) error {
	select {
	case <-p.exited:
		return nil
	default:
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("send SIGTERM: %w", err)
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.exited:
		return nil
	case <-timer.C:
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("send SIGKILL: %w", err)
	}
	<-p.exited
	return nil
}

// cappedBuffer keeps the first limit bytes and drops the rest.
type cappedBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.limit - len(b.buf); room > 0 {
		if len(p) > room {
			b.buf = append(b.buf, p[:room]...)
		} else {
			b.buf = append(b.buf, p...)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf...)
}
