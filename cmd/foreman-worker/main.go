// Command foreman-worker is the reference inference worker. It reads one
// assignment from stdin, edits the project through an OpenAI-compatible
// endpoint, and reports back to the daemon over signed HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattjoyce/foreman/internal/log"
	"github.com/mattjoyce/foreman/internal/protocol"
	"github.com/mattjoyce/foreman/internal/router"
)

const defaultHeartbeat = 15 * time.Second

func main() {
	os.Exit(runWorker(os.Stdin))
}

func runWorker(stdin io.Reader) int {
	log.Setup(os.Getenv("FOREMAN_LOG_LEVEL"), "json")
	logger := log.WithComponent("worker")

	a, err := protocol.DecodeAssignment(stdin)
	if err != nil {
		logger.Error("invalid assignment", "error", err)
		return 1
	}
	logger = logger.With("worker_id", a.WorkerID, "unit_id", a.UnitID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if !a.DeadlineAt.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, a.DeadlineAt)
		defer cancel()
	}

	rep := newReporter(a, logger)
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go rep.heartbeat(hbCtx, heartbeatInterval())

	if a.Endpoint == nil {
		return fail(rep, logger, errors.New("no inference endpoint assigned"))
	}
	model := newChatModel(a.Endpoint, os.Getenv("FOREMAN_API_KEY"))
	ref, err := newAgent(a, model, rep, gitVCS{}, logger).run(ctx)
	if err != nil {
		return fail(rep, logger, err)
	}

	// The terminal report must go out even when the deadline has just passed.
	sendCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rep.send(sendCtx, protocol.Report{Type: protocol.ReportComplete, ArtifactRef: ref}); err != nil {
		logger.Error("complete report failed", "error", err)
		return 1
	}
	logger.Info("unit complete", "artifact_ref", ref)
	return 0
}

func fail(rep *reporter, logger *slog.Logger, cause error) int {
	logger.Error("unit failed", "error", cause)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	report := protocol.Report{Type: protocol.ReportError, Message: cause.Error(), EndpointDown: router.Unreachable(cause)}
	if err := rep.send(ctx, report); err != nil {
		logger.Error("error report failed", "error", err)
	}
	return 1
}

func heartbeatInterval() time.Duration {
	if v := os.Getenv("FOREMAN_HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
		fmt.Fprintf(os.Stderr, "ignoring invalid FOREMAN_HEARTBEAT_INTERVAL %q\n", v)
	}
	return defaultHeartbeat
}
