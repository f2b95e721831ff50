package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/mattjoyce/foreman/internal/clock"
	"github.com/mattjoyce/foreman/internal/inspect"
	"github.com/mattjoyce/foreman/internal/queue"
	"github.com/mattjoyce/foreman/internal/state"
	"github.com/mattjoyce/foreman/internal/storage"
)

// runPlanInspect reads the state database directly, so it also works for
// plans of a daemon that is no longer running.
func runPlanInspect(args []string) int {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	pos, err := parseInterspersed(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}
	if len(pos) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: foreman plan inspect <plan_id> [--config PATH] [--json]")
		return 1
	}
	planID := pos[0]

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return exitCodeFor(err)
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open state database: %v\n", err)
		return 1
	}
	defer db.Close()

	clk := clock.Real()
	report, err := inspect.Gather(ctx, queue.New(db, clk), state.NewStore(db, clk), cfg.Service.WorkspaceDir, planID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Inspect failed: %v\n", err)
		return 1
	}

	if *jsonOut {
		if err := inspect.RenderJSON(os.Stdout, report); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		return 0
	}
	inspect.Render(os.Stdout, report)
	return 0
}
