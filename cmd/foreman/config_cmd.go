package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/foreman/internal/clock"
	"github.com/mattjoyce/foreman/internal/config"
	"github.com/mattjoyce/foreman/internal/doctor"
	"github.com/mattjoyce/foreman/internal/lock"
	"github.com/mattjoyce/foreman/internal/queue"
	"github.com/mattjoyce/foreman/internal/storage"
)

func loadConfigForTool(configPath string) (*config.Config, error) {
	if configPath == "" {
		discovered, err := config.DiscoverConfigPath()
		if err != nil {
			return nil, err
		}
		configPath = discovered
	}
	return config.Load(configPath)
}

func runConfigCheck(args []string) int {
	var configPath, format string
	var strict, jsonOut bool

	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&strict, "strict", false, "Treat warnings as errors")
	fs.StringVar(&format, "format", "human", "Output format (human, json)")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if jsonOut {
		format = "json"
	}

	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		if format == "json" {
			out, _ := doctor.FormatJSON(&doctor.Result{
				Errors: []doctor.Issue{{Category: "load", Message: err.Error()}},
			})
			fmt.Println(out)
		} else {
			fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		}
		return exitCodeFor(err)
	}

	result := doctor.New(cfg).Validate()
	switch format {
	case "json":
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(out)
	default:
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid {
		return exitConfig
	}
	if strict && len(result.Warnings) > 0 {
		return exitConfig
	}
	return 0
}

func runConfigLock(args []string) int {
	var configPath string
	var dryRun bool

	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&dryRun, "dry-run", false, "Print the hash without writing .checksums")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if configPath == "" {
		discovered, err := config.DiscoverConfigPath()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
			return 1
		}
		configPath = discovered
	}
	if info, err := os.Stat(configPath); err == nil && info.IsDir() {
		configPath = filepath.Join(configPath, "config.yaml")
	}

	// Parse before hashing so a broken file is never locked in.
	data, err := os.ReadFile(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read config: %v\n", err)
		return 1
	}
	if _, err := config.Parse(data); err != nil {
		fmt.Fprintf(os.Stderr, "Refusing to lock invalid configuration: %v\n", err)
		return exitCodeFor(err)
	}

	report, err := config.Lock(configPath, dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Lock failed: %v\n", err)
		return 1
	}

	fmt.Printf("HASH %s: %s\n", filepath.Base(report.ConfigPath), report.Hash)
	if !report.Written {
		fmt.Printf("DRY-RUN %s: %s\n", config.ChecksumFile, report.ChecksumPath)
		fmt.Println("Dry run completed; nothing written.")
		return 0
	}
	fmt.Printf("WROTE %s: %s\n", config.ChecksumFile, report.ChecksumPath)
	fmt.Println("Successfully locked configuration.")
	return 0
}

func runConfigShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return exitCodeFor(err)
	}
	redactSecrets(cfg)

	if *jsonOut {
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render YAML: %v\n", err)
		return 1
	}
	fmt.Print(string(data))
	return 0
}

const redacted = "********"

func redactSecrets(cfg *config.Config) {
	for i := range cfg.API.Auth.Tokens {
		cfg.API.Auth.Tokens[i].Token = redacted
	}
	if cfg.WorkerReports.Secret != "" {
		cfg.WorkerReports.Secret = redacted
	}
	for name, m := range cfg.Models {
		if m.APIKey != "" {
			m.APIKey = redacted
			cfg.Models[name] = m
		}
	}
}

type systemStatus struct {
	ConfigPath   string `json:"config_path"`
	ConfigLocked bool   `json:"config_locked"`
	Projects     int    `json:"projects"`
	StatePath    string `json:"state_path"`
	QueueDepth   int    `json:"queue_depth"`
	ActivePlans  int    `json:"active_plans"`
	Paused       bool   `json:"dispatch_paused"`
	LockPath     string `json:"lock_path"`
	DaemonPID    int    `json:"daemon_pid,omitempty"`
	Running      bool   `json:"running"`
}

// runSystemStatus inspects local state only; it works while the daemon is down.
func runSystemStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return exitCodeFor(err)
	}

	st := systemStatus{
		ConfigPath: cfg.SourcePath,
		Projects:   len(cfg.Projects),
		StatePath:  cfg.State.Path,
		LockPath:   getPIDLockPath(cfg),
	}
	if _, err := config.LoadChecksums(filepath.Dir(cfg.SourcePath)); err == nil {
		st.ConfigLocked = true
	}
	if pid, ok := lock.HolderPID(st.LockPath); ok {
		st.DaemonPID = pid
		st.Running = syscall.Kill(pid, 0) == nil
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open state database: %v\n", err)
		return 1
	}
	defer db.Close()
	q := queue.New(db, clock.Real())
	if st.QueueDepth, err = q.Depth(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read queue: %v\n", err)
		return 1
	}
	active, err := q.Active(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read active plans: %v\n", err)
		return 1
	}
	st.ActivePlans = len(active)
	if st.Paused, err = q.Paused(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read dispatch state: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(st, "", "  ")
		fmt.Println(string(data))
		return 0
	}

	locked := "unlocked (run: foreman config lock)"
	if st.ConfigLocked {
		locked = "checksum verified"
	}
	daemon := "not running"
	if st.Running {
		daemon = fmt.Sprintf("running (pid %d)", st.DaemonPID)
	} else if st.DaemonPID > 0 {
		daemon = fmt.Sprintf("not running (stale lock from pid %d)", st.DaemonPID)
	}
	dispatchState := "active"
	if st.Paused {
		dispatchState = "paused"
	}
	fmt.Printf("Config      : %s (%s)\n", st.ConfigPath, locked)
	fmt.Printf("Projects    : %d\n", st.Projects)
	fmt.Printf("State       : %s\n", st.StatePath)
	fmt.Printf("Daemon      : %s\n", daemon)
	fmt.Printf("Queue depth : %d\n", st.QueueDepth)
	fmt.Printf("Active plans: %d\n", st.ActivePlans)
	fmt.Printf("Dispatch    : %s\n", dispatchState)
	return 0
}
