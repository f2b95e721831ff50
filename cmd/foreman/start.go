package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/foreman/internal/api"
	"github.com/mattjoyce/foreman/internal/autonomy"
	"github.com/mattjoyce/foreman/internal/clock"
	"github.com/mattjoyce/foreman/internal/config"
	"github.com/mattjoyce/foreman/internal/dispatch"
	"github.com/mattjoyce/foreman/internal/evaluator"
	"github.com/mattjoyce/foreman/internal/events"
	"github.com/mattjoyce/foreman/internal/graph"
	"github.com/mattjoyce/foreman/internal/lock"
	"github.com/mattjoyce/foreman/internal/log"
	"github.com/mattjoyce/foreman/internal/notify"
	"github.com/mattjoyce/foreman/internal/queue"
	"github.com/mattjoyce/foreman/internal/registry"
	"github.com/mattjoyce/foreman/internal/release"
	"github.com/mattjoyce/foreman/internal/router"
	"github.com/mattjoyce/foreman/internal/scheduler"
	"github.com/mattjoyce/foreman/internal/state"
	"github.com/mattjoyce/foreman/internal/storage"
	"github.com/mattjoyce/foreman/internal/webhook"
	"github.com/mattjoyce/foreman/internal/worker"
	"github.com/mattjoyce/foreman/internal/workspace"
)

const eventHistory = 1024

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return exitCodeFor(err)
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("foreman starting", "version", version, "config", cfg.SourcePath)

	pidLockPath := getPIDLockPath(cfg)
	pidLock, err := lock.AcquireInstanceLock(pidLockPath)
	if err != nil {
		logger.Error("failed to acquire instance lock (another instance may be running)", "path", pidLockPath, "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired instance lock", "path", pidLockPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialise daemon", "error", err)
		return exitCodeFor(err)
	}
	defer d.close()

	if err := d.run(ctx); err != nil {
		logger.Error("daemon stopped with error", "error", err)
		return 1
	}
	logger.Info("foreman stopped")
	return 0
}

// daemon holds the long-running components of one foreman process.
type daemon struct {
	logger *slog.Logger

	db       *sql.DB
	hub      *events.Hub
	autonomy *autonomy.Engine
	router   *router.Router
	pool     *worker.Pool
	engine   *dispatch.Engine
	sched    *scheduler.Scheduler
	webhook  *webhook.Server
	api      *api.Server
	watcher  *config.Watcher

	graphVersion atomic.Uint64
	closers      []func() error
}

func newDaemon(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*daemon, error) {
	clk := clock.Real()
	d := &daemon{logger: logger, hub: events.NewHub(eventHistory)}

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.State.Path, err)
	}
	d.db = db
	d.closers = append(d.closers, db.Close)
	logger.Info("database opened", "path", cfg.State.Path)

	q := queue.New(db, clk)
	st := state.NewStore(db, clk)

	notifier := notify.Multi{notify.Log{Logger: log.WithComponent("notify")}}
	if cfg.Notify.RedisURL != "" {
		client, err := notify.ConnectRedis(cfg.Notify.RedisURL)
		if err != nil {
			d.close()
			return nil, err
		}
		d.closers = append(d.closers, client.Close)
		notifier = append(notifier, notify.NewRedisStream(client, cfg.Notify.Stream))
		logger.Info("publishing notices to redis", "stream", cfg.Notify.Stream)
	}

	if d.autonomy, err = autonomy.NewEngine(cfg.Autonomy); err != nil {
		d.close()
		return nil, err
	}
	restored, err := restoreAutonomy(ctx, d.autonomy, st)
	if err != nil {
		d.close()
		return nil, fmt.Errorf("restore autonomy levels: %w", err)
	}
	if restored > 0 {
		logger.Info("autonomy levels restored", "changes", restored, "version", d.autonomy.Snapshot().Version)
	}
	if d.router, err = router.New(cfg, router.NewHTTPChecker(), clk, log.WithComponent("router")); err != nil {
		d.close()
		return nil, err
	}

	rt, err := worker.NewProcessRuntime(cfg.Watchdog.Runtime, log.WithComponent("runtime"))
	if err != nil {
		d.close()
		return nil, err
	}
	d.pool = worker.NewPool(rt, worker.SettingsFromConfig(cfg), clk, d.hub, notifier, log.WithComponent("workers"))

	ws, err := workspace.NewFSManager(cfg.Service.WorkspaceDir, clk)
	if err != nil {
		d.close()
		return nil, fmt.Errorf("initialise workspaces at %s: %w", cfg.Service.WorkspaceDir, err)
	}

	var reviewer evaluator.Reviewer
	if review := cfg.Evaluation.Checks.Review; review.Enabled {
		reviewer = evaluator.NewLLMReviewer(d.router, review.TaskType, router.Complexity(review.Complexity))
	}
	ev := evaluator.FromConfig(cfg.Evaluation, reviewer, evaluator.Options{
		Store:    st,
		Clock:    clk,
		Hub:      d.hub,
		Notifier: notifier,
		Logger:   log.WithComponent("evaluator"),
	})

	g, err := graph.New(registry.FromConfig(cfg, d.graphVersion.Add(1)))
	if err != nil {
		d.close()
		return nil, err
	}
	logger.Info("project graph loaded", "projects", len(cfg.Projects))

	d.engine = dispatch.New(dispatch.Options{
		Queue:              q,
		Graph:              g,
		Autonomy:           d.autonomy,
		Router:             d.router,
		Workers:            d.pool,
		Evaluator:          ev,
		Workspaces:         ws,
		Runner:             dispatch.NewShellRunner(cfg.Watchdog.Runtime.TerminationGrace, log.WithComponent("runner")),
		Locks:              lock.NewProjectLocks(),
		Templates:          []dispatch.Template{release.Coordinator{}},
		Actions:            cfg.Actions,
		Hub:                d.hub,
		Notifier:           notifier,
		Clock:              clk,
		Logger:             log.WithComponent("dispatch"),
		MaxWorkers:         cfg.Dispatch.MaxWorkers,
		PollInterval:       cfg.Dispatch.PollInterval,
		DefaultStepTimeout: cfg.Dispatch.DefaultStepTimeout,
	})

	d.sched = scheduler.New(scheduler.Options{Clock: clk, Hub: d.hub, Logger: log.WithComponent("scheduler")})
	if err := scheduler.RegisterDefaults(d.sched, cfg.Service, scheduler.Services{
		Queue:       q,
		Workers:     d.pool,
		Router:      d.router,
		Workspaces:  ws,
		Suggester:   d.engine,
		Suggestions: cfg.Dispatch.Scheduled,
	}); err != nil {
		d.close()
		return nil, err
	}

	d.webhook = webhook.New(webhook.FromConfig(cfg.WorkerReports), d.pool, log.WithComponent("webhook"))

	if cfg.API.Enabled {
		d.api = api.New(api.Config{
			Listen: cfg.API.Listen,
			Tokens: cfg.API.Auth.Tokens,
		}, api.Deps{
			Dispatcher: d.engine,
			Autonomy:   d.autonomy,
			Audit:      st,
			Answers:    d.pool,
			Proposals:  st,
			Events:     d.hub,
			Clock:      clk,
		}, log.WithComponent("api"))
	} else {
		logger.Info("API disabled; the daemon only accepts worker reports")
	}

	if cfg.SourcePath != "" {
		d.watcher = config.NewWatcher(cfg.SourcePath, d.reload, log.WithComponent("config"))
	}
	return d, nil
}

// run blocks until ctx is cancelled or a component fails.
func (d *daemon) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return component("dispatcher", d.engine.Start(gctx))
	})

	if err := d.sched.Start(gctx); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	g.Go(func() error {
		<-gctx.Done()
		d.sched.Stop()
		return nil
	})

	g.Go(func() error {
		return component("webhook", d.webhook.Start(gctx))
	})
	if d.api != nil {
		g.Go(func() error {
			return component("api", d.api.Start(gctx))
		})
	}
	if d.watcher != nil {
		g.Go(func() error {
			if err := d.watcher.Run(gctx); err != nil {
				// Hot reload is optional; the daemon keeps its current config.
				d.logger.Warn("config watcher stopped", "error", err)
			}
			return nil
		})
	}

	d.logger.Info("foreman running")
	err := g.Wait()
	d.pool.Shutdown()
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		d.logger.Info("received shutdown signal")
		return nil
	}
	return err
}

func component(name string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

// reload applies a config that the watcher has already loaded. Every part is
// checked before anything is swapped, so a rejected config changes nothing.
func (d *daemon) reload(cfg *config.Config) {
	g, err := graph.New(registry.FromConfig(cfg, d.graphVersion.Load()+1))
	if err == nil {
		err = autonomy.Validate(cfg.Autonomy)
	}
	if err == nil {
		err = router.Validate(cfg)
	}
	if err != nil {
		d.logger.Warn("config reload rejected, keeping previous config", "error", err)
		return
	}

	if err := d.autonomy.Reload(cfg.Autonomy); err != nil {
		d.logger.Error("autonomy reload failed after validation", "error", err)
	}
	if err := d.router.Reload(cfg); err != nil {
		d.logger.Error("router reload failed after validation", "error", err)
	}
	d.graphVersion.Add(1)
	d.engine.Reload(g, cfg.Actions)
	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	d.hub.Publish(events.ConfigReloaded, map[string]any{"graph_version": g.Version(), "projects": len(cfg.Projects)})
	d.logger.Info("configuration applied", "graph_version", g.Version())
}

// restoreAutonomy replays the levels humans set before this start, so a
// restart never widens what the daemon may do on its own.
func restoreAutonomy(ctx context.Context, eng *autonomy.Engine, st *state.Store) (int, error) {
	trail, err := st.AutonomyChanges(ctx)
	if err != nil {
		return 0, err
	}
	changes := make([]autonomy.Change, 0, len(trail))
	for _, c := range trail {
		changes = append(changes, autonomy.Change{Scope: c.Scope, Level: autonomy.Level(c.Level)})
	}
	if len(changes) == 0 {
		return 0, nil
	}
	return len(changes), eng.Restore(changes)
}

func (d *daemon) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			d.logger.Warn("close failed", "error", err)
		}
	}
	d.closers = nil
}

func getPIDLockPath(cfg *config.Config) string {
	dbPath := cfg.State.Path
	dbBase := filepath.Base(dbPath)
	ext := filepath.Ext(dbBase)
	return filepath.Join(filepath.Dir(dbPath), dbBase[:len(dbBase)-len(ext)]+".pid")
}
