package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/foreman/internal/auth"
	"github.com/mattjoyce/foreman/internal/autonomy"
	"github.com/mattjoyce/foreman/internal/clock"
	"github.com/mattjoyce/foreman/internal/config"
	"github.com/mattjoyce/foreman/internal/dispatch"
	"github.com/mattjoyce/foreman/internal/events"
	"github.com/mattjoyce/foreman/internal/graph"
	"github.com/mattjoyce/foreman/internal/metrics"
	"github.com/mattjoyce/foreman/internal/plan"
	"github.com/mattjoyce/foreman/internal/proposal"
	"github.com/mattjoyce/foreman/internal/state"
)

// Dispatcher is the plan command surface; *dispatch.Engine implements it.
type Dispatcher interface {
	Plan(ctx context.Context, task, actor string) (*plan.Record, error)
	Get(ctx context.Context, id string) (*plan.Record, error)
	List(ctx context.Context, limit int) ([]*plan.Record, error)
	Approve(ctx context.Context, id, actor string) (*plan.Record, error)
	Deny(ctx context.Context, id, actor, reason string) (*plan.Record, error)
	Execute(ctx context.Context, id, actor string) (*plan.Record, error)
	Cancel(ctx context.Context, id, actor string) (*plan.Record, error)
	Status(ctx context.Context) (dispatch.StatusReport, error)
	Pause(ctx context.Context, actor string) error
	Resume(ctx context.Context, actor string) error
	Graph() *graph.Graph
}

// AutonomyControl changes autonomy levels; *autonomy.Engine implements it.
type AutonomyControl interface {
	SetLevel(actor, scope string, level autonomy.Level) (*autonomy.Snapshot, error)
}

// AuditLog records who changed autonomy; *state.Store implements it.
type AuditLog interface {
	RecordAutonomyChange(ctx context.Context, c state.AutonomyChange) error
}

// Answerer delivers human answers to worker questions; *worker.Pool implements it.
type Answerer interface {
	Answer(publicID, text, actor string) error
}

// EventSource feeds /events; *events.Hub implements it.
type EventSource interface {
	events.Publisher
	Subscribe() (<-chan events.Event, func())
	SnapshotSince(lastID int64) []events.Event
}

// Config holds API server configuration
type Config struct {
	Listen string
	Tokens []config.APIToken
}

// Deps are the services behind the routes.
type Deps struct {
	Dispatcher Dispatcher
	Autonomy   AutonomyControl
	Audit      AuditLog
	Answers    Answerer
	Proposals  proposal.Store
	Events     EventSource
	Clock      clock.Clock
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	deps      Deps
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance
func New(config Config, deps Deps, logger *slog.Logger) *Server {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Events == nil {
		deps.Events = events.NewHub(1)
	}
	return &Server{
		config:    config,
		deps:      deps,
		logger:    logger,
		startedAt: deps.Clock.Now(),
	}
}

// Start starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("api listener: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.server = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		// No write timeout: /events streams for as long as the client stays.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.With(s.requireScopes(auth.ScopePlansWrite)).Post("/plans", s.handleCreatePlan)
		r.With(s.requireScopes(auth.ScopePlansRead)).Get("/plans", s.handleListPlans)
		r.With(s.requireScopes(auth.ScopePlansRead)).Get("/plans/{id}", s.handleGetPlan)
		r.With(s.requireScopes(auth.ScopePlansApprove)).Post("/plans/{id}/approve", s.handleApprove)
		r.With(s.requireScopes(auth.ScopePlansApprove)).Post("/plans/{id}/deny", s.handleDeny)
		r.With(s.requireScopes(auth.ScopePlansWrite)).Post("/plans/{id}/execute", s.handleExecute)
		r.With(s.requireScopes(auth.ScopePlansWrite)).Post("/plans/{id}/cancel", s.handleCancel)
		r.With(s.requireScopes(auth.ScopePlansRead)).Get("/status", s.handleStatus)

		r.With(s.requireScopes(auth.ScopeAutonomy)).Put("/autonomy", s.handleSetAutonomy)
		r.With(s.requireScopes(auth.ScopePlansWrite)).Post("/questions/{id}/answer", s.handleAnswer)
		r.With(s.requireScopes(auth.ScopePlansWrite)).Post("/dispatch/pause", s.handlePause)
		r.With(s.requireScopes(auth.ScopePlansWrite)).Post("/dispatch/resume", s.handleResume)

		r.With(s.requireScopes(auth.ScopePlansApprove)).Get("/proposals", s.handleListProposals)
		r.With(s.requireScopes(auth.ScopePlansApprove)).Post("/proposals/{id}/{decision}", s.handleDecideProposal)

		r.With(s.requireScopes(auth.ScopeEvents)).Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
