package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/mattjoyce/foreman/internal/protocol"
	"github.com/mattjoyce/foreman/internal/worker"
)

const (
	// limiterIdle is how long an unused per-worker limiter is kept.
	limiterIdle = 10 * time.Minute
	// limiterSweepAt is the map size above which idle limiters are dropped.
	limiterSweepAt = 256
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Server receives signed worker reports.
type Server struct {
	config  Config
	handler ReportHandler
	logger  *slog.Logger
	server  *http.Server

	mu       sync.Mutex
	limiters map[string]*limiterEntry
}

// New creates a report listener.
func New(config Config, handler ReportHandler, logger *slog.Logger) *Server {
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = DefaultMaxBodySize
	}
	if config.RatePerSecond <= 0 {
		config.RatePerSecond = DefaultRatePerSecond
	}
	if config.Burst <= 0 {
		config.Burst = DefaultBurst
	}
	return &Server{
		config:   config,
		handler:  handler,
		logger:   logger,
		limiters: make(map[string]*limiterEntry),
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("report listener: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("report listener starting", "listen", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("report listener shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("report listener shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("report listener error: %w", err)
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Post("/workers/{id}/reports", s.handleReport)

	return r
}

// loggingMiddleware logs requests without their bodies.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Debug("report request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
	})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "id")

	if !s.allow(workerID) {
		w.Header().Set("Retry-After", "1")
		s.respondError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.config.MaxBodySize+1))
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to read request body")
		return
	}
	if int64(len(body)) > s.config.MaxBodySize {
		s.respondError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	secret := worker.DeriveSecret(s.config.Secret, workerID)
	if err := verifyHMACSignature(body, r.Header.Get(SignatureHeader), secret); err != nil {
		s.logger.Warn("report signature verification failed", "worker_id", workerID)
		s.respondError(w, http.StatusForbidden, "forbidden")
		return
	}

	report, err := protocol.DecodeReport(bytes.NewReader(body))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if report.WorkerID == "" {
		report.WorkerID = workerID
	}
	if report.WorkerID != workerID {
		s.respondError(w, http.StatusBadRequest, "worker_id does not match path")
		return
	}

	ack, err := s.handler.HandleReport(r.Context(), report)
	if err != nil {
		if errors.Is(err, worker.ErrUnknownWorker) {
			s.respondError(w, http.StatusNotFound, "unknown worker")
			return
		}
		s.logger.Error("failed to apply worker report", "worker_id", workerID, "type", report.Type, "error", err)
		s.respondError(w, http.StatusInternalServerError, "failed to apply report")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := protocol.EncodeAck(w, &ack); err != nil {
		s.logger.Warn("failed to write ack", "worker_id", workerID, "error", err)
	}
}

// allow takes one token from the worker's limiter.
func (s *Server) allow(workerID string) bool {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.limiters[workerID]
	if !ok {
		if len(s.limiters) >= limiterSweepAt {
			for id, old := range s.limiters {
				if now.Sub(old.lastSeen) > limiterIdle {
					delete(s.limiters, id)
				}
			}
		}
		e = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(s.config.RatePerSecond), s.config.Burst)}
		s.limiters[workerID] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, ErrorResponse{Error: message})
}
