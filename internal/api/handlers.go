package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/foreman/internal/autonomy"
	"github.com/mattjoyce/foreman/internal/dispatch"
	"github.com/mattjoyce/foreman/internal/errs"
	"github.com/mattjoyce/foreman/internal/events"
	"github.com/mattjoyce/foreman/internal/proposal"
	"github.com/mattjoyce/foreman/internal/queue"
	"github.com/mattjoyce/foreman/internal/state"
	"github.com/mattjoyce/foreman/internal/worker"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Dispatcher.Status(r.Context())
	if err != nil {
		s.logger.Error("failed to read dispatch status", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read dispatch status")
		return
	}

	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(s.deps.Clock.Now().Sub(s.startedAt).Seconds()),
		ActiveWorkers: st.ActiveWorkers,
		QueueDepth:    st.QueueDepth,
		Dispatch:      DispatchActive,
		Tiers:         st.Tiers,
		CheckedAt:     s.deps.Clock.Now().UTC(),
	}
	if st.Paused {
		resp.Dispatch = DispatchPaused
	}
	if len(st.Tiers) > 0 {
		resp.Status = "degraded"
		for _, t := range st.Tiers {
			if t.Healthy {
				resp.Status = "ok"
				break
			}
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleCreatePlan handles POST /plans.
func (s *Server) handleCreatePlan(w http.ResponseWriter, r *http.Request) {
	var req CreatePlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Task) == "" {
		s.writeError(w, http.StatusBadRequest, "task is required")
		return
	}

	rec, err := s.deps.Dispatcher.Plan(r.Context(), req.Task, actor(r))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, rec)
}

// handleListPlans handles GET /plans?limit=N.
func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	recs, err := s.deps.Dispatcher.List(r.Context(), limit)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, recs)
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Dispatcher.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Dispatcher.Approve(r.Context(), chi.URLParam(r, "id"), actor(r))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeny(w http.ResponseWriter, r *http.Request) {
	var req DenyRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	rec, err := s.deps.Dispatcher.Deny(r.Context(), chi.URLParam(r, "id"), actor(r), req.Reason)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// handleExecute queues an approved plan. A plan still awaiting approval comes
// back unchanged; the caller polls or listens on /events.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Dispatcher.Execute(r.Context(), chi.URLParam(r, "id"), actor(r))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, rec)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Dispatcher.Cancel(r.Context(), chi.URLParam(r, "id"), actor(r))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Dispatcher.Status(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

// handleSetAutonomy handles PUT /autonomy. Scope is "global" or a project id.
func (s *Server) handleSetAutonomy(w http.ResponseWriter, r *http.Request) {
	if s.deps.Autonomy == nil {
		s.writeError(w, http.StatusServiceUnavailable, "autonomy control unavailable")
		return
	}
	var req AutonomyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Scope == "" {
		req.Scope = autonomy.GlobalScope
	}
	if req.Scope != autonomy.GlobalScope {
		if _, ok := s.deps.Dispatcher.Graph().Registry().Get(req.Scope); !ok {
			s.writeError(w, http.StatusBadRequest, "unknown scope: "+req.Scope)
			return
		}
	}
	level, err := autonomy.ParseLevel(string(req.Level))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	who := actor(r)
	snap, err := s.deps.Autonomy.SetLevel(who, req.Scope, level)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	change := state.AutonomyChange{Actor: who, Scope: req.Scope, Level: string(level), Version: snap.Version}
	if s.deps.Audit != nil {
		if err := s.deps.Audit.RecordAutonomyChange(r.Context(), change); err != nil {
			s.logger.Error("failed to record autonomy change", "scope", req.Scope, "error", err)
		}
	}
	s.logger.Info("autonomy level changed", "scope", req.Scope, "level", level, "actor", who, "version", snap.Version)
	s.deps.Events.Publish(events.AutonomyChanged, change)

	respondJSON(w, http.StatusOK, AutonomyResponse{Scope: req.Scope, Level: level, Version: snap.Version})
}

// handleAnswer handles POST /questions/{id}/answer. The id is
// "<worker_id>:<question_id>".
func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	if s.deps.Answers == nil {
		s.writeError(w, http.StatusServiceUnavailable, "worker pool unavailable")
		return
	}
	var req AnswerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		s.writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	if err := s.deps.Answers.Answer(chi.URLParam(r, "id"), req.Text, actor(r)); err != nil {
		s.writeFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, OKResponse{Status: "answered"})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Dispatcher.Pause(r.Context(), actor(r)); err != nil {
		s.writeFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, OKResponse{Status: DispatchPaused})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Dispatcher.Resume(r.Context(), actor(r)); err != nil {
		s.writeFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, OKResponse{Status: DispatchActive})
}

// handleListProposals handles GET /proposals?status=pending.
func (s *Server) handleListProposals(w http.ResponseWriter, r *http.Request) {
	if s.deps.Proposals == nil {
		s.writeError(w, http.StatusServiceUnavailable, "proposal store unavailable")
		return
	}
	var status proposal.Status
	if v := r.URL.Query().Get("status"); v != "" {
		st, err := proposal.ParseStatus(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		status = st
	}
	ps, err := s.deps.Proposals.ListProposals(r.Context(), status)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if ps == nil {
		ps = []proposal.Proposal{}
	}
	respondJSON(w, http.StatusOK, ps)
}

var decisions = map[string]proposal.Status{
	"approve":     proposal.Approved,
	"reject":      proposal.Rejected,
	"implemented": proposal.Implemented,
}

// handleDecideProposal handles POST /proposals/{id}/{approve,reject,implemented}.
func (s *Server) handleDecideProposal(w http.ResponseWriter, r *http.Request) {
	if s.deps.Proposals == nil {
		s.writeError(w, http.StatusServiceUnavailable, "proposal store unavailable")
		return
	}
	to, ok := decisions[chi.URLParam(r, "decision")]
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown decision")
		return
	}
	var req DecisionRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	p, err := proposal.Decide(r.Context(), s.deps.Proposals, chi.URLParam(r, "id"), to, actor(r), req.Note, s.deps.Clock.Now())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.logger.Info("proposal decided", "proposal_id", p.ID, "status", p.Status, "actor", p.DecidedBy)
	respondJSON(w, http.StatusOK, p)
}

// statusFor maps command errors onto HTTP status codes.
func statusFor(err error) int {
	var te *queue.TransitionError
	switch {
	case errors.Is(err, queue.ErrPlanNotFound),
		errors.Is(err, proposal.ErrNotFound),
		errors.Is(err, worker.ErrUnknownQuestion),
		errors.Is(err, worker.ErrUnknownWorker):
		return http.StatusNotFound
	case errors.As(err, &te),
		errors.Is(err, proposal.ErrInvalidTransition),
		errors.Is(err, worker.ErrAlreadyAnswered):
		return http.StatusConflict
	case errors.Is(err, dispatch.ErrActorRequired),
		errors.Is(err, autonomy.ErrHumanRequired),
		errors.Is(err, proposal.ErrActorRequired),
		errors.Is(err, worker.ErrQuestionNotOwned):
		return http.StatusBadRequest
	case errors.Is(err, dispatch.ErrUnrecognisedTask),
		errors.Is(err, dispatch.ErrUnknownProject),
		errors.Is(err, errs.ErrConfiguration):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// writeFailure writes err with its mapped status and taxonomy kind.
func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	respondJSON(w, status, ErrorResponse{Error: err.Error(), Kind: errs.KindOf(err)})
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
