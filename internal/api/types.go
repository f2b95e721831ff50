package api

import (
	"time"

	"github.com/mattjoyce/foreman/internal/autonomy"
	"github.com/mattjoyce/foreman/internal/router"
)

// CreatePlanRequest is the JSON body for POST /plans.
type CreatePlanRequest struct {
	Task string `json:"task"`
}

// DenyRequest is the JSON body for POST /plans/{id}/deny.
type DenyRequest struct {
	Reason string `json:"reason,omitempty"`
}

// AutonomyRequest is the JSON body for PUT /autonomy.
type AutonomyRequest struct {
	Scope string         `json:"scope"`
	Level autonomy.Level `json:"level"`
}

// AutonomyResponse echoes the new snapshot version.
type AutonomyResponse struct {
	Scope   string         `json:"scope"`
	Level   autonomy.Level `json:"level"`
	Version uint64         `json:"version"`
}

// AnswerRequest is the JSON body for POST /questions/{id}/answer.
type AnswerRequest struct {
	Text string `json:"text"`
}

// DecisionRequest is the optional JSON body for proposal decisions.
type DecisionRequest struct {
	Note string `json:"note,omitempty"`
}

// OKResponse acknowledges commands that return nothing else.
type OKResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is returned on errors. Kind is set for errors in the
// orchestrator's taxonomy.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// Dispatch states reported by /healthz.
const (
	DispatchActive = "active"
	DispatchPaused = "paused"
)

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string              `json:"status"`
	UptimeSeconds int64               `json:"uptime_seconds"`
	ActiveWorkers int                 `json:"active_workers"`
	QueueDepth    int                 `json:"queue_depth"`
	Dispatch      string              `json:"dispatch"`
	Tiers         []router.TierHealth `json:"tiers"`
	CheckedAt     time.Time           `json:"checked_at"`
}
