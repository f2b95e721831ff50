// Package worker spawns delegated workers, tracks their reports and
// terminates the ones that stop making progress.
package worker

import (
	"errors"
	"time"

	"github.com/mattjoyce/foreman/internal/action"
	"github.com/mattjoyce/foreman/internal/config"
	"github.com/mattjoyce/foreman/internal/registry"
	"github.com/mattjoyce/foreman/internal/router"
	"github.com/mattjoyce/foreman/internal/workspace"
)

// Status is the lifecycle state of a worker.
type Status string

const (
	StatusPending Status = "pending"
	StatusWorking Status = "working"
	StatusDone    Status = "done"
	StatusError   Status = "error"
)

// Reason records why a worker ended.
type Reason string

const (
	ReasonComplete     Reason = "complete"
	ReasonError        Reason = "error"
	ReasonSilent       Reason = "heartbeat_timeout"
	ReasonWallClock    Reason = "wall_clock"
	ReasonCancelled    Reason = "cancelled"
	ReasonExited       Reason = "exited"
	ReasonSpawnFailed  Reason = "spawn_failed"
	// ReasonEndpointDown ends a worker whose inference endpoint never answered.
	ReasonEndpointDown Reason = "endpoint_unreachable"
)

var (
	ErrUnknownWorker    = errors.New("unknown worker")
	ErrUnknownQuestion  = errors.New("unknown question")
	ErrAlreadyAnswered  = errors.New("question already answered")
	ErrQuestionNotOwned = errors.New("question id must be <worker_id>:<question_id>")
)

// Unit is one delegated piece of work.
type Unit struct {
	ID       string
	Attempt  int
	Action   action.Name
	Project  registry.Project
	Branch   string
	Task     string
	Feedback string
	// Endpoint is nil for workers that do not need inference.
	Endpoint     *router.Endpoint
	Scope        workspace.Scope
	WorkspaceDir string
}

// Result is the terminal outcome of a worker.
type Result struct {
	WorkerID    string `json:"worker_id"`
	UnitID      string `json:"unit_id"`
	Status      Status `json:"status"`
	Reason      Reason `json:"reason"`
	ArtifactRef string `json:"artifact_ref,omitempty"`
	Message     string `json:"message,omitempty"`
	Err         error  `json:"-"`
}

// Question is a clarification raised by a worker. ID is "<worker_id>:<question_id>".
type Question struct {
	ID         string    `json:"id"`
	WorkerQID  string    `json:"worker_question_id"`
	Text       string    `json:"text"`
	AskedAt    time.Time `json:"asked_at"`
	Answered   bool      `json:"answered"`
	Answer     string    `json:"answer,omitempty"`
	AnsweredBy string    `json:"answered_by,omitempty"`
	Expired    bool      `json:"expired,omitempty"`
}

// Handle is a point-in-time view of a worker.
type Handle struct {
	ID            string          `json:"id"`
	UnitID        string          `json:"unit_id"`
	Ref           string          `json:"ref,omitempty"`
	Project       string          `json:"project"`
	Action        action.Name     `json:"action"`
	Attempt       int             `json:"attempt"`
	Endpoint      string          `json:"endpoint,omitempty"`
	Scope         workspace.Scope `json:"scope"`
	Status        Status          `json:"status"`
	StartedAt     time.Time       `json:"started_at"`
	LastHeartbeat time.Time       `json:"last_heartbeat"`
	LastProgress  string          `json:"last_progress,omitempty"`
	Paused        bool            `json:"paused"`
	Questions     []Question      `json:"questions,omitempty"`

	done <-chan Result
}

// Settings bounds the pool and its watchdog.
type Settings struct {
	MaxWorkers       int
	HeartbeatTimeout time.Duration
	WallClockCap     time.Duration
	QuestionWait     time.Duration
	MaxQuestions     int
	TerminationGrace time.Duration
	// ReportBaseURL is where workers post reports; the worker id path is appended.
	ReportBaseURL string
	Secret        string
}

// SettingsFromConfig assembles pool settings from a loaded config.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		MaxWorkers:       cfg.Dispatch.MaxWorkers,
		HeartbeatTimeout: cfg.Watchdog.HeartbeatTimeout,
		WallClockCap:     cfg.Watchdog.WallClockCap,
		QuestionWait:     cfg.Watchdog.QuestionWait,
		MaxQuestions:     cfg.Watchdog.MaxQuestions,
		TerminationGrace: cfg.Watchdog.Runtime.TerminationGrace,
		ReportBaseURL:    cfg.WorkerReports.PublicURL,
		Secret:           cfg.WorkerReports.Secret,
	}
}

// SweepReport summarizes one watchdog pass.
type SweepReport struct {
	ExpiredQuestions int      `json:"expired_questions"`
	Terminated       []string `json:"terminated"`
}
