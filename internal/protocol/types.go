package protocol

import "time"

// Version is the worker protocol version.
const Version = 1

// Assignment is written to a worker's stdin when it is spawned.
type Assignment struct {
	Protocol     int          `json:"protocol"`
	WorkerID     string       `json:"worker_id"`
	UnitID       string       `json:"unit_id"`
	Action       string       `json:"action"`
	Project      string       `json:"project"`
	ProjectPath  string       `json:"project_path"`
	Branch       string       `json:"branch,omitempty"`
	WorkspaceDir string       `json:"workspace_dir,omitempty"`
	WriteScope   []string     `json:"write_scope"`
	Task         string       `json:"task"`
	Feedback     string       `json:"feedback,omitempty"`
	Revision     int          `json:"revision"`
	Endpoint     *EndpointRef `json:"endpoint,omitempty"`
	ReportURL    string       `json:"report_url"`
	ReportSecret string       `json:"report_secret"`
	DeadlineAt   time.Time    `json:"deadline_at"`
}

// EndpointRef tells an inference worker which backend it was routed to.
type EndpointRef struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Backend string `json:"backend"`
	Model   string `json:"model,omitempty"`
	// APIKey reaches the worker through its environment, never stdin.
	APIKey string `json:"-"`
}

// ReportType enumerates worker report events.
type ReportType string

const (
	ReportHeartbeat ReportType = "heartbeat"
	ReportProgress  ReportType = "progress"
	ReportQuestion  ReportType = "question"
	ReportComplete  ReportType = "complete"
	ReportError     ReportType = "error"
)

// Report is posted by a worker to the report listener.
type Report struct {
	Type         ReportType `json:"type"`
	WorkerID     string     `json:"worker_id"`
	Message      string     `json:"message,omitempty"`
	QuestionID   string     `json:"question_id,omitempty"`
	Text         string     `json:"text,omitempty"`
	ArtifactRef  string     `json:"artifact_ref,omitempty"`
	SentAt       time.Time  `json:"sent_at,omitempty"`
	EndpointDown bool       `json:"endpoint_down,omitempty"`
}

// Answer is delivered to a worker in the ack of its next report.
// Proceed is set when the wait expired and the worker should use its best judgment.
type Answer struct {
	QuestionID string `json:"question_id"`
	Text       string `json:"text"`
	Proceed    bool   `json:"proceed,omitempty"`
}

// Ack is the response body for every accepted report.
type Ack struct {
	Status  string   `json:"status"`
	Answers []Answer `json:"answers,omitempty"`
	// Stop asks the worker to wind down; set after cancellation.
	Stop bool `json:"stop,omitempty"`
}
