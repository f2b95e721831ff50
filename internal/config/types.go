package config

import "time"

// Config represents the complete foreman configuration.
type Config struct {
	Service       ServiceConfig            `yaml:"service"`
	State         StateConfig              `yaml:"state"`
	API           APIConfig                `yaml:"api,omitempty"`
	WorkerReports WorkerReportsConfig      `yaml:"worker_reports"`
	Projects      map[string]ProjectConfig `yaml:"projects"`
	Autonomy      AutonomyConfig           `yaml:"autonomy"`
	Models        map[string]ModelConfig   `yaml:"models"`
	Routing       RoutingConfig            `yaml:"routing"`
	Dispatch      DispatchConfig           `yaml:"dispatch"`
	Watchdog      WatchdogConfig           `yaml:"watchdog"`
	Evaluation    EvaluationConfig         `yaml:"evaluation"`
	Actions       map[string]ActionCommand `yaml:"actions,omitempty"`
	Notify        NotifyConfig             `yaml:"notify,omitempty"`

	// SourcePath is the absolute path the config was loaded from.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name               string        `yaml:"name"`
	LogLevel           string        `yaml:"log_level"`
	LogFormat          string        `yaml:"log_format"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	HealthInterval     time.Duration `yaml:"health_interval"`
	WorkspaceDir       string        `yaml:"workspace_dir"`
	WorkspaceRetention time.Duration `yaml:"workspace_retention"`
	PlanRetention      time.Duration `yaml:"plan_retention"`
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
// Name identifies the human actor for approvals and autonomy changes.
type APIToken struct {
	Name   string   `yaml:"name"`
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// WorkerReportsConfig configures the listener workers post reports to.
type WorkerReportsConfig struct {
	Listen        string  `yaml:"listen"`
	PublicURL     string  `yaml:"public_url,omitempty"`
	Secret        string  `yaml:"secret"`
	MaxBodySize   int64   `yaml:"max_body_size,omitempty"`
	RatePerSecond float64 `yaml:"rate_per_second,omitempty"`
	Burst         int     `yaml:"burst,omitempty"`
}

// ProjectConfig describes one managed project.
type ProjectConfig struct {
	Path          string   `yaml:"path"`
	Remote        string   `yaml:"remote"`
	Workflow      string   `yaml:"workflow,omitempty"`
	DependsOn     []string `yaml:"depends_on,omitempty"`
	ManifestFiles []string `yaml:"manifest_files,omitempty"`
}

// AutonomyConfig holds the global autonomy level, per-project overrides and pre-approved actions.
type AutonomyConfig struct {
	Global      string              `yaml:"global"`
	Overrides   map[string]string   `yaml:"overrides,omitempty"`
	PreApproved map[string][]string `yaml:"pre_approved,omitempty"`
}

// ModelConfig describes one inference endpoint.
type ModelConfig struct {
	Address           string `yaml:"address"`
	Backend           string `yaml:"backend,omitempty"`
	Model             string `yaml:"model,omitempty"`
	Tier              string `yaml:"tier"`
	Concurrency       int    `yaml:"concurrency"`
	HealthCheckTarget string `yaml:"health_check_target,omitempty"`
	APIKey            string `yaml:"api_key,omitempty"`
}

// RoutingConfig controls how tasks are mapped to tiers.
// Table keys are "<task_type>" or "<task_type>/<complexity>"; the more specific key wins.
type RoutingConfig struct {
	HealthTimeout time.Duration     `yaml:"health_timeout"`
	SlotWait      time.Duration     `yaml:"slot_wait"`
	DefaultTier   string            `yaml:"default_tier,omitempty"`
	Table         map[string]string `yaml:"table,omitempty"`
}

// DispatchConfig bounds plan execution.
type DispatchConfig struct {
	MaxWorkers         int             `yaml:"max_workers"`
	PollInterval       time.Duration   `yaml:"poll_interval"`
	DefaultStepTimeout time.Duration   `yaml:"default_step_timeout"`
	// Scheduled tasks are planned on a timer with no human asking.
	Scheduled          []ScheduledTask `yaml:"scheduled"`
}

// ScheduledTask is a task text planned every Interval.
type ScheduledTask struct {
	Task     string        `yaml:"task"`
	Interval time.Duration `yaml:"interval"`
}

// WatchdogConfig bounds worker lifetimes.
type WatchdogConfig struct {
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	WallClockCap     time.Duration `yaml:"wall_clock_cap"`
	QuestionWait     time.Duration `yaml:"question_wait"`
	MaxQuestions     int           `yaml:"max_questions"`
	Runtime          RuntimeConfig `yaml:"runtime"`
}

// RuntimeConfig is the command used to start a worker process.
type RuntimeConfig struct {
	Command          []string          `yaml:"command"`
	Env              map[string]string `yaml:"env,omitempty"`
	TerminationGrace time.Duration     `yaml:"termination_grace"`
}

// EvaluationConfig controls the post-completion checks and revision budget.
type EvaluationConfig struct {
	MaxRevisions     int           `yaml:"max_revisions"`
	PatternThreshold int           `yaml:"pattern_threshold"`
	CheckTimeout     time.Duration `yaml:"check_timeout"`
	Checks           ChecksConfig  `yaml:"checks"`
}

// ChecksConfig lists the three evaluation checks.
type ChecksConfig struct {
	Tests  CheckCommand `yaml:"tests"`
	Lint   CheckCommand `yaml:"lint"`
	Review ReviewConfig `yaml:"review"`
}

// CheckCommand is a command run in the project working tree.
type CheckCommand struct {
	Command []string `yaml:"command"`
}

// ReviewConfig configures the model-backed review pass.
type ReviewConfig struct {
	Enabled    bool   `yaml:"enabled"`
	TaskType   string `yaml:"task_type,omitempty"`
	Complexity string `yaml:"complexity,omitempty"`
}

// ActionCommand is the shell template for a directly executed action and its compensation.
type ActionCommand struct {
	Run        string `yaml:"run"`
	Compensate string `yaml:"compensate,omitempty"`
}

// NotifyConfig configures the human notification stream.
type NotifyConfig struct {
	RedisURL string `yaml:"redis_url,omitempty"`
	Stream   string `yaml:"stream,omitempty"`
}

// Known enum values, mirrored by the autonomy and router packages.
var (
	AutonomyLevels = []string{"cautious", "proactive", "scheduled"}
	Tiers          = []string{"local", "cloud-fast", "cloud-heavy"}
	Workflows      = []string{"two-branch", "trunk"}
)

// Defaults returns a configuration with default values.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:               "foreman",
			LogLevel:           "info",
			LogFormat:          "json",
			SweepInterval:      15 * time.Second,
			HealthInterval:     30 * time.Second,
			WorkspaceDir:       "./data/workspaces",
			WorkspaceRetention: 7 * 24 * time.Hour,
			PlanRetention:      30 * 24 * time.Hour,
		},
		State: StateConfig{
			Path: "./data/foreman.db",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8480",
		},
		WorkerReports: WorkerReportsConfig{
			Listen:        "127.0.0.1:8481",
			MaxBodySize:   1 << 20,
			RatePerSecond: 5,
			Burst:         20,
		},
		Projects: make(map[string]ProjectConfig),
		Autonomy: AutonomyConfig{
			Global: "cautious",
		},
		Models: make(map[string]ModelConfig),
		Routing: RoutingConfig{
			HealthTimeout: 2 * time.Second,
			SlotWait:      30 * time.Second,
			DefaultTier:   "local",
		},
		Dispatch: DispatchConfig{
			MaxWorkers:         4,
			PollInterval:       time.Second,
			DefaultStepTimeout: 10 * time.Minute,
		},
		Watchdog: WatchdogConfig{
			HeartbeatTimeout: 5 * time.Minute,
			WallClockCap:     30 * time.Minute,
			QuestionWait:     10 * time.Minute,
			MaxQuestions:     3,
			Runtime: RuntimeConfig{
				TerminationGrace: 5 * time.Second,
			},
		},
		Evaluation: EvaluationConfig{
			MaxRevisions:     2,
			PatternThreshold: 2,
			CheckTimeout:     10 * time.Minute,
			Checks: ChecksConfig{
				Review: ReviewConfig{TaskType: "review"},
			},
		},
		Notify: NotifyConfig{
			Stream: "foreman_notifications",
		},
	}
}
