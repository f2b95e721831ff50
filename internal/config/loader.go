package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/foreman/internal/errs"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, verifies, defaults and validates configuration from a file.
// All validation failures wrap errs.ErrConfiguration.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	if err := VerifyChecksum(absPath); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.SourcePath = absPath
	return cfg, nil
}

// Parse interpolates, defaults and validates raw YAML.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse YAML: %v", errs.ErrConfiguration, err)
	}

	applyConfigDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func applyConfigDefaults(cfg *Config) {
	d := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = d.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = d.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = d.Service.LogFormat
	}
	if cfg.Service.SweepInterval == 0 {
		cfg.Service.SweepInterval = d.Service.SweepInterval
	}
	if cfg.Service.HealthInterval == 0 {
		cfg.Service.HealthInterval = d.Service.HealthInterval
	}
	if cfg.Service.WorkspaceDir == "" {
		cfg.Service.WorkspaceDir = d.Service.WorkspaceDir
	}
	if cfg.Service.WorkspaceRetention == 0 {
		cfg.Service.WorkspaceRetention = d.Service.WorkspaceRetention
	}
	if cfg.Service.PlanRetention == 0 {
		cfg.Service.PlanRetention = d.Service.PlanRetention
	}

	if cfg.State.Path == "" {
		cfg.State.Path = d.State.Path
	}
	if !cfg.API.Enabled && cfg.API.Listen == "" {
		cfg.API = d.API
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = d.API.Listen
	}

	wr := &cfg.WorkerReports
	if wr.Listen == "" {
		wr.Listen = d.WorkerReports.Listen
	}
	if wr.PublicURL == "" {
		wr.PublicURL = "http://" + wr.Listen
	}
	if wr.MaxBodySize == 0 {
		wr.MaxBodySize = d.WorkerReports.MaxBodySize
	}
	if wr.RatePerSecond == 0 {
		wr.RatePerSecond = d.WorkerReports.RatePerSecond
	}
	if wr.Burst == 0 {
		wr.Burst = d.WorkerReports.Burst
	}

	if cfg.Projects == nil {
		cfg.Projects = d.Projects
	}
	for id, p := range cfg.Projects {
		if p.Workflow == "" {
			p.Workflow = "two-branch"
			cfg.Projects[id] = p
		}
	}

	if cfg.Autonomy.Global == "" {
		cfg.Autonomy.Global = d.Autonomy.Global
	}
	if cfg.Models == nil {
		cfg.Models = d.Models
	}
	for name, m := range cfg.Models {
		if m.Concurrency == 0 {
			m.Concurrency = 1
		}
		if m.Backend == "" {
			m.Backend = "openai"
		}
		cfg.Models[name] = m
	}

	if cfg.Routing.HealthTimeout == 0 {
		cfg.Routing.HealthTimeout = d.Routing.HealthTimeout
	}
	if cfg.Routing.SlotWait == 0 {
		cfg.Routing.SlotWait = d.Routing.SlotWait
	}
	if cfg.Routing.DefaultTier == "" {
		cfg.Routing.DefaultTier = d.Routing.DefaultTier
	}

	if cfg.Dispatch.MaxWorkers == 0 {
		cfg.Dispatch.MaxWorkers = d.Dispatch.MaxWorkers
	}
	if cfg.Dispatch.PollInterval == 0 {
		cfg.Dispatch.PollInterval = d.Dispatch.PollInterval
	}
	if cfg.Dispatch.DefaultStepTimeout == 0 {
		cfg.Dispatch.DefaultStepTimeout = d.Dispatch.DefaultStepTimeout
	}

	w := &cfg.Watchdog
	if w.HeartbeatTimeout == 0 {
		w.HeartbeatTimeout = d.Watchdog.HeartbeatTimeout
	}
	if w.WallClockCap == 0 {
		w.WallClockCap = d.Watchdog.WallClockCap
	}
	if w.QuestionWait == 0 {
		w.QuestionWait = d.Watchdog.QuestionWait
	}
	if w.MaxQuestions == 0 {
		w.MaxQuestions = d.Watchdog.MaxQuestions
	}
	if w.Runtime.TerminationGrace == 0 {
		w.Runtime.TerminationGrace = d.Watchdog.Runtime.TerminationGrace
	}

	e := &cfg.Evaluation
	if e.MaxRevisions == 0 {
		e.MaxRevisions = d.Evaluation.MaxRevisions
	}
	if e.PatternThreshold == 0 {
		e.PatternThreshold = d.Evaluation.PatternThreshold
	}
	if e.CheckTimeout == 0 {
		e.CheckTimeout = d.Evaluation.CheckTimeout
	}
	if e.Checks.Review.TaskType == "" {
		e.Checks.Review.TaskType = d.Evaluation.Checks.Review.TaskType
	}

	if cfg.Notify.Stream == "" {
		cfg.Notify.Stream = d.Notify.Stream
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Unset variables are left in place so validation can name them.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func unresolved(field, value string) error {
	if m := envVarPattern.FindStringSubmatch(value); len(m) > 1 {
		return errs.Configf("%s: environment variable ${%s} is not set", field, m[1])
	}
	return nil
}

func validate(cfg *Config) error {
	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !slices.Contains(validLogLevels, cfg.Service.LogLevel) {
		return errs.Configf("service.log_level must be one of: %s (got %q)", strings.Join(validLogLevels, ", "), cfg.Service.LogLevel)
	}
	if cfg.Service.SweepInterval <= 0 || cfg.Service.HealthInterval <= 0 {
		return errs.Configf("service.sweep_interval and service.health_interval must be positive")
	}
	if cfg.State.Path == "" {
		return errs.Configf("state.path is required")
	}

	if cfg.API.Enabled {
		for i, tok := range cfg.API.Auth.Tokens {
			if tok.Token == "" {
				return errs.Configf("api.auth.tokens[%d].token is required", i)
			}
			if err := unresolved(fmt.Sprintf("api.auth.tokens[%d].token", i), tok.Token); err != nil {
				return err
			}
			if len(tok.Scopes) == 0 {
				return errs.Configf("api.auth.tokens[%d].scopes must be non-empty", i)
			}
			if tok.Name == "" {
				return errs.Configf("api.auth.tokens[%d].name is required", i)
			}
		}
	}
	if err := unresolved("worker_reports.secret", cfg.WorkerReports.Secret); err != nil {
		return err
	}

	for _, id := range sortedKeys(cfg.Projects) {
		p := cfg.Projects[id]
		if p.Path == "" {
			return errs.Configf("project %q: path is required", id)
		}
		if !slices.Contains(Workflows, p.Workflow) {
			return errs.Configf("project %q: workflow must be one of %v (got %q)", id, Workflows, p.Workflow)
		}
		for _, dep := range p.DependsOn {
			if dep == id {
				return errs.Configf("project %q depends on itself", id)
			}
			if _, ok := cfg.Projects[dep]; !ok {
				return errs.Configf("project %q: depends_on references unknown project %q", id, dep)
			}
		}
	}

	if !slices.Contains(AutonomyLevels, cfg.Autonomy.Global) {
		return errs.Configf("autonomy.global must be one of %v (got %q)", AutonomyLevels, cfg.Autonomy.Global)
	}
	for id, level := range cfg.Autonomy.Overrides {
		if _, ok := cfg.Projects[id]; !ok {
			return errs.Configf("autonomy.overrides: unknown project %q", id)
		}
		if !slices.Contains(AutonomyLevels, level) {
			return errs.Configf("autonomy.overrides[%s] must be one of %v (got %q)", id, AutonomyLevels, level)
		}
	}
	for id := range cfg.Autonomy.PreApproved {
		if _, ok := cfg.Projects[id]; !ok {
			return errs.Configf("autonomy.pre_approved: unknown project %q", id)
		}
	}

	for _, name := range sortedKeys(cfg.Models) {
		m := cfg.Models[name]
		if m.Address == "" {
			return errs.Configf("model %q: address is required", name)
		}
		if !slices.Contains(Tiers, m.Tier) {
			return errs.Configf("model %q: tier must be one of %v (got %q)", name, Tiers, m.Tier)
		}
		if m.Concurrency < 1 {
			return errs.Configf("model %q: concurrency must be at least 1", name)
		}
		if err := unresolved(fmt.Sprintf("model %q api_key", name), m.APIKey); err != nil {
			return err
		}
	}
	if !slices.Contains(Tiers, cfg.Routing.DefaultTier) {
		return errs.Configf("routing.default_tier must be one of %v (got %q)", Tiers, cfg.Routing.DefaultTier)
	}
	for key, tier := range cfg.Routing.Table {
		if !slices.Contains(Tiers, tier) {
			return errs.Configf("routing.table[%s] must be one of %v (got %q)", key, Tiers, tier)
		}
	}

	if cfg.Dispatch.MaxWorkers < 1 {
		return errs.Configf("dispatch.max_workers must be at least 1")
	}
	for i, st := range cfg.Dispatch.Scheduled {
		if strings.TrimSpace(st.Task) == "" {
			return errs.Configf("dispatch.scheduled[%d]: task is required", i)
		}
		if st.Interval < time.Minute {
			return errs.Configf("dispatch.scheduled[%d]: interval must be at least 1m (got %s)", i, st.Interval)
		}
	}
	if cfg.Watchdog.MaxQuestions < 0 {
		return errs.Configf("watchdog.max_questions must not be negative")
	}
	if cfg.Evaluation.MaxRevisions < 0 {
		return errs.Configf("evaluation.max_revisions must not be negative")
	}
	if cfg.Evaluation.PatternThreshold < 1 {
		return errs.Configf("evaluation.pattern_threshold must be at least 1")
	}

	for name, a := range cfg.Actions {
		if strings.TrimSpace(a.Run) == "" {
			return errs.Configf("action %q: run is required", name)
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// DiscoverConfigPath finds the config file by checking standard locations.
// Priority order: $FOREMAN_CONFIG, ~/.config/foreman/config.yaml, /etc/foreman/config.yaml, ./config.yaml.
func DiscoverConfigPath() (string, error) {
	var candidates []string
	if p := os.Getenv("FOREMAN_CONFIG"); p != "" {
		candidates = append(candidates, p)
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(homeDir, ".config", "foreman", "config.yaml"))
	}
	candidates = append(candidates, "/etc/foreman/config.yaml", "./config.yaml")

	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", fmt.Errorf("no config found (checked: $FOREMAN_CONFIG, ~/.config/foreman, /etc/foreman, ./config.yaml)")
}
