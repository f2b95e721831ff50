package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/foreman/internal/errs"
)

const baseYAML = `
state:
  path: ./test.db
projects:
  core:
    path: /src/core
    remote: git@example.com:core.git
  app:
    path: /src/app
    remote: git@example.com:app.git
    workflow: trunk
    depends_on: [core]
autonomy:
  global: proactive
  overrides:
    core: scheduled
  pre_approved:
    core: [validate, run-tests]
models:
  ollama:
    address: http://localhost:11434
    tier: local
    concurrency: 2
    health_check_target: /api/tags
routing:
  table:
    formatting: local
    architecture: cloud-heavy
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr string
		checkFn func(t *testing.T, cfg *Config)
	}{
		{
			name: "valid config with defaults",
			yaml: baseYAML,
			checkFn: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "./test.db", cfg.State.Path)
				assert.Equal(t, "two-branch", cfg.Projects["core"].Workflow)
				assert.Equal(t, []string{"core"}, cfg.Projects["app"].DependsOn)
				assert.Equal(t, "scheduled", cfg.Autonomy.Overrides["core"])
				assert.Equal(t, 2, cfg.Models["ollama"].Concurrency)
				assert.Equal(t, "openai", cfg.Models["ollama"].Backend)
				assert.Equal(t, 2*time.Second, cfg.Routing.HealthTimeout)
				assert.Equal(t, 5*time.Minute, cfg.Watchdog.HeartbeatTimeout)
				assert.Equal(t, 30*time.Minute, cfg.Watchdog.WallClockCap)
				assert.Equal(t, 10*time.Minute, cfg.Watchdog.QuestionWait)
				assert.Equal(t, 3, cfg.Watchdog.MaxQuestions)
				assert.Equal(t, 2, cfg.Evaluation.MaxRevisions)
				assert.Equal(t, "http://127.0.0.1:8481", cfg.WorkerReports.PublicURL)
			},
		},
		{
			name: "env var interpolation",
			yaml: baseYAML + `
worker_reports:
  secret: ${TEST_WORKER_SECRET}
`,
			env: map[string]string{"TEST_WORKER_SECRET": "s3cret"},
			checkFn: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "s3cret", cfg.WorkerReports.Secret)
			},
		},
		{
			name: "unset env var rejected",
			yaml: baseYAML + `
worker_reports:
  secret: ${FOREMAN_TEST_UNSET_VAR}
`,
			wantErr: "FOREMAN_TEST_UNSET_VAR",
		},
		{
			name: "unknown dependency",
			yaml: `
projects:
  app: { path: /src/app, depends_on: [ghost] }
`,
			wantErr: "unknown project \"ghost\"",
		},
		{
			name: "bad autonomy level",
			yaml: `
autonomy:
  global: reckless
`,
			wantErr: "autonomy.global",
		},
		{
			name: "scheduled suggestions",
			yaml: baseYAML + `
dispatch:
  scheduled:
    - task: run tests across all projects
      interval: 6h
`,
			checkFn: func(t *testing.T, cfg *Config) {
				require.Len(t, cfg.Dispatch.Scheduled, 1)
				assert.Equal(t, "run tests across all projects", cfg.Dispatch.Scheduled[0].Task)
				assert.Equal(t, 6*time.Hour, cfg.Dispatch.Scheduled[0].Interval)
			},
		},
		{
			name: "scheduled suggestion too frequent",
			yaml: baseYAML + `
dispatch:
  scheduled:
    - task: validate project core
      interval: 10s
`,
			wantErr: "dispatch.scheduled[0]: interval",
		},
		{
			name: "bad tier",
			yaml: `
models:
  gpt: { address: https://api.example.com, tier: premium }
`,
			wantErr: "tier must be one of",
		},
		{
			name: "api token without name",
			yaml: `
api:
  enabled: true
  auth:
    tokens:
      - token: abc
        scopes: ["*"]
`,
			wantErr: "name is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := writeConfig(t, tt.yaml)

			cfg, err := Load(path)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.ErrorIs(t, err, errs.ErrConfiguration)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, path, cfg.SourcePath)
			if tt.checkFn != nil {
				tt.checkFn(t, cfg)
			}
		})
	}
}

func TestLoadDirectoryAndMissing(t *testing.T) {
	path := writeConfig(t, baseYAML)
	cfg, err := Load(filepath.Dir(path))
	require.NoError(t, err)
	assert.Equal(t, path, cfg.SourcePath)

	_, err = Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestDiscoverConfigPathFromEnv(t *testing.T) {
	path := writeConfig(t, baseYAML)
	t.Setenv("FOREMAN_CONFIG", path)

	got, err := DiscoverConfigPath()
	require.NoError(t, err)
	assert.Equal(t, path, got)
}
