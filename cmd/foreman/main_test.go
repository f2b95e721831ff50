package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/foreman/internal/action"
	"github.com/mattjoyce/foreman/internal/api"
	"github.com/mattjoyce/foreman/internal/clock"
	"github.com/mattjoyce/foreman/internal/config"
	"github.com/mattjoyce/foreman/internal/dispatch"
	"github.com/mattjoyce/foreman/internal/errs"
	"github.com/mattjoyce/foreman/internal/plan"
	"github.com/mattjoyce/foreman/internal/queue"
	"github.com/mattjoyce/foreman/internal/router"
	"github.com/mattjoyce/foreman/internal/storage"
)

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stdout failed: %v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stderr failed: %v", err)
	}

	os.Stdout = stdoutW
	os.Stderr = stderrW

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdoutBytes, _ := io.ReadAll(stdoutR)
	stderrBytes, _ := io.ReadAll(stderrR)

	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(stdoutBytes), string(stderrBytes)
}

func runCaptured(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	return captureOutputWithExitCode(t, func() int { return runCLI(args) })
}

const workerSecret = "0123456789abcdef0123456789abcdef"

// writeTestConfig writes a loadable config rooted in a temp dir and returns
// its path. projects is the YAML body of the projects map.
func writeTestConfig(t *testing.T, projects string) string {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(`
service:
  workspace_dir: %[1]s/workspaces
state:
  path: %[1]s/foreman.db
worker_reports:
  secret: %[2]s
models:
  gpu-box:
    address: http://127.0.0.1:11434
    tier: local
    concurrency: 2
watchdog:
  runtime:
    command: [foreman-worker]
projects:
%[3]s
`, dir, workerSecret, projects)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func coreProject(t *testing.T) string {
	return fmt.Sprintf("  core:\n    path: %s\n    remote: git@example.com:core.git\n", t.TempDir())
}

func TestVersionJSON(t *testing.T) {
	code, stdout, stderr := runCaptured(t, "version", "--json")
	require.Equal(t, 0, code, stderr)

	var info versionInfo
	require.NoError(t, json.Unmarshal([]byte(stdout), &info))
	assert.Equal(t, version, info.Version)
	assert.NotEmpty(t, info.Commit)

	code, _, _ = runCaptured(t, "version", "extra")
	assert.Equal(t, 1, code)
}

func TestUsageAndUnknownCommand(t *testing.T) {
	code, stdout, _ := runCaptured(t, "help")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "foreman <noun> <action> [flags]")

	code, stdout, stderr := runCaptured(t, "launch")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Unknown command: launch")
	assert.Contains(t, stdout, "Core Resources")

	code, _, _ = runCaptured(t)
	assert.Equal(t, 1, code)
}

func TestNounActionHelp(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"system", "start", "--help"}, "Usage: foreman system start"},
		{[]string{"system", "monitor", "-h"}, "Usage: foreman system monitor"},
		{[]string{"config", "check", "--help"}, "Usage: foreman config check"},
		{[]string{"config", "--help"}, "Usage: foreman config <action>"},
		{[]string{"plan", "approve", "--help"}, "Usage: foreman plan approve"},
		{[]string{"plan", "inspect", "-h"}, "Usage: foreman plan inspect"},
		{[]string{"autonomy", "set", "--help"}, "Usage: foreman autonomy set"},
		{[]string{"dispatch", "help"}, "Usage: foreman dispatch <pause|resume>"},
		{[]string{"proposal", "reject", "--help"}, "Usage: foreman proposal <approve|reject|implemented>"},
		{[]string{"answer", "--help"}, "Usage: foreman answer"},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.args, " "), func(t *testing.T) {
			code, stdout, stderr := runCaptured(t, tt.args...)
			require.Equal(t, 0, code, stderr)
			assert.Contains(t, stdout, tt.want)
		})
	}

	code, _, stderr := runCaptured(t, "plan", "promote", "x")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Unknown plan action: promote")
}

func TestExitCodeFor(t *testing.T) {
	assert.Equal(t, exitConfig, exitCodeFor(errs.Configf("bad tier")))
	assert.Equal(t, exitConfig, exitCodeFor(fmt.Errorf("load: %w", &errs.CycleError{Path: []string{"a", "b", "a"}})))
	assert.Equal(t, exitDenied, exitCodeFor(&api.APIError{StatusCode: http.StatusConflict, Message: "denied", Kind: errs.KindApprovalDenied}))
	assert.Equal(t, 1, exitCodeFor(&api.APIError{StatusCode: http.StatusNotFound, Message: "not found"}))
	assert.Equal(t, 1, exitCodeFor(errors.New("connection refused")))
}

func TestGetPIDLockPath(t *testing.T) {
	cfg := &config.Config{State: config.StateConfig{Path: "/var/lib/foreman/foreman.db"}}
	assert.Equal(t, "/var/lib/foreman/foreman.pid", getPIDLockPath(cfg))
}

func TestParseInterspersed(t *testing.T) {
	r := newRemote("deny")
	reason := r.fs.String("reason", "", "")
	pos, err := r.parse([]string{"plan-1", "--reason", "not today", "--json"})
	require.NoError(t, err)
	assert.Equal(t, []string{"plan-1"}, pos)
	assert.Equal(t, "not today", *reason)
	assert.True(t, r.json)
}

func TestConfigLockThenCheck(t *testing.T) {
	path := writeTestConfig(t, coreProject(t))
	checksums := filepath.Join(filepath.Dir(path), config.ChecksumFile)

	code, stdout, stderr := runCaptured(t, "config", "lock", "--config", path, "--dry-run")
	require.Equal(t, 0, code, stderr)
	assert.Regexp(t, `HASH config\.yaml: [a-f0-9]{64}`, stdout)
	assert.Contains(t, stdout, "Dry run completed")
	_, err := os.Stat(checksums)
	assert.True(t, os.IsNotExist(err), ".checksums must not be written on a dry run")

	code, stdout, stderr = runCaptured(t, "config", "lock", "--config", path)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "Successfully locked configuration")
	require.FileExists(t, checksums)

	code, stdout, stderr = runCaptured(t, "config", "check", "--config", path)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "Configuration valid")

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("# edited\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	code, _, stderr = runCaptured(t, "config", "check", "--config", path)
	assert.NotEqual(t, 0, code)
	assert.Contains(t, stderr, "config verification failed")
}

func TestConfigLockRefusesInvalidConfig(t *testing.T) {
	path := writeTestConfig(t, "  core:\n    remote: git@example.com:core.git\n")
	code, _, stderr := runCaptured(t, "config", "lock", "--config", path)
	assert.Equal(t, exitConfig, code)
	assert.Contains(t, stderr, "Refusing to lock invalid configuration")
	assert.NoFileExists(t, filepath.Join(filepath.Dir(path), config.ChecksumFile))
}

func TestConfigCheckReportsCycle(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, fmt.Sprintf(`  a:
    path: %[1]s
    remote: git@example.com:a.git
    depends_on: [b]
  b:
    path: %[1]s
    remote: git@example.com:b.git
    depends_on: [a]
`, dir))

	code, stdout, stderr := runCaptured(t, "config", "check", "--config", path, "--json")
	require.Equal(t, exitConfig, code, stderr)

	var result struct {
		Valid  bool `json:"valid"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &result))
	assert.False(t, result.Valid)
	require.NotEmpty(t, result.Errors)
	assert.Contains(t, result.Errors[0].Message, "dependency cycle")
}

func TestConfigShowRedactsSecrets(t *testing.T) {
	path := writeTestConfig(t, coreProject(t))
	code, stdout, stderr := runCaptured(t, "config", "show", "--config", path)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "gpu-box")
	assert.Contains(t, stdout, redacted)
	assert.NotContains(t, stdout, workerSecret)
}

func seedPlan(t *testing.T, configPath string) {
	t.Helper()
	cfg, err := config.Load(configPath)
	require.NoError(t, err)
	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	require.NoError(t, err)
	defer db.Close()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	q := queue.New(db, clock.NewFake(now))
	require.NoError(t, q.Save(ctx, &plan.Record{
		Status: plan.StatusQueued,
		Plan: plan.Plan{
			ID:        "plan-7",
			Task:      "validate project core",
			Target:    "core",
			CreatedBy: "alice",
			CreatedAt: now,
			Steps: []plan.Step{
				{ID: "validate-core", Action: action.Validate, Project: "core", Kind: plan.KindDelegated},
			},
		},
	}))
}

func TestPlanInspectReadsLocalState(t *testing.T) {
	path := writeTestConfig(t, coreProject(t))
	seedPlan(t, path)

	code, stdout, stderr := runCaptured(t, "plan", "inspect", "plan-7", "--config", path)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "plan-7")
	assert.Contains(t, stdout, "validate-core")

	code, stdout, stderr = runCaptured(t, "inspect", "--json", "--config", path, "plan-7")
	require.Equal(t, 0, code, stderr)
	var report map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &report))

	code, _, stderr = runCaptured(t, "plan", "inspect", "plan-missing", "--config", path)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Inspect failed")
}

func TestSystemStatusWithoutDaemon(t *testing.T) {
	path := writeTestConfig(t, coreProject(t))
	seedPlan(t, path)

	code, stdout, stderr := runCaptured(t, "system", "status", "--config", path)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "Daemon      : not running")
	assert.Contains(t, stdout, "Queue depth : 1")
	assert.Contains(t, stdout, "unlocked")

	code, stdout, stderr = runCaptured(t, "system", "status", "--config", path, "--json")
	require.Equal(t, 0, code, stderr)
	var st systemStatus
	require.NoError(t, json.Unmarshal([]byte(stdout), &st))
	assert.Equal(t, 1, st.Projects)
	assert.False(t, st.Running)
}

// stubAPI answers the handful of routes the remote commands call.
func stubAPI(t *testing.T) *httptest.Server {
	t.Helper()
	writeJSON := func(w http.ResponseWriter, status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}
	record := func(status plan.Status) *plan.Record {
		return &plan.Record{
			Status: status,
			Plan: plan.Plan{
				ID:               "plan-9",
				Task:             "release project core v1.2.0",
				Target:           "core",
				RequiresApproval: true,
				Steps: []plan.Step{
					{ID: "validate-core", Action: action.Validate, Project: "core", Kind: plan.KindDelegated},
					{ID: "tag-core", Action: action.Tag, Project: "core", Kind: plan.KindDirect, DependsOn: []string{"validate-core"}},
				},
			},
		}
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-token" {
			writeJSON(w, http.StatusUnauthorized, api.ErrorResponse{Error: "unauthorized"})
			return
		}
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/plans":
			var req api.CreatePlanRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Task == "" {
				writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: "task is required"})
				return
			}
			rec := record(plan.StatusPendingApproval)
			rec.Plan.Task = req.Task
			writeJSON(w, http.StatusCreated, rec)
		case r.Method == http.MethodPost && r.URL.Path == "/plans/plan-9/approve":
			rec := record(plan.StatusQueued)
			rec.ApprovedBy = "alice"
			writeJSON(w, http.StatusOK, rec)
		case r.Method == http.MethodPost && r.URL.Path == "/plans/plan-9/execute":
			writeJSON(w, http.StatusConflict, api.ErrorResponse{Error: "plan plan-9 was denied", Kind: errs.KindApprovalDenied})
		case r.Method == http.MethodGet && r.URL.Path == "/status":
			writeJSON(w, http.StatusOK, dispatch.StatusReport{
				ActivePlans: []*plan.Record{record(plan.StatusRunning)},
				QueueDepth:  2,
				Paused:      true,
				Tiers: []router.TierHealth{
					{Tier: router.Local, Healthy: true, Endpoints: []router.EndpointHealth{{Name: "gpu-box", Healthy: true}}},
				},
			})
		case r.Method == http.MethodPost && r.URL.Path == "/dispatch/pause":
			writeJSON(w, http.StatusOK, api.OKResponse{Status: "paused"})
		default:
			writeJSON(w, http.StatusNotFound, api.ErrorResponse{Error: "not found"})
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRemotePlanCommands(t *testing.T) {
	srv := stubAPI(t)
	conn := []string{"--api-url", srv.URL, "--token", "test-token"}

	args := append([]string{"plan", "create", "release", "project", "core", "v1.2.0"}, conn...)
	code, stdout, stderr := runCaptured(t, args...)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "Plan ID   : plan-9")
	assert.Contains(t, stdout, "Task      : release project core v1.2.0")
	assert.Contains(t, stdout, "tag-core")
	assert.Contains(t, stdout, "Approval required: foreman plan approve plan-9")

	code, stdout, stderr = runCaptured(t, append([]string{"plan", "approve", "plan-9"}, conn...)...)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "Plan plan-9: queued")

	code, _, stderr = runCaptured(t, append([]string{"plan", "execute", "plan-9"}, conn...)...)
	assert.Equal(t, exitDenied, code)
	assert.Contains(t, stderr, "plan plan-9 was denied")

	code, _, stderr = runCaptured(t, "plan", "show", "plan-9", "--api-url", srv.URL, "--token", "wrong")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "unauthorized")
}

func TestRemoteStatusAndDispatch(t *testing.T) {
	srv := stubAPI(t)
	conn := []string{"--api-url", srv.URL, "--token", "test-token"}

	code, stdout, stderr := runCaptured(t, append([]string{"status"}, conn...)...)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "Dispatch : paused")
	assert.Contains(t, stdout, "Queue    : 2 queued")
	assert.Contains(t, stdout, "plan-9")
	assert.Contains(t, stdout, "gpu-box")

	code, stdout, stderr = runCaptured(t, append([]string{"status", "--json"}, conn...)...)
	require.Equal(t, 0, code, stderr)
	var rep dispatch.StatusReport
	require.NoError(t, json.Unmarshal([]byte(stdout), &rep))
	assert.Equal(t, 2, rep.QueueDepth)

	code, stdout, stderr = runCaptured(t, append([]string{"dispatch", "pause"}, conn...)...)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "Dispatch paused")
}

func TestRemoteArgumentValidation(t *testing.T) {
	code, _, stderr := runCaptured(t, "plan", "create")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Usage: foreman plan create")

	code, _, stderr = runCaptured(t, "autonomy", "set", "core", "reckless")
	assert.Equal(t, 1, code)
	assert.NotEmpty(t, stderr)

	code, _, stderr = runCaptured(t, "answer", "q-1")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Usage: foreman answer")

	code, _, stderr = runCaptured(t, "system", "monitor", "--token", "")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "API token required")
}
