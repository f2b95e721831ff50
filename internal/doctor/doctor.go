// Package doctor runs the cross-cutting checks the config loader does not:
// dependency cycles, unsafe pre-approvals, scope typos, tiers nobody serves
// and command templates that will not render.
package doctor

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/mattjoyce/foreman/internal/action"
	"github.com/mattjoyce/foreman/internal/auth"
	"github.com/mattjoyce/foreman/internal/config"
	"github.com/mattjoyce/foreman/internal/dispatch"
	"github.com/mattjoyce/foreman/internal/graph"
	"github.com/mattjoyce/foreman/internal/registry"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// directActions are the actions the built-in templates run as shell commands.
var directActions = []action.Name{action.Merge, action.Tag, action.Publish, action.DeleteBranch}

// Doctor validates a loaded configuration.
type Doctor struct {
	cfg *config.Config
	// statPath is swapped in tests.
	statPath func(string) (os.FileInfo, error)
}

// New creates a Doctor for cfg.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg, statPath: os.Stat}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateProjects(r)
	d.validateAutonomy(r)
	d.validateModels(r)
	d.validateTokens(r)
	d.validateWorkerReports(r)
	d.validateRuntime(r)
	d.validateActions(r)
	d.validateEvaluation(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validateProjects(r *Result) {
	if len(d.cfg.Projects) == 0 {
		d.addWarning(r, "projects", "projects", "no projects configured")
		return
	}
	if _, err := graph.New(registry.FromConfig(d.cfg, 0)); err != nil {
		d.addError(r, "projects", "projects", err.Error())
	}
	for _, id := range sortedKeys(d.cfg.Projects) {
		p := d.cfg.Projects[id]
		if _, err := d.statPath(p.Path); err != nil {
			d.addWarning(r, "projects", fmt.Sprintf("projects.%s.path", id),
				fmt.Sprintf("project path %q is not accessible: %v", p.Path, err))
		}
		if p.Remote == "" {
			d.addWarning(r, "projects", fmt.Sprintf("projects.%s.remote", id), "no remote configured; merge and publish will fail")
		}
	}
}

func (d *Doctor) validateAutonomy(r *Result) {
	for _, id := range sortedKeys(d.cfg.Autonomy.PreApproved) {
		for i, name := range d.cfg.Autonomy.PreApproved[id] {
			field := fmt.Sprintf("autonomy.pre_approved.%s[%d]", id, i)
			a := action.Name(name)
			if _, ok := action.Lookup(a); !ok {
				d.addError(r, "autonomy", field, fmt.Sprintf("unknown action %q", name))
				continue
			}
			if action.NeverPreApprovable(a) {
				d.addWarning(r, "autonomy", field,
					fmt.Sprintf("action %q always needs a human decision; pre-approving it has no effect", name))
			}
		}
	}
	if d.cfg.Autonomy.Global == "scheduled" && len(d.cfg.Autonomy.PreApproved) == 0 {
		d.addWarning(r, "autonomy", "autonomy.global", "scheduled autonomy without pre-approved actions behaves like proactive")
	}
}

func (d *Doctor) validateModels(r *Result) {
	served := map[string]int{}
	for _, name := range sortedKeys(d.cfg.Models) {
		served[d.cfg.Models[name].Tier]++
	}
	if len(served) == 0 {
		d.addError(r, "models", "models", "no model endpoints configured; delegated steps cannot run")
		return
	}
	wanted := map[string]string{d.cfg.Routing.DefaultTier: "routing.default_tier"}
	for _, key := range sortedKeys(d.cfg.Routing.Table) {
		tier := d.cfg.Routing.Table[key]
		if _, ok := wanted[tier]; !ok {
			wanted[tier] = "routing.table." + key
		}
	}
	for _, tier := range sortedKeys(wanted) {
		if served[tier] == 0 {
			d.addWarning(r, "models", wanted[tier], fmt.Sprintf("no endpoint serves tier %q; requests will fall back", tier))
		}
	}
	total := 0
	for _, m := range d.cfg.Models {
		total += m.Concurrency
	}
	if d.cfg.Dispatch.MaxWorkers > total {
		d.addWarning(r, "models", "dispatch.max_workers",
			fmt.Sprintf("max_workers %d exceeds total endpoint concurrency %d", d.cfg.Dispatch.MaxWorkers, total))
	}
}

func (d *Doctor) validateTokens(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required when the API is enabled")
	}
	if len(d.cfg.API.Auth.Tokens) == 0 {
		d.addWarning(r, "api", "api.auth.tokens", "API enabled but no tokens configured; every request will be rejected")
	}
	names := map[string]int{}
	values := map[string]int{}
	for i, tok := range d.cfg.API.Auth.Tokens {
		field := fmt.Sprintf("api.auth.tokens[%d]", i)
		if prev, ok := values[tok.Token]; ok {
			d.addError(r, "api", field+".token", fmt.Sprintf("token value duplicates api.auth.tokens[%d]", prev))
		}
		values[tok.Token] = i
		if prev, ok := names[tok.Name]; ok {
			d.addWarning(r, "api", field+".name",
				fmt.Sprintf("name %q is shared with api.auth.tokens[%d]; audit entries cannot tell them apart", tok.Name, prev))
		}
		names[tok.Name] = i
		for j, scope := range tok.Scopes {
			if !slices.Contains(auth.KnownScopes, scope) {
				d.addError(r, "api", fmt.Sprintf("%s.scopes[%d]", field, j),
					fmt.Sprintf("unknown scope %q (expected one of %s)", scope, strings.Join(auth.KnownScopes, ", ")))
			}
		}
		if len(tok.Token) < 16 {
			d.addWarning(r, "api", field+".token", "token is shorter than 16 characters")
		}
	}
}

func (d *Doctor) validateWorkerReports(r *Result) {
	wr := d.cfg.WorkerReports
	if wr.Listen == "" {
		d.addError(r, "worker_reports", "worker_reports.listen", "worker_reports.listen is required")
	}
	if wr.Secret == "" {
		d.addError(r, "worker_reports", "worker_reports.secret", "worker_reports.secret is required to sign reports")
	} else if len(wr.Secret) < 32 {
		d.addWarning(r, "worker_reports", "worker_reports.secret", "secret is shorter than 32 characters")
	}
}

func (d *Doctor) validateRuntime(r *Result) {
	w := d.cfg.Watchdog
	if len(w.Runtime.Command) == 0 {
		d.addError(r, "watchdog", "watchdog.runtime.command", "no worker runtime command configured")
	}
	if w.HeartbeatTimeout <= 0 || w.WallClockCap <= 0 {
		d.addError(r, "watchdog", "watchdog", "heartbeat_timeout and wall_clock_cap must be positive")
		return
	}
	if w.HeartbeatTimeout >= w.WallClockCap {
		d.addWarning(r, "watchdog", "watchdog.heartbeat_timeout",
			fmt.Sprintf("heartbeat_timeout %s is not shorter than wall_clock_cap %s", w.HeartbeatTimeout, w.WallClockCap))
	}
	if d.cfg.Service.SweepInterval > w.HeartbeatTimeout {
		d.addWarning(r, "watchdog", "service.sweep_interval",
			fmt.Sprintf("sweep_interval %s is longer than heartbeat_timeout %s; silent workers are caught late", d.cfg.Service.SweepInterval, w.HeartbeatTimeout))
	}
}

// validateActions renders every command template against sample data so
// typos surface here rather than halfway through a plan.
func (d *Doctor) validateActions(r *Result) {
	sample := dispatch.CommandData{
		Project: "example",
		Path:    "/src/example",
		Remote:  "git@example.com:example.git",
		Branch:  "develop",
		Source:  "develop",
		Version: "v0.0.0",
		Params:  map[string]string{"version": "v0.0.0", "dependency": "example", "branch": "develop"},
	}
	for _, name := range sortedKeys(d.cfg.Actions) {
		cmd := d.cfg.Actions[name]
		field := "actions." + name
		if _, ok := action.Lookup(action.Name(name)); !ok {
			d.addWarning(r, "actions", field, fmt.Sprintf("no action named %q; the command is never used", name))
		}
		if _, err := dispatch.RenderCommand(cmd.Run, sample); err != nil {
			d.addError(r, "actions", field+".run", err.Error())
		}
		if cmd.Compensate != "" {
			if _, err := dispatch.RenderCommand(cmd.Compensate, sample); err != nil {
				d.addError(r, "actions", field+".compensate", err.Error())
			}
		} else if desc, ok := action.Lookup(action.Name(name)); ok && desc.Reversible && desc.Writes {
			d.addWarning(r, "actions", field+".compensate", "reversible action has no compensation; cancellation cannot undo it")
		}
	}
	for _, a := range directActions {
		if _, ok := d.cfg.Actions[string(a)]; !ok {
			d.addWarning(r, "actions", "actions."+string(a), fmt.Sprintf("no command for %q; plans using it will fail", a))
		}
	}
}

func (d *Doctor) validateEvaluation(r *Result) {
	c := d.cfg.Evaluation.Checks
	if len(c.Tests.Command) == 0 {
		d.addWarning(r, "evaluation", "evaluation.checks.tests.command", "no test command; the tests check always passes")
	}
	if len(c.Lint.Command) == 0 {
		d.addWarning(r, "evaluation", "evaluation.checks.lint.command", "no lint command; the lint check always passes")
	}
	if c.Review.Enabled && len(d.cfg.Models) == 0 {
		d.addError(r, "evaluation", "evaluation.checks.review", "review is enabled but no model endpoint can run it")
	} else if c.Review.Enabled {
		d.addWarning(r, "evaluation", "evaluation.checks.review", `a "comment" review scores as pass and never triggers a revision`)
	}
	if d.cfg.Evaluation.MaxRevisions == 0 {
		d.addWarning(r, "evaluation", "evaluation.max_revisions", "max_revisions is 0; every failed evaluation escalates at once")
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid {
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	} else {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		writeIssue(&b, "ERROR", e)
	}
	for _, w := range r.Warnings {
		writeIssue(&b, "WARN ", w)
	}
	return b.String()
}

func writeIssue(b *strings.Builder, label string, i Issue) {
	if i.Field != "" {
		fmt.Fprintf(b, "  %s [%s] %s: %s\n", label, i.Category, i.Field, i.Message)
		return
	}
	fmt.Fprintf(b, "  %s [%s] %s\n", label, i.Category, i.Message)
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
