// Package inspect assembles everything recorded about one plan into a report.
package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/mattjoyce/foreman/internal/dispatch"
	"github.com/mattjoyce/foreman/internal/evaluator"
	"github.com/mattjoyce/foreman/internal/graph"
	"github.com/mattjoyce/foreman/internal/plan"
	"github.com/mattjoyce/foreman/internal/queue"
	"github.com/mattjoyce/foreman/internal/state"
	"github.com/mattjoyce/foreman/internal/workspace"
)

// PlanSource reads plans and their history; *queue.Queue implements it.
type PlanSource interface {
	Get(ctx context.Context, id string) (*plan.Record, error)
	StepResults(ctx context.Context, planID string) ([]plan.StepResult, error)
	History(ctx context.Context, planID string) ([]queue.LogEntry, error)
}

// EvaluationSource reads evaluation state; *state.Store implements it.
type EvaluationSource interface {
	PlanEvaluations(ctx context.Context, planID string) ([]evaluator.Result, error)
	PlanEscalations(ctx context.Context, planID string) ([]state.Escalation, error)
}

// Report is the structured form of a plan report.
type Report struct {
	PlanID           string              `json:"plan_id"`
	Task             string              `json:"task"`
	Target           string              `json:"target,omitempty"`
	Status           plan.Status         `json:"status"`
	RequiresApproval bool                `json:"requires_approval"`
	CreatedBy        string              `json:"created_by,omitempty"`
	ApprovedBy       string              `json:"approved_by,omitempty"`
	DeniedBy         string              `json:"denied_by,omitempty"`
	DenialReason     string              `json:"denial_reason,omitempty"`
	Error            string              `json:"error,omitempty"`
	ErrorKind        string              `json:"error_kind,omitempty"`
	Scope            graph.ActionScope   `json:"scope"`
	Steps            []Step              `json:"steps"`
	Compensations    []plan.Compensation `json:"compensations,omitempty"`
	Evaluations      []evaluator.Result  `json:"evaluations,omitempty"`
	Escalations      []state.Escalation  `json:"escalations,omitempty"`
	History          []queue.LogEntry    `json:"history,omitempty"`
}

// Step is one plan step joined with its latest result.
type Step struct {
	ID        string          `json:"id"`
	Action    string          `json:"action"`
	Project   string          `json:"project"`
	Kind      plan.Kind       `json:"kind"`
	DependsOn []string        `json:"depends_on,omitempty"`
	Status    plan.StepStatus `json:"status"`
	WorkerID  string          `json:"worker_id,omitempty"`
	Endpoint  string          `json:"endpoint,omitempty"`
	Fallback  bool            `json:"fallback,omitempty"`
	Revisions int             `json:"revisions,omitempty"`
	Duration  time.Duration   `json:"duration,omitempty"`
	Error     string          `json:"error,omitempty"`
	Workspace string          `json:"workspace,omitempty"`
	Artifacts []string        `json:"artifacts,omitempty"`
}

// Gather builds the report for planID. workspaceDir may be empty, in which
// case artifacts are not listed.
func Gather(ctx context.Context, plans PlanSource, evals EvaluationSource, workspaceDir, planID string) (*Report, error) {
	if strings.TrimSpace(planID) == "" {
		return nil, fmt.Errorf("plan id is required")
	}
	rec, err := plans.Get(ctx, planID)
	if err != nil {
		return nil, err
	}
	results, err := plans.StepResults(ctx, planID)
	if err != nil {
		return nil, err
	}
	history, err := plans.History(ctx, planID)
	if err != nil {
		return nil, err
	}

	r := &Report{
		PlanID:           rec.Plan.ID,
		Task:             rec.Plan.Task,
		Target:           rec.Plan.Target,
		Status:           rec.Status,
		RequiresApproval: rec.Plan.RequiresApproval,
		CreatedBy:        rec.Plan.CreatedBy,
		ApprovedBy:       rec.ApprovedBy,
		DeniedBy:         rec.DeniedBy,
		DenialReason:     rec.DenialReason,
		Scope:            rec.Plan.Scope,
		History:          history,
	}
	if rec.Result != nil {
		r.Error = rec.Result.Error
		r.ErrorKind = rec.Result.ErrorKind
		r.Compensations = rec.Result.Compensations
	}

	byID := make(map[string]plan.StepResult, len(results))
	for _, res := range results {
		byID[res.StepID] = res
	}
	for _, s := range rec.Plan.Steps {
		res := byID[s.ID]
		st := Step{
			ID:        s.ID,
			Action:    string(s.Action),
			Project:   s.Project,
			Kind:      s.Kind,
			DependsOn: s.DependsOn,
			Status:    res.Status,
			WorkerID:  res.WorkerID,
			Endpoint:  res.Endpoint,
			Fallback:  res.Fallback,
			Revisions: res.Revisions,
			Error:     res.Error,
		}
		if st.Status == "" {
			st.Status = plan.StepPending
		}
		if !res.StartedAt.IsZero() && !res.FinishedAt.IsZero() {
			st.Duration = res.FinishedAt.Sub(res.StartedAt)
		}
		if workspaceDir != "" && s.Kind != plan.KindDirect {
			dir := filepath.Join(workspaceDir, workspace.AttemptID(dispatch.UnitID(planID, s.ID), res.Revisions))
			if artifacts, err := listArtifacts(dir); err == nil && artifacts != nil {
				st.Workspace = dir
				st.Artifacts = artifacts
			}
		}
		r.Steps = append(r.Steps, st)
	}

	if evals != nil {
		if r.Evaluations, err = evals.PlanEvaluations(ctx, planID); err != nil {
			return nil, fmt.Errorf("load evaluations: %w", err)
		}
		if r.Escalations, err = evals.PlanEscalations(ctx, planID); err != nil {
			return nil, fmt.Errorf("load escalations: %w", err)
		}
	}
	return r, nil
}

// RenderJSON writes the report as indented JSON.
func RenderJSON(w io.Writer, r *Report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json report: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// Render writes the report as terminal tables.
func Render(w io.Writer, r *Report) {
	fmt.Fprintf(w, "Plan Report\n")
	fmt.Fprintf(w, "Plan ID     : %s\n", r.PlanID)
	fmt.Fprintf(w, "Task        : %s\n", r.Task)
	fmt.Fprintf(w, "Status      : %s\n", r.Status)
	fmt.Fprintf(w, "Created by  : %s\n", renderUnset(r.CreatedBy, "<unknown>"))
	if r.RequiresApproval {
		switch {
		case r.ApprovedBy != "":
			fmt.Fprintf(w, "Approval    : approved by %s\n", r.ApprovedBy)
		case r.DeniedBy != "":
			fmt.Fprintf(w, "Approval    : denied by %s (%s)\n", r.DeniedBy, renderUnset(r.DenialReason, "no reason given"))
		default:
			fmt.Fprintf(w, "Approval    : pending\n")
		}
	}
	fmt.Fprintf(w, "Scope       : %s\n", describeScope(r.Scope))
	if r.Error != "" {
		fmt.Fprintf(w, "Error       : %s", r.Error)
		if r.ErrorKind != "" {
			fmt.Fprintf(w, " [%s]", r.ErrorKind)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintln(w)

	steps := newTable(w, "Steps")
	steps.AppendHeader(table.Row{"Step", "Project", "Kind", "Status", "After", "Worker", "Revisions", "Duration", "Error"})
	for _, s := range r.Steps {
		worker := s.WorkerID
		if s.Endpoint != "" {
			worker = strings.TrimSpace(worker + " @" + s.Endpoint)
			if s.Fallback {
				worker += " (fallback)"
			}
		}
		steps.AppendRow(table.Row{s.ID, s.Project, s.Kind, s.Status, strings.Join(s.DependsOn, ","), worker, s.Revisions, formatDuration(s.Duration), truncate(s.Error, 60)})
	}
	steps.Render()

	for _, s := range r.Steps {
		if len(s.Artifacts) == 0 {
			continue
		}
		fmt.Fprintf(w, "\nArtifacts of %s (%s):\n", s.ID, s.Workspace)
		for _, a := range s.Artifacts {
			fmt.Fprintf(w, "  - %s\n", a)
		}
	}

	if len(r.Compensations) > 0 {
		fmt.Fprintln(w)
		comp := newTable(w, "Compensations")
		comp.AppendHeader(table.Row{"Step", "Action", "OK", "Error"})
		for _, c := range r.Compensations {
			comp.AppendRow(table.Row{c.StepID, c.Action, c.OK, c.Error})
		}
		comp.Render()
	}

	if len(r.Evaluations) > 0 {
		fmt.Fprintln(w)
		ev := newTable(w, "Evaluations")
		ev.AppendHeader(table.Row{"Unit", "Revision", "Tests", "Lint", "Review", "Overall", "Feedback"})
		for _, e := range r.Evaluations {
			ev.AppendRow(table.Row{e.UnitID, e.Revision, e.Tests, e.Lint, e.Review, e.Overall, truncate(firstLine(e.Feedback), 60)})
		}
		ev.Render()
	}

	if len(r.Escalations) > 0 {
		fmt.Fprintln(w)
		esc := newTable(w, "Escalations")
		esc.AppendHeader(table.Row{"ID", "Unit", "Reason", "Proposal", "Resolved"})
		for _, e := range r.Escalations {
			resolved := "no"
			if e.Resolved {
				resolved = "by " + e.ResolvedBy
			}
			esc.AppendRow(table.Row{e.ID, e.UnitID, e.Reason, e.ProposalID, resolved})
		}
		esc.Render()
	}

	if len(r.History) > 0 {
		fmt.Fprintln(w)
		hist := newTable(w, "History")
		hist.AppendHeader(table.Row{"At", "Event", "Step", "Actor", "Detail"})
		for _, h := range r.History {
			hist.AppendRow(table.Row{h.At.Format(time.RFC3339), h.Event, h.StepID, h.Actor, truncate(h.Detail, 60)})
		}
		hist.Render()
	}
}

func newTable(w io.Writer, title string) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetTitle(title)
	tw.SetStyle(table.StyleLight)
	return tw
}

func describeScope(s graph.ActionScope) string {
	parts := []string{
		"projects=" + renderUnset(strings.Join(s.Projects, ","), "-"),
		"impact=" + s.EstimatedImpact.String(),
	}
	if s.Destructive {
		parts = append(parts, "destructive")
	}
	if s.AffectsRemote {
		parts = append(parts, "remote")
	}
	return strings.Join(parts, " ")
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	return d.Round(time.Second).String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func listArtifacts(workspaceDir string) ([]string, error) {
	if _, err := os.Stat(workspaceDir); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	artifacts := make([]string, 0)
	err := filepath.WalkDir(workspaceDir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if path == workspaceDir {
			return nil
		}
		if d.IsDir() {
			// Files carried from the previous attempt belong to that attempt's report.
			if d.Name() == workspace.PreviousDir && filepath.Dir(path) == workspaceDir {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(workspaceDir, path)
		if err != nil {
			return err
		}
		artifacts = append(artifacts, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(artifacts)
	return artifacts, nil
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
