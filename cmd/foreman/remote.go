package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/mattjoyce/foreman/internal/api"
	"github.com/mattjoyce/foreman/internal/autonomy"
	"github.com/mattjoyce/foreman/internal/dispatch"
	"github.com/mattjoyce/foreman/internal/plan"
	"github.com/mattjoyce/foreman/internal/proposal"
	"github.com/mattjoyce/foreman/internal/tui"
)

const defaultAPIURL = "http://127.0.0.1:8480"

// remote holds the connection flags shared by every API-backed command.
type remote struct {
	fs     *flag.FlagSet
	apiURL string
	token  string
	json   bool
}

func newRemote(name string) *remote {
	r := &remote{fs: flag.NewFlagSet(name, flag.ContinueOnError)}
	apiURL := os.Getenv("FOREMAN_API_URL")
	if apiURL == "" {
		apiURL = defaultAPIURL
	}
	r.fs.StringVar(&r.apiURL, "api-url", apiURL, "Daemon API URL (env FOREMAN_API_URL)")
	r.fs.StringVar(&r.token, "token", os.Getenv("FOREMAN_TOKEN"), "API bearer token (env FOREMAN_TOKEN)")
	r.fs.BoolVar(&r.json, "json", false, "Output in JSON")
	return r
}

func (r *remote) parse(args []string) ([]string, error) {
	return parseInterspersed(r.fs, args)
}

// parseInterspersed accepts flags before, between and after positional arguments.
func parseInterspersed(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		args = fs.Args()
		if len(args) == 0 {
			return positional, nil
		}
		positional = append(positional, args[0])
		args = args[1:]
	}
}

func (r *remote) client() *api.Client {
	return api.NewClient(r.apiURL, r.token)
}

func (r *remote) fail(err error) int {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return exitCodeFor(err)
}

func (r *remote) printJSON(v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
		return 1
	}
	fmt.Println(string(data))
	return 0
}

// --- PLAN ---

func runPlanCreate(args []string) int {
	r := newRemote("create")
	pos, err := r.parse(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	task := strings.TrimSpace(strings.Join(pos, " "))
	if task == "" {
		fmt.Fprintln(os.Stderr, "Usage: foreman plan create <task> [--json]")
		return 1
	}

	rec, err := r.client().CreatePlan(context.Background(), task)
	if err != nil {
		return r.fail(err)
	}
	if r.json {
		return r.printJSON(rec)
	}
	printPlan(os.Stdout, rec)
	if rec.Status == plan.StatusPendingApproval {
		fmt.Printf("\nApproval required: foreman plan approve %s\n", rec.Plan.ID)
	}
	return 0
}

func runPlanShow(args []string) int {
	r := newRemote("show")
	pos, err := r.parse(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(pos) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: foreman plan show <plan_id> [--json]")
		return 1
	}

	rec, err := r.client().GetPlan(context.Background(), pos[0])
	if err != nil {
		return r.fail(err)
	}
	if r.json {
		return r.printJSON(rec)
	}
	printPlan(os.Stdout, rec)
	return 0
}

func runPlanList(args []string) int {
	r := newRemote("list")
	limit := r.fs.Int("limit", 20, "Maximum number of plans")
	if _, err := r.parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	recs, err := r.client().ListPlans(context.Background(), *limit)
	if err != nil {
		return r.fail(err)
	}
	if r.json {
		return r.printJSON(recs)
	}
	if len(recs) == 0 {
		fmt.Println("No plans.")
		return 0
	}
	tw := newTable(os.Stdout, "")
	tw.AppendHeader(table.Row{"Plan", "Status", "Target", "Task", "Updated"})
	for _, rec := range recs {
		tw.AppendRow(table.Row{rec.Plan.ID, rec.Status, rec.Plan.Target, clip(rec.Plan.Task, 60), rec.UpdatedAt.Local().Format(time.DateTime)})
	}
	tw.Render()
	return 0
}

func runPlanTransition(action string, args []string) int {
	r := newRemote(action)
	pos, err := r.parse(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(pos) != 1 {
		fmt.Fprintf(os.Stderr, "Usage: foreman plan %s <plan_id>\n", action)
		return 1
	}

	c := r.client()
	ctx := context.Background()
	var rec *plan.Record
	switch action {
	case "approve":
		rec, err = c.Approve(ctx, pos[0])
	case "execute":
		rec, err = c.Execute(ctx, pos[0])
	case "cancel":
		rec, err = c.Cancel(ctx, pos[0])
	}
	if err != nil {
		return r.fail(err)
	}
	if r.json {
		return r.printJSON(rec)
	}
	fmt.Printf("Plan %s: %s\n", rec.Plan.ID, rec.Status)
	return 0
}

func runPlanDeny(args []string) int {
	r := newRemote("deny")
	reason := r.fs.String("reason", "", "Reason recorded with the denial")
	pos, err := r.parse(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(pos) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: foreman plan deny <plan_id> [--reason TEXT]")
		return 1
	}

	rec, err := r.client().Deny(context.Background(), pos[0], *reason)
	if err != nil {
		return r.fail(err)
	}
	if r.json {
		return r.printJSON(rec)
	}
	fmt.Printf("Plan %s: %s\n", rec.Plan.ID, rec.Status)
	return 0
}

func printPlan(w io.Writer, rec *plan.Record) {
	p := rec.Plan
	fmt.Fprintf(w, "Plan ID   : %s\n", p.ID)
	fmt.Fprintf(w, "Task      : %s\n", p.Task)
	if p.Target != "" {
		fmt.Fprintf(w, "Target    : %s\n", p.Target)
	}
	fmt.Fprintf(w, "Status    : %s\n", rec.Status)
	switch {
	case rec.DeniedBy != "":
		fmt.Fprintf(w, "Approval  : denied by %s\n", rec.DeniedBy)
	case rec.ApprovedBy != "":
		fmt.Fprintf(w, "Approval  : approved by %s\n", rec.ApprovedBy)
	case p.RequiresApproval:
		fmt.Fprintln(w, "Approval  : required")
	default:
		fmt.Fprintln(w, "Approval  : not required")
	}
	fmt.Fprintf(w, "Projects  : %s\n", strings.Join(p.Scope.Projects, ", "))
	fmt.Fprintf(w, "Impact    : %s (destructive=%t reversible=%t remote=%t)\n",
		p.Scope.EstimatedImpact, p.Scope.Destructive, p.Scope.Reversible, p.Scope.AffectsRemote)
	if p.EstimatedDuration > 0 {
		fmt.Fprintf(w, "Estimate  : %s\n", p.EstimatedDuration)
	}
	if rec.Result != nil && rec.Result.Error != "" {
		fmt.Fprintf(w, "Error     : %s [%s]\n", rec.Result.Error, rec.Result.ErrorKind)
	}

	results := map[string]plan.StepResult{}
	if rec.Result != nil {
		for _, s := range rec.Result.Steps {
			results[s.StepID] = s
		}
	}
	tw := newTable(w, "Steps")
	tw.AppendHeader(table.Row{"Step", "Action", "Project", "Kind", "After", "Status"})
	for _, s := range p.Steps {
		status := string(plan.StepPending)
		if res, ok := results[s.ID]; ok && res.Status != "" {
			status = string(res.Status)
		}
		tw.AppendRow(table.Row{s.ID, s.Action, s.Project, s.Kind, strings.Join(s.DependsOn, ", "), status})
	}
	tw.Render()
}

// --- STATUS ---

func runStatus(args []string) int {
	r := newRemote("status")
	if _, err := r.parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	rep, err := r.client().Status(context.Background())
	if err != nil {
		return r.fail(err)
	}
	if r.json {
		return r.printJSON(rep)
	}
	printStatus(os.Stdout, rep)
	return 0
}

func printStatus(w io.Writer, rep dispatch.StatusReport) {
	state := api.DispatchActive
	if rep.Paused {
		state = api.DispatchPaused
	}
	fmt.Fprintf(w, "Dispatch : %s\n", state)
	fmt.Fprintf(w, "Queue    : %d queued\n", rep.QueueDepth)
	fmt.Fprintf(w, "Workers  : %d active\n", rep.ActiveWorkers)

	if len(rep.ActivePlans) > 0 {
		tw := newTable(w, "Active plans")
		tw.AppendHeader(table.Row{"Plan", "Status", "Target", "Task"})
		for _, rec := range rep.ActivePlans {
			tw.AppendRow(table.Row{rec.Plan.ID, rec.Status, rec.Plan.Target, clip(rec.Plan.Task, 60)})
		}
		tw.Render()
	}

	if len(rep.Workers) > 0 {
		tw := newTable(w, "Workers")
		tw.AppendHeader(table.Row{"Worker", "Project", "Action", "Status", "Endpoint", "Last progress"})
		for _, h := range rep.Workers {
			tw.AppendRow(table.Row{h.ID, h.Project, h.Action, h.Status, h.Endpoint, clip(h.LastProgress, 40)})
		}
		tw.Render()
	}

	tw := newTable(w, "Tiers")
	tw.AppendHeader(table.Row{"Tier", "Healthy", "Endpoints"})
	for _, t := range rep.Tiers {
		names := make([]string, 0, len(t.Endpoints))
		for _, ep := range t.Endpoints {
			names = append(names, ep.Name)
		}
		tw.AppendRow(table.Row{t.Tier, t.Healthy, strings.Join(names, ", ")})
	}
	tw.Render()
}

// --- AUTONOMY, ANSWER, DISPATCH ---

func runAutonomySet(args []string) int {
	r := newRemote("set")
	pos, err := r.parse(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(pos) != 2 {
		fmt.Fprintln(os.Stderr, "Usage: foreman autonomy set <scope> <level>")
		return 1
	}
	level, err := autonomy.ParseLevel(pos[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	resp, err := r.client().SetAutonomy(context.Background(), pos[0], level)
	if err != nil {
		return r.fail(err)
	}
	if r.json {
		return r.printJSON(resp)
	}
	fmt.Printf("Autonomy for %s set to %s (snapshot v%d)\n", resp.Scope, resp.Level, resp.Version)
	return 0
}

func runAnswer(args []string) int {
	r := newRemote("answer")
	pos, err := r.parse(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(pos) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: foreman answer <question_id> <text>")
		return 1
	}

	if err := r.client().Answer(context.Background(), pos[0], strings.Join(pos[1:], " ")); err != nil {
		return r.fail(err)
	}
	fmt.Printf("Answer delivered to %s\n", pos[0])
	return 0
}

func runDispatchToggle(action string, args []string) int {
	r := newRemote(action)
	if _, err := r.parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	c := r.client()
	var err error
	if action == "pause" {
		err = c.Pause(context.Background())
	} else {
		err = c.Resume(context.Background())
	}
	if err != nil {
		return r.fail(err)
	}
	if action == "pause" {
		fmt.Println("Dispatch paused; running plans continue.")
	} else {
		fmt.Println("Dispatch resumed.")
	}
	return 0
}

// --- PROPOSALS ---

func runProposalList(args []string) int {
	r := newRemote("list")
	status := r.fs.String("status", "", "Filter by status")
	if _, err := r.parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	ps, err := r.client().ListProposals(context.Background(), proposal.Status(*status))
	if err != nil {
		return r.fail(err)
	}
	if r.json {
		return r.printJSON(ps)
	}
	if len(ps) == 0 {
		fmt.Println("No proposals.")
		return 0
	}
	tw := newTable(os.Stdout, "")
	tw.AppendHeader(table.Row{"Proposal", "Status", "Type", "Title", "Decided by", "Created"})
	for _, p := range ps {
		tw.AppendRow(table.Row{p.ID, p.Status, p.Type, clip(p.Title, 50), p.DecidedBy, p.CreatedAt.Local().Format(time.DateTime)})
	}
	tw.Render()
	return 0
}

func runProposalDecide(decision string, args []string) int {
	r := newRemote(decision)
	note := r.fs.String("note", "", "Note recorded with the decision")
	pos, err := r.parse(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(pos) != 1 {
		fmt.Fprintf(os.Stderr, "Usage: foreman proposal %s <proposal_id> [--note TEXT]\n", decision)
		return 1
	}

	p, err := r.client().DecideProposal(context.Background(), pos[0], decision, *note)
	if err != nil {
		return r.fail(err)
	}
	if r.json {
		return r.printJSON(p)
	}
	fmt.Printf("Proposal %s: %s\n", p.ID, p.Status)
	return 0
}

// --- MONITOR ---

func runMonitor(args []string) int {
	r := newRemote("monitor")
	if _, err := r.parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if r.token == "" {
		fmt.Fprintln(os.Stderr, "Error: API token required. Use --token or FOREMAN_TOKEN env var.")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := tui.Run(ctx, r.client()); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

func newTable(w io.Writer, title string) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	if title != "" {
		tw.SetTitle(title)
	}
	tw.SetStyle(table.StyleLight)
	return tw
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
