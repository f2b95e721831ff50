package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/foreman/internal/protocol"
	"github.com/mattjoyce/foreman/internal/router"
	"github.com/mattjoyce/foreman/internal/workspace"
)

const (
	defaultMaxTurns    = 10
	defaultMaxReframes = 2
)

var errStopped = errors.New("stopped by foreman")

// VCS records the worker's edits on the assigned branch.
type VCS interface {
	Prepare(ctx context.Context, dir, branch string) error
	Commit(ctx context.Context, dir, message string, paths []string) error
}

type agent struct {
	assignment  *protocol.Assignment
	model       Model
	reporter    *reporter
	vcs         VCS
	scope       workspace.Scope
	maxTurns    int
	maxReframes int
	answerPoll  time.Duration
	logger      *slog.Logger

	written []string
}

func newAgent(a *protocol.Assignment, m Model, rep *reporter, vcs VCS, logger *slog.Logger) *agent {
	return &agent{
		assignment:  a,
		model:       m,
		reporter:    rep,
		vcs:         vcs,
		scope:       workspace.Scope{Root: a.ProjectPath, Write: a.WriteScope},
		maxTurns:    defaultMaxTurns,
		maxReframes: defaultMaxReframes,
		answerPoll:  2 * time.Second,
		logger:      logger,
	}
}

// run drives the model until it declares the task done and returns the artifact ref.
func (g *agent) run(ctx context.Context) (string, error) {
	a := g.assignment
	g.note("context.md", contextNote(a))

	if a.Branch != "" && g.vcs != nil {
		if err := g.vcs.Prepare(ctx, a.ProjectPath, a.Branch); err != nil {
			return "", fmt.Errorf("prepare branch %s: %w", a.Branch, err)
		}
	}

	history := []Message{{Role: "user", Content: taskPrompt(a)}}
	reframes := 0
	for turn := 1; turn <= g.maxTurns; turn++ {
		if g.reporter.stopped() {
			return "", errStopped
		}

		t, err := g.model.Next(ctx, history)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			if router.Unreachable(err) {
				return "", fmt.Errorf("turn %d: %w", turn, err)
			}
			reframes++
			if reframes > g.maxReframes {
				return "", fmt.Errorf("turn %d: %w", turn, err)
			}
			g.logger.Warn("unusable model reply", "turn", turn, "error", err)
			history = append(history, Message{Role: "user", Content: "Your last reply could not be used (" + err.Error() + "). Reply with the JSON object only."})
			continue
		}
		raw, _ := json.Marshal(t)
		history = append(history, Message{Role: "assistant", Content: string(raw)})

		rejected := g.apply(t.Files)
		g.reporter.progress(ctx, "turn %d: wrote %d file(s)", turn, len(t.Files)-len(rejected))
		g.note("decisions.md", decisionNote(turn, t, rejected))

		var followUp []string
		if len(rejected) > 0 {
			followUp = append(followUp, "These writes were refused:\n"+strings.Join(rejected, "\n"))
		}
		if t.Question != "" {
			ans, err := g.ask(ctx, t.Question)
			if err != nil {
				return "", err
			}
			followUp = append(followUp, ans)
		}
		if t.Done && len(rejected) == 0 && t.Question == "" {
			return g.finish(ctx, t.Summary)
		}
		if len(followUp) == 0 {
			followUp = append(followUp, "Continue.")
		}
		history = append(history, Message{Role: "user", Content: strings.Join(followUp, "\n\n")})
	}
	return "", fmt.Errorf("no result after %d turns", g.maxTurns)
}

// apply writes each edit that the scope permits and returns the refusals.
func (g *agent) apply(files []FileEdit) []string {
	var rejected []string
	for _, f := range files {
		if err := g.scope.CheckWrite(f.Path); err != nil {
			rejected = append(rejected, err.Error())
			continue
		}
		path := f.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(g.assignment.ProjectPath, path)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			rejected = append(rejected, fmt.Sprintf("%s: %v", f.Path, err))
			continue
		}
		if err := os.WriteFile(path, []byte(f.Content), 0o644); err != nil {
			rejected = append(rejected, fmt.Sprintf("%s: %v", f.Path, err))
			continue
		}
		g.written = append(g.written, f.Path)
	}
	return rejected
}

// ask posts a question and waits for its answer to arrive in a report ack.
func (g *agent) ask(ctx context.Context, text string) (string, error) {
	qid := uuid.NewString()
	if err := g.reporter.send(ctx, protocol.Report{Type: protocol.ReportQuestion, QuestionID: qid, Text: text}); err != nil {
		return "", err
	}
	for {
		if ans, ok := g.reporter.answer(qid); ok {
			if ans.Proceed {
				return "No answer arrived. Proceed with your best judgment.", nil
			}
			return "Answer: " + ans.Text, nil
		}
		if g.reporter.stopped() {
			return "", errStopped
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(g.answerPoll):
		}
		if err := g.reporter.send(ctx, protocol.Report{Type: protocol.ReportHeartbeat}); err != nil {
			g.logger.Warn("poll for answer failed", "question_id", qid, "error", err)
		}
	}
}

func (g *agent) finish(ctx context.Context, summary string) (string, error) {
	a := g.assignment
	if a.Branch != "" && g.vcs != nil && len(g.written) > 0 {
		msg := fmt.Sprintf("%s: %s", a.UnitID, firstLine(summary, a.Task))
		if err := g.vcs.Commit(ctx, a.ProjectPath, msg, g.written); err != nil {
			return "", fmt.Errorf("commit: %w", err)
		}
	}
	switch {
	case a.Branch != "":
		return "branch://" + a.Branch, nil
	case len(g.written) > 0:
		return g.written[0], nil
	default:
		return "noop://" + a.UnitID, nil
	}
}

// note appends to a file in the attempt workspace; notes are best effort.
func (g *agent) note(name, text string) {
	dir := g.assignment.WorkspaceDir
	if dir == "" {
		return
	}
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		g.logger.Debug("note skipped", "file", name, "error", err)
		return
	}
	defer f.Close()
	_, _ = f.WriteString(text)
}

func taskPrompt(a *protocol.Assignment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Project: %s\nAction: %s\n", a.Project, a.Action)
	if a.Branch != "" {
		fmt.Fprintf(&b, "Branch: %s\n", a.Branch)
	}
	fmt.Fprintf(&b, "Write scope: %s\n\nTask:\n%s\n", strings.Join(a.WriteScope, ", "), a.Task)
	if a.Feedback != "" {
		fmt.Fprintf(&b, "\nRevision %d. Feedback on the previous attempt:\n%s\n", a.Revision, a.Feedback)
	}
	return b.String()
}

func contextNote(a *protocol.Assignment) string {
	return fmt.Sprintf("# %s\n\n- worker: %s\n- project: %s\n- revision: %d\n\n%s\n", a.UnitID, a.WorkerID, a.Project, a.Revision, a.Task)
}

func decisionNote(turn int, t Turn, rejected []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## turn %d\n", turn)
	for _, f := range t.Files {
		fmt.Fprintf(&b, "- write %s\n", f.Path)
	}
	for _, r := range rejected {
		fmt.Fprintf(&b, "- refused: %s\n", r)
	}
	if t.Question != "" {
		fmt.Fprintf(&b, "- asked: %s\n", t.Question)
	}
	if t.Done {
		fmt.Fprintf(&b, "- done: %s\n", t.Summary)
	}
	return b.String()
}

func firstLine(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		s = fallback
	}
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	if len(line) > 72 {
		line = line[:72]
	}
	return line
}

// gitVCS shells out to git in the project checkout.
type gitVCS struct{}

func (gitVCS) Prepare(ctx context.Context, dir, branch string) error {
	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		return fmt.Errorf("%s is not a git checkout", dir)
	}
	return git(ctx, dir, "checkout", "-B", branch)
}

func (gitVCS) Commit(ctx context.Context, dir, message string, paths []string) error {
	if err := git(ctx, dir, append([]string{"add", "--"}, paths...)...); err != nil {
		return err
	}
	return git(ctx, dir, "commit", "-m", message)
}

func git(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", dir}, args...)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}
