package evaluator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const maxFeedbackBytes = 4 * 1024

// CommandCheck runs a command in the target's working tree.
// Exit 0 passes, a non-zero exit needs revision, and a command that cannot
// run or times out fails.
type CommandCheck struct {
	name    CheckName
	command []string
}

func NewCommandCheck(name CheckName, command []string) *CommandCheck {
	return &CommandCheck{name: name, command: command}
}

func (c *CommandCheck) Name() CheckName { return c.name }

func (c *CommandCheck) Run(ctx context.Context, t Target) CheckResult {
	res := CheckResult{Name: c.name}
	if len(c.command) == 0 {
		res.Score = Pass
		res.Feedback = "not configured"
		return res
	}
	cmd := exec.CommandContext(ctx, c.command[0], c.command[1:]...)
	cmd.Dir = t.Dir
	cmd.WaitDelay = 2 * time.Second
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		res.Score = Pass
	case ctx.Err() != nil:
		res.Score = Fail
		res.Feedback = fmt.Sprintf("%s check did not finish: %v", c.name, ctx.Err())
	case errors.As(err, &exitErr):
		res.Score = NeedsRevision
		res.Feedback = fmt.Sprintf("%s failed (exit %d):\n%s", c.name, exitErr.ExitCode(), tail(out.String(), maxFeedbackBytes))
	default:
		res.Score = Fail
		res.Feedback = fmt.Sprintf("%s check could not run: %v", c.name, err)
	}
	return res
}

// ReviewCheck adapts a Reviewer to a Check.
type ReviewCheck struct {
	Reviewer Reviewer
}

func (ReviewCheck) Name() CheckName { return CheckReview }

func (c ReviewCheck) Run(ctx context.Context, t Target) CheckResult {
	rv, err := c.Reviewer.Review(ctx, t)
	if err != nil {
		return CheckResult{Name: CheckReview, Score: Fail, Feedback: "review could not run: " + err.Error()}
	}
	return CheckResult{Name: CheckReview, Score: rv.Decision.Score(), Feedback: rv.Summary}
}

// GitDiff returns the diff of head against base in dir, capped for prompts.
func GitDiff(ctx context.Context, dir, base, head string, limit int) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "diff", base+"..."+head)
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git diff %s...%s: %w", base, head, err)
	}
	s := string(out)
	if limit > 0 && len(s) > limit {
		s = s[:limit] + "\n[diff truncated]"
	}
	return s, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
