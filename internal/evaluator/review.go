package evaluator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/mattjoyce/foreman/internal/router"
)

// ReviewDecision is the reviewer's verdict.
type ReviewDecision string

const (
	Approve        ReviewDecision = "approve"
	RequestChanges ReviewDecision = "request_changes"
	Comment        ReviewDecision = "comment"
	RejectChange   ReviewDecision = "reject"
)

// Score maps a decision onto the check scale. A comment carries no
// actionable request and passes.
func (d ReviewDecision) Score() Score {
	switch d {
	case Approve, Comment:
		return Pass
	case RequestChanges:
		return NeedsRevision
	default:
		return Fail
	}
}

// Review is a reviewer's output.
type Review struct {
	Decision ReviewDecision `json:"decision"`
	Summary  string         `json:"summary"`
}

// Reviewer produces a review of a target.
type Reviewer interface {
	Review(ctx context.Context, t Target) (Review, error)
}

// EndpointSource is the part of the router the reviewer needs.
type EndpointSource interface {
	SelectEndpoint(ctx context.Context, taskType string, complexity router.Complexity) (router.Selection, error)
	Acquire(ctx context.Context, ep router.Endpoint) (func(), error)
	MarkUnhealthy(name string, cause error)
}

const reviewSystemPrompt = `You review code changes produced by an automated worker.
Reply with a single JSON object: {"decision": "approve|request_changes|comment|reject", "summary": "<what to fix, or why it is fine>"}.
Use request_changes when the change is fixable, reject only when it cannot be salvaged.`

// LLMReviewer asks a routed OpenAI-compatible endpoint for a review.
type LLMReviewer struct {
	source     EndpointSource
	taskType   string
	complexity router.Complexity
}

func NewLLMReviewer(source EndpointSource, taskType string, complexity router.Complexity) *LLMReviewer {
	if taskType == "" {
		taskType = "review"
	}
	return &LLMReviewer{source: source, taskType: taskType, complexity: complexity}
}

func (r *LLMReviewer) Review(ctx context.Context, t Target) (Review, error) {
	sel, err := r.source.SelectEndpoint(ctx, r.taskType, r.complexity)
	if err != nil {
		return Review{}, err
	}
	release, err := r.source.Acquire(ctx, sel.Endpoint)
	if err != nil {
		return Review{}, err
	}
	defer release()

	cfg := openai.DefaultConfig(sel.Endpoint.APIKey)
	cfg.BaseURL = strings.TrimSuffix(sel.Endpoint.Address, "/")
	client := openai.NewClientWithConfig(cfg)

	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: sel.Endpoint.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: reviewSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: reviewPrompt(t)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	})
	if err != nil {
		if router.Unreachable(err) {
			r.source.MarkUnhealthy(sel.Endpoint.Name, err)
		}
		return Review{}, fmt.Errorf("review request to %s: %w", sel.Endpoint.Name, err)
	}
	if len(resp.Choices) == 0 {
		return Review{}, errors.New("review returned no choices")
	}
	return ParseReview(resp.Choices[0].Message.Content)
}

func reviewPrompt(t Target) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Project: %s\nBranch: %s\nRevision: %d\nTask:\n%s\n", t.Project.ID, t.Branch, t.Revision, t.Task)
	if t.ArtifactRef != "" {
		fmt.Fprintf(&b, "Artifact: %s\n", t.ArtifactRef)
	}
	if t.Diff != "" {
		fmt.Fprintf(&b, "\nDiff:\n%s\n", t.Diff)
	}
	return b.String()
}

// ParseReview decodes a model reply, tolerating prose around the JSON object.
func ParseReview(content string) (Review, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return Review{}, fmt.Errorf("review reply has no JSON object: %q", truncate(content, 200))
	}
	var rv Review
	if err := json.Unmarshal([]byte(content[start:end+1]), &rv); err != nil {
		return Review{}, fmt.Errorf("decode review reply: %w", err)
	}
	rv.Decision = ReviewDecision(strings.ToLower(strings.ReplaceAll(strings.TrimSpace(string(rv.Decision)), "-", "_")))
	switch rv.Decision {
	case Approve, RequestChanges, Comment, RejectChange:
		return rv, nil
	}
	return Review{}, fmt.Errorf("unknown review decision %q", rv.Decision)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
