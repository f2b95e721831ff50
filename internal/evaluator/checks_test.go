package evaluator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/foreman/internal/config"
	"github.com/mattjoyce/foreman/internal/router"
)

func configWithChecks() config.EvaluationConfig {
	return config.EvaluationConfig{
		MaxRevisions: 3,
		Checks: config.ChecksConfig{
			Tests: config.CheckCommand{Command: []string{"/bin/sh", "-c", "exit 0"}},
		},
	}
}

func TestCommandCheck(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name     string
		command  []string
		want     Score
		contains string
	}{
		{"exit zero", []string{"/bin/sh", "-c", "exit 0"}, Pass, ""},
		{"non-zero exit", []string{"/bin/sh", "-c", "echo boom; exit 3"}, NeedsRevision, "boom"},
		{"missing binary", []string{"/nonexistent/checker"}, Fail, "could not run"},
		{"unconfigured", nil, Pass, "not configured"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := NewCommandCheck(CheckTests, tt.command).Run(context.Background(), Target{Dir: dir})
			assert.Equal(t, tt.want, res.Score)
			assert.Contains(t, res.Feedback, tt.contains)
		})
	}
}

func TestCommandCheckTimeoutFails(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res := NewCommandCheck(CheckLint, []string{"/bin/sh", "-c", "exec sleep 5"}).Run(ctx, Target{Dir: t.TempDir()})
	assert.Equal(t, Fail, res.Score)
	assert.Contains(t, res.Feedback, "did not finish")
}

func TestParseReview(t *testing.T) {
	rv, err := ParseReview("Here you go:\n{\"decision\": \"Request-Changes\", \"summary\": \"add a test\"}\n")
	require.NoError(t, err)
	assert.Equal(t, RequestChanges, rv.Decision)
	assert.Equal(t, "add a test", rv.Summary)

	_, err = ParseReview("LGTM")
	assert.Error(t, err)
	_, err = ParseReview(`{"decision": "ship-it"}`)
	assert.Error(t, err)
}

func TestReviewDecisionScore(t *testing.T) {
	assert.Equal(t, Pass, Approve.Score())
	assert.Equal(t, Pass, Comment.Score())
	assert.Equal(t, NeedsRevision, RequestChanges.Score())
	assert.Equal(t, Fail, RejectChange.Score())
}

type fakeSource struct {
	ep        router.Endpoint
	err       error
	released  bool
	unhealthy []string
}

func (f *fakeSource) SelectEndpoint(context.Context, string, router.Complexity) (router.Selection, error) {
	return router.Selection{Endpoint: f.ep, Preferred: f.ep.Tier}, f.err
}

func (f *fakeSource) Acquire(context.Context, router.Endpoint) (func(), error) {
	return func() { f.released = true }, nil
}

func (f *fakeSource) MarkUnhealthy(name string, _ error) {
	f.unhealthy = append(f.unhealthy, name)
}

func TestLLMReviewer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "reviewer-model", req["model"])

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message": map[string]any{
					"role":    "assistant",
					"content": `{"decision":"request_changes","summary":"handle the nil case"}`,
				},
			}},
		})
	}))
	defer srv.Close()

	src := &fakeSource{ep: router.Endpoint{Name: "fast", Address: srv.URL + "/v1/", Model: "reviewer-model", APIKey: "sk-test", Tier: router.CloudFast}}
	rv := NewLLMReviewer(src, "", router.Moderate)

	res := ReviewCheck{Reviewer: rv}.Run(context.Background(), Target{Task: "add retries", Diff: "+retry()"})
	assert.Equal(t, NeedsRevision, res.Score)
	assert.Equal(t, "handle the nil case", res.Feedback)
	assert.True(t, src.released)
}

func TestLLMReviewerWithoutEndpointFails(t *testing.T) {
	src := &fakeSource{err: errors.New("no healthy endpoint")}
	res := ReviewCheck{Reviewer: NewLLMReviewer(src, "review", router.Simple)}.Run(context.Background(), Target{})
	assert.Equal(t, Fail, res.Score)
	assert.Contains(t, res.Feedback, "no healthy endpoint")
}

func TestLLMReviewerMarksUnreachableEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	src := &fakeSource{ep: router.Endpoint{Name: "fast", Address: addr + "/v1", Model: "m", Tier: router.CloudFast}}
	res := ReviewCheck{Reviewer: NewLLMReviewer(src, "review", router.Simple)}.Run(context.Background(), Target{})
	assert.Equal(t, Fail, res.Score)
	assert.Equal(t, []string{"fast"}, src.unhealthy)
	assert.True(t, src.released)
}

func TestLLMReviewerKeepsAnsweringEndpointHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	src := &fakeSource{ep: router.Endpoint{Name: "fast", Address: srv.URL + "/v1", Model: "m", Tier: router.CloudFast}}
	res := ReviewCheck{Reviewer: NewLLMReviewer(src, "review", router.Simple)}.Run(context.Background(), Target{})
	assert.Equal(t, Fail, res.Score)
	assert.Empty(t, src.unhealthy)
}
