package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/foreman/internal/autonomy"
	"github.com/mattjoyce/foreman/internal/dispatch"
	"github.com/mattjoyce/foreman/internal/events"
	"github.com/mattjoyce/foreman/internal/plan"
	"github.com/mattjoyce/foreman/internal/proposal"
)

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
	Kind       string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s (%s, HTTP %d)", e.Message, e.Kind, e.StatusCode)
	}
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.StatusCode)
}

// Client calls the command API.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

// NewClient returns a client for baseURL ("http://127.0.0.1:8480").
func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error, Kind: e.Kind}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func planPath(id, verb string) string {
	p := "/plans/" + url.PathEscape(id)
	if verb != "" {
		p += "/" + verb
	}
	return p
}

func (c *Client) Health(ctx context.Context) (HealthzResponse, error) {
	var h HealthzResponse
	err := c.do(ctx, http.MethodGet, "/healthz", nil, &h)
	return h, err
}

func (c *Client) CreatePlan(ctx context.Context, task string) (*plan.Record, error) {
	var rec plan.Record
	if err := c.do(ctx, http.MethodPost, "/plans", CreatePlanRequest{Task: task}, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *Client) ListPlans(ctx context.Context, limit int) ([]*plan.Record, error) {
	var recs []*plan.Record
	err := c.do(ctx, http.MethodGet, "/plans?limit="+strconv.Itoa(limit), nil, &recs)
	return recs, err
}

func (c *Client) GetPlan(ctx context.Context, id string) (*plan.Record, error) {
	return c.planCommand(ctx, http.MethodGet, id, "", nil)
}

func (c *Client) Approve(ctx context.Context, id string) (*plan.Record, error) {
	return c.planCommand(ctx, http.MethodPost, id, "approve", nil)
}

func (c *Client) Deny(ctx context.Context, id, reason string) (*plan.Record, error) {
	return c.planCommand(ctx, http.MethodPost, id, "deny", DenyRequest{Reason: reason})
}

func (c *Client) Execute(ctx context.Context, id string) (*plan.Record, error) {
	return c.planCommand(ctx, http.MethodPost, id, "execute", nil)
}

func (c *Client) Cancel(ctx context.Context, id string) (*plan.Record, error) {
	return c.planCommand(ctx, http.MethodPost, id, "cancel", nil)
}

func (c *Client) planCommand(ctx context.Context, method, id, verb string, body any) (*plan.Record, error) {
	var rec plan.Record
	if err := c.do(ctx, method, planPath(id, verb), body, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *Client) Status(ctx context.Context) (dispatch.StatusReport, error) {
	var st dispatch.StatusReport
	err := c.do(ctx, http.MethodGet, "/status", nil, &st)
	return st, err
}

func (c *Client) SetAutonomy(ctx context.Context, scope string, level autonomy.Level) (AutonomyResponse, error) {
	var resp AutonomyResponse
	err := c.do(ctx, http.MethodPut, "/autonomy", AutonomyRequest{Scope: scope, Level: level}, &resp)
	return resp, err
}

func (c *Client) Answer(ctx context.Context, questionID, text string) error {
	return c.do(ctx, http.MethodPost, "/questions/"+url.PathEscape(questionID)+"/answer", AnswerRequest{Text: text}, nil)
}

func (c *Client) Pause(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/dispatch/pause", nil, nil)
}

func (c *Client) Resume(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/dispatch/resume", nil, nil)
}

func (c *Client) ListProposals(ctx context.Context, status proposal.Status) ([]proposal.Proposal, error) {
	path := "/proposals"
	if status != "" {
		path += "?status=" + url.QueryEscape(string(status))
	}
	var ps []proposal.Proposal
	err := c.do(ctx, http.MethodGet, path, nil, &ps)
	return ps, err
}

// DecideProposal posts decision ("approve", "reject" or "implemented").
func (c *Client) DecideProposal(ctx context.Context, id, decision, note string) (proposal.Proposal, error) {
	var p proposal.Proposal
	err := c.do(ctx, http.MethodPost, "/proposals/"+url.PathEscape(id)+"/"+decision, DecisionRequest{Note: note}, &p)
	return p, err
}

// Events streams /events into ch until ctx is cancelled or the connection
// drops. lastID resumes after a known event.
func (c *Client) Events(ctx context.Context, lastID int64, ch chan<- events.Event) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if lastID > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(lastID, 10))
	}

	// The stream outlives any request timeout.
	stream := &http.Client{Transport: c.HTTP.Transport}
	resp, err := stream.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &APIError{StatusCode: resp.StatusCode, Message: "event stream rejected"}
	}

	scanner := bufio.NewScanner(resp.Body)
	var current events.Event
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if len(current.Data) > 0 {
				current.At = time.Now()
				select {
				case ch <- current:
				case <-ctx.Done():
					return ctx.Err()
				}
				current = events.Event{}
			}
			continue
		}

		switch {
		case strings.HasPrefix(line, "id: "):
			if id, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				current.ID = id
			}
		case strings.HasPrefix(line, "event: "):
			current.Type = line[7:]
		case strings.HasPrefix(line, "data: "):
			current.Data = []byte(line[6:])
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return scanner.Err()
}
