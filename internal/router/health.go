package router

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HTTPChecker checks Address+HealthCheckTarget with a GET and treats any 2xx as healthy.
type HTTPChecker struct {
	Client *http.Client
}

var _ HealthChecker = (*HTTPChecker)(nil)

// NewHTTPChecker returns a checker using http.DefaultClient's transport.
// Per-check timeouts come from the caller's context.
func NewHTTPChecker() *HTTPChecker {
	return &HTTPChecker{Client: &http.Client{}}
}

func (c *HTTPChecker) Check(ctx context.Context, ep Endpoint) error {
	url := strings.TrimRight(ep.Address, "/")
	if ep.HealthCheckTarget != "" {
		url += "/" + strings.TrimLeft(ep.HealthCheckTarget, "/")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if ep.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+ep.APIKey)
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health check %s returned %d", url, resp.StatusCode)
	}
	return nil
}
