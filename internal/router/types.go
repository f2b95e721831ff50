// Package router maps tasks to inference endpoints grouped in cost/capability tiers.
package router

import (
	"context"
	"fmt"
	"time"
)

// Tier is a cost/capability grouping of endpoints.
type Tier string

const (
	Local      Tier = "local"
	CloudFast  Tier = "cloud-fast"
	CloudHeavy Tier = "cloud-heavy"
)

// Precedence is the fallback order of tiers.
var Precedence = []Tier{Local, CloudFast, CloudHeavy}

// ParseTier validates a tier name.
func ParseTier(s string) (Tier, error) {
	for _, t := range Precedence {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown tier %q", s)
}

// Complexity is the caller's estimate of how hard a task is.
type Complexity string

const (
	Simple   Complexity = "simple"
	Moderate Complexity = "moderate"
	Complex  Complexity = "complex"
)

// Endpoint is one inference backend.
type Endpoint struct {
	Name              string `json:"name"`
	Address           string `json:"address"`
	Backend           string `json:"backend"`
	Model             string `json:"model,omitempty"`
	Tier              Tier   `json:"tier"`
	Concurrency       int    `json:"concurrency"`
	HealthCheckTarget string `json:"health_check_target,omitempty"`
	APIKey            string `json:"-"`
}

// Selection is the result of routing.
type Selection struct {
	Endpoint Endpoint `json:"endpoint"`
	// Preferred is the tier the task mapped to; Endpoint.Tier differs when routing fell back.
	Preferred Tier `json:"preferred"`
	Fallback  bool `json:"fallback"`
}

// HealthChecker checks one endpoint. A nil error means healthy.
type HealthChecker interface {
	Check(ctx context.Context, ep Endpoint) error
}

// EndpointHealth is the cached health check result of one endpoint.
type EndpointHealth struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	CheckedAt time.Time `json:"checked_at,omitempty"`
	Error     string    `json:"error,omitempty"`
	InUse     int       `json:"in_use"`
	Capacity  int       `json:"capacity"`
}

// TierHealth groups endpoint health per tier.
type TierHealth struct {
	Tier      Tier             `json:"tier"`
	Healthy   bool             `json:"healthy"`
	Endpoints []EndpointHealth `json:"endpoints"`
}
