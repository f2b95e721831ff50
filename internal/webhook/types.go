package webhook

import (
	"context"

	"github.com/mattjoyce/foreman/internal/config"
	"github.com/mattjoyce/foreman/internal/protocol"
)

// ReportHandler applies a verified worker report. *worker.Pool implements it.
type ReportHandler interface {
	HandleReport(ctx context.Context, r *protocol.Report) (protocol.Ack, error)
}

// Config holds listener settings.
type Config struct {
	Listen string

	// Secret is the master secret; each worker signs with a key derived from it.
	Secret string

	// MaxBodySize is the largest accepted report body in bytes (default: 1MB).
	MaxBodySize int64

	// RatePerSecond and Burst bound reports per worker.
	RatePerSecond float64
	Burst         int
}

// ErrorResponse is the JSON body of every rejected report.
type ErrorResponse struct {
	Error string `json:"error"`
}

// SignatureHeader carries "sha256=<hex>" of the request body.
const SignatureHeader = "X-Foreman-Signature"

// Default values
const (
	DefaultMaxBodySize   = 1048576 // 1 MB
	DefaultRatePerSecond = 5
	DefaultBurst         = 20
)

// FromConfig converts the worker_reports section into listener settings.
func FromConfig(wc config.WorkerReportsConfig) Config {
	cfg := Config{
		Listen:        wc.Listen,
		Secret:        wc.Secret,
		MaxBodySize:   wc.MaxBodySize,
		RatePerSecond: wc.RatePerSecond,
		Burst:         wc.Burst,
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = DefaultRatePerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultBurst
	}
	return cfg
}
