// Package notify delivers human-facing notices: approvals needed, escalations,
// worker questions and enhancement proposals.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Kind classifies a notice.
type Kind string

const (
	ApprovalRequired Kind = "approval_required"
	Escalation       Kind = "escalation"
	Question         Kind = "question"
	Proposal         Kind = "proposal"
	PlanFailed       Kind = "plan_failed"
)

// Notice is one message for a human.
type Notice struct {
	Kind    Kind           `json:"kind"`
	Subject string         `json:"subject"`
	Body    string         `json:"body"`
	PlanID  string         `json:"plan_id,omitempty"`
	Ref     string         `json:"ref,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	At      time.Time      `json:"at"`
}

// Notifier sends notices. Implementations must be safe for concurrent use.
type Notifier interface {
	Notify(ctx context.Context, n Notice) error
}

// Log writes notices to a logger.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Notify(_ context.Context, n Notice) error {
	l.Logger.Info("notice", "kind", n.Kind, "subject", n.Subject, "plan_id", n.PlanID, "ref", n.Ref)
	return nil
}

// Multi fans a notice out to several notifiers and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notice) error {
	var errs []error
	for _, notifier := range m {
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type streamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisStream appends notices to a Redis stream for the chat-ops front end to consume.
type RedisStream struct {
	client streamAdder
	stream string
}

// ConnectRedis parses a redis:// URL and returns a client.
func ConnectRedis(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	return redis.NewClient(opts), nil
}

// NewRedisStream writes to stream using client.
func NewRedisStream(client *redis.Client, stream string) *RedisStream {
	return &RedisStream{client: client, stream: stream}
}

func (r *RedisStream) Notify(ctx context.Context, n Notice) error {
	if n.At.IsZero() {
		n.At = time.Now().UTC()
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notice: %w", err)
	}
	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		Values: map[string]any{
			"kind":    string(n.Kind),
			"subject": n.Subject,
			"plan_id": n.PlanID,
			"ref":     n.Ref,
			"payload": string(payload),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("push notice: %w", err)
	}
	return nil
}

// Send notifies and logs a failure instead of returning it. Notification is best effort.
func Send(ctx context.Context, n Notifier, logger *slog.Logger, notice Notice) {
	if n == nil {
		return
	}
	if notice.At.IsZero() {
		notice.At = time.Now().UTC()
	}
	if err := n.Notify(ctx, notice); err != nil {
		logger.Warn("notification failed", "kind", notice.Kind, "error", err)
	}
}
