package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/mattjoyce/foreman/internal/protocol"
	"github.com/mattjoyce/foreman/internal/webhook"
)

// reporter posts signed reports to the daemon and collects what the acks carry.
type reporter struct {
	url      string
	secret   string
	workerID string
	client   *http.Client
	logger   *slog.Logger

	mu      sync.Mutex
	answers map[string]protocol.Answer
	stop    bool
}

func newReporter(a *protocol.Assignment, logger *slog.Logger) *reporter {
	return &reporter{
		url:      a.ReportURL,
		secret:   a.ReportSecret,
		workerID: a.WorkerID,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger,
		answers:  make(map[string]protocol.Answer),
	}
}

func (r *reporter) send(ctx context.Context, rep protocol.Report) error {
	rep.WorkerID = r.workerID
	rep.SentAt = time.Now().UTC()
	body, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(webhook.SignatureHeader, webhook.Sign(body, r.secret))

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s report: %w", rep.Type, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s report rejected: %s: %s", rep.Type, resp.Status, bytes.TrimSpace(msg))
	}

	ack, err := protocol.DecodeAck(resp.Body)
	if err != nil {
		return err
	}
	r.absorb(ack)
	return nil
}

func (r *reporter) absorb(ack *protocol.Ack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range ack.Answers {
		r.answers[a.QuestionID] = a
	}
	if ack.Stop {
		r.stop = true
	}
}

// answer returns and forgets the answer to questionID, if one has arrived.
func (r *reporter) answer(questionID string) (protocol.Answer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.answers[questionID]
	if ok {
		delete(r.answers, questionID)
	}
	return a, ok
}

func (r *reporter) stopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stop
}

func (r *reporter) progress(ctx context.Context, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if err := r.send(ctx, protocol.Report{Type: protocol.ReportProgress, Message: msg}); err != nil {
		r.logger.Warn("progress report failed", "error", err)
	}
}

// heartbeat reports liveness every interval until ctx is done.
func (r *reporter) heartbeat(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.send(ctx, protocol.Report{Type: protocol.ReportHeartbeat}); err != nil && ctx.Err() == nil {
				r.logger.Warn("heartbeat failed", "error", err)
			}
		}
	}
}
