package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/foreman/internal/config"
	"github.com/mattjoyce/foreman/internal/log"
	"github.com/mattjoyce/foreman/internal/protocol"
	"github.com/mattjoyce/foreman/internal/worker"
)

const master = "master-secret"

type fakeHandler struct {
	mu      sync.Mutex
	reports []*protocol.Report
	ack     protocol.Ack
	err     error
}

func (f *fakeHandler) HandleReport(_ context.Context, r *protocol.Report) (protocol.Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, r)
	return f.ack, f.err
}

func newServer(h ReportHandler, cfg Config) *Server {
	cfg.Secret = master
	return New(cfg, h, log.Discard())
}

func post(t *testing.T, s *Server, workerID string, body []byte, sign bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/workers/"+workerID+"/reports", bytes.NewReader(body))
	if sign {
		req.Header.Set(SignatureHeader, Sign(body, worker.DeriveSecret(master, workerID)))
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestReportAccepted(t *testing.T) {
	h := &fakeHandler{ack: protocol.Ack{Answers: []protocol.Answer{{QuestionID: "q1", Text: "use postgres"}}}}
	s := newServer(h, Config{})

	rec := post(t, s, "w-1", []byte(`{"type":"progress","worker_id":"w-1","message":"tests green"}`), true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	ack, err := protocol.DecodeAck(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, "ok", ack.Status)
	require.Len(t, ack.Answers, 1)
	assert.Equal(t, "use postgres", ack.Answers[0].Text)

	require.Len(t, h.reports, 1)
	assert.Equal(t, protocol.ReportProgress, h.reports[0].Type)
	assert.Equal(t, "tests green", h.reports[0].Message)
}

func TestReportWorkerIDDefaultsToPath(t *testing.T) {
	h := &fakeHandler{}
	s := newServer(h, Config{})

	rec := post(t, s, "w-7", []byte(`{"type":"heartbeat"}`), true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "w-7", h.reports[0].WorkerID)
}

func TestReportRejections(t *testing.T) {
	tests := []struct {
		name     string
		workerID string
		body     string
		sign     bool
		err      error
		want     int
	}{
		{name: "unsigned", workerID: "w-1", body: `{"type":"heartbeat"}`, want: http.StatusForbidden},
		{name: "unknown field", workerID: "w-1", body: `{"type":"heartbeat","extra":1}`, sign: true, want: http.StatusBadRequest},
		{name: "invalid report", workerID: "w-1", body: `{"type":"complete"}`, sign: true, want: http.StatusBadRequest},
		{name: "id mismatch", workerID: "w-1", body: `{"type":"heartbeat","worker_id":"w-2"}`, sign: true, want: http.StatusBadRequest},
		{name: "unknown worker", workerID: "w-9", body: `{"type":"heartbeat"}`, sign: true, err: fmt.Errorf("%w: w-9", worker.ErrUnknownWorker), want: http.StatusNotFound},
		{name: "handler failure", workerID: "w-1", body: `{"type":"heartbeat"}`, sign: true, err: errors.New("boom"), want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newServer(&fakeHandler{err: tt.err}, Config{})
			rec := post(t, s, tt.workerID, []byte(tt.body), tt.sign)
			assert.Equal(t, tt.want, rec.Code)

			var resp ErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestSignatureIsPerWorker(t *testing.T) {
	h := &fakeHandler{}
	s := newServer(h, Config{})

	body := []byte(`{"type":"heartbeat","worker_id":"w-2"}`)
	req := httptest.NewRequest(http.MethodPost, "/workers/w-2/reports", bytes.NewReader(body))
	// Signed with another worker's key.
	req.Header.Set(SignatureHeader, Sign(body, worker.DeriveSecret(master, "w-1")))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, h.reports)
}

func TestBodySizeLimit(t *testing.T) {
	s := newServer(&fakeHandler{}, Config{MaxBodySize: 64})
	body := []byte(`{"type":"progress","message":"` + strings.Repeat("a", 100) + `"}`)

	rec := post(t, s, "w-1", body, true)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestRateLimitIsPerWorker(t *testing.T) {
	s := newServer(&fakeHandler{}, Config{RatePerSecond: 0.001, Burst: 2})
	body := []byte(`{"type":"heartbeat"}`)

	assert.Equal(t, http.StatusOK, post(t, s, "w-1", body, true).Code)
	assert.Equal(t, http.StatusOK, post(t, s, "w-1", body, true).Code)
	rec := post(t, s, "w-1", body, true)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, post(t, s, "w-2", body, true).Code, "other workers keep their own budget")
}

func TestFromConfigDefaults(t *testing.T) {
	cfg := FromConfig(config.WorkerReportsConfig{Listen: "127.0.0.1:0", Secret: "s"})
	assert.Equal(t, int64(DefaultMaxBodySize), cfg.MaxBodySize)
	assert.Equal(t, float64(DefaultRatePerSecond), cfg.RatePerSecond)
	assert.Equal(t, DefaultBurst, cfg.Burst)

	cfg = FromConfig(config.Defaults().WorkerReports)
	assert.Equal(t, int64(1<<20), cfg.MaxBodySize)
	assert.Equal(t, 20, cfg.Burst)
}

func TestServeShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	h := &fakeHandler{}
	s := newServer(h, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	body := []byte(`{"type":"heartbeat"}`)
	req, err := http.NewRequest(http.MethodPost, "http://"+ln.Addr().String()+"/workers/w-1/reports", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(SignatureHeader, Sign(body, worker.DeriveSecret(master, "w-1")))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not shut down")
	}
}
