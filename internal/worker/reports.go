package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattjoyce/foreman/internal/errs"
	"github.com/mattjoyce/foreman/internal/events"
	"github.com/mattjoyce/foreman/internal/notify"
	"github.com/mattjoyce/foreman/internal/protocol"
)

// HandleReport applies one worker report. Every report counts as a heartbeat.
// The returned ack carries answers queued since the previous report.
func (p *Pool) HandleReport(ctx context.Context, r *protocol.Report) (protocol.Ack, error) {
	switch r.Type {
	case protocol.ReportHeartbeat:
		return p.ReportHeartbeat(r.WorkerID)
	case protocol.ReportProgress:
		return p.ReportProgress(r.WorkerID, r.Message)
	case protocol.ReportQuestion:
		return p.AskQuestion(ctx, r.WorkerID, r.QuestionID, r.Text)
	case protocol.ReportComplete, protocol.ReportError:
		return p.ReportTerminal(r)
	default:
		return protocol.Ack{}, fmt.Errorf("unknown report type %q", r.Type)
	}
}

// ReportHeartbeat records liveness.
func (p *Pool) ReportHeartbeat(id string) (protocol.Ack, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.workers[id]
	if !ok {
		return protocol.Ack{}, fmt.Errorf("%w: %s", ErrUnknownWorker, id)
	}
	e.touch(p.clk.Now())
	return e.drain(), nil
}

// ReportProgress records liveness and the latest progress message.
func (p *Pool) ReportProgress(id, message string) (protocol.Ack, error) {
	p.mu.Lock()
	e, ok := p.workers[id]
	if !ok {
		p.mu.Unlock()
		return protocol.Ack{}, fmt.Errorf("%w: %s", ErrUnknownWorker, id)
	}
	e.touch(p.clk.Now())
	e.handle.LastProgress = message
	ack := e.drain()
	unit := e.handle.UnitID
	p.mu.Unlock()

	p.hub.Publish(events.WorkerProgress, map[string]any{"worker_id": id, "unit_id": unit, "message": message})
	return ack, nil
}

// AskQuestion records a clarification request and pauses the inactivity
// timeout until it is answered or expires. The wall-clock cap keeps running.
// Past MaxQuestions the worker is told to proceed immediately.
func (p *Pool) AskQuestion(ctx context.Context, id, qid, text string) (protocol.Ack, error) {
	now := p.clk.Now()
	p.mu.Lock()
	e, ok := p.workers[id]
	if !ok {
		p.mu.Unlock()
		return protocol.Ack{}, fmt.Errorf("%w: %s", ErrUnknownWorker, id)
	}
	e.touch(now)
	for _, q := range e.handle.Questions {
		if q.WorkerQID == qid {
			// Resent question; keep waiting on the original.
			ack := e.drain()
			p.mu.Unlock()
			return ack, nil
		}
	}
	if p.settings.MaxQuestions > 0 && len(e.handle.Questions) >= p.settings.MaxQuestions {
		e.outbox = append(e.outbox, protocol.Answer{
			QuestionID: qid,
			Text:       "question limit reached; proceed using your best judgment",
			Proceed:    true,
		})
		ack := e.drain()
		p.mu.Unlock()
		p.logger.Info("question limit reached", "worker_id", id, "question_id", qid)
		return ack, nil
	}
	q := Question{ID: id + ":" + qid, WorkerQID: qid, Text: text, AskedAt: now}
	e.handle.Questions = append(e.handle.Questions, q)
	e.handle.Paused = true
	ack := e.drain()
	unit := e.handle.UnitID
	p.mu.Unlock()

	p.logger.Info("worker asked a question", "worker_id", id, "question_id", q.ID)
	p.hub.Publish(events.WorkerQuestion, q)
	notify.Send(ctx, p.notifier, p.logger, notify.Notice{
		Kind:    notify.Question,
		Subject: "worker question on " + unit,
		Body:    text,
		Ref:     q.ID,
		At:      now,
	})
	return ack, nil
}

// Answer delivers a human answer to a pending question.
// publicID is the "<worker_id>:<question_id>" form shown to humans.
func (p *Pool) Answer(publicID, text, actor string) error {
	workerID, qid, ok := strings.Cut(publicID, ":")
	if !ok || workerID == "" || qid == "" {
		return ErrQuestionNotOwned
	}
	p.mu.Lock()
	e, ok := p.workers[workerID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownWorker, workerID)
	}
	idx := -1
	for i, q := range e.handle.Questions {
		if q.WorkerQID == qid {
			idx = i
			break
		}
	}
	if idx < 0 {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownQuestion, publicID)
	}
	q := &e.handle.Questions[idx]
	if q.Answered {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyAnswered, publicID)
	}
	q.Answered = true
	q.Answer = text
	q.AnsweredBy = actor
	e.outbox = append(e.outbox, protocol.Answer{QuestionID: qid, Text: text})
	e.resumeIfSettled(p.clk.Now())
	answered := *q
	p.mu.Unlock()

	p.logger.Info("question answered", "question_id", publicID, "actor", actor)
	p.hub.Publish(events.WorkerAnswered, answered)
	return nil
}

// ReportTerminal ends a worker on a complete or error report.
// A completion claiming an artifact outside the write scope is treated as an error.
func (p *Pool) ReportTerminal(r *protocol.Report) (protocol.Ack, error) {
	p.mu.Lock()
	e, ok := p.workers[r.WorkerID]
	if !ok {
		p.mu.Unlock()
		return protocol.Ack{}, fmt.Errorf("%w: %s", ErrUnknownWorker, r.WorkerID)
	}
	e.touch(p.clk.Now())
	ack := e.drain()
	ack.Stop = true
	scope := e.handle.Scope
	unit := e.handle.UnitID
	p.mu.Unlock()

	res := Result{WorkerID: r.WorkerID, UnitID: unit, ArtifactRef: r.ArtifactRef, Message: r.Message}
	switch {
	case r.Type == protocol.ReportError:
		res.Status, res.Reason = StatusError, ReasonError
		if r.EndpointDown {
			res.Reason = ReasonEndpointDown
		}
		res.Err = fmt.Errorf("%w: worker reported: %s", errs.ErrStepFailed, r.Message)
	case r.ArtifactRef != "" && !strings.Contains(r.ArtifactRef, "://") && scope.CheckWrite(r.ArtifactRef) != nil:
		res.Status, res.Reason = StatusError, ReasonError
		res.Err = fmt.Errorf("%w: %w", errs.ErrStepFailed, scope.CheckWrite(r.ArtifactRef))
		res.Message = res.Err.Error()
	default:
		res.Status, res.Reason = StatusDone, ReasonComplete
	}
	p.finalize(e, res)
	return ack, nil
}

// Sweep is one watchdog pass: it expires unanswered questions and terminates
// workers past the wall-clock cap or silent past the heartbeat timeout.
func (p *Pool) Sweep() SweepReport {
	now := p.clk.Now()
	var report SweepReport
	var victims []struct {
		e   *entry
		res Result
	}

	p.mu.Lock()
	for id, e := range p.workers {
		for i := range e.handle.Questions {
			q := &e.handle.Questions[i]
			if q.Answered || p.settings.QuestionWait <= 0 || now.Sub(q.AskedAt) < p.settings.QuestionWait {
				continue
			}
			q.Answered, q.Expired = true, true
			q.Answer = proceedText
			e.outbox = append(e.outbox, protocol.Answer{QuestionID: q.WorkerQID, Text: proceedText, Proceed: true})
			report.ExpiredQuestions++
		}
		e.resumeIfSettled(now)

		switch {
		case p.settings.WallClockCap > 0 && now.Sub(e.handle.StartedAt) >= p.settings.WallClockCap:
			victims = append(victims, struct {
				e   *entry
				res Result
			}{e, Result{
				WorkerID: id, UnitID: e.handle.UnitID, Status: StatusError, Reason: ReasonWallClock,
				Message: fmt.Sprintf("exceeded wall-clock cap of %s", p.settings.WallClockCap),
				Err:     fmt.Errorf("%w: %w: worker %s exceeded %s", errs.ErrStepFailed, errs.ErrWorkerTimeout, id, p.settings.WallClockCap),
			}})
		case !e.handle.Paused && p.settings.HeartbeatTimeout > 0 && now.Sub(e.handle.LastHeartbeat) >= p.settings.HeartbeatTimeout:
			victims = append(victims, struct {
				e   *entry
				res Result
			}{e, Result{
				WorkerID: id, UnitID: e.handle.UnitID, Status: StatusError, Reason: ReasonSilent,
				Message: fmt.Sprintf("no report for %s", now.Sub(e.handle.LastHeartbeat)),
				Err:     fmt.Errorf("%w: %w: worker %s silent for %s", errs.ErrStepFailed, errs.ErrWorkerSilent, id, now.Sub(e.handle.LastHeartbeat)),
			}})
		}
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, v := range victims {
		report.Terminated = append(report.Terminated, v.res.WorkerID)
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.kill(v.e, v.res)
		}()
	}
	wg.Wait()
	if len(victims) > 0 || report.ExpiredQuestions > 0 {
		p.logger.Info("watchdog sweep", "terminated", len(victims), "expired_questions", report.ExpiredQuestions)
	}
	return report
}

func (e *entry) touch(now time.Time) {
	e.handle.LastHeartbeat = now
	if e.handle.Status == StatusPending {
		e.handle.Status = StatusWorking
	}
}

func (e *entry) drain() protocol.Ack {
	ack := protocol.Ack{Status: "ok", Answers: e.outbox}
	e.outbox = nil
	return ack
}

// resumeIfSettled lifts the question pause once nothing is outstanding.
// The heartbeat clock restarts so the worker is not judged silent for the wait.
func (e *entry) resumeIfSettled(now time.Time) {
	if !e.handle.Paused {
		return
	}
	for _, q := range e.handle.Questions {
		if !q.Answered {
			return
		}
	}
	e.handle.Paused = false
	e.handle.LastHeartbeat = now
}
