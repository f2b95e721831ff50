// Package queue persists plans and runs the durable dispatch queue.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/foreman/internal/clock"
	"github.com/mattjoyce/foreman/internal/plan"
	"github.com/mattjoyce/foreman/internal/storage"
)

const (
	pausedKey      = "paused"
	maxDetailBytes = 64 * 1024
	// InterruptedMessage is recorded on plans left running by an unclean stop.
	InterruptedMessage = "interrupted by orchestrator restart"
)

type Queue struct {
	db  *sql.DB
	clk clock.Clock
}

func New(db *sql.DB, clk clock.Clock) *Queue {
	if clk == nil {
		clk = clock.Real()
	}
	return &Queue{db: db, clk: clk}
}

func (q *Queue) now() string { return storage.FormatTime(q.clk.Now()) }

// Save inserts a new plan record together with a pending row per step.
func (q *Queue) Save(ctx context.Context, rec *plan.Record) error {
	if rec.Plan.ID == "" {
		return fmt.Errorf("plan id is empty")
	}
	planJSON, err := json.Marshal(rec.Plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	now := q.now()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
INSERT INTO plans(id, task, status, requires_approval, plan, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?);
`, rec.Plan.ID, rec.Plan.Task, rec.Status, rec.Plan.RequiresApproval, string(planJSON),
		storage.FormatTime(rec.Plan.CreatedAt), now)
	if err != nil {
		return fmt.Errorf("insert plan: %w", err)
	}
	for i, s := range rec.Plan.Steps {
		_, err = tx.ExecContext(ctx, `
INSERT INTO plan_steps(plan_id, step_id, seq, action, project, status, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?);
`, rec.Plan.ID, s.ID, i, s.Action, s.Project, plan.StepPending, now)
		if err != nil {
			return fmt.Errorf("insert step %s: %w", s.ID, err)
		}
	}
	if err := appendLog(ctx, tx, rec.Plan.ID, now, "created", "", rec.Plan.CreatedBy, string(rec.Status)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	rec.UpdatedAt = storage.ParseTime(now)
	return nil
}

const recordColumns = `plan, status, result, approved_by, denied_by, denial_reason, updated_at, queued_at, started_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*plan.Record, error) {
	var (
		rec                          plan.Record
		planJSON, status, updatedAt  string
		result, approvedBy, deniedBy sql.NullString
		reason                       sql.NullString
		queuedAt, startedAt, finAt   sql.NullString
	)
	if err := row.Scan(&planJSON, &status, &result, &approvedBy, &deniedBy, &reason, &updatedAt, &queuedAt, &startedAt, &finAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(planJSON), &rec.Plan); err != nil {
		return nil, fmt.Errorf("decode stored plan: %w", err)
	}
	rec.Status = plan.Status(status)
	if result.Valid && result.String != "" {
		var r plan.Result
		if err := json.Unmarshal([]byte(result.String), &r); err != nil {
			return nil, fmt.Errorf("decode stored result: %w", err)
		}
		rec.Result = &r
	}
	rec.ApprovedBy = approvedBy.String
	rec.DeniedBy = deniedBy.String
	rec.DenialReason = reason.String
	rec.UpdatedAt = storage.ParseTime(updatedAt)
	rec.QueuedAt = storage.ParseNullTime(queuedAt)
	rec.StartedAt = storage.ParseNullTime(startedAt)
	rec.FinishedAt = storage.ParseNullTime(finAt)
	return &rec, nil
}

// Get loads a plan. While a plan is in flight its result is assembled from
// the per-step rows.
func (q *Queue) Get(ctx context.Context, id string) (*plan.Record, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM plans WHERE id = ?;`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load plan: %w", err)
	}
	if rec.Result == nil {
		steps, err := q.StepResults(ctx, id)
		if err != nil {
			return nil, err
		}
		rec.Result = &plan.Result{PlanID: id, Status: rec.Status, Steps: steps}
	}
	return rec, nil
}

// StepResults returns the latest result of each step in plan order.
func (q *Queue) StepResults(ctx context.Context, planID string) ([]plan.StepResult, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT step_id, action, project, status, result
FROM plan_steps
WHERE plan_id = ?
ORDER BY seq ASC;
`, planID)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	var out []plan.StepResult
	for rows.Next() {
		var (
			r              plan.StepResult
			status, action string
			raw            sql.NullString
		)
		if err := rows.Scan(&r.StepID, &action, &r.Project, &status, &raw); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		if raw.Valid && raw.String != "" {
			if err := json.Unmarshal([]byte(raw.String), &r); err != nil {
				return nil, fmt.Errorf("decode step result: %w", err)
			}
		}
		r.Action = action
		r.Status = plan.StepStatus(status)
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveStepResult records the latest outcome of a step.
func (q *Queue) SaveStepResult(ctx context.Context, planID string, r plan.StepResult) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal step result: %w", err)
	}
	now := q.now()
	res, err := q.db.ExecContext(ctx, `
UPDATE plan_steps SET status = ?, result = ?, updated_at = ?
WHERE plan_id = ? AND step_id = ?;
`, r.Status, string(raw), now, planID, r.StepID)
	if err != nil {
		return fmt.Errorf("update step %s: %w", r.StepID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s step %s", ErrPlanNotFound, planID, r.StepID)
	}
	return q.Log(ctx, planID, "step."+string(r.Status), r.StepID, "", r.Error)
}

// Transition moves a plan to status to if its current status is allowed by c.From.
func (q *Queue) Transition(ctx context.Context, id string, to plan.Status, c Change) (*plan.Record, error) {
	from := c.From
	if len(from) == 0 {
		from = nonTerminal
	}
	now := q.now()

	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{to, now}
	if c.ApprovedBy != "" {
		sets = append(sets, "approved_by = ?")
		args = append(args, c.ApprovedBy)
	}
	if c.DeniedBy != "" {
		sets = append(sets, "denied_by = ?", "denial_reason = ?")
		args = append(args, c.DeniedBy, c.Reason)
	}
	if c.Result != nil {
		raw, err := json.Marshal(c.Result)
		if err != nil {
			return nil, fmt.Errorf("marshal result: %w", err)
		}
		sets = append(sets, "result = ?")
		args = append(args, string(raw))
	}
	switch {
	case to == plan.StatusQueued:
		sets = append(sets, "queued_at = ?")
		args = append(args, now)
	case to == plan.StatusRunning:
		sets = append(sets, "started_at = ?")
		args = append(args, now)
	case to.Terminal():
		sets = append(sets, "finished_at = ?")
		args = append(args, now)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	args = append(args, id)
	for _, s := range from {
		args = append(args, s)
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE plans SET `+strings.Join(sets, ", ")+` WHERE id = ? AND status IN (`+placeholders+`);`, args...)
	if err != nil {
		return nil, fmt.Errorf("update plan status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT status FROM plans WHERE id = ?;`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, id)
		}
		if err != nil {
			return nil, fmt.Errorf("load plan status: %w", err)
		}
		return nil, &TransitionError{ID: id, Current: plan.Status(current), To: to}
	}
	detail := c.Detail
	if detail == "" {
		detail = c.Reason
	}
	if err := appendLog(ctx, tx, id, now, string(to), "", c.Actor, detail); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return q.Get(ctx, id)
}

// Enqueue queues a plan for the dispatch loop.
func (q *Queue) Enqueue(ctx context.Context, id, actor string) (*plan.Record, error) {
	return q.Transition(ctx, id, plan.StatusQueued, Change{
		From:  []plan.Status{plan.StatusPlanned, plan.StatusApproved},
		Actor: actor,
	})
}

// Dequeue claims the oldest queued plan and marks it running. Returns (nil, nil)
// if nothing is queued.
func (q *Queue) Dequeue(ctx context.Context) (*plan.Record, error) {
	now := q.now()
	row := q.db.QueryRowContext(ctx, `
WITH next AS (
  SELECT id FROM plans
  WHERE status = ?
  ORDER BY queued_at ASC, rowid ASC
  LIMIT 1
)
UPDATE plans
SET status = ?, started_at = ?, updated_at = ?
WHERE id IN (SELECT id FROM next)
RETURNING `+recordColumns+`;
`, plan.StatusQueued, plan.StatusRunning, now, now)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue plan: %w", err)
	}
	if err := q.Log(ctx, rec.Plan.ID, string(plan.StatusRunning), "", "dispatcher", ""); err != nil {
		return nil, err
	}
	return rec, nil
}

// FindByStatus lists plans in any of the given statuses, oldest first.
func (q *Queue) FindByStatus(ctx context.Context, statuses ...plan.Status) ([]*plan.Record, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = s
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM plans WHERE status IN (`+placeholders+`) ORDER BY created_at ASC, rowid ASC;`, args...)
	if err != nil {
		return nil, fmt.Errorf("query plans: %w", err)
	}
	defer rows.Close()

	var out []*plan.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// List returns the most recent plans, newest first.
func (q *Queue) List(ctx context.Context, limit int) ([]*plan.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM plans ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("query plans: %w", err)
	}
	defer rows.Close()

	var out []*plan.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Active lists every plan that has not reached a terminal status.
func (q *Queue) Active(ctx context.Context) ([]*plan.Record, error) {
	return q.FindByStatus(ctx, nonTerminal...)
}

// Depth is the number of queued plans.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM plans WHERE status = ?;`, plan.StatusQueued).Scan(&n); err != nil {
		return 0, fmt.Errorf("count queued plans: %w", err)
	}
	return n, nil
}

// Pause stops the dispatch loop from claiming queued plans. Running plans continue.
func (q *Queue) Pause(ctx context.Context) error  { return q.setMeta(ctx, pausedKey, "true") }
func (q *Queue) Resume(ctx context.Context) error { return q.setMeta(ctx, pausedKey, "false") }

// Paused reports the persisted pause flag.
func (q *Queue) Paused(ctx context.Context) (bool, error) {
	var v string
	err := q.db.QueryRowContext(ctx, `SELECT value FROM dispatch_meta WHERE key = ?;`, pausedKey).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read pause flag: %w", err)
	}
	return v == "true", nil
}

func (q *Queue) setMeta(ctx context.Context, key, value string) error {
	_, err := q.db.ExecContext(ctx, `
INSERT INTO dispatch_meta(key, value, updated_at) VALUES(?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at;
`, key, value, q.now())
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

// RecoverInterrupted fails plans that were running when the process died.
// Queued plans are left for the dispatch loop.
func (q *Queue) RecoverInterrupted(ctx context.Context) (int, error) {
	running, err := q.FindByStatus(ctx, plan.StatusRunning)
	if err != nil {
		return 0, err
	}
	for _, rec := range running {
		steps, err := q.StepResults(ctx, rec.Plan.ID)
		if err != nil {
			return 0, err
		}
		result := &plan.Result{
			PlanID:    rec.Plan.ID,
			Status:    plan.StatusFailed,
			Steps:     steps,
			Error:     InterruptedMessage,
			ErrorKind: "StepFailed",
		}
		if _, err := q.Transition(ctx, rec.Plan.ID, plan.StatusFailed, Change{
			From:   []plan.Status{plan.StatusRunning},
			Actor:  "recovery",
			Result: result,
			Detail: InterruptedMessage,
		}); err != nil {
			return 0, err
		}
	}
	return len(running), nil
}

// Prune deletes terminal plans that finished more than retention ago.
func (q *Queue) Prune(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := storage.FormatTime(q.clk.Now().Add(-retention))
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const victims = `SELECT id FROM plans WHERE finished_at IS NOT NULL AND finished_at < ?`
	for _, stmt := range []string{
		`DELETE FROM plan_steps WHERE plan_id IN (` + victims + `);`,
		`DELETE FROM plan_log WHERE plan_id IN (` + victims + `);`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, cutoff); err != nil {
			return 0, fmt.Errorf("prune plan children: %w", err)
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM plans WHERE finished_at IS NOT NULL AND finished_at < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune plans: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Log appends to a plan's audit trail.
func (q *Queue) Log(ctx context.Context, planID, event, stepID, actor, detail string) error {
	return appendLog(ctx, q.db, planID, q.now(), event, stepID, actor, detail)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func appendLog(ctx context.Context, db execer, planID, at, event, stepID, actor, detail string) error {
	if len(detail) > maxDetailBytes {
		detail = detail[:maxDetailBytes]
	}
	_, err := db.ExecContext(ctx, `
INSERT INTO plan_log(plan_id, at, event, step_id, actor, detail)
VALUES(?, ?, ?, ?, ?, ?);
`, planID, at, event, nullIfEmpty(stepID), nullIfEmpty(actor), nullIfEmpty(detail))
	if err != nil {
		return fmt.Errorf("append plan log: %w", err)
	}
	return nil
}

// History returns a plan's audit trail, oldest first.
func (q *Queue) History(ctx context.Context, planID string) ([]LogEntry, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT id, plan_id, at, event, step_id, actor, detail
FROM plan_log WHERE plan_id = ? ORDER BY id ASC;
`, planID)
	if err != nil {
		return nil, fmt.Errorf("query plan log: %w", err)
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var (
			e                     LogEntry
			at                    string
			stepID, actor, detail sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.PlanID, &at, &e.Event, &stepID, &actor, &detail); err != nil {
			return nil, fmt.Errorf("scan plan log: %w", err)
		}
		e.At = storage.ParseTime(at)
		e.StepID, e.Actor, e.Detail = stepID.String, actor.String, detail.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
