// Package state persists evaluation history, failure signatures, enhancement
// proposals, escalations and the autonomy audit trail.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mattjoyce/foreman/internal/clock"
	"github.com/mattjoyce/foreman/internal/evaluator"
	"github.com/mattjoyce/foreman/internal/proposal"
	"github.com/mattjoyce/foreman/internal/storage"
)

var ErrEscalationNotFound = errors.New("escalation not found")

type Store struct {
	db  *sql.DB
	clk clock.Clock
}

var (
	_ evaluator.Store = (*Store)(nil)
	_ proposal.Store  = (*Store)(nil)
)

func NewStore(db *sql.DB, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.Real()
	}
	return &Store{db: db, clk: clk}
}

// AppendEvaluation adds to the append-only evaluation history.
func (s *Store) AppendEvaluation(ctx context.Context, r evaluator.Result) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO evaluations(id, plan_id, unit_id, project, tests, lint, review, overall, feedback, revision, signature, at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, r.ID, r.PlanID, r.UnitID, r.Project, r.Tests, r.Lint, r.Review, r.Overall, r.Feedback, r.Revision, r.Signature, storage.FormatTime(r.At))
	if err != nil {
		return fmt.Errorf("insert evaluation: %w", err)
	}
	return nil
}

// History returns a unit's evaluations, oldest first.
func (s *Store) History(ctx context.Context, unitID string) ([]evaluator.Result, error) {
	return s.queryEvaluations(ctx, `WHERE unit_id = ? ORDER BY at ASC, rowid ASC`, unitID)
}

// PlanEvaluations returns every evaluation recorded under a plan.
func (s *Store) PlanEvaluations(ctx context.Context, planID string) ([]evaluator.Result, error) {
	return s.queryEvaluations(ctx, `WHERE plan_id = ? ORDER BY at ASC, rowid ASC`, planID)
}

func (s *Store) queryEvaluations(ctx context.Context, where string, args ...any) ([]evaluator.Result, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, plan_id, unit_id, project, tests, lint, review, overall, feedback, revision, signature, at
FROM evaluations `+where+`;`, args...)
	if err != nil {
		return nil, fmt.Errorf("query evaluations: %w", err)
	}
	defer rows.Close()

	var out []evaluator.Result
	for rows.Next() {
		var (
			r                                evaluator.Result
			planID, feedback, signature      sql.NullString
			tests, lint, review, overall, at string
		)
		if err := rows.Scan(&r.ID, &planID, &r.UnitID, &r.Project, &tests, &lint, &review, &overall, &feedback, &r.Revision, &signature, &at); err != nil {
			return nil, fmt.Errorf("scan evaluation: %w", err)
		}
		r.PlanID, r.Feedback, r.Signature = planID.String, feedback.String, signature.String
		r.Tests, r.Lint, r.Review, r.Overall = evaluator.Score(tests), evaluator.Score(lint), evaluator.Score(review), evaluator.Score(overall)
		r.At = storage.ParseTime(at)
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordSignature notes a failure signature for a unit and returns how many
// distinct units have hit it.
func (s *Store) RecordSignature(ctx context.Context, signature, unitID string) (int, error) {
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO failure_signatures(signature, unit_id, first_seen) VALUES(?, ?, ?)
ON CONFLICT(signature, unit_id) DO NOTHING;
`, signature, unitID, storage.FormatTime(s.clk.Now())); err != nil {
		return 0, fmt.Errorf("record signature: %w", err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM failure_signatures WHERE signature = ?;`, signature).Scan(&n); err != nil {
		return 0, fmt.Errorf("count signature: %w", err)
	}
	return n, nil
}

const proposalColumns = `id, type, title, rationale, proposed_action, signature, status, decided_by, note, created_at, updated_at`

func scanProposal(row interface{ Scan(...any) error }) (proposal.Proposal, error) {
	var (
		p                          proposal.Proposal
		signature, decidedBy, note sql.NullString
		status, createdAt, updated string
	)
	err := row.Scan(&p.ID, &p.Type, &p.Title, &p.Rationale, &p.ProposedAction, &signature, &status, &decidedBy, &note, &createdAt, &updated)
	if err != nil {
		return proposal.Proposal{}, err
	}
	p.Signature, p.DecidedBy, p.Note = signature.String, decidedBy.String, note.String
	p.Status = proposal.Status(status)
	p.CreatedAt = storage.ParseTime(createdAt)
	p.UpdatedAt = storage.ParseTime(updated)
	return p, nil
}

// SaveProposal inserts or updates a proposal.
func (s *Store) SaveProposal(ctx context.Context, p proposal.Proposal) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO proposals(`+proposalColumns+`)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  status = excluded.status,
  decided_by = excluded.decided_by,
  note = excluded.note,
  updated_at = excluded.updated_at;
`, p.ID, p.Type, p.Title, p.Rationale, p.ProposedAction, nullIfEmpty(p.Signature), p.Status,
		nullIfEmpty(p.DecidedBy), nullIfEmpty(p.Note), storage.FormatTime(p.CreatedAt), storage.FormatTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save proposal: %w", err)
	}
	return nil
}

func (s *Store) GetProposal(ctx context.Context, id string) (proposal.Proposal, error) {
	p, err := scanProposal(s.db.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id = ?;`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return proposal.Proposal{}, fmt.Errorf("%w: %s", proposal.ErrNotFound, id)
	}
	if err != nil {
		return proposal.Proposal{}, fmt.Errorf("load proposal: %w", err)
	}
	return p, nil
}

// ProposalForSignature finds the proposal already raised for a signature.
func (s *Store) ProposalForSignature(ctx context.Context, signature string) (proposal.Proposal, bool, error) {
	p, err := scanProposal(s.db.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE signature = ?;`, signature))
	if errors.Is(err, sql.ErrNoRows) {
		return proposal.Proposal{}, false, nil
	}
	if err != nil {
		return proposal.Proposal{}, false, fmt.Errorf("load proposal: %w", err)
	}
	return p, true, nil
}

// ListProposals lists proposals, optionally filtered by status, newest first.
func (s *Store) ListProposals(ctx context.Context, status proposal.Status) ([]proposal.Proposal, error) {
	query := `SELECT ` + proposalColumns + ` FROM proposals`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY created_at DESC;`, args...)
	if err != nil {
		return nil, fmt.Errorf("query proposals: %w", err)
	}
	defer rows.Close()

	var out []proposal.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan proposal: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// RecordEscalation stores an escalation with its evaluation history.
func (s *Store) RecordEscalation(ctx context.Context, e evaluator.Escalation) error {
	history, err := json.Marshal(e.History)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO escalations(id, plan_id, unit_id, project, reason, proposal_id, history, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?);
`, e.ID, nullIfEmpty(e.PlanID), e.UnitID, e.Project, e.Reason, nullIfEmpty(e.ProposalID), string(history), storage.FormatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert escalation: %w", err)
	}
	return nil
}

// Escalation is a stored escalation and its resolution.
type Escalation struct {
	evaluator.Escalation
	ResolvedBy string `json:"resolved_by,omitempty"`
	Resolved   bool   `json:"resolved"`
}

// Escalations lists escalations, unresolved only when open is set.
func (s *Store) Escalations(ctx context.Context, open bool) ([]Escalation, error) {
	return s.queryEscalations(ctx, open, "", nil)
}

// PlanEscalations lists the escalations raised under a plan.
func (s *Store) PlanEscalations(ctx context.Context, planID string) ([]Escalation, error) {
	return s.queryEscalations(ctx, false, "plan_id = ?", []any{planID})
}

func (s *Store) queryEscalations(ctx context.Context, open bool, cond string, args []any) ([]Escalation, error) {
	query := `SELECT id, plan_id, unit_id, project, reason, proposal_id, history, created_at, resolved_by FROM escalations`
	var where []string
	if open {
		where = append(where, "resolved_at IS NULL")
	}
	if cond != "" {
		where = append(where, cond)
	}
	for i, w := range where {
		if i == 0 {
			query += " WHERE " + w
		} else {
			query += " AND " + w
		}
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY created_at ASC;`, args...)
	if err != nil {
		return nil, fmt.Errorf("query escalations: %w", err)
	}
	defer rows.Close()

	var out []Escalation
	for rows.Next() {
		var (
			e                              Escalation
			planID, proposalID, resolvedBy sql.NullString
			history, createdAt             string
		)
		if err := rows.Scan(&e.ID, &planID, &e.UnitID, &e.Project, &e.Reason, &proposalID, &history, &createdAt, &resolvedBy); err != nil {
			return nil, fmt.Errorf("scan escalation: %w", err)
		}
		if err := json.Unmarshal([]byte(history), &e.History); err != nil {
			return nil, fmt.Errorf("decode escalation history: %w", err)
		}
		e.PlanID, e.ProposalID = planID.String, proposalID.String
		e.ResolvedBy, e.Resolved = resolvedBy.String, resolvedBy.Valid
		e.CreatedAt = storage.ParseTime(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ResolveEscalation marks an escalation handled by a human.
func (s *Store) ResolveEscalation(ctx context.Context, id, actor string) error {
	if actor == "" {
		return fmt.Errorf("actor is required to resolve an escalation")
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE escalations SET resolved_at = ?, resolved_by = ? WHERE id = ? AND resolved_at IS NULL;
`, storage.FormatTime(s.clk.Now()), actor, id)
	if err != nil {
		return fmt.Errorf("resolve escalation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w (or already resolved): %s", ErrEscalationNotFound, id)
	}
	return nil
}

// AutonomyChange is one entry of the autonomy audit trail.
type AutonomyChange struct {
	Actor   string `json:"actor"`
	Scope   string `json:"scope"`
	Level   string `json:"level"`
	Version uint64 `json:"version"`
}

// RecordAutonomyChange appends to the autonomy audit trail.
func (s *Store) RecordAutonomyChange(ctx context.Context, c AutonomyChange) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO autonomy_audit(at, actor, scope, level, version) VALUES(?, ?, ?, ?, ?);
`, storage.FormatTime(s.clk.Now()), c.Actor, c.Scope, c.Level, int64(c.Version))
	if err != nil {
		return fmt.Errorf("record autonomy change: %w", err)
	}
	return nil
}

// AutonomyChanges returns the audit trail, oldest first.
func (s *Store) AutonomyChanges(ctx context.Context) ([]AutonomyChange, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT actor, scope, level, version FROM autonomy_audit ORDER BY id ASC;`)
	if err != nil {
		return nil, fmt.Errorf("query autonomy audit: %w", err)
	}
	defer rows.Close()
	var out []AutonomyChange
	for rows.Next() {
		var (
			c       AutonomyChange
			version int64
		)
		if err := rows.Scan(&c.Actor, &c.Scope, &c.Level, &version); err != nil {
			return nil, fmt.Errorf("scan autonomy audit: %w", err)
		}
		c.Version = uint64(version)
		out = append(out, c)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
