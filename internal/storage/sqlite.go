// Package storage opens the orchestrator's SQLite database.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist. The path must be on a local filesystem.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := CheckLocalFilesystem(path); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	// Pragmas in the DSN apply to every pooled connection, not just the first.
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables/indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS plans (
  id                TEXT PRIMARY KEY,
  task              TEXT NOT NULL,
  status            TEXT NOT NULL,
  requires_approval INTEGER NOT NULL,
  plan              JSON NOT NULL,
  result            JSON,
  approved_by       TEXT,
  denied_by         TEXT,
  denial_reason     TEXT,
  created_at        TEXT NOT NULL,
  updated_at        TEXT NOT NULL,
  queued_at         TEXT,
  started_at        TEXT,
  finished_at       TEXT
);`,
		`CREATE TABLE IF NOT EXISTS plan_steps (
  plan_id     TEXT NOT NULL REFERENCES plans(id) ON DELETE CASCADE,
  step_id     TEXT NOT NULL,
  seq         INTEGER NOT NULL,
  action      TEXT NOT NULL,
  project     TEXT NOT NULL,
  status      TEXT NOT NULL,
  result      JSON,
  updated_at  TEXT NOT NULL,
  PRIMARY KEY (plan_id, step_id)
);`,
		`CREATE TABLE IF NOT EXISTS plan_log (
  id       INTEGER PRIMARY KEY AUTOINCREMENT,
  plan_id  TEXT NOT NULL REFERENCES plans(id) ON DELETE CASCADE,
  at       TEXT NOT NULL,
  event    TEXT NOT NULL,
  step_id  TEXT,
  actor    TEXT,
  detail   TEXT
);`,
		`CREATE TABLE IF NOT EXISTS dispatch_meta (
  key        TEXT PRIMARY KEY,
  value      TEXT NOT NULL,
  updated_at TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS evaluations (
  id         TEXT PRIMARY KEY,
  plan_id    TEXT,
  unit_id    TEXT NOT NULL,
  project    TEXT NOT NULL,
  tests      TEXT NOT NULL,
  lint       TEXT NOT NULL,
  review     TEXT NOT NULL,
  overall    TEXT NOT NULL,
  feedback   TEXT,
  revision   INTEGER NOT NULL,
  signature  TEXT,
  at         TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS failure_signatures (
  signature  TEXT NOT NULL,
  unit_id    TEXT NOT NULL,
  first_seen TEXT NOT NULL,
  PRIMARY KEY (signature, unit_id)
);`,
		`CREATE TABLE IF NOT EXISTS proposals (
  id              TEXT PRIMARY KEY,
  type            TEXT NOT NULL,
  title           TEXT NOT NULL,
  rationale       TEXT NOT NULL,
  proposed_action TEXT NOT NULL,
  signature       TEXT,
  status          TEXT NOT NULL,
  decided_by      TEXT,
  note            TEXT,
  created_at      TEXT NOT NULL,
  updated_at      TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS escalations (
  id          TEXT PRIMARY KEY,
  plan_id     TEXT,
  unit_id     TEXT NOT NULL,
  project     TEXT NOT NULL,
  reason      TEXT NOT NULL,
  proposal_id TEXT,
  history     JSON NOT NULL,
  created_at  TEXT NOT NULL,
  resolved_at TEXT,
  resolved_by TEXT
);`,
		`CREATE TABLE IF NOT EXISTS autonomy_audit (
  id      INTEGER PRIMARY KEY AUTOINCREMENT,
  at      TEXT NOT NULL,
  actor   TEXT NOT NULL,
  scope   TEXT NOT NULL,
  level   TEXT NOT NULL,
  version INTEGER NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS plans_status_queued_at_idx ON plans(status, queued_at);`,
		`CREATE INDEX IF NOT EXISTS plan_log_plan_id_idx ON plan_log(plan_id, id);`,
		`CREATE INDEX IF NOT EXISTS evaluations_unit_idx ON evaluations(unit_id, at);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS proposals_signature_idx ON proposals(signature) WHERE signature IS NOT NULL AND signature != '';`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}

// FormatTime is the canonical timestamp encoding in the database.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTime decodes a stored timestamp; malformed values yield the zero time.
func ParseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// ParseNullTime decodes a nullable timestamp.
func ParseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := ParseTime(s.String)
	return &t
}
