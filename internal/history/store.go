// Package history journals build-and-flash invocations in a local sqlite
// database so past runs can be inspected without digging through logs.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("run not found")

// Outcomes recorded for a run.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
	OutcomeNoPort  = "no-port"
)

// Run is one recorded invocation.
type Run struct {
	RunID         string
	StartedAt     time.Time
	FinishedAt    *time.Time
	FQBN          string
	Family        string
	Fingerprint   string
	Rebuilt       bool
	Outcome       string
	FlashAttempts int
	Port          string
}

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	started_at TEXT NOT NULL,
	finished_at TEXT,
	fqbn TEXT NOT NULL,
	family TEXT NOT NULL,
	fingerprint TEXT NOT NULL DEFAULT '',
	rebuilt INTEGER NOT NULL DEFAULT 0,
	outcome TEXT NOT NULL DEFAULT '',
	flash_attempts INTEGER NOT NULL DEFAULT 0,
	port TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at DESC);
`)
	if err != nil {
		return fmt.Errorf("apply history schema: %w", err)
	}
	return nil
}

// Begin records the start of an invocation and returns its run id.
func (s *Store) Begin(ctx context.Context, fqbn, family, fingerprint string, rebuilt bool) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO runs(run_id, started_at, fqbn, family, fingerprint, rebuilt)
VALUES (?, ?, ?, ?, ?, ?)
`, id, ts(time.Now().UTC()), fqbn, family, fingerprint, boolToInt(rebuilt))
	if err != nil {
		return "", fmt.Errorf("record run start: %w", err)
	}
	return id, nil
}

// Finish closes out a run with its outcome.
func (s *Store) Finish(ctx context.Context, runID, outcome string, flashAttempts int, port string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE runs SET finished_at = ?, outcome = ?, flash_attempts = ?, port = ?
WHERE run_id = ?
`, ts(time.Now().UTC()), outcome, flashAttempts, port, runID)
	if err != nil {
		return fmt.Errorf("record run finish: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("record run finish: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	return nil
}

// Recent returns the latest runs, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT run_id, started_at, finished_at, fqbn, family, fingerprint, rebuilt, outcome, flash_attempts, port
FROM runs ORDER BY started_at DESC, run_id LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var started string
		var finished sql.NullString
		var rebuilt int
		if err := rows.Scan(&r.RunID, &started, &finished, &r.FQBN, &r.Family, &r.Fingerprint, &rebuilt, &r.Outcome, &r.FlashAttempts, &r.Port); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.StartedAt = parseTS(started)
		if finished.Valid {
			t := parseTS(finished.String)
			r.FinishedAt = &t
		}
		r.Rebuilt = rebuilt != 0
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

func ts(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

func parseTS(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
