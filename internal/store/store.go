package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrStaleStatus is returned when a conditional status update finds the
	// row in a different state than expected.
	ErrStaleStatus = errors.New("store: status changed concurrently")
	// ErrClaimed is returned when a claim is held by another owner.
	ErrClaimed = errors.New("store: claimed by another owner")
)

// Store wraps SQLite access for calls, audit results, users and batch runs.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// SQLite allows a single writer; one connection keeps conditional
	// updates serialized inside the process.
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Health runs a trivial query to verify the database is reachable.
func (s *Store) Health(ctx context.Context) error {
	var one int
	return s.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one)
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			name TEXT,
			created_at TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS calls (
			id TEXT PRIMARY KEY,
			agent_id TEXT,
			recording_url TEXT,
			transcript_text TEXT,
			duration_seconds INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'pending',
			call_date TIMESTAMP,
			call_type TEXT,
			campaign TEXT,
			customer_phone TEXT,
			customer_name TEXT,
			disposition TEXT,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			claimed_by TEXT,
			claimed_at INTEGER,
			created_at TIMESTAMP,
			updated_at TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_calls_status_created ON calls(status, created_at);`,
		`CREATE TABLE IF NOT EXISTS audit_results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			call_id TEXT NOT NULL,
			overall_score REAL NOT NULL,
			category_scores_json TEXT,
			criteria_results_json TEXT,
			feedback TEXT,
			strengths_json TEXT,
			improvements_json TEXT,
			summary TEXT,
			model TEXT,
			provider TEXT,
			processing_time_ms INTEGER,
			fallback INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_results_call ON audit_results(call_id, id);`,
		`CREATE TABLE IF NOT EXISTS batch_runs (
			id TEXT PRIMARY KEY,
			provider TEXT,
			worker_id TEXT,
			status TEXT,
			requested INTEGER,
			total INTEGER NOT NULL DEFAULT 0,
			successful INTEGER NOT NULL DEFAULT 0,
			failed INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			started_at TIMESTAMP,
			finished_at TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS batch_items (
			batch_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			call_id TEXT NOT NULL,
			success INTEGER NOT NULL,
			error TEXT,
			score REAL,
			fallback INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP,
			PRIMARY KEY (batch_id, seq)
		);`,
		`CREATE TABLE IF NOT EXISTS batch_item_logs (
			batch_id TEXT NOT NULL,
			call_id TEXT,
			line TEXT,
			created_at TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_batch_item_logs_batch ON batch_item_logs(batch_id);`,
		`CREATE TABLE IF NOT EXISTS worker_claims (
			name TEXT PRIMARY KEY,
			claimed_by TEXT,
			batch_id TEXT,
			claimed_at INTEGER
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func nullString(v string) sql.NullString {
	if strings.TrimSpace(v) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func rowsAffected(res sql.Result) int64 {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return n
}
