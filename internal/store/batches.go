package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Batch run statuses.
const (
	BatchRunning     = "running"
	BatchCompleted   = "completed"
	BatchFailed      = "failed"
	BatchInterrupted = "interrupted"
)

// BatchRun is one pass of the orchestrator over a bounded set of calls.
type BatchRun struct {
	ID         string      `json:"batch_id"`
	Provider   string      `json:"provider"`
	WorkerID   string      `json:"worker_id"`
	Status     string      `json:"status"`
	Requested  int         `json:"requested"`
	Total      int         `json:"total"`
	Successful int         `json:"successful"`
	Failed     int         `json:"failed"`
	LastError  string      `json:"last_error,omitempty"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	Results    []BatchItem `json:"results,omitempty"`
}

// BatchItem is the outcome of processing one call within a run.
type BatchItem struct {
	Seq       int       `json:"seq"`
	CallID    string    `json:"call_id"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Score     *float64  `json:"score,omitempty"`
	Fallback  bool      `json:"fallback,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// BatchLog is a free-form progress line recorded during a run.
type BatchLog struct {
	BatchID   string    `json:"batch_id"`
	CallID    string    `json:"call_id,omitempty"`
	Line      string    `json:"line"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateBatchRun persists a new run row.
func (s *Store) CreateBatchRun(ctx context.Context, r *BatchRun) error {
	if r.Status == "" {
		r.Status = BatchRunning
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO batch_runs(id, provider, worker_id, status, requested, total, successful, failed, started_at)
		VALUES(?,?,?,?,?,?,?,?,?)`,
		r.ID, r.Provider, r.WorkerID, r.Status, r.Requested, r.Total, r.Successful, r.Failed, r.StartedAt)
	if err != nil {
		return fmt.Errorf("store: create batch run %s: %w", r.ID, err)
	}
	return nil
}

// AppendBatchItem records one item result. Re-recording the same seq replaces it.
func (s *Store) AppendBatchItem(ctx context.Context, batchID string, item BatchItem) error {
	var score sql.NullFloat64
	if item.Score != nil {
		score = sql.NullFloat64{Float64: *item.Score, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO batch_items(batch_id, seq, call_id, success, error, score, fallback, created_at)
		VALUES(?,?,?,?,?,?,?,?)
		ON CONFLICT(batch_id, seq) DO UPDATE SET call_id=excluded.call_id, success=excluded.success, error=excluded.error,
			score=excluded.score, fallback=excluded.fallback, created_at=excluded.created_at`,
		batchID, item.Seq, item.CallID, boolInt(item.Success), nullString(item.Error), score, boolInt(item.Fallback), item.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: append batch item %s/%d: %w", batchID, item.Seq, err)
	}
	return nil
}

// UpdateBatchProgress stores running totals for an in-flight run.
func (s *Store) UpdateBatchProgress(ctx context.Context, r *BatchRun) error {
	_, err := s.db.ExecContext(ctx, `UPDATE batch_runs SET total=?, successful=?, failed=? WHERE id=?`,
		r.Total, r.Successful, r.Failed, r.ID)
	if err != nil {
		return fmt.Errorf("store: update batch run %s: %w", r.ID, err)
	}
	return nil
}

// FinishBatchRun stores final totals and status.
func (s *Store) FinishBatchRun(ctx context.Context, r *BatchRun) error {
	res, err := s.db.ExecContext(ctx, `UPDATE batch_runs SET status=?, total=?, successful=?, failed=?, last_error=?, finished_at=?
		WHERE id=?`,
		r.Status, r.Total, r.Successful, r.Failed, nullString(r.LastError), nullTime(r.FinishedAt), r.ID)
	if err != nil {
		return fmt.Errorf("store: finish batch run %s: %w", r.ID, err)
	}
	if rowsAffected(res) == 0 {
		return ErrNotFound
	}
	return nil
}

// Recovery summarizes what RecoverWorker cleaned up.
type Recovery struct {
	InterruptedRuns int64
	ReleasedCalls   int64
	ReleasedClaim   bool
}

// RecoverWorker undoes what a crashed process under workerID left behind:
// its running batch runs become interrupted, the call claims those runs held
// are dropped, and the named worker claim is released if workerID owns it.
func (s *Store) RecoverWorker(ctx context.Context, claimName, workerID string, now time.Time) (*Recovery, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: recover worker: %w", err)
	}
	defer tx.Rollback()

	var rec Recovery
	res, err := tx.ExecContext(ctx, `UPDATE calls SET claimed_by=NULL, claimed_at=NULL
		WHERE claimed_by IN (SELECT id FROM batch_runs WHERE status=? AND worker_id=?)`, BatchRunning, workerID)
	if err != nil {
		return nil, fmt.Errorf("store: release call claims: %w", err)
	}
	rec.ReleasedCalls = rowsAffected(res)

	res, err = tx.ExecContext(ctx, `UPDATE batch_runs SET status=?, finished_at=?, last_error=?
		WHERE status=? AND worker_id=?`,
		BatchInterrupted, now, "worker restarted before the run finished", BatchRunning, workerID)
	if err != nil {
		return nil, fmt.Errorf("store: mark interrupted runs: %w", err)
	}
	rec.InterruptedRuns = rowsAffected(res)

	res, err = tx.ExecContext(ctx, `UPDATE worker_claims SET claimed_by=NULL, batch_id=NULL, claimed_at=NULL
		WHERE name=? AND claimed_by=?`, claimName, workerID)
	if err != nil {
		return nil, fmt.Errorf("store: release worker %s: %w", claimName, err)
	}
	rec.ReleasedClaim = rowsAffected(res) > 0

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: recover worker: %w", err)
	}
	return &rec, nil
}

const batchColumns = `id, provider, worker_id, status, requested, total, successful, failed, last_error, started_at, finished_at`

func scanBatchRun(row rowScanner) (*BatchRun, error) {
	var r BatchRun
	var provider, worker, lastErr sql.NullString
	var finished sql.NullTime
	if err := row.Scan(&r.ID, &provider, &worker, &r.Status, &r.Requested, &r.Total, &r.Successful, &r.Failed,
		&lastErr, &r.StartedAt, &finished); err != nil {
		return nil, err
	}
	r.Provider = provider.String
	r.WorkerID = worker.String
	r.LastError = lastErr.String
	if finished.Valid {
		t := finished.Time
		r.FinishedAt = &t
	}
	return &r, nil
}

// GetBatchRun returns a run with its item results.
func (s *Store) GetBatchRun(ctx context.Context, id string) (*BatchRun, error) {
	r, err := scanBatchRun(s.db.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batch_runs WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get batch run %s: %w", id, err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT seq, call_id, success, error, score, fallback, created_at
		FROM batch_items WHERE batch_id=? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("store: batch items %s: %w", id, err)
	}
	defer rows.Close()
	r.Results = []BatchItem{}
	for rows.Next() {
		var it BatchItem
		var success, fallback int
		var msg sql.NullString
		var score sql.NullFloat64
		if err := rows.Scan(&it.Seq, &it.CallID, &success, &msg, &score, &fallback, &it.CreatedAt); err != nil {
			return nil, err
		}
		it.Success = success == 1
		it.Fallback = fallback == 1
		it.Error = msg.String
		if score.Valid {
			v := score.Float64
			it.Score = &v
		}
		r.Results = append(r.Results, it)
	}
	return r, rows.Err()
}

// ListBatchRuns returns recent runs without their items, newest first.
func (s *Store) ListBatchRuns(ctx context.Context, limit int) ([]BatchRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+batchColumns+` FROM batch_runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list batch runs: %w", err)
	}
	defer rows.Close()
	var out []BatchRun
	for rows.Next() {
		r, err := scanBatchRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// AppendBatchLog persists a progress line for a run.
func (s *Store) AppendBatchLog(ctx context.Context, batchID, callID, line string, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO batch_item_logs(batch_id, call_id, line, created_at) VALUES(?,?,?,?)`,
		batchID, nullString(callID), line, ts)
	return err
}

// BatchLogs returns the progress lines of a run in insertion order.
func (s *Store) BatchLogs(ctx context.Context, batchID string) ([]BatchLog, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT batch_id, call_id, line, created_at FROM batch_item_logs
		WHERE batch_id=? ORDER BY rowid`, batchID)
	if err != nil {
		return nil, fmt.Errorf("store: batch logs %s: %w", batchID, err)
	}
	defer rows.Close()
	var out []BatchLog
	for rows.Next() {
		var l BatchLog
		var callID sql.NullString
		if err := rows.Scan(&l.BatchID, &callID, &l.Line, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.CallID = callID.String
		out = append(out, l)
	}
	return out, rows.Err()
}
