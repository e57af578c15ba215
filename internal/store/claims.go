package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// WorkerClaim is the durable lock that keeps one batch in flight per name.
type WorkerClaim struct {
	Name      string     `json:"name"`
	ClaimedBy string     `json:"claimed_by,omitempty"`
	BatchID   string     `json:"batch_id,omitempty"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`
}

// ClaimWorker acquires (or refreshes, for the same owner) the named claim.
// A claim older than ttl is considered abandoned and can be taken over.
func (s *Store) ClaimWorker(ctx context.Context, name, owner, batchID string, now time.Time, ttl time.Duration) error {
	res, err := s.db.ExecContext(ctx, `INSERT INTO worker_claims(name, claimed_by, batch_id, claimed_at) VALUES(?,?,?,?)
		ON CONFLICT(name) DO UPDATE SET claimed_by=excluded.claimed_by, batch_id=excluded.batch_id, claimed_at=excluded.claimed_at
		WHERE worker_claims.claimed_by IS NULL
		   OR worker_claims.claimed_by=excluded.claimed_by
		   OR worker_claims.claimed_at < ?`,
		name, owner, batchID, now.Unix(), now.Add(-ttl).Unix())
	if err != nil {
		return fmt.Errorf("store: claim worker %s: %w", name, err)
	}
	if rowsAffected(res) == 0 {
		return ErrClaimed
	}
	return nil
}

// ReleaseWorker clears the claim if owner still holds it.
func (s *Store) ReleaseWorker(ctx context.Context, name, owner string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE worker_claims SET claimed_by=NULL, batch_id=NULL, claimed_at=NULL
		WHERE name=? AND claimed_by=?`, name, owner)
	if err != nil {
		return fmt.Errorf("store: release worker %s: %w", name, err)
	}
	return nil
}

// GetWorkerClaim returns the current state of a claim.
func (s *Store) GetWorkerClaim(ctx context.Context, name string) (*WorkerClaim, error) {
	var wc WorkerClaim
	var owner, batch sql.NullString
	var at sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT name, claimed_by, batch_id, claimed_at FROM worker_claims WHERE name=?`, name).
		Scan(&wc.Name, &owner, &batch, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get worker claim %s: %w", name, err)
	}
	wc.ClaimedBy = owner.String
	wc.BatchID = batch.String
	if at.Valid {
		t := time.Unix(at.Int64, 0).UTC()
		wc.ClaimedAt = &t
	}
	return &wc, nil
}
