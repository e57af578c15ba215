package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"call_audit/internal/callstate"
	"github.com/google/uuid"
)

// Call is a recording (or imported transcript) moving through the pipeline.
type Call struct {
	ID              string           `json:"id"`
	AgentID         string           `json:"agent_id,omitempty"`
	RecordingURL    string           `json:"recording_url,omitempty"`
	TranscriptText  string           `json:"transcript_text,omitempty"`
	DurationSeconds int              `json:"duration_seconds"`
	Status          callstate.Status `json:"status"`
	CallDate        *time.Time       `json:"call_date,omitempty"`
	CallType        string           `json:"call_type,omitempty"`
	Campaign        string           `json:"campaign,omitempty"`
	CustomerPhone   string           `json:"customer_phone,omitempty"`
	CustomerName    string           `json:"customer_name,omitempty"`
	Disposition     string           `json:"disposition,omitempty"`
	Attempts        int              `json:"attempts"`
	LastError       *string          `json:"last_error"`
	ClaimedBy       string           `json:"claimed_by,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

const callColumns = `id, agent_id, recording_url, transcript_text, duration_seconds, status, call_date,
	call_type, campaign, customer_phone, customer_name, disposition, attempts, last_error, claimed_by,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(row rowScanner) (*Call, error) {
	var c Call
	var agent, url, transcript, callType, campaign, phone, name, disposition, lastErr, claimedBy sql.NullString
	var callDate sql.NullTime
	var status string
	if err := row.Scan(&c.ID, &agent, &url, &transcript, &c.DurationSeconds, &status, &callDate,
		&callType, &campaign, &phone, &name, &disposition, &c.Attempts, &lastErr, &claimedBy,
		&c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Status = callstate.Status(status)
	c.AgentID = agent.String
	c.RecordingURL = url.String
	c.TranscriptText = transcript.String
	c.CallType = callType.String
	c.Campaign = campaign.String
	c.CustomerPhone = phone.String
	c.CustomerName = name.String
	c.Disposition = disposition.String
	c.ClaimedBy = claimedBy.String
	if callDate.Valid {
		t := callDate.Time
		c.CallDate = &t
	}
	if lastErr.Valid {
		msg := lastErr.String
		c.LastError = &msg
	}
	return &c, nil
}

// CreateCall inserts a new call. Empty ID and status are filled in.
func (s *Store) CreateCall(ctx context.Context, c *Call, now time.Time) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = callstate.Pending
	}
	if !c.Status.Valid() {
		return fmt.Errorf("store: create call %s: invalid status %q", c.ID, c.Status)
	}
	c.CreatedAt, c.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx, `INSERT INTO calls(id, agent_id, recording_url, transcript_text, duration_seconds, status,
		call_date, call_type, campaign, customer_phone, customer_name, disposition, created_at, updated_at)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, nullString(c.AgentID), nullString(c.RecordingURL), nullString(c.TranscriptText), c.DurationSeconds, string(c.Status),
		nullTime(c.CallDate), nullString(c.CallType), nullString(c.Campaign), nullString(c.CustomerPhone),
		nullString(c.CustomerName), nullString(c.Disposition), now, now)
	if err != nil {
		return fmt.Errorf("store: create call %s: %w", c.ID, err)
	}
	return nil
}

// GetCall returns a call by id.
func (s *Store) GetCall(ctx context.Context, id string) (*Call, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+callColumns+` FROM calls WHERE id=?`, id)
	c, err := scanCall(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get call %s: %w", id, err)
	}
	return c, nil
}

// ListCalls returns calls newest first, optionally filtered by status.
func (s *Store) ListCalls(ctx context.Context, status callstate.Status, limit int) ([]Call, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + callColumns + ` FROM calls`
	args := []any{}
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)
	return s.queryCalls(ctx, query, args...)
}

// SelectEligible returns up to limit calls that a batch may process, oldest
// first. Calls whose claim is younger than claimTTL are skipped.
func (s *Store) SelectEligible(ctx context.Context, limit int, now time.Time, claimTTL time.Duration) ([]Call, error) {
	if limit <= 0 {
		return nil, nil
	}
	staleBefore := now.Add(-claimTTL).Unix()
	return s.queryCalls(ctx, `SELECT `+callColumns+` FROM calls
		WHERE status=?
		  AND recording_url IS NOT NULL AND TRIM(recording_url) <> ''
		  AND duration_seconds BETWEEN ? AND ?
		  AND (claimed_by IS NULL OR claimed_at < ?)
		ORDER BY created_at, rowid
		LIMIT ?`,
		string(callstate.Pending), callstate.MinDurationSeconds, callstate.MaxDurationSeconds, staleBefore, limit)
}

func (s *Store) queryCalls(ctx context.Context, query string, args ...any) ([]Call, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query calls: %w", err)
	}
	defer rows.Close()
	var out []Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan call: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// ClaimCall marks the call as owned by owner. It fails with ErrClaimed when a
// live claim belongs to someone else.
func (s *Store) ClaimCall(ctx context.Context, id, owner string, now time.Time, ttl time.Duration) error {
	res, err := s.db.ExecContext(ctx, `UPDATE calls SET claimed_by=?, claimed_at=?
		WHERE id=? AND (claimed_by IS NULL OR claimed_by=? OR claimed_at < ?)`,
		owner, now.Unix(), id, owner, now.Add(-ttl).Unix())
	if err != nil {
		return fmt.Errorf("store: claim call %s: %w", id, err)
	}
	if rowsAffected(res) == 0 {
		if _, err := s.GetCall(ctx, id); err != nil {
			return err
		}
		return ErrClaimed
	}
	return nil
}

// ReleaseCall drops owner's claim on the call. Releasing a claim that is not
// held is a no-op.
func (s *Store) ReleaseCall(ctx context.Context, id, owner string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE calls SET claimed_by=NULL, claimed_at=NULL WHERE id=? AND claimed_by=?`, id, owner)
	if err != nil {
		return fmt.Errorf("store: release call %s: %w", id, err)
	}
	return nil
}

// SaveTranscript stores the transcript and moves the call pending -> transcribed
// in one statement.
func (s *Store) SaveTranscript(ctx context.Context, id, text string, now time.Time) error {
	trimmed, err := callstate.CheckTranscript(text)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE calls SET transcript_text=?, status=?, last_error=NULL, updated_at=?
		WHERE id=? AND status=?`,
		trimmed, string(callstate.Transcribed), now, id, string(callstate.Pending))
	if err != nil {
		return fmt.Errorf("store: save transcript %s: %w", id, err)
	}
	if rowsAffected(res) == 0 {
		return s.staleOrMissing(ctx, id)
	}
	return nil
}

// RecordFailure stores the failure message on the call and returns the
// resulting status. Calls already transcribed move to failed; pending calls
// stay retryable until maxAttempts is reached or the failure is permanent.
func (s *Store) RecordFailure(ctx context.Context, id, msg string, permanent bool, maxAttempts int, now time.Time) (callstate.Status, error) {
	_, err := s.db.ExecContext(ctx, `UPDATE calls SET
			last_error=?,
			attempts=attempts+1,
			updated_at=?,
			status=CASE
				WHEN status=? THEN ?
				WHEN ?=1 OR attempts+1 >= ? THEN ?
				ELSE status
			END
		WHERE id=? AND status IN (?, ?)`,
		msg, now,
		string(callstate.Transcribed), string(callstate.Failed),
		boolInt(permanent), maxAttempts, string(callstate.Failed),
		id, string(callstate.Pending), string(callstate.Transcribed))
	if err != nil {
		return "", fmt.Errorf("store: record failure %s: %w", id, err)
	}
	c, err := s.GetCall(ctx, id)
	if err != nil {
		return "", err
	}
	return c.Status, nil
}

// ResetCall moves a failed call back to pending, keeping any transcript.
func (s *Store) ResetCall(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE calls SET status=?, attempts=0, last_error=NULL,
		claimed_by=NULL, claimed_at=NULL, updated_at=?
		WHERE id=? AND status=?`,
		string(callstate.Pending), now, id, string(callstate.Failed))
	if err != nil {
		return fmt.Errorf("store: reset call %s: %w", id, err)
	}
	if rowsAffected(res) == 0 {
		c, err := s.GetCall(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %w", ErrStaleStatus, callstate.Transition(c.Status, callstate.Pending))
	}
	return nil
}

// CountByStatus returns the number of calls per status.
func (s *Store) CountByStatus(ctx context.Context) (map[callstate.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM calls GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("store: count calls: %w", err)
	}
	defer rows.Close()
	out := map[callstate.Status]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[callstate.Status(status)] = n
	}
	return out, rows.Err()
}

func (s *Store) staleOrMissing(ctx context.Context, id string) error {
	if _, err := s.GetCall(ctx, id); err != nil {
		return err
	}
	return ErrStaleStatus
}
