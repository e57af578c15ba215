package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"call_audit/internal/callstate"
)

// CriterionResult is the verdict for a single audit criterion.
type CriterionResult struct {
	Code        string `json:"code"`
	Name        string `json:"name"`
	Result      string `json:"result"`
	Explanation string `json:"explanation"`
}

// AuditResult is one scoring of a call. The row with the highest id is the
// current result for that call.
type AuditResult struct {
	ID               int64              `json:"id"`
	CallID           string             `json:"call_id"`
	OverallScore     float64            `json:"overall_score"`
	CategoryScores   map[string]float64 `json:"category_scores"`
	CriteriaResults  []CriterionResult  `json:"criteria_results"`
	Feedback         string             `json:"feedback"`
	Strengths        []string           `json:"strengths"`
	Improvements     []string           `json:"improvements"`
	Summary          string             `json:"summary"`
	Model            string             `json:"model"`
	Provider         string             `json:"provider"`
	ProcessingTimeMS int64              `json:"processing_time_ms"`
	Fallback         bool               `json:"fallback"`
	CreatedAt        time.Time          `json:"created_at"`
}

// SaveAudit inserts the result and moves the call transcribed -> audited in a
// single transaction. The returned id is the new audit_results row.
func (s *Store) SaveAudit(ctx context.Context, r *AuditResult, now time.Time) (int64, error) {
	categories, err := json.Marshal(nonNilMap(r.CategoryScores))
	if err != nil {
		return 0, fmt.Errorf("store: encode category scores: %w", err)
	}
	criteria, err := json.Marshal(nonNilCriteria(r.CriteriaResults))
	if err != nil {
		return 0, fmt.Errorf("store: encode criteria: %w", err)
	}
	strengths, _ := json.Marshal(nonNilStrings(r.Strengths))
	improvements, _ := json.Marshal(nonNilStrings(r.Improvements))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: begin audit tx: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO audit_results(call_id, overall_score, category_scores_json, criteria_results_json,
		feedback, strengths_json, improvements_json, summary, model, provider, processing_time_ms, fallback, created_at)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.CallID, r.OverallScore, string(categories), string(criteria), r.Feedback, string(strengths), string(improvements),
		r.Summary, r.Model, r.Provider, r.ProcessingTimeMS, boolInt(r.Fallback), now)
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("store: insert audit result %s: %w", r.CallID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("store: audit result id: %w", err)
	}
	if err := callstate.CheckAudited(callstate.Transcribed, id); err != nil {
		tx.Rollback()
		return 0, err
	}
	upd, err := tx.ExecContext(ctx, `UPDATE calls SET status=?, last_error=NULL, updated_at=? WHERE id=? AND status=?`,
		string(callstate.Audited), now, r.CallID, string(callstate.Transcribed))
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("store: mark audited %s: %w", r.CallID, err)
	}
	if rowsAffected(upd) == 0 {
		tx.Rollback()
		return 0, s.staleOrMissing(ctx, r.CallID)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit audit %s: %w", r.CallID, err)
	}
	r.ID = id
	r.CreatedAt = now
	return id, nil
}

// LatestAuditResult returns the authoritative result for a call.
func (s *Store) LatestAuditResult(ctx context.Context, callID string) (*AuditResult, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, call_id, overall_score, category_scores_json, criteria_results_json,
		feedback, strengths_json, improvements_json, summary, model, provider, processing_time_ms, fallback, created_at
		FROM audit_results WHERE call_id=? ORDER BY id DESC LIMIT 1`, callID)

	var r AuditResult
	var categories, criteria, feedback, strengths, improvements, summary, model, provider sql.NullString
	var elapsed sql.NullInt64
	var fallback int
	err := row.Scan(&r.ID, &r.CallID, &r.OverallScore, &categories, &criteria, &feedback, &strengths, &improvements,
		&summary, &model, &provider, &elapsed, &fallback, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: latest audit %s: %w", callID, err)
	}
	r.Feedback = feedback.String
	r.Summary = summary.String
	r.Model = model.String
	r.Provider = provider.String
	r.ProcessingTimeMS = elapsed.Int64
	r.Fallback = fallback == 1
	r.CategoryScores = map[string]float64{}
	r.CriteriaResults = []CriterionResult{}
	decodeJSON(categories, &r.CategoryScores)
	decodeJSON(criteria, &r.CriteriaResults)
	decodeJSON(strengths, &r.Strengths)
	decodeJSON(improvements, &r.Improvements)
	return &r, nil
}

func decodeJSON(src sql.NullString, dst any) {
	if !src.Valid || src.String == "" {
		return
	}
	_ = json.Unmarshal([]byte(src.String), dst)
}

func nonNilMap(m map[string]float64) map[string]float64 {
	if m == nil {
		return map[string]float64{}
	}
	return m
}

func nonNilCriteria(c []CriterionResult) []CriterionResult {
	if c == nil {
		return []CriterionResult{}
	}
	return c
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
