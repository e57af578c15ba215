package store

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"call_audit/internal/callstate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var longTranscript = strings.Repeat("Thank you for calling, how can I help today? ", 3)

func openTest(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func testNow() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func mustCreate(t *testing.T, st *Store, c Call, at time.Time) *Call {
	t.Helper()
	require.NoError(t, st.CreateCall(context.Background(), &c, at))
	return &c
}

func TestHealth(t *testing.T) {
	st := openTest(t)
	require.NoError(t, st.Health(context.Background()))
}

func TestCreateAndGetCall(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	date := time.Date(2026, 2, 27, 9, 30, 0, 0, time.UTC)
	c := mustCreate(t, st, Call{RecordingURL: "https://rec/1.mp3", DurationSeconds: 95, CallDate: &date, Campaign: "spring"}, testNow())
	require.NotEmpty(t, c.ID)

	got, err := st.GetCall(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, callstate.Pending, got.Status)
	assert.Equal(t, "https://rec/1.mp3", got.RecordingURL)
	assert.Equal(t, "spring", got.Campaign)
	require.NotNil(t, got.CallDate)
	assert.True(t, date.Equal(*got.CallDate))
	assert.Nil(t, got.LastError)

	_, err = st.GetCall(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSelectEligible(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	base := testNow()

	ok1 := mustCreate(t, st, Call{RecordingURL: "https://rec/a", DurationSeconds: 30}, base)
	ok2 := mustCreate(t, st, Call{RecordingURL: "https://rec/b", DurationSeconds: 600}, base.Add(time.Second))
	mustCreate(t, st, Call{RecordingURL: "https://rec/c", DurationSeconds: 29}, base)
	mustCreate(t, st, Call{RecordingURL: "https://rec/d", DurationSeconds: 601}, base)
	mustCreate(t, st, Call{DurationSeconds: 120}, base)
	mustCreate(t, st, Call{RecordingURL: "https://rec/e", DurationSeconds: 120, Status: callstate.Audited}, base)
	mustCreate(t, st, Call{RecordingURL: "https://rec/f", DurationSeconds: 120, Status: callstate.Failed}, base)

	calls, err := st.SelectEligible(ctx, 10, base, time.Hour)
	require.NoError(t, err)
	require.Len(t, calls, 2)
	assert.Equal(t, ok1.ID, calls[0].ID)
	assert.Equal(t, ok2.ID, calls[1].ID)

	limited, err := st.SelectEligible(ctx, 1, base, time.Hour)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, ok1.ID, limited[0].ID)
}

func TestSelectEligibleSkipsLiveClaims(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	now := testNow()
	c := mustCreate(t, st, Call{RecordingURL: "https://rec/a", DurationSeconds: 60}, now)

	require.NoError(t, st.ClaimCall(ctx, c.ID, "batch-1", now, time.Hour))
	calls, err := st.SelectEligible(ctx, 10, now, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, calls)

	// An abandoned claim no longer hides the call.
	calls, err = st.SelectEligible(ctx, 10, now.Add(2*time.Hour), time.Hour)
	require.NoError(t, err)
	assert.Len(t, calls, 1)
}

func TestClaimCallIsExclusive(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	now := testNow()
	c := mustCreate(t, st, Call{RecordingURL: "https://rec/a", DurationSeconds: 60}, now)

	require.NoError(t, st.ClaimCall(ctx, c.ID, "batch-1", now, time.Hour))
	assert.ErrorIs(t, st.ClaimCall(ctx, c.ID, "batch-2", now, time.Hour), ErrClaimed)
	require.NoError(t, st.ClaimCall(ctx, c.ID, "batch-1", now, time.Hour))

	require.NoError(t, st.ReleaseCall(ctx, c.ID, "batch-1"))
	require.NoError(t, st.ClaimCall(ctx, c.ID, "batch-2", now, time.Hour))

	assert.ErrorIs(t, st.ClaimCall(ctx, "missing", "batch-2", now, time.Hour), ErrNotFound)
}

func TestTranscriptAndAuditFlow(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	now := testNow()
	c := mustCreate(t, st, Call{RecordingURL: "https://rec/a", DurationSeconds: 60}, now)

	// Audit before transcript is a stale status and leaves no result behind.
	_, err := st.SaveAudit(ctx, &AuditResult{CallID: c.ID, OverallScore: 80}, now)
	assert.ErrorIs(t, err, ErrStaleStatus)
	_, err = st.LatestAuditResult(ctx, c.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, st.SaveTranscript(ctx, c.ID, "short", now), callstate.ErrTranscriptTooShort)
	require.NoError(t, st.SaveTranscript(ctx, c.ID, "  "+longTranscript+"  ", now))
	assert.ErrorIs(t, st.SaveTranscript(ctx, c.ID, longTranscript, now), ErrStaleStatus)

	got, err := st.GetCall(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, callstate.Transcribed, got.Status)
	assert.Equal(t, strings.TrimSpace(longTranscript), got.TranscriptText)

	res := &AuditResult{
		CallID:          c.ID,
		OverallScore:    87,
		CategoryScores:  map[string]float64{"compliance": 90},
		CriteriaResults: []CriterionResult{{Code: "greeting", Name: "Greeting", Result: "pass"}},
		Strengths:       []string{"clear"},
		Model:           "m",
		Provider:        "local",
	}
	id, err := st.SaveAudit(ctx, res, now)
	require.NoError(t, err)
	assert.Positive(t, id)

	got, err = st.GetCall(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, callstate.Audited, got.Status)

	latest, err := st.LatestAuditResult(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, id, latest.ID)
	assert.Equal(t, 87.0, latest.OverallScore)
	assert.Equal(t, 90.0, latest.CategoryScores["compliance"])
	require.Len(t, latest.CriteriaResults, 1)
	assert.Equal(t, "pass", latest.CriteriaResults[0].Result)
	assert.Equal(t, []string{"clear"}, latest.Strengths)
	assert.False(t, latest.Fallback)
}

func TestRecordFailurePolicy(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	now := testNow()

	retryable := mustCreate(t, st, Call{RecordingURL: "https://rec/a", DurationSeconds: 60}, now)
	status, err := st.RecordFailure(ctx, retryable.ID, "Download failed: timeout", false, 3, now)
	require.NoError(t, err)
	assert.Equal(t, callstate.Pending, status)
	status, err = st.RecordFailure(ctx, retryable.ID, "Download failed: timeout", false, 3, now)
	require.NoError(t, err)
	assert.Equal(t, callstate.Pending, status)
	status, err = st.RecordFailure(ctx, retryable.ID, "Download failed: timeout", false, 3, now)
	require.NoError(t, err)
	assert.Equal(t, callstate.Failed, status)

	got, err := st.GetCall(ctx, retryable.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "Download")
	assert.Equal(t, 3, got.Attempts)

	permanent := mustCreate(t, st, Call{RecordingURL: "https://rec/b", DurationSeconds: 60}, now)
	status, err = st.RecordFailure(ctx, permanent.ID, "Download failed: 404", true, 3, now)
	require.NoError(t, err)
	assert.Equal(t, callstate.Failed, status)

	transcribed := mustCreate(t, st, Call{RecordingURL: "https://rec/c", DurationSeconds: 60}, now)
	require.NoError(t, st.SaveTranscript(ctx, transcribed.ID, longTranscript, now))
	status, err = st.RecordFailure(ctx, transcribed.ID, "Scoring failed: connection refused", false, 3, now)
	require.NoError(t, err)
	assert.Equal(t, callstate.Failed, status)
}

func TestResetCallKeepsTranscript(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	now := testNow()
	c := mustCreate(t, st, Call{RecordingURL: "https://rec/a", DurationSeconds: 60}, now)

	err := st.ResetCall(ctx, c.ID, now)
	require.ErrorIs(t, err, ErrStaleStatus)
	var te *callstate.TransitionError
	assert.True(t, errors.As(err, &te))

	require.NoError(t, st.SaveTranscript(ctx, c.ID, longTranscript, now))
	_, err = st.RecordFailure(ctx, c.ID, "Scoring failed: boom", false, 3, now)
	require.NoError(t, err)
	require.NoError(t, st.ResetCall(ctx, c.ID, now))

	got, err := st.GetCall(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, callstate.Pending, got.Status)
	assert.Equal(t, 0, got.Attempts)
	assert.Nil(t, got.LastError)
	assert.Equal(t, strings.TrimSpace(longTranscript), got.TranscriptText)

	assert.ErrorIs(t, st.ResetCall(ctx, "missing", now), ErrNotFound)
}

func TestWorkerClaim(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	now := testNow()

	require.NoError(t, st.ClaimWorker(ctx, "batch", "worker-a", "b1", now, time.Hour))
	assert.ErrorIs(t, st.ClaimWorker(ctx, "batch", "worker-b", "b2", now, time.Hour), ErrClaimed)
	// Refresh by the same owner succeeds.
	require.NoError(t, st.ClaimWorker(ctx, "batch", "worker-a", "b1", now.Add(time.Minute), time.Hour))

	wc, err := st.GetWorkerClaim(ctx, "batch")
	require.NoError(t, err)
	assert.Equal(t, "worker-a", wc.ClaimedBy)
	assert.Equal(t, "b1", wc.BatchID)

	// Stale claims can be taken over.
	require.NoError(t, st.ClaimWorker(ctx, "batch", "worker-b", "b2", now.Add(3*time.Hour), time.Hour))

	require.NoError(t, st.ReleaseWorker(ctx, "batch", "worker-a"))
	wc, err = st.GetWorkerClaim(ctx, "batch")
	require.NoError(t, err)
	assert.Equal(t, "worker-b", wc.ClaimedBy)

	require.NoError(t, st.ReleaseWorker(ctx, "batch", "worker-b"))
	require.NoError(t, st.ClaimWorker(ctx, "batch", "worker-a", "b3", now, time.Hour))
}

func TestBatchRunPersistence(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	now := testNow()

	run := &BatchRun{ID: "b1", Provider: "local", WorkerID: "w", Requested: 5, StartedAt: now}
	require.NoError(t, st.CreateBatchRun(ctx, run))

	score := 87.0
	require.NoError(t, st.AppendBatchItem(ctx, "b1", BatchItem{Seq: 1, CallID: "c1", Success: true, Score: &score, CreatedAt: now}))
	require.NoError(t, st.AppendBatchItem(ctx, "b1", BatchItem{Seq: 2, CallID: "c2", Error: "Download failed: 404", CreatedAt: now}))
	require.NoError(t, st.AppendBatchLog(ctx, "b1", "c2", "Download failed: 404", now))

	finished := now.Add(time.Minute)
	run.Status, run.Total, run.Successful, run.Failed, run.FinishedAt = BatchCompleted, 2, 1, 1, &finished
	require.NoError(t, st.FinishBatchRun(ctx, run))

	got, err := st.GetBatchRun(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, BatchCompleted, got.Status)
	assert.Equal(t, 2, got.Total)
	require.Len(t, got.Results, 2)
	require.NotNil(t, got.Results[0].Score)
	assert.Equal(t, 87.0, *got.Results[0].Score)
	assert.Equal(t, "Download failed: 404", got.Results[1].Error)
	require.NotNil(t, got.FinishedAt)

	runs, err := st.ListBatchRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Empty(t, runs[0].Results)

	logs, err := st.BatchLogs(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "c2", logs[0].CallID)

	_, err = st.GetBatchRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecoverWorker(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	now := testNow()
	require.NoError(t, st.CreateBatchRun(ctx, &BatchRun{ID: "b1", WorkerID: "w", StartedAt: now}))
	require.NoError(t, st.CreateBatchRun(ctx, &BatchRun{ID: "b2", WorkerID: "other", StartedAt: now}))
	held := mustCreate(t, st, Call{RecordingURL: "https://rec/1.mp3", DurationSeconds: 60}, now)
	require.NoError(t, st.ClaimCall(ctx, held.ID, "b1", now, time.Hour))
	foreign := mustCreate(t, st, Call{RecordingURL: "https://rec/2.mp3", DurationSeconds: 60}, now)
	require.NoError(t, st.ClaimCall(ctx, foreign.ID, "b2", now, time.Hour))
	require.NoError(t, st.ClaimWorker(ctx, "batch", "w", "b1", now, 2*time.Hour))

	rec, err := st.RecoverWorker(ctx, "batch", "w", now)
	require.NoError(t, err)
	assert.Equal(t, &Recovery{InterruptedRuns: 1, ReleasedCalls: 1, ReleasedClaim: true}, rec)

	got, err := st.GetBatchRun(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, BatchInterrupted, got.Status)
	got, err = st.GetBatchRun(ctx, "b2")
	require.NoError(t, err)
	assert.Equal(t, BatchRunning, got.Status)

	call, err := st.GetCall(ctx, held.ID)
	require.NoError(t, err)
	assert.Empty(t, call.ClaimedBy)
	call, err = st.GetCall(ctx, foreign.ID)
	require.NoError(t, err)
	assert.Equal(t, "b2", call.ClaimedBy)

	// The claim is free again well inside its TTL.
	require.NoError(t, st.ClaimWorker(ctx, "batch", "someone-else", "b3", now.Add(time.Minute), 2*time.Hour))

	rec, err = st.RecoverWorker(ctx, "batch", "w", now)
	require.NoError(t, err)
	assert.Equal(t, &Recovery{}, rec)
}

func TestUsers(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	u := &User{Email: " Agent@Example.com ", Name: "Agent"}
	require.NoError(t, st.UpsertUser(ctx, u, testNow()))
	assert.Equal(t, "agent@example.com", u.Email)

	again := &User{Email: "agent@example.com", Name: "Renamed"}
	require.NoError(t, st.UpsertUser(ctx, again, testNow()))
	assert.Equal(t, u.ID, again.ID)
	assert.Equal(t, "Renamed", again.Name)

	found, err := st.UserByEmail(ctx, "AGENT@example.com")
	require.NoError(t, err)
	assert.Equal(t, u.ID, found.ID)

	_, err = st.UserByEmail(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCountByStatus(t *testing.T) {
	st := openTest(t)
	now := testNow()
	mustCreate(t, st, Call{DurationSeconds: 60}, now)
	mustCreate(t, st, Call{DurationSeconds: 60}, now)
	mustCreate(t, st, Call{DurationSeconds: 60, Status: callstate.Audited}, now)

	counts, err := st.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, counts[callstate.Pending])
	assert.Equal(t, 1, counts[callstate.Audited])
}
