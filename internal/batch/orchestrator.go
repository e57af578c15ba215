// Package batch walks a bounded set of eligible calls through download,
// transcription, scoring and persistence, one call at a time.
package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"call_audit/internal/acquire"
	"call_audit/internal/audit"
	"call_audit/internal/callstate"
	"call_audit/internal/config"
	"call_audit/internal/store"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Stage names the step an item failed in. It prefixes recorded errors.
type Stage string

const (
	StageClaim         Stage = "Claim"
	StageDownload      Stage = "Download"
	StageTranscription Stage = "Transcription"
	StageScoring       Stage = "Scoring"
	StagePersistence   Stage = "Persistence"
	StageProcessing    Stage = "Processing"
)

// ErrClaimedElsewhere is recorded when another batch owns the call.
var ErrClaimedElsewhere = errors.New("claimed by another batch")

// StageError wraps a failure with the stage it happened in.
type StageError struct {
	Stage     Stage
	Err       error
	Permanent bool
}

func (e *StageError) Error() string {
	prefix := string(e.Stage) + " failed"
	msg := e.Err.Error()
	if strings.HasPrefix(msg, prefix) {
		return msg
	}
	return prefix + ": " + msg
}

func (e *StageError) Unwrap() error { return e.Err }

// Acquirer fetches a local, transcribable copy of a recording.
type Acquirer interface {
	Acquire(ctx context.Context, callID, url string) (*acquire.Audio, error)
}

// Transcriber turns an audio file into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (string, error)
}

// Config holds orchestrator settings.
type Config struct {
	ClaimTTL    time.Duration
	MaxAttempts int
	Criteria    []audit.Criterion
}

// Request describes one run.
type Request struct {
	BatchID  string
	MaxItems int
	Scorer   audit.Scorer
}

// ProgressFunc is called after every item with its 1-based position.
type ProgressFunc func(current, total int, item store.BatchItem)

// Orchestrator runs batches sequentially.
type Orchestrator struct {
	cfg         Config
	store       *store.Store
	acquirer    Acquirer
	transcriber Transcriber
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
}

// New wires the orchestrator.
func New(cfg Config, st *store.Store, acq Acquirer, tr Transcriber) *Orchestrator {
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 2 * time.Hour
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if len(cfg.Criteria) == 0 {
		cfg.Criteria = audit.DefaultCriteria()
	}
	return &Orchestrator{
		cfg:         cfg,
		store:       st,
		acquirer:    acq,
		transcriber: tr,
		now:         config.Now,
		sleep:       sleepContext,
	}
}

// Run selects up to req.MaxItems eligible calls and processes each in order.
// Item failures never stop the loop; the returned run always satisfies
// Successful+Failed == Total.
func (o *Orchestrator) Run(ctx context.Context, req Request, progress ProgressFunc) *store.BatchRun {
	run := &store.BatchRun{
		ID:        req.BatchID,
		Provider:  req.Scorer.Name(),
		Status:    store.BatchRunning,
		Requested: req.MaxItems,
		StartedAt: o.now(),
		Results:   []store.BatchItem{},
	}
	logger := log.With().Str("batch_id", run.ID).Str("provider", run.Provider).Logger()

	calls, err := o.store.SelectEligible(ctx, req.MaxItems, o.now(), o.cfg.ClaimTTL)
	if err != nil {
		logger.Error().Err(err).Msg("selecting eligible calls failed")
		run.Status = store.BatchFailed
		run.LastError = err.Error()
		o.finish(run)
		return run
	}
	run.Total = len(calls)
	logger.Info().Int("requested", req.MaxItems).Int("selected", run.Total).Msg("batch started")

	delay := req.Scorer.InterCallDelay()
	for i, call := range calls {
		var item store.BatchItem
		if ctx.Err() != nil {
			item = o.skipped(i+1, call, ctx.Err())
		} else {
			item = o.processItem(ctx, i+1, call, run.ID, req.Scorer)
		}
		run.Results = append(run.Results, item)
		if item.Success {
			run.Successful++
		} else {
			run.Failed++
		}
		if progress != nil {
			progress(i+1, run.Total, item)
		}
		if delay > 0 && i < len(calls)-1 && ctx.Err() == nil {
			if err := o.sleep(ctx, delay); err != nil {
				logger.Warn().Err(err).Msg("inter-call delay interrupted")
			}
		}
	}

	run.Status = store.BatchCompleted
	if ctx.Err() != nil {
		run.Status = store.BatchInterrupted
		run.LastError = ctx.Err().Error()
	}
	o.finish(run)
	logger.Info().Int("total", run.Total).Int("successful", run.Successful).Int("failed", run.Failed).
		Str("status", run.Status).Msg("batch finished")
	return run
}

func (o *Orchestrator) finish(run *store.BatchRun) {
	finished := o.now()
	run.FinishedAt = &finished
}

func (o *Orchestrator) skipped(seq int, call store.Call, cause error) store.BatchItem {
	return store.BatchItem{
		Seq:       seq,
		CallID:    call.ID,
		Error:     "batch interrupted: " + cause.Error(),
		CreatedAt: o.now(),
	}
}

// processItem runs one call through every stage. It never panics.
func (o *Orchestrator) processItem(ctx context.Context, seq int, call store.Call, batchID string, scorer audit.Scorer) (item store.BatchItem) {
	start := time.Now()
	item = store.BatchItem{Seq: seq, CallID: call.ID}
	logger := log.With().Str("batch_id", batchID).Str("call_id", call.ID).Int("seq", seq).Logger()
	// Bookkeeping must survive shutdown of the run context.
	bg := context.WithoutCancel(ctx)

	defer func() {
		if r := recover(); r != nil {
			err := &StageError{Stage: StageProcessing, Err: fmt.Errorf("panic: %v", r)}
			logger.Error().Interface("panic", r).Msg("item panicked")
			o.recordFailure(bg, &item, call, batchID, err)
		}
		item.CreatedAt = o.now()
	}()

	if err := o.store.ClaimCall(ctx, call.ID, batchID, o.now(), o.cfg.ClaimTTL); err != nil {
		if errors.Is(err, store.ErrClaimed) {
			err = ErrClaimedElsewhere
		}
		item.Error = (&StageError{Stage: StageClaim, Err: err}).Error()
		logger.Warn().Str("stage", string(StageClaim)).Msg(item.Error)
		o.log(bg, batchID, call.ID, item.Error)
		return item
	}
	defer func() {
		if err := o.store.ReleaseCall(bg, call.ID, batchID); err != nil {
			logger.Warn().Err(err).Msg("release claim failed")
		}
	}()

	result, err := o.runStages(ctx, call, scorer, logger)
	if err != nil {
		o.recordFailure(bg, &item, call, batchID, err)
		return item
	}
	result.ProcessingTimeMS = time.Since(start).Milliseconds()
	result.CallID = call.ID

	if _, err := o.store.SaveAudit(bg, result, o.now()); err != nil {
		o.recordFailure(bg, &item, call, batchID, &StageError{Stage: StagePersistence, Err: err})
		return item
	}

	score := result.OverallScore
	item.Success = true
	item.Score = &score
	item.Fallback = result.Fallback
	line := fmt.Sprintf("audited score=%.1f fallback=%t elapsed_ms=%d", score, result.Fallback, result.ProcessingTimeMS)
	logger.Info().Float64("score", score).Bool("fallback", result.Fallback).Int64("elapsed_ms", result.ProcessingTimeMS).Msg("call audited")
	o.log(bg, batchID, call.ID, line)
	return item
}

func (o *Orchestrator) runStages(ctx context.Context, call store.Call, scorer audit.Scorer, logger zerolog.Logger) (*store.AuditResult, error) {
	transcript := strings.TrimSpace(call.TranscriptText)
	if transcript == "" {
		audio, err := o.acquirer.Acquire(ctx, call.ID, call.RecordingURL)
		if err != nil {
			var aerr *acquire.Error
			permanent := errors.As(err, &aerr) && aerr.Permanent()
			return nil, &StageError{Stage: StageDownload, Err: err, Permanent: permanent}
		}
		defer audio.Cleanup()

		text, err := o.transcriber.Transcribe(ctx, audio.Path)
		audio.Cleanup()
		if err != nil {
			var terr interface{ Permanent() bool }
			permanent := errors.As(err, &terr) && terr.Permanent()
			return nil, &StageError{Stage: StageTranscription, Err: err, Permanent: permanent}
		}
		transcript = text
	} else {
		logger.Debug().Msg("transcript present, skipping acquisition")
	}

	if call.Status == callstate.Pending {
		if err := o.store.SaveTranscript(ctx, call.ID, transcript, o.now()); err != nil {
			if errors.Is(err, callstate.ErrTranscriptTooShort) {
				return nil, &StageError{Stage: StageTranscription, Err: err, Permanent: true}
			}
			return nil, &StageError{Stage: StagePersistence, Err: err}
		}
	}

	out, err := scorer.Score(ctx, transcript, o.cfg.Criteria)
	if err != nil {
		return nil, &StageError{Stage: StageScoring, Err: err}
	}
	if out.Kind == audit.Fallback {
		logger.Warn().Str("reason", out.Reason).Msg("scoring fell back to default result")
	}
	return out.Result, nil
}

func (o *Orchestrator) recordFailure(ctx context.Context, item *store.BatchItem, call store.Call, batchID string, err error) {
	item.Success = false
	item.Score = nil
	item.Error = err.Error()

	permanent := false
	var serr *StageError
	stage := StageProcessing
	if errors.As(err, &serr) {
		permanent = serr.Permanent
		stage = serr.Stage
	}
	status, rerr := o.store.RecordFailure(ctx, call.ID, item.Error, permanent, o.cfg.MaxAttempts, o.now())
	logger := log.With().Str("batch_id", batchID).Str("call_id", call.ID).Str("stage", string(stage)).Logger()
	if rerr != nil {
		logger.Error().Err(rerr).Msg("recording failure failed")
	}
	logger.Warn().Str("status", string(status)).Msg(item.Error)
	o.log(ctx, batchID, call.ID, item.Error)
}

func (o *Orchestrator) log(ctx context.Context, batchID, callID, line string) {
	if err := o.store.AppendBatchLog(ctx, batchID, callID, line, o.now()); err != nil {
		log.Warn().Err(err).Str("batch_id", batchID).Msg("persist batch log failed")
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
