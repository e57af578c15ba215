// Package jobs owns the single in-flight batch of a worker: admission,
// durable claiming, background execution and the status view.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"call_audit/internal/audit"
	"call_audit/internal/batch"
	"call_audit/internal/config"
	"call_audit/internal/events"
	"call_audit/internal/metrics"
	"call_audit/internal/queue"
	"call_audit/internal/store"
	"call_audit/internal/transcribe"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// WorkerClaimName is the worker_claims row guarding batch execution.
const WorkerClaimName = "batch"

var (
	// ErrBusy is returned when a batch is already running here or on
	// another worker sharing the database.
	ErrBusy = errors.New("a batch is already running")
	// ErrInvalidRequest wraps bad start parameters.
	ErrInvalidRequest = errors.New("invalid batch request")
)

// UnavailableError reports a capability a batch needs but cannot use.
type UnavailableError struct {
	Capability string
	Hint       string
}

func (e *UnavailableError) Error() string {
	return e.Capability + " is not available"
}

// Runner executes one batch. *batch.Orchestrator satisfies it.
type Runner interface {
	Run(ctx context.Context, req batch.Request, progress batch.ProgressFunc) *store.BatchRun
}

// TranscriptionCheck reports whether transcription can run.
type TranscriptionCheck interface {
	Health() transcribe.Health
}

// Notifier is told about finished runs.
type Notifier interface {
	NotifyBatch(ctx context.Context, run *store.BatchRun) error
}

// Deps are the collaborators of a Manager.
type Deps struct {
	Store            *store.Store
	Runner           Runner
	Transcription    TranscriptionCheck
	Scorers          audit.Providers
	Queue            *queue.Queue
	Bus              *events.Bus
	Metrics          *metrics.Counters
	Notifier         Notifier
	WorkerID         string
	ClaimTTL         time.Duration
	DefaultProvider  string
	DefaultBatchSize int
	MaxBatchSize     int
}

// StartRequest is the body of POST /batch/start.
type StartRequest struct {
	BatchSize int    `json:"batchSize"`
	Provider  string `json:"provider,omitempty"`
}

// Snapshot is the status view of the latest run.
type Snapshot struct {
	IsProcessing bool   `json:"isProcessing"`
	BatchID      string `json:"batchId"`
	Provider     string `json:"provider,omitempty"`
	Processed    int    `json:"processed"`
	Total        int    `json:"total"`
	Successful   int    `json:"successful"`
	Failed       int    `json:"failed"`
}

// HealthReport is served on GET /health.
type HealthReport struct {
	Transcription transcribe.Health `json:"transcription"`
	Inference     audit.Health      `json:"inference"`
	Processing    bool              `json:"processing"`
	Hints         []string          `json:"hints,omitempty"`
}

// Manager admits and tracks batches.
type Manager struct {
	deps Deps
	now  func() time.Time

	mu      sync.Mutex
	running bool
	current Snapshot
	done    chan struct{}
}

func NewManager(deps Deps) *Manager {
	if deps.DefaultBatchSize <= 0 {
		deps.DefaultBatchSize = 10
	}
	if deps.MaxBatchSize < deps.DefaultBatchSize {
		deps.MaxBatchSize = deps.DefaultBatchSize
	}
	if deps.DefaultProvider == "" {
		deps.DefaultProvider = audit.ProviderLocal
	}
	if deps.ClaimTTL <= 0 {
		deps.ClaimTTL = 2 * time.Hour
	}
	if deps.Bus == nil {
		deps.Bus = events.NewBus()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	done := make(chan struct{})
	close(done)
	return &Manager{deps: deps, now: config.Now, done: done}
}

// BatchSize applies the default and the cap to a requested size.
func (m *Manager) BatchSize(requested int) int {
	if requested <= 0 {
		return m.deps.DefaultBatchSize
	}
	if requested > m.deps.MaxBatchSize {
		return m.deps.MaxBatchSize
	}
	return requested
}

// Start admits a batch and schedules it in the background, returning its id.
func (m *Manager) Start(ctx context.Context, req StartRequest) (string, error) {
	providerName := strings.TrimSpace(req.Provider)
	if providerName == "" {
		providerName = m.deps.DefaultProvider
	}
	scorer, err := m.deps.Scorers.Get(providerName)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	size := m.BatchSize(req.BatchSize)

	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return "", ErrBusy
	}
	m.running = true
	m.mu.Unlock()

	id, err := m.admit(ctx, scorer, size)
	if err != nil {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		return "", err
	}
	return id, nil
}

func (m *Manager) admit(ctx context.Context, scorer audit.Scorer, size int) (string, error) {
	if h := m.deps.Transcription.Health(); !h.Available {
		return "", &UnavailableError{Capability: "transcription", Hint: h.Hint}
	}
	if h := scorer.Health(ctx); !h.Available {
		return "", &UnavailableError{Capability: "inference", Hint: h.Hint}
	}

	batchID := uuid.NewString()
	now := m.now()
	if err := m.deps.Store.ClaimWorker(ctx, WorkerClaimName, m.deps.WorkerID, batchID, now, m.deps.ClaimTTL); err != nil {
		if errors.Is(err, store.ErrClaimed) {
			return "", ErrBusy
		}
		return "", err
	}
	run := &store.BatchRun{
		ID:        batchID,
		Provider:  scorer.Name(),
		WorkerID:  m.deps.WorkerID,
		Status:    store.BatchRunning,
		Requested: size,
		StartedAt: now,
	}
	if err := m.deps.Store.CreateBatchRun(ctx, run); err != nil {
		m.releaseClaim()
		return "", err
	}

	done := make(chan struct{})
	m.mu.Lock()
	m.current = Snapshot{IsProcessing: true, BatchID: batchID, Provider: run.Provider}
	m.done = done
	m.mu.Unlock()

	var final *store.BatchRun
	job := queue.Job{
		ID:     batchID,
		Source: "batch",
		Work: func(jobCtx context.Context) error {
			final = m.deps.Runner.Run(jobCtx, batch.Request{BatchID: batchID, MaxItems: size, Scorer: scorer}, m.progress(batchID))
			return nil
		},
		OnFinish: func(err error) {
			if final == nil {
				final = m.failedRun(run, err)
			}
			m.finish(final, done)
		},
	}
	m.deps.Metrics.BatchStarted()
	m.deps.Bus.Publish(events.Event{Type: events.BatchStarted, BatchID: batchID, Run: run})
	if !m.deps.Queue.Enqueue(job) {
		m.finish(m.failedRun(run, errors.New("batch queue unavailable")), done)
		return "", errors.New("batch queue unavailable")
	}

	log.Info().Str("batch_id", batchID).Str("provider", run.Provider).Int("batch_size", size).Msg("batch accepted")
	return batchID, nil
}

func (m *Manager) failedRun(base *store.BatchRun, cause error) *store.BatchRun {
	run := *base
	run.Status = store.BatchFailed
	if cause != nil {
		run.LastError = cause.Error()
	}
	m.mu.Lock()
	if m.current.BatchID == base.ID {
		run.Total, run.Successful, run.Failed = m.current.Total, m.current.Successful, m.current.Failed
	}
	m.mu.Unlock()
	// Items that never reported are counted as failed.
	run.Failed = run.Total - run.Successful
	finished := m.now()
	run.FinishedAt = &finished
	return &run
}

func (m *Manager) progress(batchID string) batch.ProgressFunc {
	return func(current, total int, item store.BatchItem) {
		ctx := context.Background()
		if err := m.deps.Store.AppendBatchItem(ctx, batchID, item); err != nil {
			log.Error().Err(err).Str("batch_id", batchID).Msg("persist batch item failed")
		}

		m.mu.Lock()
		m.current.Processed = current
		m.current.Total = total
		if item.Success {
			m.current.Successful++
		} else {
			m.current.Failed++
		}
		snap := m.current
		m.mu.Unlock()

		if err := m.deps.Store.UpdateBatchProgress(ctx, &store.BatchRun{ID: batchID, Total: snap.Total,
			Successful: snap.Successful, Failed: snap.Failed}); err != nil {
			log.Error().Err(err).Str("batch_id", batchID).Msg("persist batch progress failed")
		}
		// Long batches keep the worker claim fresh.
		if err := m.deps.Store.ClaimWorker(ctx, WorkerClaimName, m.deps.WorkerID, batchID, m.now(), m.deps.ClaimTTL); err != nil {
			log.Warn().Err(err).Str("batch_id", batchID).Msg("refresh worker claim failed")
		}
		m.deps.Metrics.ItemDone(item.Success, item.Fallback)
		it := item
		m.deps.Bus.Publish(events.Event{Type: events.BatchProgress, BatchID: batchID, Current: current, Total: total, Item: &it})
	}
}

func (m *Manager) finish(run *store.BatchRun, done chan struct{}) {
	ctx := context.Background()
	run.WorkerID = m.deps.WorkerID
	if err := m.deps.Store.FinishBatchRun(ctx, run); err != nil {
		log.Error().Err(err).Str("batch_id", run.ID).Msg("persist batch result failed")
	}
	m.releaseClaim()

	m.mu.Lock()
	m.current = Snapshot{
		BatchID:    run.ID,
		Provider:   run.Provider,
		Processed:  len(run.Results),
		Total:      run.Total,
		Successful: run.Successful,
		Failed:     run.Failed,
	}
	if m.current.Processed == 0 {
		m.current.Processed = run.Successful + run.Failed
	}
	m.mu.Unlock()

	m.deps.Metrics.BatchFinished()
	m.deps.Bus.Publish(events.Event{Type: events.BatchFinished, BatchID: run.ID, Total: run.Total, Run: run})
	if m.deps.Notifier != nil {
		if err := m.deps.Notifier.NotifyBatch(ctx, run); err != nil {
			log.Warn().Err(err).Str("batch_id", run.ID).Msg("batch notification failed")
		}
	}

	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
	close(done)
}

// Recover cleans up after a previous process that ran under the same worker
// id and died mid-batch. Call it once at startup, before Start.
func (m *Manager) Recover(ctx context.Context) error {
	rec, err := m.deps.Store.RecoverWorker(ctx, WorkerClaimName, m.deps.WorkerID, m.now())
	if err != nil {
		return err
	}
	if rec.InterruptedRuns > 0 || rec.ReleasedClaim {
		log.Warn().Str("worker_id", m.deps.WorkerID).Int64("runs", rec.InterruptedRuns).
			Int64("calls", rec.ReleasedCalls).Bool("claim_released", rec.ReleasedClaim).
			Msg("recovered state of an unfinished batch")
	}
	return nil
}

func (m *Manager) releaseClaim() {
	if err := m.deps.Store.ReleaseWorker(context.Background(), WorkerClaimName, m.deps.WorkerID); err != nil {
		log.Warn().Err(err).Msg("release worker claim failed")
	}
}

// Status returns the in-flight run, or the most recent one.
func (m *Manager) Status() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.current
	s.IsProcessing = m.running
	return s
}

// Processing reports whether a batch is running in this process.
func (m *Manager) Processing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Wait blocks until the current batch, if any, has finished.
func (m *Manager) Wait(ctx context.Context) error {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow starts a batch and blocks until it is done, returning the stored run
// with its items.
func (m *Manager) RunNow(ctx context.Context, req StartRequest) (*store.BatchRun, error) {
	id, err := m.Start(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := m.Wait(ctx); err != nil {
		return nil, err
	}
	return m.deps.Store.GetBatchRun(context.WithoutCancel(ctx), id)
}

// Health reports readiness of transcription and the default scorer.
func (m *Manager) Health(ctx context.Context) HealthReport {
	r := HealthReport{
		Transcription: m.deps.Transcription.Health(),
		Processing:    m.Processing(),
	}
	if scorer, err := m.deps.Scorers.Get(m.deps.DefaultProvider); err == nil {
		r.Inference = scorer.Health(ctx)
	} else {
		r.Inference = audit.Health{Provider: m.deps.DefaultProvider, Hint: err.Error()}
	}
	if r.Transcription.Hint != "" {
		r.Hints = append(r.Hints, r.Transcription.Hint)
	}
	if r.Inference.Hint != "" {
		r.Hints = append(r.Hints, r.Inference.Hint)
	}
	return r
}
