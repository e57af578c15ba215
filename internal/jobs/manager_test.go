package jobs

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"call_audit/internal/audit"
	"call_audit/internal/batch"
	"call_audit/internal/events"
	"call_audit/internal/queue"
	"call_audit/internal/store"
	"call_audit/internal/transcribe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRunner struct {
	mu      sync.Mutex
	release chan struct{}
	reqs    []batch.Request
	items   int
	panic   bool
}

func (r *stubRunner) Run(ctx context.Context, req batch.Request, progress batch.ProgressFunc) *store.BatchRun {
	r.mu.Lock()
	r.reqs = append(r.reqs, req)
	r.mu.Unlock()
	if r.release != nil {
		<-r.release
	}
	if r.panic {
		panic("runner blew up")
	}
	run := &store.BatchRun{ID: req.BatchID, Provider: req.Scorer.Name(), Status: store.BatchCompleted, Requested: req.MaxItems, Total: r.items}
	for i := 1; i <= r.items; i++ {
		score := 80.0
		item := store.BatchItem{Seq: i, CallID: "c", Success: i != 2, CreatedAt: time.Now()}
		if item.Success {
			item.Score = &score
			run.Successful++
		} else {
			item.Error = "Download failed: unexpected status code 404 for x"
			run.Failed++
		}
		run.Results = append(run.Results, item)
		progress(i, r.items, item)
	}
	finished := time.Now()
	run.FinishedAt = &finished
	return run
}

type stubTranscription struct{ health transcribe.Health }

func (s stubTranscription) Health() transcribe.Health { return s.health }

type stubScorer struct {
	name      string
	available bool
}

func (s stubScorer) Name() string                  { return s.name }
func (s stubScorer) InterCallDelay() time.Duration { return 0 }

func (s stubScorer) Score(context.Context, string, []audit.Criterion) (*audit.Outcome, error) {
	return nil, errors.New("not used")
}

func (s stubScorer) Health(context.Context) audit.Health {
	h := audit.Health{Provider: s.name, Available: s.available}
	if !s.available {
		h.Hint = "start LM Studio"
	}
	return h
}

type recordingNotifier struct {
	mu   sync.Mutex
	runs []*store.BatchRun
}

func (n *recordingNotifier) NotifyBatch(_ context.Context, run *store.BatchRun) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.runs = append(n.runs, run)
	return nil
}

type fixture struct {
	st       *store.Store
	runner   *stubRunner
	notifier *recordingNotifier
	bus      *events.Bus
	mgr      *Manager
	deps     Deps
}

func newFixture(t *testing.T, workerID string, st *store.Store) *fixture {
	t.Helper()
	if st == nil {
		var err error
		st, err = store.Open(filepath.Join(t.TempDir(), "jobs.db"))
		require.NoError(t, err)
		t.Cleanup(func() { st.Close() })
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := queue.New(1, 1, 0)
	q.Start(ctx)
	t.Cleanup(cancel)

	f := &fixture{st: st, runner: &stubRunner{items: 3}, notifier: &recordingNotifier{}, bus: events.NewBus()}
	f.deps = Deps{
		Store:            st,
		Runner:           f.runner,
		Transcription:    stubTranscription{health: transcribe.Health{Method: "whisper-cli", Available: true}},
		Scorers:          audit.Providers{audit.ProviderLocal: stubScorer{name: "local", available: true}, audit.ProviderCloud: stubScorer{name: "cloud"}},
		Queue:            q,
		Bus:              f.bus,
		Notifier:         f.notifier,
		WorkerID:         workerID,
		DefaultBatchSize: 10,
		MaxBatchSize:     25,
	}
	f.mgr = NewManager(f.deps)
	return f
}

func TestStartRunsBatchInBackground(t *testing.T) {
	f := newFixture(t, "worker-a", nil)
	ctx := context.Background()
	evs, unsubscribe := f.bus.Subscribe()
	defer unsubscribe()

	id, err := f.mgr.Start(ctx, StartRequest{BatchSize: 5})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.NoError(t, f.mgr.Wait(ctx))

	status := f.mgr.Status()
	assert.False(t, status.IsProcessing)
	assert.Equal(t, id, status.BatchID)
	assert.Equal(t, 3, status.Total)
	assert.Equal(t, 3, status.Processed)
	assert.Equal(t, 2, status.Successful)
	assert.Equal(t, 1, status.Failed)

	run, err := f.st.GetBatchRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.BatchCompleted, run.Status)
	assert.Equal(t, "worker-a", run.WorkerID)
	assert.Equal(t, 5, run.Requested)
	assert.Len(t, run.Results, 3)

	claim, err := f.st.GetWorkerClaim(ctx, WorkerClaimName)
	require.NoError(t, err)
	assert.Empty(t, claim.ClaimedBy, "claim released after the run")

	require.Len(t, f.notifier.runs, 1)
	assert.Equal(t, id, f.notifier.runs[0].ID)

	var types []events.Type
	for len(evs) > 0 {
		types = append(types, (<-evs).Type)
	}
	assert.Equal(t, events.BatchStarted, types[0])
	assert.Equal(t, events.BatchFinished, types[len(types)-1])
	assert.Contains(t, types, events.BatchProgress)
}

func TestStartRejectsConcurrentBatch(t *testing.T) {
	f := newFixture(t, "worker-a", nil)
	f.runner.release = make(chan struct{})
	ctx := context.Background()

	_, err := f.mgr.Start(ctx, StartRequest{})
	require.NoError(t, err)
	assert.True(t, f.mgr.Status().IsProcessing)

	_, err = f.mgr.Start(ctx, StartRequest{})
	assert.ErrorIs(t, err, ErrBusy)

	close(f.runner.release)
	require.NoError(t, f.mgr.Wait(ctx))
	_, err = f.mgr.Start(ctx, StartRequest{})
	assert.NoError(t, err)
	require.NoError(t, f.mgr.Wait(ctx))
}

func TestStartRespectsDurableClaim(t *testing.T) {
	a := newFixture(t, "worker-a", nil)
	b := newFixture(t, "worker-b", a.st)
	a.runner.release = make(chan struct{})
	ctx := context.Background()

	_, err := a.mgr.Start(ctx, StartRequest{})
	require.NoError(t, err)

	_, err = b.mgr.Start(ctx, StartRequest{})
	assert.ErrorIs(t, err, ErrBusy)
	assert.False(t, b.mgr.Status().IsProcessing, "rejected start clears the flag")

	close(a.runner.release)
	require.NoError(t, a.mgr.Wait(ctx))
	_, err = b.mgr.Start(ctx, StartRequest{})
	require.NoError(t, err)
	require.NoError(t, b.mgr.Wait(ctx))
}

func TestStartChecksCapabilities(t *testing.T) {
	f := newFixture(t, "worker-a", nil)
	ctx := context.Background()

	_, err := f.mgr.Start(ctx, StartRequest{Provider: "cloud"})
	var unavailable *UnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, "inference", unavailable.Capability)
	assert.Equal(t, "start LM Studio", unavailable.Hint)

	f.deps.Transcription = stubTranscription{health: transcribe.Health{Hint: "install openai-whisper"}}
	mgr := NewManager(f.deps)
	_, err = mgr.Start(ctx, StartRequest{})
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, "transcription", unavailable.Capability)
	assert.False(t, mgr.Processing())

	_, err = f.mgr.Start(ctx, StartRequest{Provider: "openai"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestBatchSizeDefaultsAndCap(t *testing.T) {
	f := newFixture(t, "worker-a", nil)
	assert.Equal(t, 10, f.mgr.BatchSize(0))
	assert.Equal(t, 10, f.mgr.BatchSize(-3))
	assert.Equal(t, 7, f.mgr.BatchSize(7))
	assert.Equal(t, 25, f.mgr.BatchSize(500))
}

func TestRunnerPanicStillFinishes(t *testing.T) {
	f := newFixture(t, "worker-a", nil)
	f.runner.panic = true
	ctx := context.Background()

	id, err := f.mgr.Start(ctx, StartRequest{})
	require.NoError(t, err)
	require.NoError(t, f.mgr.Wait(ctx))

	assert.False(t, f.mgr.Processing())
	run, err := f.st.GetBatchRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.BatchFailed, run.Status)
	assert.Contains(t, run.LastError, "runner blew up")
}

func TestRunNow(t *testing.T) {
	f := newFixture(t, "worker-a", nil)
	run, err := f.mgr.RunNow(context.Background(), StartRequest{BatchSize: 3, Provider: "LOCAL"})
	require.NoError(t, err)
	assert.Equal(t, 3, run.Total)
	assert.Equal(t, run.Total, run.Successful+run.Failed)
	require.Len(t, f.runner.reqs, 1)
	assert.Equal(t, 3, f.runner.reqs[0].MaxItems)
}

func TestHealthReport(t *testing.T) {
	f := newFixture(t, "worker-a", nil)
	h := f.mgr.Health(context.Background())
	assert.True(t, h.Transcription.Available)
	assert.True(t, h.Inference.Available)
	assert.False(t, h.Processing)
	assert.Empty(t, h.Hints)
}

func TestRecoverAfterCrashFreesClaim(t *testing.T) {
	crashed := newFixture(t, "host-1", nil)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, crashed.st.CreateBatchRun(ctx, &store.BatchRun{ID: "b-dead", Provider: "local", WorkerID: "host-1", StartedAt: now}))
	require.NoError(t, crashed.st.ClaimWorker(ctx, WorkerClaimName, "host-1", "b-dead", now, 2*time.Hour))

	restarted := newFixture(t, "host-1", crashed.st)
	require.NoError(t, restarted.mgr.Recover(ctx))

	run, err := restarted.st.GetBatchRun(ctx, "b-dead")
	require.NoError(t, err)
	assert.Equal(t, store.BatchInterrupted, run.Status)

	_, err = restarted.mgr.Start(ctx, StartRequest{})
	require.NoError(t, err)
	require.NoError(t, restarted.mgr.Wait(ctx))
}
