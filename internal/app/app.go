package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"call_audit/internal/acquire"
	"call_audit/internal/audit"
	"call_audit/internal/batch"
	"call_audit/internal/config"
	"call_audit/internal/events"
	"call_audit/internal/httpapi"
	"call_audit/internal/importer"
	"call_audit/internal/jobs"
	"call_audit/internal/metrics"
	"call_audit/internal/notify"
	"call_audit/internal/queue"
	"call_audit/internal/store"
	"call_audit/internal/transcribe"
	"call_audit/internal/watch"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// App wires the worker components together.
type App struct {
	cfg      config.Config
	store    *store.Store
	queue    *queue.Queue
	bus      *events.Bus
	metrics  *metrics.Counters
	manager  *jobs.Manager
	importer *importer.Importer
	watcher  *watch.Watcher
	router   *httpapi.Router
}

// New opens the store and builds every collaborator. Nothing is started and
// no batch state is touched, so one-shot commands can run next to a live
// server.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	criteria, err := audit.LoadCriteria(cfg.Audit.CriteriaPath)
	if err != nil {
		st.Close()
		return nil, err
	}
	local := audit.NewLocalScorer(audit.LocalConfig{
		BaseURL: cfg.Audit.LocalBaseURL,
		Model:   cfg.Audit.LocalModel,
		APIKey:  cfg.Audit.LocalAPIKey,
		Timeout: cfg.Audit.LocalTimeout,
	}, nil)
	cloud, err := audit.NewCloudScorer(ctx, audit.CloudConfig{
		APIKey:  cfg.Audit.GeminiAPIKey,
		Model:   cfg.Audit.GeminiModel,
		Delay:   cfg.Audit.CloudDelay,
		Timeout: cfg.Audit.CloudTimeout,
	})
	if err != nil {
		st.Close()
		return nil, err
	}
	scorers := audit.Providers{audit.ProviderLocal: local, audit.ProviderCloud: cloud}

	fetcher := acquire.New(acquire.Config{
		ScratchDir: cfg.ScratchDir,
		Timeout:    cfg.DownloadTimeout,
		FFMPEGBin:  cfg.FFMPEGBin,
		Normalize:  cfg.NormalizeAudio,
	}, nil)
	whisper := transcribe.NewWhisper(transcribe.Config{
		Bin:      cfg.Whisper.Bin,
		Model:    cfg.Whisper.Model,
		Style:    cfg.Whisper.Style,
		Language: cfg.Whisper.Language,
		Timeout:  cfg.Whisper.Timeout,
	})
	orch := batch.New(batch.Config{
		ClaimTTL:    cfg.ClaimTTL,
		MaxAttempts: cfg.MaxAttempts,
		Criteria:    criteria,
	}, st, fetcher, whisper)

	bus := events.NewBus()
	counters := metrics.New()
	// A single worker keeps batches strictly one at a time.
	q := queue.New(1, 1, 0)
	mgr := jobs.NewManager(jobs.Deps{
		Store:            st,
		Runner:           orch,
		Transcription:    readiness{whisper: whisper, fetcher: fetcher},
		Scorers:          scorers,
		Queue:            q,
		Bus:              bus,
		Metrics:          counters,
		Notifier:         notify.NewWebhook(cfg.WebhookURL),
		WorkerID:         cfg.WorkerID,
		ClaimTTL:         cfg.ClaimTTL,
		DefaultProvider:  cfg.Audit.Provider,
		DefaultBatchSize: cfg.DefaultBatchSize,
		MaxBatchSize:     cfg.MaxBatchSize,
	})
	im := importer.New(st)

	a := &App{
		cfg:      cfg,
		store:    st,
		queue:    q,
		bus:      bus,
		metrics:  counters,
		manager:  mgr,
		importer: im,
		router:   httpapi.NewRouter(st, mgr, im, bus, counters, q),
	}
	if cfg.EnableWatcher {
		a.watcher = watch.New(cfg.ImportDir, im, bus, counters)
	}
	return a, nil
}

// Recover clears batch state a crashed process with this worker id left
// behind. Only processes that execute batches call it.
func (a *App) Recover(ctx context.Context) error {
	return a.manager.Recover(ctx)
}

// Run recovers, then serves HTTP and, when enabled, watches the import
// directory until ctx is cancelled. An in-flight batch gets the shutdown
// grace period to finish its current item.
func (a *App) Run(ctx context.Context) error {
	if err := a.Recover(ctx); err != nil {
		a.store.Close()
		return err
	}
	a.queue.Start(ctx)
	srv := &http.Server{
		Addr:              a.cfg.HTTPPort,
		Handler:           a.router.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Str("worker_id", a.cfg.WorkerID).Msg("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("http shutdown")
		}
		a.queue.Stop(shutdownCtx)
		return nil
	})
	err := g.Wait()
	if cerr := a.store.Close(); cerr != nil {
		log.Warn().Err(cerr).Msg("close store")
	}
	return err
}

// Close releases resources of an App that was never Run.
func (a *App) Close() error { return a.store.Close() }

func (a *App) Store() *store.Store          { return a.store }
func (a *App) Manager() *jobs.Manager       { return a.manager }
func (a *App) Importer() *importer.Importer { return a.importer }
func (a *App) Queue() *queue.Queue          { return a.queue }
func (a *App) Handler() http.Handler        { return a.router.Handler() }

// readiness folds ffmpeg availability into the transcription health check.
type readiness struct {
	whisper *transcribe.Whisper
	fetcher *acquire.Fetcher
}

func (r readiness) Health() transcribe.Health {
	h := r.whisper.Health()
	if _, ok := r.fetcher.Available(); !ok && h.Available {
		h.Available = false
		h.Hint = "install ffmpeg or set NORMALIZE_AUDIO=false"
	}
	return h
}
