// Package watch imports CSV files dropped into the import directory.
package watch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"call_audit/internal/events"
	"call_audit/internal/importer"
	"call_audit/internal/metrics"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const (
	processedDir = "processed"
	failedDir    = "failed"
)

// Importer is the part of *importer.Importer the watcher needs.
type Importer interface {
	ImportFile(ctx context.Context, path string) (*importer.Report, error)
}

// Watcher monitors Dir for new *.csv files.
type Watcher struct {
	Dir string
	// Settle is how long a file must stay quiet before it is imported.
	Settle   time.Duration
	importer Importer
	bus      *events.Bus
	metrics  *metrics.Counters

	mu      sync.Mutex
	pending map[string]*time.Timer
	wg      sync.WaitGroup
}

func New(dir string, im Importer, bus *events.Bus, m *metrics.Counters) *Watcher {
	return &Watcher{
		Dir:      dir,
		Settle:   500 * time.Millisecond,
		importer: im,
		bus:      bus,
		metrics:  m,
		pending:  map[string]*time.Timer{},
	}
}

// Run imports existing files, then watches until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	for _, sub := range []string{w.Dir, filepath.Join(w.Dir, processedDir), filepath.Join(w.Dir, failedDir)} {
		if err := os.MkdirAll(sub, 0o755); err != nil {
			return fmt.Errorf("watch: create %s: %w", sub, err)
		}
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(w.Dir); err != nil {
		return fmt.Errorf("watch: add %s: %w", w.Dir, err)
	}
	if err := w.Backfill(ctx); err != nil {
		log.Warn().Err(err).Msg("import backfill failed")
	}
	log.Info().Str("dir", w.Dir).Msg("watching for csv imports")

	defer w.wg.Wait()
	defer w.stopTimers()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if evt.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 && isCSV(evt.Name) {
				w.schedule(ctx, evt.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("watcher error")
		}
	}
}

// Backfill imports CSV files already present in Dir.
func (w *Watcher) Backfill(ctx context.Context) error {
	entries, err := filepath.Glob(filepath.Join(w.Dir, "*"))
	if err != nil {
		return err
	}
	for _, e := range entries {
		if isCSV(e) {
			w.process(ctx, e)
		}
	}
	return nil
}

// schedule (re)arms the settle timer so a file still being written is
// imported once, after writes stop. Every timer holds one wg slot; a callback
// that finds another timer registered for its path gives the slot back and
// exits.
func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if old, ok := w.pending[path]; ok && old.Stop() {
		w.wg.Done()
	}
	var t *time.Timer
	w.wg.Add(1)
	t = time.AfterFunc(w.Settle, func() {
		defer w.wg.Done()
		w.mu.Lock()
		if w.pending[path] != t {
			w.mu.Unlock()
			return
		}
		delete(w.pending, path)
		w.mu.Unlock()
		w.process(ctx, path)
	})
	w.pending[path] = t
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.pending {
		if t.Stop() {
			w.wg.Done()
		}
		delete(w.pending, path)
	}
}

func (w *Watcher) process(ctx context.Context, path string) {
	if ctx.Err() != nil {
		return
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return
	}
	logger := log.With().Str("file", filepath.Base(path)).Logger()
	rep, err := w.importer.ImportFile(ctx, path)
	dest := processedDir
	if err != nil {
		dest = failedDir
		logger.Error().Err(err).Msg("csv import failed")
	} else {
		logger.Info().Int("imported", rep.Imported).Int("failed", rep.Failed).Msg("csv imported")
		if w.metrics != nil {
			w.metrics.Imported(rep.Imported, rep.Failed)
		}
		if w.bus != nil {
			w.bus.Publish(events.Event{Type: events.CallsImported, Count: rep.Imported, Total: rep.Total})
		}
	}
	target := filepath.Join(w.Dir, dest, filepath.Base(path))
	if _, err := os.Stat(target); err == nil {
		ext := filepath.Ext(target)
		target = fmt.Sprintf("%s-%d%s", strings.TrimSuffix(target, ext), time.Now().UnixNano(), ext)
	}
	if err := os.Rename(path, target); err != nil {
		logger.Warn().Err(err).Msg("move imported file failed")
	}
}

func isCSV(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".csv")
}
