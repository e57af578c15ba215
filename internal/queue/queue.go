// Package queue runs background jobs on a small bounded worker pool.
package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Job is a unit of background work. OnFinish always runs, including when
// Work panics.
type Job struct {
	ID       string
	Source   string
	Work     func(context.Context) error
	OnFinish func(error)
}

// Stats exposes queue counters.
type Stats struct {
	Length      int    `json:"length"`
	Capacity    int    `json:"capacity"`
	WorkerCount int    `json:"workers"`
	Processed   uint64 `json:"processed"`
	Failed      uint64 `json:"failed"`
}

// Queue is a bounded job queue with a fixed worker pool.
type Queue struct {
	jobs        chan Job
	workerCount int
	timeout     time.Duration
	started     bool
	stopped     bool
	mu          sync.RWMutex
	wg          sync.WaitGroup
	processed   atomic.Uint64
	failed      atomic.Uint64
}

// New creates a queue. A zero timeout leaves jobs unbounded.
func New(capacity, workerCount int, timeout time.Duration) *Queue {
	if workerCount < 1 {
		workerCount = 1
	}
	return &Queue{
		jobs:        make(chan Job, capacity),
		workerCount: workerCount,
		timeout:     timeout,
	}
}

// Start launches the workers. They exit when ctx is done or Stop is called.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.stopped {
		return
	}
	q.started = true
	for i := 0; i < q.workerCount; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
}

// Enqueue queues j without blocking. It returns false when the queue is full,
// not started, or stopped.
func (q *Queue) Enqueue(j Job) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if !q.started || q.stopped {
		log.Warn().Str("job", j.ID).Str("source", j.Source).Msg("enqueue on inactive queue")
		return false
	}
	select {
	case q.jobs <- j:
		return true
	default:
		log.Warn().Str("job", j.ID).Str("source", j.Source).Msg("job queue full, dropping job")
		return false
	}
}

// Stop stops accepting jobs and waits for in-flight work until ctx is done.
func (q *Queue) Stop(ctx context.Context) {
	q.mu.Lock()
	if !q.started || q.stopped {
		q.stopped = true
		q.mu.Unlock()
		return
	}
	q.stopped = true
	close(q.jobs)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Msg("queue stop timed out with jobs in flight")
	}
}

// Stats returns current counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Length:      len(q.jobs),
		Capacity:    cap(q.jobs),
		WorkerCount: q.workerCount,
		Processed:   q.processed.Load(),
		Failed:      q.failed.Load(),
	}
}

// Healthy reports whether the queue is accepting work.
func (q *Queue) Healthy() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.started && !q.stopped
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q.jobs:
			if !ok {
				return
			}
			q.handleJob(ctx, j)
		}
	}
}

func (q *Queue) handleJob(ctx context.Context, j Job) {
	start := time.Now()
	err := q.runWork(ctx, j)
	if j.OnFinish != nil {
		j.OnFinish(err)
	}
	q.processed.Add(1)
	ev := log.Info()
	if err != nil {
		q.failed.Add(1)
		ev = log.Warn().Err(err)
	}
	ev.Str("job_source", j.Source).Str("job", j.ID).
		Int64("duration_ms", time.Since(start).Milliseconds()).Msg("job finished")
}

func (q *Queue) runWork(ctx context.Context, j Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("job", j.ID).Interface("panic", r).Msg("job panic recovered")
			err = fmt.Errorf("job %s panicked: %v", j.ID, r)
		}
	}()
	jobCtx := ctx
	if q.timeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}
	return j.Work(jobCtx)
}
