// Package metrics keeps process-local counters exposed on /metrics.
package metrics

import "sync/atomic"

// Counters tracks batch and call outcomes since process start.
type Counters struct {
	batchesStarted  atomic.Int64
	batchesFinished atomic.Int64
	callsAudited    atomic.Int64
	callsFailed     atomic.Int64
	fallbackScores  atomic.Int64
	callsImported   atomic.Int64
	importFailures  atomic.Int64
}

func New() *Counters { return &Counters{} }

func (c *Counters) BatchStarted()  { c.batchesStarted.Add(1) }
func (c *Counters) BatchFinished() { c.batchesFinished.Add(1) }

// ItemDone records one processed batch item.
func (c *Counters) ItemDone(success, fallback bool) {
	if !success {
		c.callsFailed.Add(1)
		return
	}
	c.callsAudited.Add(1)
	if fallback {
		c.fallbackScores.Add(1)
	}
}

func (c *Counters) Imported(ok, failed int) {
	c.callsImported.Add(int64(ok))
	c.importFailures.Add(int64(failed))
}

func (c *Counters) Snapshot() map[string]int64 {
	return map[string]int64{
		"batches_started":  c.batchesStarted.Load(),
		"batches_finished": c.batchesFinished.Load(),
		"calls_audited":    c.callsAudited.Load(),
		"calls_failed":     c.callsFailed.Load(),
		"fallback_scores":  c.fallbackScores.Load(),
		"calls_imported":   c.callsImported.Load(),
		"import_failures":  c.importFailures.Load(),
	}
}
