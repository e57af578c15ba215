// Package events is a small in-process pub/sub used to stream batch progress.
package events

import (
	"sync"

	"call_audit/internal/store"
)

// Type identifies an event.
type Type string

const (
	BatchStarted  Type = "batch.started"
	BatchProgress Type = "batch.progress"
	BatchFinished Type = "batch.finished"
	CallsImported Type = "calls.imported"
)

// Event is published on the bus. Item is set for progress events and Run
// for started/finished events.
type Event struct {
	Type    Type             `json:"type"`
	BatchID string           `json:"batch_id,omitempty"`
	Current int              `json:"current,omitempty"`
	Total   int              `json:"total,omitempty"`
	Item    *store.BatchItem `json:"item,omitempty"`
	Run     *store.BatchRun  `json:"run,omitempty"`
	Count   int              `json:"count,omitempty"`
}

// Bus fans events out to subscribers. Slow subscribers miss events instead of
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

func NewBus() *Bus { return &Bus{subs: map[chan Event]struct{}{}} }

// Subscribe returns a buffered channel of events and a func that removes
// and closes it.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
