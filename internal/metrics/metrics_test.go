package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	c := New()
	c.BatchStarted()
	c.ItemDone(true, false)
	c.ItemDone(true, true)
	c.ItemDone(false, false)
	c.Imported(3, 1)
	c.BatchFinished()

	snap := c.Snapshot()
	assert.EqualValues(t, 1, snap["batches_started"])
	assert.EqualValues(t, 1, snap["batches_finished"])
	assert.EqualValues(t, 2, snap["calls_audited"])
	assert.EqualValues(t, 1, snap["calls_failed"])
	assert.EqualValues(t, 1, snap["fallback_scores"])
	assert.EqualValues(t, 3, snap["calls_imported"])
	assert.EqualValues(t, 1, snap["import_failures"])
}
