package health

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeStats struct{ c Counters }

func (f fakeStats) Counters() Counters { return f.c }

func TestSnapshot_ReportsGoroutineCountAndUptime(t *testing.T) {
	r := New(fakeStats{c: Counters{MediaDescriptors: 3, TrackedClients: 7}})
	rep := r.Snapshot()

	assert.GreaterOrEqual(t, rep.UptimeSeconds, 0.0)
	assert.Greater(t, rep.GoroutineCount, 0)
	assert.Equal(t, 3, rep.MediaDescriptors)
	assert.Equal(t, 7, rep.TrackedClients)
}

func TestSnapshot_NilStatsProviderReportsZeroCounts(t *testing.T) {
	r := New(nil)
	rep := r.Snapshot()
	assert.Equal(t, 0, rep.MediaDescriptors)
	assert.Equal(t, 0, rep.TrackedClients)
}
