package stats

import (
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterStats_Concurrent(t *testing.T) {
	s := NewWriterStats()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				s.RegisterEventEnqueued()
				s.RegisterEventWritten()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(8000), s.EnqueuedEvents())
	assert.Equal(t, int64(8000), s.WrittenEvents())

	s.Clear()
	assert.Equal(t, Snapshot{}, s.Snapshot())
}

func TestCollector(t *testing.T) {
	s := NewWriterStats()
	s.RegisterEventEnqueued()
	s.RegisterEventEnqueued()
	s.RegisterEventDropped()
	s.RegisterRemoteFlush()

	c := Collector(s)
	require.Equal(t, 5, testutil.CollectAndCount(c))

	expected := `
# HELP collector_spool_events_dropped_total Events rejected by a full or closed local queue
# TYPE collector_spool_events_dropped_total counter
collector_spool_events_dropped_total 1
# HELP collector_spool_events_enqueued_total Events accepted by a local queue
# TYPE collector_spool_events_enqueued_total counter
collector_spool_events_enqueued_total 2
# HELP collector_spool_remote_flushes_total Spool files handed to the spool processors
# TYPE collector_spool_remote_flushes_total counter
collector_spool_remote_flushes_total 1
`
	err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"collector_spool_events_enqueued_total",
		"collector_spool_events_dropped_total",
		"collector_spool_remote_flushes_total",
	)
	assert.NoError(t, err)
}
