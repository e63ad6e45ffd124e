// Package stats holds the process-wide pipeline counters.
//
// WriterStats is shared by every category's drain goroutine and by the
// promotion factory, so every counter is an atomic.
package stats

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// WriterStats counts events through the local buffer and promotions to the
// remote store.
type WriterStats struct {
	enqueued     atomic.Int64
	dropped      atomic.Int64
	written      atomic.Int64
	writeErrored atomic.Int64
	remoteFlush  atomic.Int64
}

// NewWriterStats creates zeroed stats.
func NewWriterStats() *WriterStats {
	return &WriterStats{}
}

func (s *WriterStats) RegisterEventEnqueued() { s.enqueued.Add(1) }
func (s *WriterStats) RegisterEventDropped() { s.dropped.Add(1) }
func (s *WriterStats) RegisterEventWritten() { s.written.Add(1) }
func (s *WriterStats) RegisterEventWriteErrored() { s.writeErrored.Add(1) }
func (s *WriterStats) RegisterRemoteFlush() { s.remoteFlush.Add(1) }

func (s *WriterStats) EnqueuedEvents() int64 { return s.enqueued.Load() }
func (s *WriterStats) DroppedEvents() int64 { return s.dropped.Load() }
func (s *WriterStats) WrittenEvents() int64 { return s.written.Load() }
func (s *WriterStats) WriteErroredEvents() int64 { return s.writeErrored.Load() }
func (s *WriterStats) RemoteFlushes() int64 { return s.remoteFlush.Load() }

// Snapshot is a point-in-time copy of WriterStats.
type Snapshot struct {
	Enqueued     int64 `json:"enqueued"`
	Dropped      int64 `json:"dropped"`
	Written      int64 `json:"written"`
	WriteErrored int64 `json:"write_errored"`
	RemoteFlush  int64 `json:"remote_flushes"`
}

// Snapshot returns the current counter values.
func (s *WriterStats) Snapshot() Snapshot {
	return Snapshot{
		Enqueued:     s.enqueued.Load(),
		Dropped:      s.dropped.Load(),
		Written:      s.written.Load(),
		WriteErrored: s.writeErrored.Load(),
		RemoteFlush:  s.remoteFlush.Load(),
	}
}

// Clear resets every counter. Only test harnesses call this.
func (s *WriterStats) Clear() {
	s.enqueued.Store(0)
	s.dropped.Store(0)
	s.written.Store(0)
	s.writeErrored.Store(0)
	s.remoteFlush.Store(0)
}

// =============================================================================
// Prometheus export
// =============================================================================

type collector struct {
	stats *WriterStats
	descs [5]*prometheus.Desc
}

// Collector exposes the stats as Prometheus counters.
func Collector(s *WriterStats) prometheus.Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName("collector", "spool", name), help, nil, nil)
	}

	return &collector{
		stats: s,
		descs: [5]*prometheus.Desc{
			desc("events_enqueued_total", "Events accepted by a local queue"),
			desc("events_dropped_total", "Events rejected by a full or closed local queue"),
			desc("events_written_total", "Events written to the spool"),
			desc("events_write_errored_total", "Events that failed to be written to the spool"),
			desc("remote_flushes_total", "Spool files handed to the spool processors"),
		},
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d
	}
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.stats.Snapshot()
	values := [5]int64{snap.Enqueued, snap.Dropped, snap.Written, snap.WriteErrored, snap.RemoteFlush}

	for i, d := range c.descs {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(values[i]))
	}
}
