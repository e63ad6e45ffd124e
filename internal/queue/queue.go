// Package queue implements the per-category local buffer: a bounded queue
// drained by exactly one goroutine into the category's writer chain.
//
// Offer never blocks. A full queue drops the event and counts it; this is the
// pipeline's admission control.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/collector/internal/event"
	"github.com/xtxerr/collector/internal/logging"
	"github.com/xtxerr/collector/internal/spool"
	"github.com/xtxerr/collector/internal/stats"
)

// LocalQueue buffers events for one category.
type LocalQueue struct {
	name      string
	queue     chan event.Event
	writer    spool.EventWriter
	stats     *stats.WriterStats
	drainWait time.Duration

	started atomic.Bool
	closed  atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	writerClosed chan struct{}
	closeOnce    sync.Once

	logger *slog.Logger
}

// NewLocalQueue creates a queue of the given capacity in front of writer.
// The drain goroutine starts with Start.
func NewLocalQueue(name string, capacity int, writer spool.EventWriter, st *stats.WriterStats, drainWait time.Duration) *LocalQueue {
	if capacity <= 0 {
		capacity = 1
	}
	if drainWait <= 0 {
		drainWait = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &LocalQueue{
		name:         name,
		queue:        make(chan event.Event, capacity),
		writer:       writer,
		stats:        st,
		drainWait:    drainWait,
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		writerClosed: make(chan struct{}),
		logger:       logging.Component("queue").With("queue", name),
	}
}

// Start launches the drain goroutine. Calling it more than once is a no-op.
func (q *LocalQueue) Start() {
	if q.closed.Load() || !q.started.CompareAndSwap(false, true) {
		return
	}
	go q.drain()
}

// Offer enqueues e without blocking. It returns false, and counts a drop,
// when the queue is full or closed.
func (q *LocalQueue) Offer(e event.Event) bool {
	if q.closed.Load() {
		q.stats.RegisterEventDropped()
		return false
	}

	select {
	case q.queue <- e:
		q.stats.RegisterEventEnqueued()
		return true
	default:
		q.stats.RegisterEventDropped()
		return false
	}
}

func (q *LocalQueue) drain() {
	defer close(q.done)

	for {
		select {
		case <-q.ctx.Done():
			return
		case e := <-q.queue:
			if err := q.writer.Write(e); err != nil {
				q.logger.Warn("failed to write event", "event", e.Name(), "error", err)
				q.stats.RegisterEventWriteErrored()
				continue
			}
			q.stats.RegisterEventWritten()
		}
	}
}

// Close stops the drain goroutine, waiting at most the drain bound, then
// closes the writer chain in the background. Events still queued are
// discarded. Idempotent.
func (q *LocalQueue) Close() {
	q.closeOnce.Do(q.close)
}

func (q *LocalQueue) close() {
	q.closed.Store(true)
	q.cancel()

	if q.started.Load() {
		select {
		case <-q.done:
		case <-time.After(q.drainWait):
			q.logger.Warn("drain goroutine did not stop in time, abandoning it", "wait", q.drainWait)
		}
	}

	go func() {
		defer close(q.writerClosed)
		if err := q.writer.Close(); err != nil {
			q.logger.Warn("failed to close writer", "error", err)
		}
	}()

	discarded := 0
	for {
		select {
		case <-q.queue:
			discarded++
			continue
		default:
		}
		break
	}
	if discarded > 0 {
		q.logger.Warn("discarded queued events on close", "count", discarded)
	}
}

// WriterClosed is closed once the writer chain has finished closing.
func (q *LocalQueue) WriterClosed() <-chan struct{} {
	return q.writerClosed
}

// Name returns the queue name.
func (q *LocalQueue) Name() string { return q.name }

// Len returns the number of queued events.
func (q *LocalQueue) Len() int { return len(q.queue) }

// IsEmpty reports whether no events are queued.
func (q *LocalQueue) IsEmpty() bool { return len(q.queue) == 0 }
