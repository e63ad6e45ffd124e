package queue

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/xtxerr/collector/internal/config"
	"github.com/xtxerr/collector/internal/event"
	"github.com/xtxerr/collector/internal/logging"
	"github.com/xtxerr/collector/internal/serialization"
	"github.com/xtxerr/collector/internal/spool"
	"github.com/xtxerr/collector/internal/stats"
)

// WriterFactory builds the writer chain for a category.
type WriterFactory interface {
	CreatePersistentWriter(st *stats.WriterStats, typ serialization.Type, category string) (spool.EventWriter, error)
}

type queueKey struct {
	category string
	typ      serialization.Type
}

func (k queueKey) String() string {
	return k.category + "." + k.typ.Suffix()
}

// Dispatcher routes events to the local queue of their category and
// serialization type, creating queues on first use.
type Dispatcher struct {
	mu     sync.RWMutex
	queues map[queueKey]*LocalQueue
	closed bool

	factory   WriterFactory
	stats     *stats.WriterStats
	capacity  int
	drainWait time.Duration

	logger *slog.Logger
}

// NewDispatcher creates a dispatcher. Every queue shares st.
func NewDispatcher(factory WriterFactory, st *stats.WriterStats, cfg config.SpoolConfig) *Dispatcher {
	if st == nil {
		st = stats.NewWriterStats()
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = config.DefaultConfig().Spool.MaxQueueSize
	}
	if cfg.DrainWait <= 0 {
		cfg.DrainWait = config.DefaultConfig().Spool.DrainWait
	}

	return &Dispatcher{
		queues:    make(map[queueKey]*LocalQueue),
		factory:   factory,
		stats:     st,
		capacity:  cfg.MaxQueueSize,
		drainWait: cfg.DrainWait,
		logger:    logging.Component("dispatcher"),
	}
}

// Offer routes e to its queue. It returns false when the event was dropped.
func (d *Dispatcher) Offer(e event.Event) bool {
	q := d.queueFor(queueKey{category: e.Name(), typ: serialization.ForEvent(e)})
	if q == nil {
		d.stats.RegisterEventDropped()
		return false
	}
	return q.Offer(e)
}

func (d *Dispatcher) queueFor(key queueKey) *LocalQueue {
	d.mu.RLock()
	q, ok := d.queues[key]
	closed := d.closed
	d.mu.RUnlock()

	if ok || closed {
		return q
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	if q, ok := d.queues[key]; ok {
		return q
	}

	writer, err := d.factory.CreatePersistentWriter(d.stats, key.typ, key.category)
	if err != nil {
		d.logger.Error("failed to create writer", "queue", key.String(), "error", err)
		return nil
	}

	q = NewLocalQueue(key.String(), d.capacity, writer, d.stats, d.drainWait)
	q.Start()
	d.queues[key] = q

	d.logger.Info("created local queue", "queue", key.String(), "capacity", d.capacity)
	return q
}

// Stats returns the shared writer stats.
func (d *Dispatcher) Stats() *stats.WriterStats {
	return d.stats
}

// QueueSizes returns the number of queued events per queue.
func (d *Dispatcher) QueueSizes() map[string]int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	sizes := make(map[string]int, len(d.queues))
	for key, q := range d.queues {
		sizes[key.String()] = q.Len()
	}
	return sizes
}

// Queues returns the queue names in sorted order.
func (d *Dispatcher) Queues() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	names := make([]string, 0, len(d.queues))
	for key := range d.queues {
		names = append(names, key.String())
	}
	sort.Strings(names)
	return names
}

// Close closes every queue concurrently and waits for each writer chain to
// finish closing. Events offered afterwards are dropped.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	queues := make([]*LocalQueue, 0, len(d.queues))
	for _, q := range d.queues {
		queues = append(queues, q)
	}
	d.mu.Unlock()

	var wg sync.WaitGroup
	for _, q := range queues {
		wg.Add(1)
		go func(q *LocalQueue) {
			defer wg.Done()
			q.Close()
			select {
			case <-q.WriterClosed():
			case <-time.After(d.drainWait):
				d.logger.Warn("writer still closing, continuing shutdown", "queue", q.Name())
			}
		}(q)
	}
	wg.Wait()

	d.logger.Info("dispatcher closed", "queues", len(queues))
}
