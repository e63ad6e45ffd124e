package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtxerr/collector/internal/config"
	"github.com/xtxerr/collector/internal/errors"
	"github.com/xtxerr/collector/internal/event"
	"github.com/xtxerr/collector/internal/serialization"
	"github.com/xtxerr/collector/internal/spool"
	"github.com/xtxerr/collector/internal/stats"
	"github.com/xtxerr/collector/internal/testutil"
)

// memWriter records written events. Events named "bad" fail.
type memWriter struct {
	mu     sync.Mutex
	events []event.Event
	closed bool
	block  chan struct{}
}

func (w *memWriter) Write(e event.Event) error {
	if w.block != nil {
		<-w.block
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if e.Name() == "bad" {
		return errors.New("disk full")
	}
	w.events = append(w.events, e)
	return nil
}

func (w *memWriter) Commit() error { return nil }

func (w *memWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *memWriter) written() []event.Event {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]event.Event(nil), w.events...)
}

func (w *memWriter) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

var now = time.UnixMilli(1700000000000).UTC()

func rawEvent(name string, i int) event.Event {
	return event.NewRawEvent(name, now.Add(time.Duration(i)*time.Millisecond), []byte{byte(i)})
}

func TestLocalQueue_Backpressure(t *testing.T) {
	const capacity = 5

	st := stats.NewWriterStats()
	q := NewLocalQueue("test", capacity, &memWriter{}, st, time.Second)
	// No drain goroutine: nothing leaves the queue

	for i := 0; i < capacity; i++ {
		require.True(t, q.Offer(rawEvent("test", i)), "offer %d", i)
	}
	assert.False(t, q.Offer(rawEvent("test", capacity)))

	assert.Equal(t, int64(capacity), st.EnqueuedEvents())
	assert.Equal(t, int64(1), st.DroppedEvents())
	assert.Equal(t, capacity, q.Len())
}

func TestLocalQueue_DrainInOrder(t *testing.T) {
	st := stats.NewWriterStats()
	w := &memWriter{}
	q := NewLocalQueue("test", 100, w, st, time.Second)
	q.Start()
	defer q.Close()

	var in []event.Event
	for i := 0; i < 20; i++ {
		e := rawEvent("test", i)
		in = append(in, e)
		require.True(t, q.Offer(e))
	}

	require.Eventually(t, func() bool { return st.WrittenEvents() == 20 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, in, w.written())
	assert.True(t, q.IsEmpty())
}

func TestLocalQueue_WriteErrorDoesNotStopDrain(t *testing.T) {
	st := stats.NewWriterStats()
	w := &memWriter{}
	q := NewLocalQueue("test", 10, w, st, time.Second)
	q.Start()
	defer q.Close()

	q.Offer(rawEvent("ok", 1))
	q.Offer(rawEvent("bad", 2))
	q.Offer(rawEvent("ok", 3))

	require.Eventually(t, func() bool {
		return st.WrittenEvents() == 2 && st.WriteErroredEvents() == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, w.written(), 2)
}

func TestLocalQueue_Close(t *testing.T) {
	st := stats.NewWriterStats()
	w := &memWriter{block: make(chan struct{})}
	q := NewLocalQueue("test", 10, w, st, 50*time.Millisecond)
	q.Start()

	// The first event blocks the drain goroutine inside Write
	q.Offer(rawEvent("test", 1))
	q.Offer(rawEvent("test", 2))
	q.Offer(rawEvent("test", 3))

	start := time.Now()
	q.Close()
	assert.Less(t, time.Since(start), time.Second, "close is bounded")

	<-q.WriterClosed()
	assert.True(t, w.isClosed())

	assert.False(t, q.Offer(rawEvent("test", 4)))
	q.Close()

	close(w.block)
}

// fakeFactory hands out memWriters and counts creations.
type fakeFactory struct {
	mu      sync.Mutex
	writers map[string]*memWriter
	fail    bool
}

func (f *fakeFactory) CreatePersistentWriter(_ *stats.WriterStats, typ serialization.Type, category string) (spool.EventWriter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fail {
		return nil, errors.New("no disk")
	}
	if f.writers == nil {
		f.writers = make(map[string]*memWriter)
	}
	key := category + "." + typ.Suffix()
	if _, ok := f.writers[key]; ok {
		panic("writer created twice for " + key)
	}
	w := &memWriter{}
	f.writers[key] = w
	return w, nil
}

func (f *fakeFactory) writer(key string) *memWriter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writers[key]
}

func newEnvelope(t testing.TB, name string, ts time.Time, payload map[string]any) *event.EnvelopeEvent {
	t.Helper()
	e, err := event.NewEnvelopeEvent(name, ts, payload)
	require.NoError(t, err)
	return e
}

func newPlainText(t testing.TB, name string, ts time.Time, payload map[string]any) *event.EnvelopeEvent {
	t.Helper()
	e, err := event.NewPlainTextEvent(name, ts, payload)
	require.NoError(t, err)
	return e
}

func TestDispatcher_Routing(t *testing.T) {
	factory := &fakeFactory{}
	cfg := config.DefaultConfig().Spool
	cfg.MaxQueueSize = 100

	d := NewDispatcher(factory, nil, cfg)

	require.True(t, d.Offer(newEnvelope(t, "CounterEvent", now, map[string]any{"a": 1.0})))
	require.True(t, d.Offer(newPlainText(t, "CounterEvent", now, nil)))
	require.True(t, d.Offer(event.NewFieldEvent("Login", now)))
	require.True(t, d.Offer(event.NewFieldEvent("Login", now)))
	require.True(t, d.Offer(rawEvent("Blob", 0)))

	assert.Equal(t, []string{"Blob.bin", "CounterEvent.json", "CounterEvent.pbenv", "Login.fields"}, d.Queues())

	require.Eventually(t, func() bool { return d.Stats().WrittenEvents() == 5 }, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, factory.writer("Login.fields").written(), 2)
	assert.Len(t, factory.writer("CounterEvent.pbenv").written(), 1)

	d.Close()
	for _, key := range []string{"Blob.bin", "CounterEvent.json", "CounterEvent.pbenv", "Login.fields"} {
		assert.True(t, factory.writer(key).isClosed(), key)
	}

	assert.False(t, d.Offer(event.NewFieldEvent("Login", now)))
	assert.False(t, d.Offer(event.NewFieldEvent("NewCategory", now)))
	assert.Equal(t, int64(2), d.Stats().DroppedEvents())
}

func TestDispatcher_FactoryFailureDrops(t *testing.T) {
	d := NewDispatcher(&fakeFactory{fail: true}, nil, config.DefaultConfig().Spool)
	defer d.Close()

	assert.False(t, d.Offer(event.NewFieldEvent("Login", now)))
	assert.Equal(t, int64(1), d.Stats().DroppedEvents())
	assert.Empty(t, d.QueueSizes())
}

func TestDispatcher_ConcurrentOffer(t *testing.T) {
	factory := &fakeFactory{}
	cfg := config.DefaultConfig().Spool
	cfg.MaxQueueSize = 10000

	d := NewDispatcher(factory, nil, cfg)
	defer d.Close()

	// fakeFactory panics if a queue's writer is created twice.
	g := testutil.NewGroup(t, 5*time.Second)
	for i := 0; i < 8; i++ {
		g.Go(func(context.Context) error {
			for j := 0; j < 100; j++ {
				if !d.Offer(event.NewFieldEvent("Login", now)) {
					return fmt.Errorf("event %d dropped", j)
				}
			}
			return nil
		})
	}
	g.Wait()

	require.Eventually(t, func() bool { return d.Stats().WrittenEvents() == 800 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"Login.fields"}, d.Queues())
	assert.Len(t, factory.writer("Login.fields").written(), 800)
}
