package counter

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtxerr/collector/internal/config"
	"github.com/xtxerr/collector/internal/errors"
	"github.com/xtxerr/collector/internal/store"
	"github.com/xtxerr/collector/internal/testutil"
)

var (
	day1  = time.Date(2024, 3, 7, 10, 0, 0, 0, time.UTC)
	day2  = time.Date(2024, 3, 8, 9, 30, 0, 0, time.UTC)
	runAt = time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC)
)

func newTestStorage(t *testing.T) *DatabaseStorage {
	t.Helper()

	s, err := store.New(store.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))

	return NewDatabaseStorage(s, time.Minute)
}

func testSubscription() *CounterSubscription {
	return &CounterSubscription{
		ID:    "sub-1",
		AppID: "app",
		IdentifierDistribution: map[string][]string{
			"member": {"views"},
		},
	}
}

func row(ts time.Time, category, id string, counters map[string]int64) *CounterEventData {
	return &CounterEventData{
		SubscriptionID:     "sub-1",
		AppID:              "app",
		IdentifierCategory: category,
		UniqueIdentifier:   id,
		CreatedDate:        ts,
		Counters:           counters,
	}
}

func sampleRows() []*CounterEventData {
	return []*CounterEventData{
		row(day1, "member", "alice", map[string]int64{"views": 3, "clicks": 1}),
		row(day1.Add(time.Minute), "member", "bob", map[string]int64{"views": 1}),
		row(day1.Add(2*time.Minute), "member", "alice", map[string]int64{"views": 2, "clicks": 4}),
		row(day1.Add(3*time.Minute), "guest", "carol", map[string]int64{"views": 7}),
		row(day2, "member", "alice", map[string]int64{"views": 1}),
		row(day2.Add(time.Hour), "member", "dave", map[string]int64{"clicks": 2}),
		row(day2.Add(2*time.Hour), "guest", "erin", map[string]int64{"views": 5, "clicks": 5}),
	}
}

func seed(t *testing.T, st *DatabaseStorage, rows []*CounterEventData) *CounterSubscription {
	t.Helper()
	ctx := context.Background()

	sub := testSubscription()
	_, err := st.InsertCounterSubscription(ctx, sub)
	require.NoError(t, err)
	require.NoError(t, st.BufferMetrics(ctx, rows))
	return sub
}

func newProcessor(st Storage, pageSize int, now time.Time) *RollUpProcessor {
	p := NewRollUpProcessor(st, pageSize)
	p.Now = func() time.Time { return now }
	return p
}

func buffered(t *testing.T, st *DatabaseStorage) []*CounterEventData {
	t.Helper()
	rows, err := st.LoadBufferedMetricsPaged(context.Background(), "sub-1", runAt.AddDate(1, 0, 0), 100, 0)
	require.NoError(t, err)
	return rows
}

// =============================================================================
// Model
// =============================================================================

func TestRolledUpCounter_Update(t *testing.T) {
	c := NewRolledUpCounter("app", day1)
	assert.Equal(t, "app2024-03-07", c.ID())
	assert.Equal(t, time.Date(2024, 3, 7, 0, 0, 0, 0, time.UTC), c.FromDate)
	assert.Equal(t, time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC), c.ToDate)

	for _, r := range sampleRows()[:4] {
		dist := testSubscription().IdentifierDistribution[r.IdentifierCategory]
		require.NoError(t, c.Update(r, dist))
	}
	require.NoError(t, c.EvaluateUniques())

	views := c.Counters["views"]
	assert.Equal(t, int64(13), views.TotalCount)
	assert.Equal(t, int64(3), views.UniqueCount)
	assert.Equal(t, map[string]int64{"alice": 5, "bob": 1}, views.Distribution)
	require.NotNil(t, views.Quantiles)
	assert.Len(t, views.UniqueHashes, 3)
	assert.NotEmpty(t, views.Sketch)

	clicks := c.Counters["clicks"]
	assert.Equal(t, int64(5), clicks.TotalCount)
	assert.Equal(t, int64(1), clicks.UniqueCount)
	assert.Nil(t, clicks.Distribution)
}

func TestRolledUpCounter_View(t *testing.T) {
	c := NewRolledUpCounter("app", day1)
	c.Counters["views"] = &RolledUpCounterData{
		CounterName:  "views",
		TotalCount:   6,
		Distribution: map[string]int64{"a": 1, "b": 3, "c": 2},
		Sketch:       []byte{1},
		UniqueHashes: []uint64{1, 2, 3},
	}
	c.Counters["clicks"] = &RolledUpCounterData{CounterName: "clicks", TotalCount: 1}

	v := c.View(nil, false, 2)
	assert.Len(t, v.Counters, 2)
	assert.Equal(t, map[string]int64{"b": 3, "c": 2}, v.Counters["views"].Distribution)
	assert.Nil(t, v.Counters["views"].Sketch)
	assert.Nil(t, v.Counters["views"].UniqueHashes)

	v = c.View([]string{"views", "missing"}, true, 0)
	assert.Len(t, v.Counters, 1)
	assert.Nil(t, v.Counters["views"].Distribution)

	// The original is untouched
	assert.Len(t, c.Counters["views"].Distribution, 3)
}

// =============================================================================
// Roll-up
// =============================================================================

func TestRollUp_StreamingAndPagedEquivalent(t *testing.T) {
	ctx := context.Background()

	streamed := newTestStorage(t)
	paged := newTestStorage(t)
	sub := seed(t, streamed, sampleRows())
	seed(t, paged, sampleRows())

	newProcessor(streamed, 1000, runAt).RollUpStreaming(ctx, sub)
	newProcessor(paged, 2, runAt).RollUpPaged(ctx, sub)

	for _, id := range []string{"app2024-03-07", "app2024-03-08"} {
		a, err := streamed.LoadRolledUpCounter(ctx, id)
		require.NoError(t, err)
		b, err := paged.LoadRolledUpCounter(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, a, b, id)
	}

	c, err := streamed.LoadRolledUpCounter(ctx, "app2024-03-08")
	require.NoError(t, err)
	assert.Equal(t, int64(6), c.Counters["views"].TotalCount)
	assert.Equal(t, int64(7), c.Counters["clicks"].TotalCount)
	assert.Equal(t, map[string]int64{"alice": 1}, c.Counters["views"].Distribution)

	assert.Empty(t, buffered(t, streamed))
	assert.Empty(t, buffered(t, paged))
}

func TestRollUp_MergesWithPersisted(t *testing.T) {
	ctx := context.Background()
	st := newTestStorage(t)
	sub := seed(t, st, sampleRows()[:2])

	p := newProcessor(st, 10, runAt)
	p.RollUpPaged(ctx, sub)

	require.NoError(t, st.BufferMetrics(ctx, sampleRows()[2:4]))
	p.RollUpPaged(ctx, sub)

	c, err := st.LoadRolledUpCounter(ctx, "app2024-03-07")
	require.NoError(t, err)

	views := c.Counters["views"]
	assert.Equal(t, int64(13), views.TotalCount)
	assert.Equal(t, int64(3), views.UniqueCount, "alice counted once across runs")
	assert.Equal(t, map[string]int64{"alice": 5, "bob": 1}, views.Distribution)
}

func TestRollUp_NoRowsIsNoop(t *testing.T) {
	ctx := context.Background()
	st := newTestStorage(t)
	sub := seed(t, st, nil)

	newProcessor(st, 10, runAt).RollUpStreaming(ctx, sub)

	_, err := st.LoadRolledUpCounter(ctx, "app2024-03-07")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

// blockingStorage parks the first stream until released.
type blockingStorage struct {
	Storage

	once    sync.Once
	entered chan struct{}
	release chan struct{}
	streams atomic.Int32
	late    *CounterEventData

	// behind is buffered once the stream has finished.
	behind *CounterEventData
}

func (b *blockingStorage) StreamBufferedMetrics(ctx context.Context, subscriptionID string, to time.Time, fn func(*CounterEventData) error) error {
	b.streams.Add(1)
	b.once.Do(func() { close(b.entered) })

	if b.late != nil {
		if err := b.Storage.BufferMetrics(ctx, []*CounterEventData{b.late}); err != nil {
			return err
		}
	}
	if b.release != nil {
		<-b.release
	}
	if err := b.Storage.StreamBufferedMetrics(ctx, subscriptionID, to, fn); err != nil {
		return err
	}
	if b.behind != nil {
		return b.Storage.BufferMetrics(ctx, []*CounterEventData{b.behind})
	}
	return nil
}

func TestRollUp_SingleFlight(t *testing.T) {
	ctx := context.Background()
	st := newTestStorage(t)
	sub := seed(t, st, sampleRows())

	bs := &blockingStorage{Storage: st, entered: make(chan struct{}), release: make(chan struct{})}
	p := newProcessor(bs, 2, runAt)

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.RollUpStreaming(ctx, sub)
	}()

	<-bs.entered
	assert.True(t, p.IsProcessing())

	// Both return immediately while the first run is parked.
	p.RollUpStreaming(ctx, sub)
	p.RollUpPaged(ctx, sub)
	assert.Equal(t, int32(1), bs.streams.Load())

	close(bs.release)
	<-done
	assert.False(t, p.IsProcessing())

	c, err := st.LoadRolledUpCounter(ctx, "app2024-03-07")
	require.NoError(t, err)
	assert.Equal(t, int64(13), c.Counters["views"].TotalCount)
}

func TestRollUp_DeletionBoundary(t *testing.T) {
	ctx := context.Background()
	st := newTestStorage(t)

	start := day1.Add(time.Hour)
	onBoundary := row(start, "member", "bob", map[string]int64{"views": 1})
	sub := seed(t, st, append(sampleRows()[:4], onBoundary))

	// Buffered while the run is in flight, with a bucket time after its start.
	late := row(start.Add(time.Second), "member", "zoe", map[string]int64{"views": 100})
	bs := &blockingStorage{Storage: st, entered: make(chan struct{}), late: late}

	newProcessor(bs, 10, start).RollUpStreaming(ctx, sub)

	left := buffered(t, st)
	require.Len(t, left, 1)
	assert.Equal(t, "zoe", left[0].UniqueIdentifier)
	assert.Equal(t, late.CreatedDate, left[0].CreatedDate)

	c, err := st.LoadRolledUpCounter(ctx, "app2024-03-07")
	require.NoError(t, err)
	assert.Equal(t, int64(14), c.Counters["views"].TotalCount)
}

func TestRollUp_KeepsRowsBufferedBehindCursor(t *testing.T) {
	ctx := context.Background()
	st := newTestStorage(t)
	sub := seed(t, st, sampleRows())

	// Arrives after the cursor passed, with a bucket time well before the
	// run's start.
	behind := row(runAt.Add(-time.Hour), "member", "carol", map[string]int64{"views": 5})
	bs := &blockingStorage{Storage: st, entered: make(chan struct{}), behind: behind}

	p := newProcessor(bs, 10, runAt)
	p.RollUpStreaming(ctx, sub)

	left := buffered(t, st)
	require.Len(t, left, 1)
	assert.Equal(t, "carol", left[0].UniqueIdentifier)

	c, err := st.LoadRolledUpCounter(ctx, "app2024-03-08")
	require.NoError(t, err)
	assert.Equal(t, int64(6), c.Counters["views"].TotalCount)

	// The next run picks it up.
	bs.behind = nil
	p.RollUpStreaming(ctx, sub)
	assert.Empty(t, buffered(t, st))

	c, err = st.LoadRolledUpCounter(ctx, "app2024-03-08")
	require.NoError(t, err)
	assert.Equal(t, int64(11), c.Counters["views"].TotalCount)
}

func TestRollUp_FailureClearsFlag(t *testing.T) {
	ctx := context.Background()
	st := newTestStorage(t)
	sub := seed(t, st, sampleRows())

	p := newProcessor(&failingStorage{Storage: st}, 10, runAt)
	p.RollUpPaged(ctx, sub)
	assert.False(t, p.IsProcessing())

	// Nothing was deleted
	assert.Len(t, buffered(t, st), len(sampleRows()))
}

type failingStorage struct{ Storage }

func (f *failingStorage) InsertOrUpdateRolledUpCounter(context.Context, string, *RolledUpCounter) error {
	return errors.New("disk full")
}

// =============================================================================
// Read path
// =============================================================================

func TestLoadAggregatedRolledUpCounters(t *testing.T) {
	ctx := context.Background()
	st := newTestStorage(t)
	sub := seed(t, st, sampleRows())

	p := newProcessor(st, 10, runAt)

	got, err := p.LoadAggregatedRolledUpCounters(ctx, Query{AppID: "unknown"})
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)

	got, err = p.LoadAggregatedRolledUpCounters(ctx, Query{AppID: "app"})
	require.NoError(t, err)
	assert.Empty(t, got, "nothing rolled up yet")

	// Persist out of order.
	for _, ts := range []time.Time{day2, day1, day1.AddDate(0, 0, -1)} {
		c := NewRolledUpCounter("app", ts)
		require.NoError(t, c.Update(row(ts, "member", "alice", map[string]int64{"views": 1, "clicks": 1}), []string{"views"}))
		require.NoError(t, c.EvaluateUniques())
		require.NoError(t, st.InsertOrUpdateRolledUpCounter(ctx, sub.ID, c))
	}

	got, err = p.LoadAggregatedRolledUpCounters(ctx, Query{AppID: "app", AggregateByMonth: true})
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i := 1; i < len(got); i++ {
		assert.True(t, got[i-1].FromDate.Before(got[i].FromDate))
	}
	assert.Nil(t, got[0].Counters["views"].Sketch)

	from, _ := ParseDate("2024-03-07")
	got, err = p.LoadAggregatedRolledUpCounters(ctx, Query{
		AppID:               "app",
		From:                &from,
		CounterTypes:        []string{"views"},
		ExcludeDistribution: true,
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "app2024-03-07", got[0].ID())
	assert.Len(t, got[0].Counters, 1)
	assert.Nil(t, got[0].Counters["views"].Distribution)

	to, _ := ParseDate("2024-03-06")
	got, err = p.LoadAggregatedRolledUpCounters(ctx, Query{AppID: "app", To: &to})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "app2024-03-06", got[0].ID())
}

// =============================================================================
// Storage
// =============================================================================

func TestDatabaseStorage_Subscriptions(t *testing.T) {
	ctx := context.Background()
	st := newTestStorage(t)

	_, err := st.LoadCounterSubscription(ctx, "app")
	assert.ErrorIs(t, err, errors.ErrNotFound)

	id, err := st.InsertCounterSubscription(ctx, &CounterSubscription{AppID: "app", IdentifierDistribution: map[string][]string{"member": {"views"}}})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	_, err = st.InsertCounterSubscription(ctx, &CounterSubscription{})
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)

	g := testutil.NewGroup(t, 5*time.Second)
	for i := 0; i < 8; i++ {
		g.Go(func(ctx context.Context) error {
			sub, err := st.LoadCounterSubscription(ctx, "app")
			if err != nil {
				return err
			}
			if sub.ID != id {
				return fmt.Errorf("got subscription %s, want %s", sub.ID, id)
			}
			if len(sub.IdentifierDistribution["member"]) != 1 {
				return fmt.Errorf("distribution not loaded: %v", sub.IdentifierDistribution)
			}
			return nil
		})
	}
	g.Wait()

	subs, err := st.LoadCounterSubscriptions(ctx)
	require.NoError(t, err)
	assert.Len(t, subs, 1)
}

func TestScheduler_RunOnce(t *testing.T) {
	ctx := context.Background()
	st := newTestStorage(t)
	seed(t, st, sampleRows())

	cfg := config.DefaultConfig().RollUp
	cfg.Streaming = false
	cfg.Retention = 24 * time.Hour

	s := NewScheduler(newProcessor(st, 3, runAt), st, cfg)
	s.RunOnce(ctx)

	// day1 is older than runAt minus retention
	_, err := st.LoadRolledUpCounter(ctx, "app2024-03-07")
	assert.ErrorIs(t, err, errors.ErrNotFound)

	c, err := st.LoadRolledUpCounter(ctx, "app2024-03-08")
	require.NoError(t, err)
	assert.Equal(t, int64(6), c.Counters["views"].TotalCount)

	assert.Empty(t, buffered(t, st))

	s.Start()
	s.Stop()
	s.Stop()
}
