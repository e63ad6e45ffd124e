package processor

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtxerr/collector/internal/counter"
	"github.com/xtxerr/collector/internal/errors"
	"github.com/xtxerr/collector/internal/event"
	"github.com/xtxerr/collector/internal/feed"
	"github.com/xtxerr/collector/internal/ledger"
	"github.com/xtxerr/collector/internal/lock"
	"github.com/xtxerr/collector/internal/serialization"
	"github.com/xtxerr/collector/internal/spool"
	"github.com/xtxerr/collector/internal/store"
)

var created = time.UnixMilli(1709821800000).UTC()

// writeSpoolFile writes events into a committed file of a spool directory
// for category and returns its path.
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

func writeSpoolFile(t *testing.T, category string, typ serialization.Type, events ...event.Event) string {
	t.Helper()

	m, err := spool.NewManager(t.TempDir(), category, typ, created)
	require.NoError(t, err)
	require.NoError(t, m.EnsureDirs())

	path := filepath.Join(m.SpoolPath(), "000001."+typ.Suffix())
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	enc, err := typ.NewEncoder(f)
	require.NoError(t, err)
	for _, e := range events {
		require.NoError(t, enc.Encode(e))
	}
	require.NoError(t, enc.Flush())
	return path
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()

	s, err := store.New(store.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

// =============================================================================
// Archive
// =============================================================================

func TestArchiveProcessor_Parquet(t *testing.T) {
	remote := t.TempDir()
	p := NewArchiveProcessor(remote, "zstd")

	path := writeSpoolFile(t, "Login", serialization.TypeEnvelope,
		newEnvelope(t, "Login", created, map[string]any{"user": "alice"}),
		newEnvelope(t, "Login", created.Add(time.Second), map[string]any{"user": "bob"}),
	)

	dest := "Login/2024/03/07/14/host-1709821800000-f0.pbenv"
	require.NoError(t, p.ProcessEventFile(context.Background(), path, dest))

	archive := filepath.Join(remote, "Login", "2024", "03", "07", "14", "host-1709821800000-f0.pbenv.parquet")
	assert.Equal(t, archive, p.ArchivePath(path, dest))
	assert.NoFileExists(t, archive+".tmp")

	rows, err := ReadArchive(archive)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Login", rows[0].Name)
	assert.Equal(t, created.UnixMilli(), rows[0].TimestampMs)

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(rows[1].Payload), &payload))
	assert.Equal(t, "bob", payload["user"])
}

func TestArchiveProcessor_LegacyCopiedVerbatim(t *testing.T) {
	remote := t.TempDir()
	p := NewArchiveProcessor(remote, "none")

	path := writeSpoolFile(t, "Blob", serialization.TypeLegacy,
		event.NewRawEvent("Blob", created, []byte{1, 2, 3}),
	)

	dest := "Blob/2024/03/07/14/host-1709821800000-f0.bin"
	require.NoError(t, p.ProcessEventFile(context.Background(), path, dest))

	want, err := os.ReadFile(path)
	require.NoError(t, err)
	got, err := os.ReadFile(filepath.Join(remote, filepath.FromSlash(dest)))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

// =============================================================================
// Counter events
// =============================================================================

func TestToInt64(t *testing.T) {
	for _, v := range []any{float64(3), int64(3), 3} {
		n, ok := toInt64(v)
		assert.True(t, ok, "%T", v)
		assert.Equal(t, int64(3), n)
	}

	n, ok := toInt64(float64(1 << 53))
	assert.True(t, ok)
	assert.Equal(t, int64(1<<53), n)

	for _, v := range []any{1.5, float64(1 << 60), "3", nil} {
		_, ok := toInt64(v)
		assert.False(t, ok, "%v", v)
	}
}

func TestCounterEventProcessor(t *testing.T) {
	ctx := context.Background()
	st := counter.NewDatabaseStorage(newTestStore(t), time.Minute)

	subID, err := st.InsertCounterSubscription(ctx, &counter.CounterSubscription{AppID: "app"})
	require.NoError(t, err)

	counterEvent := func(appID, id string, views int) event.Event {
		return newEnvelope(t, CounterEventName, created, map[string]any{
			"appId":              appID,
			"identifierCategory": "member",
			"uniqueIdentifier":   id,
			"counters":           map[string]any{"views": views},
		})
	}

	path := writeSpoolFile(t, CounterEventName, serialization.TypeEnvelope,
		counterEvent("app", "alice", 3),
		counterEvent("unknown", "bob", 1),
		newEnvelope(t, CounterEventName, created, map[string]any{"counters": map[string]any{}}),
		counterEvent("app", "carol", 2),
	)

	p := NewCounterEventProcessor(st)
	require.NoError(t, p.ProcessEventFile(ctx, path, "ignored"))

	rows, err := st.LoadBufferedMetricsPaged(ctx, subID, created.Add(time.Hour), 10, 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "alice", rows[0].UniqueIdentifier)
	assert.Equal(t, map[string]int64{"views": 3}, rows[0].Counters)
	assert.Equal(t, subID, rows[0].SubscriptionID)
	assert.Equal(t, created, rows[0].CreatedDate)
	assert.Equal(t, "member", rows[1].IdentifierCategory)
}

func TestCounterEventProcessor_OtherCategories(t *testing.T) {
	st := counter.NewDatabaseStorage(newTestStore(t), time.Minute)
	p := NewCounterEventProcessor(st)

	// Never decoded, so the unsupported legacy format is not an error.
	legacy := writeSpoolFile(t, "Blob", serialization.TypeLegacy, event.NewRawEvent("Blob", created, []byte{1}))
	assert.NoError(t, p.ProcessEventFile(context.Background(), legacy, "ignored"))

	login := writeSpoolFile(t, "Login", serialization.TypeEnvelope, newEnvelope(t, "Login", created, nil))
	assert.NoError(t, p.ProcessEventFile(context.Background(), login, "ignored"))
}

// =============================================================================
// Feed events
// =============================================================================

func TestFeedEventProcessor(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	st := feed.NewDatabaseStorage(s, lock.NewDBLock(s, feed.DeletionLockName, time.Hour), time.Hour)

	feedEvent := func(channel string, seq int) event.Event {
		return newPlainText(t, FeedEventName, created, map[string]any{
			"channel":        channel,
			"subscriptionId": "sub-1",
			"metadata":       map[string]any{"origin": "test"},
			"event":          map[string]any{"seq": seq},
		})
	}

	path := writeSpoolFile(t, FeedEventName, serialization.TypeJSON,
		feedEvent("alpha", 1),
		feedEvent("", 2),
		feedEvent("alpha", 3),
		feedEvent("beta", 4),
	)

	p := NewFeedEventProcessor(st)
	require.NoError(t, p.ProcessEventFile(ctx, path, "ignored"))

	got, err := st.Load(ctx, "alpha", 0, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, float64(1), got[0].Event["seq"])
	assert.Equal(t, float64(3), got[1].Event["seq"])
	assert.Equal(t, "test", got[0].Metadata["origin"])

	got, err = st.Load(ctx, "beta", 0, 10)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

// =============================================================================
// Idempotence
// =============================================================================

type countingProcessor struct {
	calls atomic.Int32
	fail  error
}

func (p *countingProcessor) Name() string { return "counting" }

func (p *countingProcessor) ProcessEventFile(context.Context, string, string) error {
	p.calls.Add(1)
	return p.fail
}

func TestIdempotent(t *testing.T) {
	l, err := ledger.Open(ledger.Config{InMemory: true, TTL: time.Hour})
	require.NoError(t, err)
	defer l.Close()

	inner := &countingProcessor{}
	p := Idempotent(inner, l)
	assert.Equal(t, "counting", p.Name())

	path := writeSpoolFile(t, "Login", serialization.TypeEnvelope, newEnvelope(t, "Login", created, nil))
	ctx := context.Background()

	require.NoError(t, p.ProcessEventFile(ctx, path, "d"))
	require.NoError(t, p.ProcessEventFile(ctx, path, "d"))
	assert.Equal(t, int32(1), inner.calls.Load())

	// Quarantine keeps the identity of the file.
	quarantined := filepath.Join(filepath.Dir(filepath.Dir(path)), spool.QuarantineDir, filepath.Base(path))
	require.NoError(t, os.Rename(path, quarantined))
	require.NoError(t, p.ProcessEventFile(ctx, quarantined, "d"))
	assert.Equal(t, int32(1), inner.calls.Load())
}

func TestIdempotent_FailureNotRecorded(t *testing.T) {
	l, err := ledger.Open(ledger.Config{InMemory: true, TTL: time.Hour})
	require.NoError(t, err)
	defer l.Close()

	inner := &countingProcessor{fail: errors.New("remote down")}
	p := Idempotent(inner, l)

	path := writeSpoolFile(t, "Login", serialization.TypeEnvelope, newEnvelope(t, "Login", created, nil))
	ctx := context.Background()

	assert.Error(t, p.ProcessEventFile(ctx, path, "d"))
	assert.Error(t, p.ProcessEventFile(ctx, path, "d"))
	assert.Equal(t, int32(2), inner.calls.Load())

	_, err = os.Stat(path)
	require.NoError(t, err)
}
