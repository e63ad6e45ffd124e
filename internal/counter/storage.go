// Package counter implements the counter roll-up engine: raw counter rows are
// buffered per subscription and periodically folded into daily roll-ups.
package counter

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/xtxerr/collector/internal/errors"
	"github.com/xtxerr/collector/internal/logging"
	"github.com/xtxerr/collector/internal/store"
)

// Storage is the counter persistence layer.
type Storage interface {
	LoadCounterSubscription(ctx context.Context, appID string) (*CounterSubscription, error)
	LoadCounterSubscriptions(ctx context.Context) ([]*CounterSubscription, error)
	InsertCounterSubscription(ctx context.Context, sub *CounterSubscription) (string, error)

	BufferMetrics(ctx context.Context, rows []*CounterEventData) error
	LoadBufferedMetricsPaged(ctx context.Context, subscriptionID string, to time.Time, limit, offset int) ([]*CounterEventData, error)
	StreamBufferedMetrics(ctx context.Context, subscriptionID string, to time.Time, fn func(*CounterEventData) error) error
	DeleteBufferedMetrics(ctx context.Context, subscriptionID string, ids []int64) (int64, error)

	LoadRolledUpCounter(ctx context.Context, id string) (*RolledUpCounter, error)
	InsertOrUpdateRolledUpCounter(ctx context.Context, subscriptionID string, c *RolledUpCounter) error
	LoadRolledUpCounters(ctx context.Context, subscriptionID string, from, to *time.Time, counterNames []string, excludeDistribution bool, distributionLimit int) ([]*RolledUpCounter, error)
	CleanExpiredRolledUpCounters(ctx context.Context, before time.Time) (int64, error)
}

type cachedSubscription struct {
	sub     *CounterSubscription
	expires time.Time
}

// DatabaseStorage implements Storage on the DuckDB store.
//
// Subscription lookups are cached for cacheTTL; concurrent misses for the
// same app id share one query.
type DatabaseStorage struct {
	store *store.Store

	group    singleflight.Group
	cacheMu  sync.RWMutex
	cache    map[string]cachedSubscription
	cacheTTL time.Duration

	logger *slog.Logger
}

// NewDatabaseStorage creates a counter storage on s.
func NewDatabaseStorage(s *store.Store, cacheTTL time.Duration) *DatabaseStorage {
	return &DatabaseStorage{
		store:    s,
		cache:    make(map[string]cachedSubscription),
		cacheTTL: cacheTTL,
		logger:   logging.Component("counter-storage"),
	}
}

// =============================================================================
// Subscriptions
// =============================================================================

func (s *DatabaseStorage) LoadCounterSubscription(ctx context.Context, appID string) (*CounterSubscription, error) {
	s.cacheMu.RLock()
	cached, ok := s.cache[appID]
	s.cacheMu.RUnlock()
	if ok && time.Now().Before(cached.expires) {
		return cached.sub, nil
	}

	v, err, _ := s.group.Do(appID, func() (any, error) {
		row := s.store.QueryRowContext(ctx, `
			SELECT id, app_id, identifier_distribution
			FROM counter_subscriptions
			WHERE app_id = ?
		`, appID)

		sub, err := scanSubscription(row)
		if store.IsNoRows(err) {
			return nil, errors.NewNotFound("counter subscription", appID)
		}
		if err != nil {
			return nil, fmt.Errorf("load counter subscription %s: %w", appID, err)
		}

		if s.cacheTTL > 0 {
			s.cacheMu.Lock()
			s.cache[appID] = cachedSubscription{sub: sub, expires: time.Now().Add(s.cacheTTL)}
			s.cacheMu.Unlock()
		}
		return sub, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*CounterSubscription), nil
}

func (s *DatabaseStorage) LoadCounterSubscriptions(ctx context.Context) ([]*CounterSubscription, error) {
	rows, err := s.store.QueryContext(ctx, `
		SELECT id, app_id, identifier_distribution
		FROM counter_subscriptions
		ORDER BY app_id
	`)
	if err != nil {
		return nil, fmt.Errorf("load counter subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*CounterSubscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// InsertCounterSubscription stores sub, assigning an id when it has none.
func (s *DatabaseStorage) InsertCounterSubscription(ctx context.Context, sub *CounterSubscription) (string, error) {
	if sub.AppID == "" {
		return "", errors.NewInvalidArgument("app id", sub.AppID)
	}
	id := sub.ID
	if id == "" {
		id = uuid.NewString()
	}

	dist, err := json.Marshal(sub.IdentifierDistribution)
	if err != nil {
		return "", fmt.Errorf("encode identifier distribution: %w", err)
	}

	_, err = s.store.ExecContext(ctx, `
		INSERT INTO counter_subscriptions (id, app_id, identifier_distribution)
		VALUES (?, ?, ?)
	`, id, sub.AppID, string(dist))
	if err != nil {
		return "", fmt.Errorf("insert counter subscription %s: %w", sub.AppID, err)
	}

	s.cacheMu.Lock()
	delete(s.cache, sub.AppID)
	s.cacheMu.Unlock()

	return id, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row scanner) (*CounterSubscription, error) {
	var (
		sub  CounterSubscription
		dist sql.NullString
	)
	if err := row.Scan(&sub.ID, &sub.AppID, &dist); err != nil {
		return nil, err
	}
	if dist.Valid && dist.String != "" {
		if err := json.Unmarshal([]byte(dist.String), &sub.IdentifierDistribution); err != nil {
			return nil, fmt.Errorf("decode identifier distribution of %s: %w", sub.AppID, err)
		}
	}
	return &sub, nil
}

// =============================================================================
// Buffered metrics
// =============================================================================

// BufferMetrics appends rows in one transaction.
func (s *DatabaseStorage) BufferMetrics(ctx context.Context, rows []*CounterEventData) error {
	if len(rows) == 0 {
		return nil
	}

	return s.store.Transaction(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO metrics_buffer
				(subscription_id, app_id, identifier_category, unique_identifier, created_date, metrics)
			VALUES (?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("prepare buffer insert: %w", err)
		}
		defer stmt.Close()

		for _, r := range rows {
			metrics, err := json.Marshal(r.Counters)
			if err != nil {
				return fmt.Errorf("encode counters: %w", err)
			}
			if _, err := stmt.ExecContext(ctx,
				r.SubscriptionID, r.AppID, r.IdentifierCategory, r.UniqueIdentifier,
				r.CreatedDate.UTC(), string(metrics)); err != nil {
				return fmt.Errorf("buffer counter row: %w", err)
			}
		}
		return nil
	})
}

const bufferedMetricsQuery = `
	SELECT id, subscription_id, app_id, identifier_category, unique_identifier, created_date, metrics
	FROM metrics_buffer
	WHERE subscription_id = ? AND created_date <= ?
	ORDER BY id`

func (s *DatabaseStorage) LoadBufferedMetricsPaged(ctx context.Context, subscriptionID string, to time.Time, limit, offset int) ([]*CounterEventData, error) {
	rows, err := s.store.QueryContext(ctx, bufferedMetricsQuery+` LIMIT ? OFFSET ?`,
		subscriptionID, to.UTC(), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("load buffered metrics: %w", err)
	}
	defer rows.Close()

	var out []*CounterEventData
	for rows.Next() {
		d, err := scanCounterEventData(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// StreamBufferedMetrics calls fn for every row through one forward-only
// cursor. The cursor is closed before returning.
func (s *DatabaseStorage) StreamBufferedMetrics(ctx context.Context, subscriptionID string, to time.Time, fn func(*CounterEventData) error) error {
	rows, err := s.store.QueryContext(ctx, bufferedMetricsQuery, subscriptionID, to.UTC())
	if err != nil {
		return fmt.Errorf("stream buffered metrics: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		d, err := scanCounterEventData(rows)
		if err != nil {
			return err
		}
		if err := fn(d); err != nil {
			return err
		}
	}
	return rows.Err()
}

// deleteChunk bounds the placeholders of one DELETE statement.
const deleteChunk = 500

// DeleteBufferedMetrics deletes the subscription's rows with the given ids in
// one transaction.
func (s *DatabaseStorage) DeleteBufferedMetrics(ctx context.Context, subscriptionID string, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	var deleted int64
	err := s.store.Transaction(ctx, func(tx *sql.Tx) error {
		for start := 0; start < len(ids); start += deleteChunk {
			chunk := ids[start:min(start+deleteChunk, len(ids))]

			args := make([]any, 0, len(chunk)+1)
			args = append(args, subscriptionID)
			for _, id := range chunk {
				args = append(args, id)
			}

			res, err := tx.ExecContext(ctx,
				`DELETE FROM metrics_buffer WHERE subscription_id = ? AND id IN (?`+strings.Repeat(", ?", len(chunk)-1)+`)`,
				args...)
			if err != nil {
				return fmt.Errorf("delete buffered metrics: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			deleted += n
		}
		return nil
	})
	return deleted, err
}

func scanCounterEventData(row scanner) (*CounterEventData, error) {
	var (
		d        CounterEventData
		category sql.NullString
		uniqueID sql.NullString
		metrics  string
	)
	if err := row.Scan(&d.ID, &d.SubscriptionID, &d.AppID, &category, &uniqueID, &d.CreatedDate, &metrics); err != nil {
		return nil, fmt.Errorf("scan counter row: %w", err)
	}
	d.IdentifierCategory = category.String
	d.UniqueIdentifier = uniqueID.String
	d.CreatedDate = d.CreatedDate.UTC()

	if err := json.Unmarshal([]byte(metrics), &d.Counters); err != nil {
		return nil, fmt.Errorf("decode counters of row %d: %w", d.ID, err)
	}
	return &d, nil
}

// =============================================================================
// Roll-ups
// =============================================================================

func (s *DatabaseStorage) LoadRolledUpCounter(ctx context.Context, id string) (*RolledUpCounter, error) {
	row := s.store.QueryRowContext(ctx, `
		SELECT app_id, from_date, to_date, counters
		FROM rolled_up_counters
		WHERE id = ?
	`, id)

	c, err := scanRolledUpCounter(row)
	if store.IsNoRows(err) {
		return nil, errors.NewNotFound("rolled up counter", id)
	}
	return c, err
}

// InsertOrUpdateRolledUpCounter upserts c under its id.
func (s *DatabaseStorage) InsertOrUpdateRolledUpCounter(ctx context.Context, subscriptionID string, c *RolledUpCounter) error {
	counters, err := json.Marshal(c.Counters)
	if err != nil {
		return fmt.Errorf("encode roll-up %s: %w", c.ID(), err)
	}

	_, err = s.store.ExecContext(ctx, `
		INSERT INTO rolled_up_counters (id, subscription_id, app_id, from_date, to_date, counters, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			to_date = excluded.to_date,
			counters = excluded.counters,
			updated_at = excluded.updated_at
	`, c.ID(), subscriptionID, c.AppID, c.FromDate.UTC(), c.ToDate.UTC(), string(counters), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert roll-up %s: %w", c.ID(), err)
	}
	return nil
}

// LoadRolledUpCounters returns the subscription's roll-ups with a bucket
// start within [from, to], ordered by bucket start.
func (s *DatabaseStorage) LoadRolledUpCounters(ctx context.Context, subscriptionID string, from, to *time.Time, counterNames []string, excludeDistribution bool, distributionLimit int) ([]*RolledUpCounter, error) {
	var (
		where = []string{"subscription_id = ?"}
		args  = []any{subscriptionID}
	)
	if from != nil {
		where = append(where, "from_date >= ?")
		args = append(args, from.UTC())
	}
	if to != nil {
		where = append(where, "from_date <= ?")
		args = append(args, to.UTC())
	}

	rows, err := s.store.QueryContext(ctx, `
		SELECT app_id, from_date, to_date, counters
		FROM rolled_up_counters
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY from_date`, args...)
	if err != nil {
		return nil, fmt.Errorf("load roll-ups: %w", err)
	}
	defer rows.Close()

	var out []*RolledUpCounter
	for rows.Next() {
		c, err := scanRolledUpCounter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c.View(counterNames, excludeDistribution, distributionLimit))
	}
	return out, rows.Err()
}

// CleanExpiredRolledUpCounters deletes roll-ups whose bucket started before
// before.
func (s *DatabaseStorage) CleanExpiredRolledUpCounters(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.store.ExecContext(ctx,
		`DELETE FROM rolled_up_counters WHERE from_date < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("clean expired roll-ups: %w", err)
	}

	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("deleted expired roll-ups", "count", n, "before", before)
	}
	return n, nil
}

func scanRolledUpCounter(row scanner) (*RolledUpCounter, error) {
	var (
		c        RolledUpCounter
		counters string
	)
	if err := row.Scan(&c.AppID, &c.FromDate, &c.ToDate, &counters); err != nil {
		return nil, err
	}
	c.FromDate = c.FromDate.UTC()
	c.ToDate = c.ToDate.UTC()

	if err := json.Unmarshal([]byte(counters), &c.Counters); err != nil {
		return nil, fmt.Errorf("decode roll-up counters: %w", err)
	}
	if c.Counters == nil {
		c.Counters = make(map[string]*RolledUpCounterData)
	}
	return &c, nil
}
