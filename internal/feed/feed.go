// Package feed stores feed events: durable append, cursor pagination by a
// storage-assigned offset, and lock-guarded retention cleanup.
package feed

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"

	"github.com/xtxerr/collector/internal/errors"
	"github.com/xtxerr/collector/internal/lock"
	"github.com/xtxerr/collector/internal/logging"
	"github.com/xtxerr/collector/internal/store"
	"github.com/xtxerr/collector/internal/validation"
)

// DeletionLockName names the advisory lock held by the retention cleanup.
const DeletionLockName = "feed-event-deletion"

// FeedEvent is one stored feed event. Offset and CreatedAt are assigned on
// insert.
type FeedEvent struct {
	Offset         int64          `json:"offset"`
	Channel        string         `json:"channel"`
	SubscriptionID string         `json:"subscriptionId,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Event          map[string]any `json:"event,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// Storage is the feed persistence layer.
type Storage interface {
	// Insert appends events in one transaction.
	Insert(ctx context.Context, events []*FeedEvent) error

	// Load returns up to count events of channel with an offset greater than
	// offset, in ascending offset order.
	Load(ctx context.Context, channel string, offset int64, count int) ([]*FeedEvent, error)

	// CleanOldFeedEvents deletes events past retention when the deletion
	// lock can be taken. The lock is kept until CleanUp.
	CleanOldFeedEvents(ctx context.Context) (int64, error)

	// CleanUp releases the deletion lock.
	CleanUp(ctx context.Context) error
}

// DatabaseStorage implements Storage on the DuckDB store.
type DatabaseStorage struct {
	store     *store.Store
	lock      lock.Locker
	retention time.Duration
	now       func() time.Time

	logger *slog.Logger
}

// NewDatabaseStorage creates a feed storage whose cleanup is guarded by l.
func NewDatabaseStorage(s *store.Store, l lock.Locker, retention time.Duration) *DatabaseStorage {
	return &DatabaseStorage{
		store:     s,
		lock:      l,
		retention: retention,
		now:       time.Now,
		logger:    logging.Component("feed-storage"),
	}
}

func (s *DatabaseStorage) Insert(ctx context.Context, events []*FeedEvent) error {
	if len(events) == 0 {
		return nil
	}

	now := s.now().UTC()

	return s.store.Transaction(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO feed_events (channel, subscription_id, metadata, event, created_at)
			VALUES (?, ?, ?, ?, ?)
			RETURNING event_offset
		`)
		if err != nil {
			return fmt.Errorf("prepare feed insert: %w", err)
		}
		defer stmt.Close()

		offsets := make([]int64, len(events))
		for i, e := range events {
			if err := validation.ValidateChannel(e.Channel); err != nil {
				return err
			}
			metadata, err := json.Marshal(e.Metadata)
			if err != nil {
				return fmt.Errorf("encode feed metadata: %w", err)
			}
			payload, err := json.Marshal(e.Event)
			if err != nil {
				return fmt.Errorf("encode feed event: %w", err)
			}

			if err := stmt.QueryRowContext(ctx,
				e.Channel, e.SubscriptionID, string(metadata), string(payload), now,
			).Scan(&offsets[i]); err != nil {
				return fmt.Errorf("insert feed event: %w", err)
			}
		}

		// Visible to the caller only once the batch is in.
		for i, e := range events {
			e.Offset = offsets[i]
			e.CreatedAt = now
		}
		return nil
	})
}

func (s *DatabaseStorage) Load(ctx context.Context, channel string, offset int64, count int) ([]*FeedEvent, error) {
	if count <= 0 {
		return []*FeedEvent{}, nil
	}

	rows, err := s.store.QueryContext(ctx, `
		SELECT event_offset, channel, subscription_id, metadata, event, created_at
		FROM feed_events
		WHERE channel = ? AND event_offset > ?
		ORDER BY event_offset
		LIMIT ?
	`, channel, offset, count)
	if err != nil {
		return nil, fmt.Errorf("load feed events: %w", err)
	}
	defer rows.Close()

	out := make([]*FeedEvent, 0, count)
	for rows.Next() {
		var (
			e              FeedEvent
			subscriptionID sql.NullString
			metadata       sql.NullString
			payload        sql.NullString
		)
		if err := rows.Scan(&e.Offset, &e.Channel, &subscriptionID, &metadata, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan feed event: %w", err)
		}
		e.SubscriptionID = subscriptionID.String
		e.CreatedAt = e.CreatedAt.UTC()

		if err := decodeMap(metadata, &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of feed event %d: %w", e.Offset, err)
		}
		if err := decodeMap(payload, &e.Event); err != nil {
			return nil, fmt.Errorf("decode feed event %d: %w", e.Offset, err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func decodeMap(s sql.NullString, dst *map[string]any) error {
	if !s.Valid || s.String == "" || s.String == "null" {
		return nil
	}
	return json.Unmarshal([]byte(s.String), dst)
}

func (s *DatabaseStorage) CleanOldFeedEvents(ctx context.Context) (int64, error) {
	ok, err := s.lock.TryLock(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire %s lock: %w", DeletionLockName, err)
	}
	if !ok {
		s.logger.Debug("feed cleanup already running elsewhere")
		return 0, nil
	}

	before := s.now().UTC().Add(-s.retention)
	res, err := s.store.ExecContext(ctx, `DELETE FROM feed_events WHERE created_at < ?`, before)
	if err != nil {
		return 0, fmt.Errorf("delete old feed events: %w", err)
	}

	n, _ := res.RowsAffected()
	s.logger.Info("deleted old feed events", "count", n, "before", before)
	return n, nil
}

func (s *DatabaseStorage) CleanUp(ctx context.Context) error {
	err := s.lock.Unlock(ctx)
	if errors.Is(err, errors.ErrLockNotHeld) {
		return nil
	}
	return err
}
