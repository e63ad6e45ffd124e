package store

import (
	"context"
	"fmt"

	"github.com/xtxerr/collector/internal/logging"
)

// =============================================================================
// Schema Migration
// =============================================================================

// Migrate creates the pipeline tables. Idempotent.
//
// JSON documents are stored as VARCHAR text.
func (s *Store) Migrate(ctx context.Context) error {
	migrations := []struct {
		name string
		sql  string
	}{
		{
			name: "counter_subscriptions",
			sql: `CREATE TABLE IF NOT EXISTS counter_subscriptions (
				id VARCHAR PRIMARY KEY,
				app_id VARCHAR NOT NULL UNIQUE,
				identifier_distribution VARCHAR,
				created_at TIMESTAMP DEFAULT now()
			)`,
		},

		// Raw counter rows, consumed by roll-up
		{
			name: "metrics_buffer_seq",
			sql:  `CREATE SEQUENCE IF NOT EXISTS metrics_buffer_seq START 1`,
		},
		{
			name: "metrics_buffer",
			sql: `CREATE TABLE IF NOT EXISTS metrics_buffer (
				id BIGINT PRIMARY KEY DEFAULT nextval('metrics_buffer_seq'),
				subscription_id VARCHAR NOT NULL,
				app_id VARCHAR NOT NULL,
				identifier_category VARCHAR,
				unique_identifier VARCHAR,
				created_date TIMESTAMP NOT NULL,
				metrics VARCHAR NOT NULL
			)`,
		},
		{
			name: "idx_metrics_buffer_subscription",
			sql:  `CREATE INDEX IF NOT EXISTS idx_metrics_buffer_subscription ON metrics_buffer(subscription_id, created_date)`,
		},

		// Roll-ups, keyed by app id and daily bucket
		{
			name: "rolled_up_counters",
			sql: `CREATE TABLE IF NOT EXISTS rolled_up_counters (
				id VARCHAR PRIMARY KEY,
				subscription_id VARCHAR NOT NULL,
				app_id VARCHAR NOT NULL,
				from_date TIMESTAMP NOT NULL,
				to_date TIMESTAMP NOT NULL,
				counters VARCHAR NOT NULL,
				updated_at TIMESTAMP DEFAULT now()
			)`,
		},

		// Feed events, ordered by a storage-assigned offset
		{
			name: "feed_events_offset_seq",
			sql:  `CREATE SEQUENCE IF NOT EXISTS feed_events_offset_seq START 1`,
		},
		{
			name: "feed_events",
			sql: `CREATE TABLE IF NOT EXISTS feed_events (
				event_offset BIGINT PRIMARY KEY DEFAULT nextval('feed_events_offset_seq'),
				channel VARCHAR NOT NULL,
				subscription_id VARCHAR,
				metadata VARCHAR,
				event VARCHAR,
				created_at TIMESTAMP NOT NULL
			)`,
		},
		{
			name: "idx_feed_events_channel",
			sql:  `CREATE INDEX IF NOT EXISTS idx_feed_events_channel ON feed_events(channel, event_offset)`,
		},

		{
			name: "advisory_locks",
			sql: `CREATE TABLE IF NOT EXISTS advisory_locks (
				name VARCHAR PRIMARY KEY,
				owner VARCHAR NOT NULL,
				acquired_at TIMESTAMP NOT NULL
			)`,
		},
	}

	log := logging.Component("store")

	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("migration %s: %w", m.name, err)
		}
		log.Debug("migration applied", "name", m.name)
	}

	log.Info("schema migration completed", "migrations", len(migrations))
	return nil
}
