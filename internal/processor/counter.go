package processor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/xtxerr/collector/internal/counter"
	"github.com/xtxerr/collector/internal/errors"
	"github.com/xtxerr/collector/internal/event"
	"github.com/xtxerr/collector/internal/logging"
	"github.com/xtxerr/collector/internal/spool"
)

// CounterEventName is the category of counter events.
const CounterEventName = "CounterEvent"

// counterBatch is the number of rows buffered per insert.
const counterBatch = 500

// CounterEventProcessor buffers counter events for roll-up.
//
// A counter event carries appId, identifierCategory, uniqueIdentifier and a
// counters object of name to increment. Its timestamp is the bucket time.
type CounterEventProcessor struct {
	storage counter.Storage
	logger  *slog.Logger
}

// NewCounterEventProcessor creates a counter event processor.
func NewCounterEventProcessor(storage counter.Storage) *CounterEventProcessor {
	return &CounterEventProcessor{
		storage: storage,
		logger:  logging.Component("counter-processor"),
	}
}

func (p *CounterEventProcessor) Name() string { return "counter" }

func (p *CounterEventProcessor) ProcessEventFile(ctx context.Context, localFile, _ string) error {
	var (
		rows    []*counter.CounterEventData
		skipped int
	)

	if !mayHold(localFile, CounterEventName) {
		return nil
	}

	err := spool.DecodeFile(localFile, func(e event.Event) error {
		if e.Name() != CounterEventName {
			return nil
		}

		row, err := p.toRow(ctx, e)
		if errors.IsNotFound(err) || errors.IsUserError(err) {
			skipped++
			return nil
		}
		if err != nil {
			return err
		}

		rows = append(rows, row)
		if len(rows) == counterBatch {
			if err := p.storage.BufferMetrics(ctx, rows); err != nil {
				return err
			}
			rows = rows[:0]
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := p.storage.BufferMetrics(ctx, rows); err != nil {
		return err
	}
	if skipped > 0 {
		logging.WithContext(ctx, p.logger).Warn("skipped unusable counter events", "file", localFile, "count", skipped)
	}
	return nil
}

func (p *CounterEventProcessor) toRow(ctx context.Context, e event.Event) (*counter.CounterEventData, error) {
	payload := event.Payload(e)

	appID, _ := payload["appId"].(string)
	if appID == "" {
		return nil, errors.NewInvalidArgument("counter event app id", appID)
	}
	sub, err := p.storage.LoadCounterSubscription(ctx, appID)
	if err != nil {
		return nil, err
	}

	raw, _ := payload["counters"].(map[string]any)
	counters := make(map[string]int64, len(raw))
	for name, v := range raw {
		n, ok := toInt64(v)
		if !ok {
			return nil, fmt.Errorf("counter %s of app %s: %w", name, appID, errors.ErrInvalidArgument)
		}
		counters[name] = n
	}

	category, _ := payload["identifierCategory"].(string)
	identifier, _ := payload["uniqueIdentifier"].(string)

	return &counter.CounterEventData{
		SubscriptionID:     sub.ID,
		AppID:              appID,
		IdentifierCategory: category,
		UniqueIdentifier:   identifier,
		CreatedDate:        e.Timestamp().UTC().Truncate(time.Microsecond),
		Counters:           counters,
	}, nil
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) || math.Abs(n) > 1<<53 {
			return 0, false
		}
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}
