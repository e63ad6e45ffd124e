package processor

import (
	"context"
	"log/slog"

	"github.com/xtxerr/collector/internal/event"
	"github.com/xtxerr/collector/internal/feed"
	"github.com/xtxerr/collector/internal/logging"
	"github.com/xtxerr/collector/internal/spool"
)

// FeedEventName is the category of feed events.
const FeedEventName = "FeedEvent"

// FeedEventProcessor appends the feed events of a file in one batch.
//
// A feed event carries channel, subscriptionId, metadata and event. Events
// without a channel are skipped.
type FeedEventProcessor struct {
	storage feed.Storage
	logger  *slog.Logger
}

// NewFeedEventProcessor creates a feed event processor.
func NewFeedEventProcessor(storage feed.Storage) *FeedEventProcessor {
	return &FeedEventProcessor{
		storage: storage,
		logger:  logging.Component("feed-processor"),
	}
}

func (p *FeedEventProcessor) Name() string { return "feed" }

func (p *FeedEventProcessor) ProcessEventFile(ctx context.Context, localFile, _ string) error {
	var (
		events  []*feed.FeedEvent
		skipped int
	)

	if !mayHold(localFile, FeedEventName) {
		return nil
	}

	err := spool.DecodeFile(localFile, func(e event.Event) error {
		if e.Name() != FeedEventName {
			return nil
		}

		payload := event.Payload(e)
		channel, _ := payload["channel"].(string)
		if channel == "" {
			skipped++
			return nil
		}

		fe := &feed.FeedEvent{Channel: channel}
		fe.SubscriptionID, _ = payload["subscriptionId"].(string)
		fe.Metadata, _ = payload["metadata"].(map[string]any)
		fe.Event, _ = payload["event"].(map[string]any)
		events = append(events, fe)
		return nil
	})
	if err != nil {
		return err
	}

	if skipped > 0 {
		logging.WithContext(ctx, p.logger).Warn("skipped feed events without channel", "file", localFile, "count", skipped)
	}
	return p.storage.Insert(ctx, events)
}
