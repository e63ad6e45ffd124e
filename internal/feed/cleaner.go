package feed

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/collector/internal/config"
	"github.com/xtxerr/collector/internal/logging"
)

// Cleaner runs feed retention on a fixed interval.
type Cleaner struct {
	storage  Storage
	interval time.Duration

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	logger *slog.Logger
}

// NewCleaner creates a cleaner from the feed config.
func NewCleaner(storage Storage, cfg config.FeedConfig) *Cleaner {
	interval := cfg.CleanupInterval
	if interval <= 0 {
		interval = config.DefaultConfig().Feed.CleanupInterval
	}
	return &Cleaner{
		storage:  storage,
		interval: interval,
		logger:   logging.Component("feed-cleaner"),
	}
}

// Start launches the cleanup loop.
func (c *Cleaner) Start() {
	if !c.running.CompareAndSwap(false, true) {
		return
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.wg.Add(1)
	go c.loop()

	c.logger.Info("feed cleaner started", "interval", c.interval)
}

// Stop stops the loop and releases the deletion lock.
func (c *Cleaner) Stop(ctx context.Context) error {
	if !c.running.CompareAndSwap(true, false) {
		return nil
	}

	c.cancel()
	c.wg.Wait()

	c.logger.Info("feed cleaner stopped")
	return c.storage.CleanUp(ctx)
}

func (c *Cleaner) loop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.storage.CleanOldFeedEvents(c.ctx); err != nil {
				c.logger.Error("feed cleanup failed", "error", err)
			}
		}
	}
}
