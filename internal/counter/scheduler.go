package counter

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/collector/internal/config"
	"github.com/xtxerr/collector/internal/logging"
)

// Scheduler runs a roll-up for every subscription on a fixed interval and
// deletes roll-ups past their retention.
type Scheduler struct {
	processor *RollUpProcessor
	storage   Storage

	interval  time.Duration
	streaming bool
	retention time.Duration

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	runs atomic.Int64

	logger *slog.Logger
}

// NewScheduler creates a scheduler from the roll-up config.
func NewScheduler(processor *RollUpProcessor, storage Storage, cfg config.RollUpConfig) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = config.DefaultConfig().RollUp.Interval
	}
	return &Scheduler{
		processor: processor,
		storage:   storage,
		interval:  interval,
		streaming: cfg.Streaming,
		retention: cfg.Retention,
		logger:    logging.Component("rollup-scheduler"),
	}
}

// Start launches the schedule loop.
func (s *Scheduler) Start() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.wg.Add(1)
	go s.loop()

	s.logger.Info("roll-up scheduler started", "interval", s.interval, "streaming", s.streaming)
}

// Stop stops the loop and waits for a running pass to finish.
func (s *Scheduler) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}

	s.cancel()
	s.wg.Wait()

	s.logger.Info("roll-up scheduler stopped", "runs", s.runs.Load())
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(s.ctx)
		}
	}
}

// RunOnce rolls up every subscription, then applies retention.
func (s *Scheduler) RunOnce(ctx context.Context) {
	s.runs.Add(1)

	subs, err := s.storage.LoadCounterSubscriptions(ctx)
	if err != nil {
		s.logger.Error("failed to load counter subscriptions", "error", err)
		return
	}

	for _, sub := range subs {
		if ctx.Err() != nil {
			return
		}
		s.RollUp(ctx, sub)
	}

	if s.retention > 0 {
		if _, err := s.storage.CleanExpiredRolledUpCounters(ctx, s.processor.Now().Add(-s.retention)); err != nil {
			s.logger.Error("failed to clean expired roll-ups", "error", err)
		}
	}
}

// RollUp runs the configured strategy for one subscription.
func (s *Scheduler) RollUp(ctx context.Context, sub *CounterSubscription) {
	if s.streaming {
		s.processor.RollUpStreaming(ctx, sub)
		return
	}
	s.processor.RollUpPaged(ctx, sub)
}
