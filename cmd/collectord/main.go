// collectord is the event collector daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/collector/internal/admin"
	"github.com/xtxerr/collector/internal/config"
	"github.com/xtxerr/collector/internal/counter"
	"github.com/xtxerr/collector/internal/errors"
	"github.com/xtxerr/collector/internal/feed"
	"github.com/xtxerr/collector/internal/ledger"
	"github.com/xtxerr/collector/internal/lock"
	"github.com/xtxerr/collector/internal/logging"
	"github.com/xtxerr/collector/internal/processor"
	"github.com/xtxerr/collector/internal/promotion"
	"github.com/xtxerr/collector/internal/queue"
	"github.com/xtxerr/collector/internal/stats"
	"github.com/xtxerr/collector/internal/store"
)

// Version is set at build time via ldflags
var Version = "dev"

// shutdownTimeout bounds each shutdown step that takes a context.
const shutdownTimeout = 30 * time.Second

var log *slog.Logger

func main() {
	cfgPath := flag.String("config", "collector.yaml", "config file path")
	listen := flag.String("listen", "", "admin listen address (overrides config)")
	spoolDir := flag.String("spool", "", "spool directory (overrides config)")
	dbPath := flag.String("db", "", "database path (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
		cfg = config.DefaultConfig()
	}

	if *listen != "" {
		cfg.Admin.Listen = *listen
	}
	if *spoolDir != "" {
		cfg.Spool.Dir = *spoolDir
	}
	if *dbPath != "" {
		cfg.Database.DSN = *dbPath
	}

	logging.Init(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.JSON)
	log = logging.Component("collectord")
	log.Info("collectord starting", "version", Version, "config", *cfgPath)

	if err := run(cfg); err != nil {
		log.Error("collectord failed", "error", err)
		os.Exit(1)
	}
}

// collector holds the running components in shutdown order.
type collector struct {
	admin      *admin.Server
	dispatcher *queue.Dispatcher
	factory    *promotion.Factory
	scheduler  *counter.Scheduler
	cleaner    *feed.Cleaner
	ledger     *ledger.Ledger
	store      *store.Store
}

func run(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	c, err := build(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.admin.Start()
	})

	// Files left by a previous run, then periodically files whose promotion
	// failed.
	g.Go(func() error {
		// The factory's cutoff is never zero; it substitutes the default.
		ticker := time.NewTicker(c.factory.CutoffTime())
		defer ticker.Stop()

		for {
			n, err := c.factory.ProcessLeftBelowFiles(gctx)
			switch {
			case errors.Is(err, errors.ErrSweepRunning):
				log.Debug("recovery sweep skipped, another is running")
			case err != nil:
				log.Error("recovery sweep failed", "error", err)
			case n > 0:
				log.Info("recovered spool files", "count", n)
			}

			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})

	if cfg.RollUp.Enabled {
		c.scheduler.Start()
	}
	c.cleaner.Start()

	log.Info("collectord running",
		"admin", cfg.Admin.Listen,
		"spool", cfg.Spool.Dir,
		"database", cfg.Database.DSN)

	<-gctx.Done()
	runErr := g.Wait()

	log.Info("shutting down")
	if err := c.shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func build(cfg *config.Config) (*collector, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	st, err := store.New(store.ConfigFrom(cfg.Database))
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, err
	}

	locks, err := lock.NewFactory(cfg.Lock, st)
	if err != nil {
		st.Close()
		return nil, err
	}

	var led *ledger.Ledger
	if cfg.Ledger.Enabled {
		led, err = ledger.Open(ledger.ConfigFrom(cfg))
		if err != nil {
			st.Close()
			return nil, err
		}
	}

	counters := counter.NewDatabaseStorage(st, cfg.RollUp.SubscriptionCacheTTL)
	feeds := feed.NewDatabaseStorage(st, locks(feed.DeletionLockName), cfg.Feed.Retention)

	processors := []promotion.SpoolProcessor{
		processor.Idempotent(processor.NewCounterEventProcessor(counters), led),
		processor.Idempotent(processor.NewFeedEventProcessor(feeds), led),
	}
	if cfg.Archive.Enabled {
		archive := processor.NewArchiveProcessor(cfg.Spool.RemoteDir, cfg.Archive.Compression)
		processors = append(processors, processor.Idempotent(archive, led))
	}

	factory, err := promotion.NewFactory(cfg.Spool, processors)
	if err != nil {
		led.Close()
		st.Close()
		return nil, err
	}

	dispatcher := queue.NewDispatcher(factory, stats.NewWriterStats(), cfg.Spool)

	rollUp := counter.NewRollUpProcessor(counters, cfg.RollUp.FetchPageSize)
	scheduler := counter.NewScheduler(rollUp, counters, cfg.RollUp)

	return &collector{
		admin: admin.New(cfg.Admin, admin.Deps{
			Database:  st,
			Queues:    dispatcher,
			Spool:     factory,
			Counters:  counters,
			RollUp:    rollUp,
			Scheduler: scheduler,
			Feed:      feeds,
		}),
		dispatcher: dispatcher,
		factory:    factory,
		scheduler:  scheduler,
		cleaner:    feed.NewCleaner(feeds, cfg.Feed),
		ledger:     led,
		store:      st,
	}, nil
}

// shutdown stops intake first and the store last.
func (c *collector) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error

	if err := c.admin.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("admin: %w", err))
	}

	c.dispatcher.Close()

	if err := c.factory.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("spool: %w", err))
	}

	c.scheduler.Stop()
	if err := c.cleaner.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("feed cleaner: %w", err))
	}

	if err := c.ledger.Close(); err != nil {
		errs = append(errs, fmt.Errorf("ledger: %w", err))
	}
	if err := c.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown: %w", errors.Join(errs...))
	}
	log.Info("collectord stopped")
	return nil
}
