// Package promotion builds the durable per-category writer chains and promotes
// their closed spool files to the registered spool processors.
//
// A writer chain is ThresholdWriter(DiskWriter). When the threshold fires the
// DiskWriter moves the file to _spool and offers it to the factory, which fans
// it out to every processor through a pool bounded by fanout_workers.
// Submission blocks while the pool is full.
//
// Files whose fan-out failed are quarantined and, like files left behind by a
// crash, picked up by ProcessLeftBelowFiles once their directory is older than
// the recovery cutoff.
package promotion

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/xtxerr/collector/internal/config"
	"github.com/xtxerr/collector/internal/errors"
	"github.com/xtxerr/collector/internal/logging"
	"github.com/xtxerr/collector/internal/serialization"
	"github.com/xtxerr/collector/internal/spool"
	"github.com/xtxerr/collector/internal/stats"
)

// SpoolProcessor consumes promoted spool files.
type SpoolProcessor interface {
	// Name identifies the processor in logs and in the processed-file ledger.
	Name() string

	// ProcessEventFile consumes localFile. destinationPath is the file's
	// unique path relative to the remote root.
	ProcessEventFile(ctx context.Context, localFile, destinationPath string) error
}

// =============================================================================
// Options
// =============================================================================

// Option configures a Factory.
type Option func(*Factory)

// WithClock overrides the clock used for spool directory names and the
// recovery cutoff.
func WithClock(now func() time.Time) Option {
	return func(f *Factory) { f.now = now }
}

// WithHostname overrides the hostname used in destination paths.
func WithHostname(hostname string) Option {
	return func(f *Factory) { f.hostname = hostname }
}

// WithFanOutTimeout bounds each processor invocation on the fan-out path.
// Zero means no per-task bound.
func WithFanOutTimeout(d time.Duration) Option {
	return func(f *Factory) { f.fanOutTimeout = d }
}

// =============================================================================
// Factory
// =============================================================================

// PoolStats is a snapshot of the fan-out pool.
type PoolStats struct {
	Workers   int64 `json:"workers"`
	Active    int64 `json:"active"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
}

// Factory creates writer chains and owns the promotion lifecycle.
//
// Factory is safe for concurrent use.
type Factory struct {
	cfg        config.SpoolConfig
	processors []SpoolProcessor

	hostname      string
	now           func() time.Time
	fanOutTimeout time.Duration

	flushEnabled atomic.Bool
	cutoff       atomic.Int64

	// mu orders task registration against Close.
	mu     sync.Mutex
	closed bool
	tasks  sync.WaitGroup

	// sweepMu admits one recovery sweep at a time.
	sweepMu sync.Mutex

	sem     *semaphore.Weighted
	workers int64
	ctx     context.Context
	cancel  context.CancelFunc

	active    atomic.Int64
	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64

	logger *slog.Logger
}

// NewFactory creates a factory promoting to processors.
func NewFactory(cfg config.SpoolConfig, processors []SpoolProcessor, opts ...Option) (*Factory, error) {
	if cfg.Dir == "" {
		return nil, errors.NewInvalidConfig("spool.dir", "required")
	}
	if _, err := spool.ParseCompression(cfg.Compression); err != nil {
		return nil, err
	}

	defaults := config.DefaultConfig().Spool
	if cfg.FanOutWorkers <= 0 {
		cfg.FanOutWorkers = defaults.FanOutWorkers
	}
	if cfg.MaxUncommittedCount <= 0 {
		cfg.MaxUncommittedCount = defaults.MaxUncommittedCount
	}
	if cfg.MaxUncommittedAge <= 0 {
		cfg.MaxUncommittedAge = defaults.MaxUncommittedAge
	}
	if cfg.RecoveryCutoff <= 0 {
		cfg.RecoveryCutoff = defaults.RecoveryCutoff
	}
	if cfg.ShutdownWait <= 0 {
		cfg.ShutdownWait = defaults.ShutdownWait
	}
	if cfg.LeftBelowSleep <= 0 {
		cfg.LeftBelowSleep = defaults.LeftBelowSleep
	}

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create spool root %s: %w", cfg.Dir, err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	f := &Factory{
		cfg:        cfg,
		processors: append([]SpoolProcessor(nil), processors...),
		now:        time.Now,
		sem:        semaphore.NewWeighted(int64(cfg.FanOutWorkers)),
		workers:    int64(cfg.FanOutWorkers),
		ctx:        ctx,
		cancel:     cancel,
		logger:     logging.Component("promotion"),
	}
	for _, opt := range opts {
		opt(f)
	}

	if f.hostname == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "localhost"
		}
		f.hostname = host
	}

	f.flushEnabled.Store(cfg.FlushEnabled)
	f.cutoff.Store(int64(cfg.RecoveryCutoff))

	names := make([]string, 0, len(f.processors))
	for _, p := range f.processors {
		names = append(names, p.Name())
	}
	f.logger.Info("promotion factory created",
		"root", cfg.Dir,
		"processors", names,
		"workers", cfg.FanOutWorkers,
		"flush_enabled", cfg.FlushEnabled)

	return f, nil
}

// CreatePersistentWriter builds the writer chain for category.
func (f *Factory) CreatePersistentWriter(st *stats.WriterStats, typ serialization.Type, category string) (spool.EventWriter, error) {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return nil, errors.ErrFactoryClosed
	}

	if st == nil {
		st = stats.NewWriterStats()
	}

	m, err := spool.NewManager(f.cfg.Dir, category, typ, f.now())
	if err != nil {
		return nil, err
	}

	comp, err := spool.ParseCompression(f.cfg.Compression)
	if err != nil {
		return nil, err
	}

	disk, err := spool.NewDiskWriter(m, f.flushHandler(st, m), spool.WriterOptions{
		FlushEnabled:  true,
		FlushInterval: f.cfg.FlushInterval,
		SyncMode:      f.cfg.SyncMode,
		SyncBatchSize: f.cfg.SyncBatchSize,
		Compression:   comp,
		Now:           f.now,
	})
	if err != nil {
		return nil, err
	}

	f.logger.Debug("writer chain created", "dir", m.Dir())

	return spool.NewThresholdWriter(disk, f.cfg.MaxUncommittedCount, f.cfg.MaxUncommittedAge), nil
}

// flushHandler returns the hand-off for one writer chain. Each chain owns its
// flush counter so destination paths never repeat within a directory.
func (f *Factory) flushHandler(st *stats.WriterStats, m *spool.Manager) spool.Handler {
	var flushes atomic.Int64

	return spool.HandlerFunc(func(path string, cb spool.Callback) bool {
		if !f.flushEnabled.Load() {
			return false
		}

		// Advanced before submission; a failed submission must not reuse
		// a remote path that may already exist.
		dest := m.DestinationPath(f.hostname, int(flushes.Add(1)-1))

		ctx := logging.ContextWithCategory(f.ctx, m.Category())
		if err := f.fanOut(ctx, path, dest, cb); err != nil {
			f.rejected.Add(1)
			f.logger.Warn("failed to submit spool file", "file", path, "dest", dest, "error", err)
			return true
		}

		st.RegisterRemoteFlush()
		return true
	})
}

// fanOut submits one task per processor. The file is disposed of through cb
// once every task has finished: deleted when all succeeded, quarantined
// otherwise. On a submission error cb.OnError runs after the tasks already
// submitted have finished.
func (f *Factory) fanOut(ctx context.Context, path, dest string, cb spool.Callback) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		cb.OnError(errors.ErrFactoryClosed, path)
		return errors.ErrFactoryClosed
	}
	f.tasks.Add(1)
	f.mu.Unlock()

	var (
		wg      sync.WaitGroup
		errMu   sync.Mutex
		taskErr []error
	)

	var submitErr error
	for _, p := range f.processors {
		if err := f.sem.Acquire(ctx, 1); err != nil {
			submitErr = fmt.Errorf("submit %s: %w", p.Name(), err)
			break
		}

		f.submitted.Add(1)
		wg.Add(1)
		go func(p SpoolProcessor) {
			defer wg.Done()
			defer f.sem.Release(1)

			if err := f.runTask(ctx, p, path, dest); err != nil {
				errMu.Lock()
				taskErr = append(taskErr, fmt.Errorf("%s: %w", p.Name(), err))
				errMu.Unlock()
			}
		}(p)
	}

	go func() {
		defer f.tasks.Done()
		wg.Wait()

		switch {
		case submitErr != nil:
			cb.OnError(submitErr, path)
		case len(taskErr) > 0:
			cb.OnError(errors.Join(taskErr...), path)
		default:
			cb.OnSuccess(path)
		}
	}()

	return submitErr
}

func (f *Factory) runTask(ctx context.Context, p SpoolProcessor, path, dest string) error {
	f.active.Add(1)
	defer f.active.Add(-1)

	if f.fanOutTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.fanOutTimeout)
		defer cancel()
	}

	start := time.Now()
	if err := p.ProcessEventFile(ctx, path, dest); err != nil {
		f.failed.Add(1)
		logging.WithContext(ctx, f.logger).Error("spool processor failed",
			"processor", p.Name(),
			"file", path,
			"dest", dest,
			"error", err)
		return err
	}

	f.completed.Add(1)
	logging.WithContext(ctx, f.logger).Debug("spool file processed",
		"processor", p.Name(),
		"dest", dest,
		"duration", time.Since(start))
	return nil
}

// =============================================================================
// Recovery
// =============================================================================

// ProcessLeftBelowFiles promotes the files of every spool directory older than
// the cutoff, synchronously and outside the fan-out pool. Files in _tmp are
// never touched. A file is deleted only after every processor succeeded on
// it; otherwise it stays for the next sweep. It returns the number of files
// processed, or errors.ErrSweepRunning when another sweep is in progress.
func (f *Factory) ProcessLeftBelowFiles(ctx context.Context) (int, error) {
	if !f.sweepMu.TryLock() {
		return 0, errors.ErrSweepRunning
	}
	defer f.sweepMu.Unlock()

	return f.sweep(ctx)
}

// sweep must be called with sweepMu held.
func (f *Factory) sweep(ctx context.Context) (int, error) {
	dirs, err := spool.FindOldSpoolDirectories(f.cfg.Dir, f.CutoffTime(), f.now())
	if err != nil {
		return 0, fmt.Errorf("find old spool directories: %w", err)
	}
	if len(dirs) == 0 {
		return 0, nil
	}

	candidates := make([]string, 0, len(dirs))
	processed := 0

	for _, dir := range dirs {
		m, err := spool.FromDirectory(dir)
		if err != nil {
			f.logger.Warn("skipping invalid spool directory", "dir", dir, "error", err)
			continue
		}
		candidates = append(candidates, dir)

		files, err := spool.FindFilesInSpoolDirectory(dir)
		if err != nil {
			f.logger.Warn("failed to list spool directory", "dir", dir, "error", err)
			continue
		}

		for _, file := range files {
			if err := ctx.Err(); err != nil {
				return processed, err
			}

			seq, err := spool.FileSequence(file)
			if err != nil {
				f.logger.Warn("skipping unrecognized spool file", "file", file, "error", err)
				continue
			}
			dest := m.RecoveryPath(f.hostname, seq)

			if !f.processLeftBelowFile(logging.ContextWithCategory(ctx, m.Category()), file, dest) {
				continue
			}
			processed++

			if err := os.Remove(file); err != nil && !os.IsNotExist(err) {
				f.logger.Warn("failed to delete recovered file, it may be processed again",
					"file", file, "error", err)
			}
		}
	}

	removed := spool.CleanupOldSpoolDirectories(candidates)

	f.logger.Info("recovery sweep finished",
		"dirs", len(candidates),
		"files", processed,
		"removed_dirs", removed)

	return processed, nil
}

func (f *Factory) processLeftBelowFile(ctx context.Context, file, dest string) bool {
	ok := true
	for _, p := range f.processors {
		if err := p.ProcessEventFile(ctx, file, dest); err != nil {
			logging.WithContext(ctx, f.logger).Error("spool processor failed on left-below file",
				"processor", p.Name(),
				"file", file,
				"dest", dest,
				"error", err)
			ok = false
		}
	}
	return ok
}

// =============================================================================
// Lifecycle
// =============================================================================

// Close stops accepting submissions, waits up to shutdown_wait for in-flight
// fan-out, cancels what is left, runs one recovery sweep and then polls until
// no local file remains or the retries are exhausted. Files left behind are
// logged and reported in the returned error. Idempotent.
func (f *Factory) Close(ctx context.Context) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()

	f.logger.Info("promotion factory closing")

	done := make(chan struct{})
	go func() {
		f.tasks.Wait()
		close(done)
	}()

	waitCtx, cancel := context.WithTimeout(ctx, f.cfg.ShutdownWait)
	select {
	case <-done:
	case <-waitCtx.Done():
		f.logger.Warn("fan-out did not finish in time, cancelling remaining tasks",
			"active", f.active.Load())
	}
	cancel()
	f.cancel()

	// Waits for a sweep already running instead of skipping.
	f.sweepMu.Lock()
	_, err := f.sweep(ctx)
	f.sweepMu.Unlock()
	if err != nil {
		f.logger.Warn("recovery sweep on close failed", "error", err)
	}

poll:
	for i := 0; i < f.cfg.LeftBelowRetries; i++ {
		if f.LocalFileCount() == 0 {
			break
		}
		select {
		case <-ctx.Done():
			break poll
		case <-time.After(f.cfg.LeftBelowSleep):
		}
	}

	files := f.LocalFiles()
	if len(files) == 0 {
		f.logger.Info("promotion factory closed")
		return nil
	}

	f.logger.Warn("spool files left un-flushed", "count", len(files), "files", files)
	return fmt.Errorf("%d spool files left un-flushed", len(files))
}

// =============================================================================
// Operations
// =============================================================================

// EnableFlush turns promotion on.
func (f *Factory) EnableFlush() {
	f.flushEnabled.Store(true)
	f.logger.Info("spool promotion enabled")
}

// DisableFlush turns promotion off. Closed files stay in _spool until it is
// enabled again.
func (f *Factory) DisableFlush() {
	f.flushEnabled.Store(false)
	f.logger.Info("spool promotion disabled")
}

// FlushEnabled reports whether promotion is on.
func (f *Factory) FlushEnabled() bool {
	return f.flushEnabled.Load()
}

// CutoffTime returns the recovery cutoff age.
func (f *Factory) CutoffTime() time.Duration {
	return time.Duration(f.cutoff.Load())
}

// SetCutoffTime sets the recovery cutoff age.
func (f *Factory) SetCutoffTime(d time.Duration) error {
	if d < 0 {
		return errors.NewInvalidArgument("cutoff", d.String())
	}
	f.cutoff.Store(int64(d))
	return nil
}

// LocalFiles returns every un-promoted local file, excluding open files.
func (f *Factory) LocalFiles() []string {
	files, err := spool.FindFilesInSpoolDirectory(f.cfg.Dir)
	if err != nil {
		f.logger.Warn("failed to list local files", "error", err)
		return nil
	}
	return files
}

// LocalFileCount returns the number of un-promoted local files.
func (f *Factory) LocalFileCount() int {
	return len(f.LocalFiles())
}

// PoolStats returns a snapshot of the fan-out pool.
func (f *Factory) PoolStats() PoolStats {
	return PoolStats{
		Workers:   f.workers,
		Active:    f.active.Load(),
		Submitted: f.submitted.Load(),
		Completed: f.completed.Load(),
		Failed:    f.failed.Load(),
		Rejected:  f.rejected.Load(),
	}
}

// Root returns the spool root directory.
func (f *Factory) Root() string {
	return f.cfg.Dir
}
