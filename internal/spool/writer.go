package spool

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/collector/internal/errors"
	"github.com/xtxerr/collector/internal/event"
	"github.com/xtxerr/collector/internal/logging"
	"github.com/xtxerr/collector/internal/serialization"
)

// EventWriter is a writer chain for one category.
type EventWriter interface {
	// Write appends one event to the current spool file.
	Write(e event.Event) error

	// Commit closes the current spool file and hands it off for promotion.
	Commit() error

	// Close commits outstanding data and releases the writer. Idempotent.
	Close() error
}

// Callback receives the outcome of a file hand-off.
type Callback interface {
	OnSuccess(path string)
	OnError(err error, path string)
}

// Handler takes over committed spool files.
//
// Handle returns false when it declines the file; the file stays in _spool
// and is offered again on the next flush tick. When it returns true it must
// eventually call exactly one method of cb.
type Handler interface {
	Handle(path string, cb Callback) bool
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(path string, cb Callback) bool

func (f HandlerFunc) Handle(path string, cb Callback) bool { return f(path, cb) }

// Sync modes.
const (
	SyncNone  = "none"
	SyncFlush = "flush"
	SyncFsync = "sync"
)

// WriterOptions configures a DiskWriter.
type WriterOptions struct {
	// FlushEnabled starts the periodic retry of files left in _spool.
	FlushEnabled bool

	// FlushInterval is the retry period.
	// Default: 30s
	FlushInterval time.Duration

	// SyncMode controls durability of writes between commits.
	// "none"  - buffered until commit
	// "flush" - buffers flushed to the OS every SyncBatchSize writes
	// "sync"  - flushed and fsynced every SyncBatchSize writes
	SyncMode string

	// SyncBatchSize is the number of writes between syncs.
	// Default: 50
	SyncBatchSize int

	// Compression applied to spool files.
	Compression Compression

	// Now overrides the clock used for directory leases.
	Now func() time.Time
}

// DiskWriterStats holds disk writer statistics.
type DiskWriterStats struct {
	FilesCreated     atomic.Int64
	FilesCommitted   atomic.Int64
	FilesDeleted     atomic.Int64
	FilesQuarantined atomic.Int64
	EventsWritten    atomic.Int64
	Syncs            atomic.Int64
	Errors           atomic.Int64
}

// DiskWriter appends events to files in a spool directory. Files are written
// under _tmp and moved to _spool on commit, then handed to the Handler.
type DiskWriter struct {
	mu sync.Mutex

	spool   *Manager
	handler Handler
	opts    WriterOptions

	file      *os.File
	comp      flushWriteCloser
	enc       serialization.Encoder
	fileName  string
	fileSeq   int64
	sinceSync int

	// Committed files handed off and not yet resolved.
	inFlightMu sync.Mutex
	inFlight   map[string]struct{}

	closed atomic.Bool
	stopCh chan struct{}
	wg     sync.WaitGroup

	stats  DiskWriterStats
	logger *slog.Logger
}

// NewDiskWriter creates the spool directory and starts the flush loop.
func NewDiskWriter(spool *Manager, handler Handler, opts WriterOptions) (*DiskWriter, error) {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 30 * time.Second
	}
	if opts.SyncBatchSize <= 0 {
		opts.SyncBatchSize = 50
	}
	if opts.SyncMode == "" {
		opts.SyncMode = SyncNone
	}
	if opts.Compression == "" {
		opts.Compression = CompressionNone
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	if err := spool.EnsureDirs(); err != nil {
		return nil, err
	}

	w := &DiskWriter{
		spool:    spool,
		handler:  handler,
		opts:     opts,
		inFlight: make(map[string]struct{}),
		stopCh:   make(chan struct{}),
		logger:   logging.Component("spool").With("dir", spool.Dir()),
	}

	if opts.FlushEnabled {
		w.wg.Add(1)
		go w.flushLoop()
	}

	return w, nil
}

// Write appends an event to the current file, opening one if needed.
func (w *DiskWriter) Write(e event.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed.Load() {
		return errors.ErrWriterClosed
	}

	if w.file == nil {
		if err := w.openUnlocked(); err != nil {
			w.stats.Errors.Add(1)
			return err
		}
	}

	if err := w.enc.Encode(e); err != nil {
		w.stats.Errors.Add(1)
		return fmt.Errorf("encode event: %w", err)
	}
	w.stats.EventsWritten.Add(1)

	w.sinceSync++
	if w.opts.SyncMode != SyncNone && w.sinceSync >= w.opts.SyncBatchSize {
		if err := w.syncUnlocked(); err != nil {
			w.stats.Errors.Add(1)
			return fmt.Errorf("sync: %w", err)
		}
	}

	return nil
}

func (w *DiskWriter) openUnlocked() error {
	name := fmt.Sprintf("%016d.%s%s", w.fileSeq, w.spool.Type().Suffix(), w.opts.Compression.Extension())
	path := filepath.Join(w.spool.TmpPath(), name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("create spool file %s: %w", path, err)
	}

	comp, err := w.opts.Compression.newWriter(f)
	if err != nil {
		f.Close()
		os.Remove(path)
		return err
	}

	enc, err := w.spool.Type().NewEncoder(comp)
	if err != nil {
		f.Close()
		os.Remove(path)
		return err
	}

	w.file = f
	w.comp = comp
	w.enc = enc
	w.fileName = name
	w.fileSeq++
	w.sinceSync = 0
	w.stats.FilesCreated.Add(1)

	return nil
}

func (w *DiskWriter) syncUnlocked() error {
	if w.file == nil {
		return nil
	}

	if err := w.enc.Flush(); err != nil {
		return err
	}
	if err := w.comp.Flush(); err != nil {
		return err
	}
	if w.opts.SyncMode == SyncFsync {
		if err := w.file.Sync(); err != nil {
			return err
		}
	}

	w.sinceSync = 0
	w.stats.Syncs.Add(1)
	return nil
}

// Commit closes the current file, moves it to _spool and hands it off.
// Committing without pending writes is a no-op.
func (w *DiskWriter) Commit() error {
	w.mu.Lock()
	path, err := w.closeFileUnlocked()
	w.mu.Unlock()

	if err != nil {
		w.stats.Errors.Add(1)
		return err
	}
	if path == "" {
		return nil
	}

	w.stats.FilesCommitted.Add(1)
	w.touch()
	w.handle(path)
	return nil
}

func (w *DiskWriter) closeFileUnlocked() (string, error) {
	if w.file == nil {
		return "", nil
	}

	f, comp, enc, name := w.file, w.comp, w.enc, w.fileName
	w.file, w.comp, w.enc, w.fileName = nil, nil, nil, ""

	var errs []error
	if err := enc.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("flush encoder: %w", err))
	}
	if err := comp.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close compressor: %w", err))
	}
	if w.opts.SyncMode == SyncFsync {
		if err := f.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("fsync: %w", err))
		}
	}
	if err := f.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close file: %w", err))
	}

	tmpPath := filepath.Join(w.spool.TmpPath(), name)
	if len(errs) > 0 {
		// A file that failed to close stays in _tmp and is never promoted.
		return "", fmt.Errorf("close %s: %w", tmpPath, errors.Join(errs...))
	}

	spoolPath := filepath.Join(w.spool.SpoolPath(), name)
	if err := os.Rename(tmpPath, spoolPath); err != nil {
		return "", fmt.Errorf("move %s to spool: %w", tmpPath, err)
	}

	return spoolPath, nil
}

func (w *DiskWriter) handle(path string) {
	w.inFlightMu.Lock()
	if _, ok := w.inFlight[path]; ok {
		w.inFlightMu.Unlock()
		return
	}
	w.inFlight[path] = struct{}{}
	w.inFlightMu.Unlock()

	// A flush tick may list a file that was resolved since.
	if _, err := os.Stat(path); err != nil {
		w.release(path)
		return
	}

	if !w.handler.Handle(path, callback{w}) {
		w.release(path)
	}
}

func (w *DiskWriter) release(path string) {
	w.inFlightMu.Lock()
	delete(w.inFlight, path)
	w.inFlightMu.Unlock()
}

type callback struct {
	w *DiskWriter
}

// OnSuccess deletes the promoted file.
func (c callback) OnSuccess(path string) {
	defer c.w.release(path)

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		c.w.logger.Warn("failed to delete promoted file", "file", path, "error", err)
		return
	}
	c.w.stats.FilesDeleted.Add(1)
}

// OnError moves the file to _quarantine where recovery picks it up.
func (c callback) OnError(err error, path string) {
	defer c.w.release(path)

	dst := filepath.Join(c.w.spool.QuarantinePath(), filepath.Base(path))
	c.w.logger.Warn("promotion failed, quarantining file", "file", path, "error", err)

	if mvErr := os.Rename(path, dst); mvErr != nil && !os.IsNotExist(mvErr) {
		c.w.logger.Error("failed to quarantine file", "file", path, "error", mvErr)
		return
	}
	c.w.stats.FilesQuarantined.Add(1)
}

func (w *DiskWriter) touch() {
	if err := w.spool.Touch(w.opts.Now()); err != nil && !os.IsNotExist(err) {
		w.logger.Debug("failed to refresh spool directory lease", "error", err)
	}
}

// flushLoop periodically offers files left in _spool to the handler.
func (w *DiskWriter) flushLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.touch()
			w.Flush()
		}
	}
}

// Flush offers every committed file not already in flight to the handler.
func (w *DiskWriter) Flush() {
	entries, err := os.ReadDir(w.spool.SpoolPath())
	if err != nil {
		if !os.IsNotExist(err) {
			w.logger.Warn("failed to list spool files", "error", err)
		}
		return
	}

	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		w.handle(filepath.Join(w.spool.SpoolPath(), entry.Name()))
	}
}

// Close stops the flush loop and commits the current file. Idempotent.
func (w *DiskWriter) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}

	close(w.stopCh)
	w.wg.Wait()

	w.mu.Lock()
	path, err := w.closeFileUnlocked()
	w.mu.Unlock()

	if err != nil {
		w.stats.Errors.Add(1)
		return err
	}
	if path != "" {
		w.stats.FilesCommitted.Add(1)
		w.touch()
		w.handle(path)
	}
	return nil
}

// Stats returns the writer statistics.
func (w *DiskWriter) Stats() *DiskWriterStats {
	return &w.stats
}

// Spool returns the spool directory the writer writes to.
func (w *DiskWriter) Spool() *Manager {
	return w.spool
}

// InFlight returns the number of committed files awaiting a callback.
func (w *DiskWriter) InFlight() int {
	w.inFlightMu.Lock()
	defer w.inFlightMu.Unlock()
	return len(w.inFlight)
}
