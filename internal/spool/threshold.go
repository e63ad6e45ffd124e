package spool

import (
	"log/slog"
	"sync"
	"time"

	"github.com/xtxerr/collector/internal/errors"
	"github.com/xtxerr/collector/internal/event"
	"github.com/xtxerr/collector/internal/logging"
)

// ThresholdWriter commits its delegate once the number of uncommitted writes
// exceeds maxCount or the oldest uncommitted write is older than maxAge,
// whichever comes first. A ticker enforces the age bound when no new writes
// arrive.
type ThresholdWriter struct {
	mu sync.Mutex

	delegate EventWriter
	maxCount int
	maxAge   time.Duration
	now      func() time.Time

	uncommitted int
	oldest      time.Time

	closed bool
	stopCh chan struct{}
	wg     sync.WaitGroup

	logger *slog.Logger
}

// NewThresholdWriter wraps delegate and starts the age ticker.
func NewThresholdWriter(delegate EventWriter, maxCount int, maxAge time.Duration) *ThresholdWriter {
	return newThresholdWriter(delegate, maxCount, maxAge, time.Now)
}

func newThresholdWriter(delegate EventWriter, maxCount int, maxAge time.Duration, now func() time.Time) *ThresholdWriter {
	w := &ThresholdWriter{
		delegate: delegate,
		maxCount: maxCount,
		maxAge:   maxAge,
		now:      now,
		stopCh:   make(chan struct{}),
		logger:   logging.Component("threshold"),
	}

	w.wg.Add(1)
	go w.ageLoop(tickInterval(maxAge))

	return w
}

// tickInterval checks the age bound a few times per period.
func tickInterval(maxAge time.Duration) time.Duration {
	interval := maxAge / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	if interval > time.Second {
		interval = time.Second
	}
	return interval
}

// Write writes through to the delegate and commits when a threshold is crossed.
func (w *ThresholdWriter) Write(e event.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return errors.ErrWriterClosed
	}

	if err := w.delegate.Write(e); err != nil {
		return err
	}

	if w.uncommitted == 0 {
		w.oldest = w.now()
	}
	w.uncommitted++

	if w.uncommitted > w.maxCount || w.expiredUnlocked() {
		return w.commitUnlocked()
	}
	return nil
}

func (w *ThresholdWriter) expiredUnlocked() bool {
	return w.uncommitted > 0 && w.now().Sub(w.oldest) > w.maxAge
}

// Commit forces a commit of the delegate.
func (w *ThresholdWriter) Commit() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.commitUnlocked()
}

func (w *ThresholdWriter) commitUnlocked() error {
	w.uncommitted = 0
	w.oldest = time.Time{}
	return w.delegate.Commit()
}

// Uncommitted returns the number of writes since the last commit.
func (w *ThresholdWriter) Uncommitted() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.uncommitted
}

func (w *ThresholdWriter) ageLoop(interval time.Duration) {
	defer w.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.mu.Lock()
			if !w.closed && w.expiredUnlocked() {
				if err := w.commitUnlocked(); err != nil {
					w.logger.Warn("age commit failed", "error", err)
				}
			}
			w.mu.Unlock()
		}
	}
}

// Close stops the age ticker and closes the delegate, which commits any
// outstanding data. Idempotent.
func (w *ThresholdWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.uncommitted = 0
	w.mu.Unlock()

	close(w.stopCh)
	w.wg.Wait()

	return w.delegate.Close()
}
