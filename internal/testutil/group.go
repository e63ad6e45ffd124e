// Package testutil provides helpers for tests that start goroutines.
//
// t.Fatal and t.FailNow must not be called from a goroutine other than the
// test's own: they exit only that goroutine and the test hangs or passes
// silently. Group collects returned errors instead and reports them from
// Wait, on the test goroutine.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"
)

// Group runs goroutines for a test and fails the test if any of them
// returns an error or they outlive the group's timeout.
//
//	g := testutil.NewGroup(t, 5*time.Second)
//	for i := 0; i < 8; i++ {
//		g.Go(func(ctx context.Context) error {
//			return doWork(ctx)
//		})
//	}
//	g.Wait()
type Group struct {
	t       testing.TB
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	errs []error
}

// NewGroup creates a group whose context is cancelled after timeout.
func NewGroup(t testing.TB, timeout time.Duration) *Group {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)

	return &Group{t: t, timeout: timeout, ctx: ctx, cancel: cancel}
}

// Context returns the group's context.
func (g *Group) Context() context.Context {
	return g.ctx
}

// Go runs fn in a new goroutine.
func (g *Group) Go(fn func(ctx context.Context) error) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := fn(g.ctx); err != nil {
			g.mu.Lock()
			g.errs = append(g.errs, err)
			g.mu.Unlock()
		}
	}()
}

// Wait blocks until every goroutine returned and fails the test on any
// error. If the goroutines do not return within the timeout plus a grace
// period, the test fails without waiting further.
func (g *Group) Wait() {
	g.t.Helper()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(g.timeout + time.Second):
		g.cancel()
		g.t.Fatalf("goroutines still running after %s", g.timeout)
	}
	g.cancel()

	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.errs) == 0 {
		return
	}
	for i, err := range g.errs {
		g.t.Errorf("goroutine error [%d]: %v", i+1, err)
	}
	g.t.FailNow()
}
