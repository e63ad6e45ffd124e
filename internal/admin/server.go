// Package admin serves the operational HTTP surface of the collector: writer
// statistics, Prometheus metrics, spool control and read access to counters
// and feeds.
package admin

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xtxerr/collector/internal/config"
	"github.com/xtxerr/collector/internal/counter"
	"github.com/xtxerr/collector/internal/errors"
	"github.com/xtxerr/collector/internal/feed"
	"github.com/xtxerr/collector/internal/logging"
	"github.com/xtxerr/collector/internal/promotion"
	"github.com/xtxerr/collector/internal/stats"
)

// Queues exposes the local buffers. Implemented by *queue.Dispatcher.
type Queues interface {
	Stats() *stats.WriterStats
	QueueSizes() map[string]int
}

// Spool exposes the promotion factory. Implemented by *promotion.Factory.
type Spool interface {
	FlushEnabled() bool
	EnableFlush()
	DisableFlush()
	CutoffTime() time.Duration
	SetCutoffTime(time.Duration) error
	LocalFiles() []string
	PoolStats() promotion.PoolStats
	ProcessLeftBelowFiles(ctx context.Context) (int, error)
}

// Pinger reports whether a backend is reachable. Implemented by *store.Store.
type Pinger interface {
	Health(ctx context.Context) error
}

// Deps are the components the admin surface reads and controls.
type Deps struct {
	Database  Pinger
	Queues    Queues
	Spool     Spool
	Counters  counter.Storage
	RollUp    *counter.RollUpProcessor
	Scheduler *counter.Scheduler
	Feed      feed.Storage
}

// Server is the admin HTTP server.
type Server struct {
	listen string
	deps   Deps
	router *mux.Router

	mu       sync.Mutex
	http     *http.Server
	listener net.Listener
	done     chan struct{}

	// background roll-ups started through the API
	rollups sync.WaitGroup

	logger *slog.Logger
}

// New creates the admin server and its routes.
func New(cfg config.AdminConfig, deps Deps) *Server {
	s := &Server{
		listen: cfg.Listen,
		deps:   deps,
		router: mux.NewRouter(),
		logger: logging.Component("admin"),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if s.deps.Queues != nil {
		registry.MustRegister(stats.Collector(s.deps.Queues.Stats()))
	}

	r := s.router
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	sp := r.PathPrefix("/spool").Subrouter()
	sp.HandleFunc("/files", s.handleSpoolFiles).Methods(http.MethodGet)
	sp.HandleFunc("/flush/enable", s.handleFlush(true)).Methods(http.MethodPost)
	sp.HandleFunc("/flush/disable", s.handleFlush(false)).Methods(http.MethodPost)
	sp.HandleFunc("/cutoff", s.handleGetCutoff).Methods(http.MethodGet)
	sp.HandleFunc("/cutoff", s.handleSetCutoff).Methods(http.MethodPut)
	sp.HandleFunc("/recover", s.handleRecover).Methods(http.MethodPost)

	r.HandleFunc("/subscriptions", s.handleSubscriptions).Methods(http.MethodGet)
	r.HandleFunc("/counters/{appId}", s.handleCounters).Methods(http.MethodGet)
	r.HandleFunc("/rollup/{appId}", s.handleRollUp).Methods(http.MethodPost)
	r.HandleFunc("/feed/{channel}", s.handleFeed).Methods(http.MethodGet)
	r.HandleFunc("/feed-cleanup", s.handleCleanFeed).Methods(http.MethodPost)
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.http != nil {
		return fmt.Errorf("admin server already started")
	}

	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.listen, err)
	}

	s.listener = ln
	s.done = make(chan struct{})
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.http = srv

	done := s.done
	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("admin server failed", "error", err)
		}
	}()

	s.logger.Info("admin server listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the listen address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting requests and waits for in-flight ones and
// background roll-ups, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv, done := s.http, s.done
	s.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
		<-done
	}

	waited := make(chan struct{})
	go func() {
		s.rollups.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		s.logger.Warn("shutdown before background roll-ups finished")
	}

	s.logger.Info("admin server stopped")
	return err
}
