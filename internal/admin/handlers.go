package admin

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/xtxerr/collector/internal/counter"
	"github.com/xtxerr/collector/internal/errors"
	"github.com/xtxerr/collector/internal/promotion"
	"github.com/xtxerr/collector/internal/stats"
)

// defaultFeedCount is the page size of /feed when count is not given.
const defaultFeedCount = 100

// =============================================================================
// Responses
// =============================================================================

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func (s *Server) respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to encode response", "error", err)
	}
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.IsNotFound(err):
		status = http.StatusNotFound
	case errors.Is(err, errors.ErrSweepRunning):
		status = http.StatusConflict
	case errors.IsUserError(err):
		status = http.StatusBadRequest
	default:
		s.logger.Error("admin request failed", "error", err)
	}
	s.respond(w, status, errorResponse{Error: http.StatusText(status), Message: err.Error()})
}

// =============================================================================
// Health
// =============================================================================

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if db := s.deps.Database; db != nil {
		if err := db.Health(r.Context()); err != nil {
			s.logger.Warn("health check failed", "error", err)
			s.respond(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable", Error: err.Error()})
			return
		}
	}
	s.respond(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// =============================================================================
// Stats
// =============================================================================

// StatsResponse is the body of GET /stats.
type StatsResponse struct {
	Events       *stats.Snapshot      `json:"events,omitempty"`
	Queues       map[string]int       `json:"queues,omitempty"`
	Pool         *promotion.PoolStats `json:"pool,omitempty"`
	FlushEnabled bool                 `json:"flushEnabled"`
	LocalFiles   int                  `json:"localFiles"`
	Cutoff       string               `json:"cutoff,omitempty"`
	RollingUp    bool                 `json:"rollingUp"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var resp StatsResponse

	if q := s.deps.Queues; q != nil {
		snap := q.Stats().Snapshot()
		resp.Events = &snap
		resp.Queues = q.QueueSizes()
	}
	if sp := s.deps.Spool; sp != nil {
		pool := sp.PoolStats()
		resp.Pool = &pool
		resp.FlushEnabled = sp.FlushEnabled()
		resp.LocalFiles = len(sp.LocalFiles())
		resp.Cutoff = sp.CutoffTime().String()
	}
	if p := s.deps.RollUp; p != nil {
		resp.RollingUp = p.IsProcessing()
	}

	s.respond(w, http.StatusOK, resp)
}

// =============================================================================
// Spool
// =============================================================================

func (s *Server) handleSpoolFiles(w http.ResponseWriter, r *http.Request) {
	files := s.deps.Spool.LocalFiles()
	if files == nil {
		files = []string{}
	}
	s.respond(w, http.StatusOK, map[string]any{"files": files})
}

func (s *Server) handleFlush(enable bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if enable {
			s.deps.Spool.EnableFlush()
		} else {
			s.deps.Spool.DisableFlush()
		}
		s.respond(w, http.StatusOK, map[string]bool{"flushEnabled": s.deps.Spool.FlushEnabled()})
	}
}

type cutoffBody struct {
	Cutoff string `json:"cutoff"`
}

func (s *Server) handleGetCutoff(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, cutoffBody{Cutoff: s.deps.Spool.CutoffTime().String()})
}

func (s *Server) handleSetCutoff(w http.ResponseWriter, r *http.Request) {
	var body cutoffBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.fail(w, errors.NewInvalidArgument("body", err))
		return
	}
	d, err := time.ParseDuration(body.Cutoff)
	if err != nil {
		s.fail(w, errors.NewInvalidArgument("cutoff", body.Cutoff))
		return
	}
	if err := s.deps.Spool.SetCutoffTime(d); err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, cutoffBody{Cutoff: s.deps.Spool.CutoffTime().String()})
}

func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Spool.ProcessLeftBelowFiles(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]int{"processed": n})
}

// =============================================================================
// Counters
// =============================================================================

func (s *Server) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := s.deps.Counters.LoadCounterSubscriptions(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	if subs == nil {
		subs = []*counter.CounterSubscription{}
	}
	s.respond(w, http.StatusOK, subs)
}

func (s *Server) handleCounters(w http.ResponseWriter, r *http.Request) {
	q, err := counterQuery(mux.Vars(r)["appId"], r)
	if err != nil {
		s.fail(w, err)
		return
	}

	counters, err := s.deps.RollUp.LoadAggregatedRolledUpCounters(r.Context(), q)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, counters)
}

func counterQuery(appID string, r *http.Request) (counter.Query, error) {
	v := r.URL.Query()
	q := counter.Query{
		AppID:            appID,
		AggregateByMonth: v.Get("aggregateByMonth") == "true",
	}

	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"from", &q.From}, {"to", &q.To}} {
		raw := v.Get(p.name)
		if raw == "" {
			continue
		}
		t, err := counter.ParseDate(raw)
		if err != nil {
			return q, errors.NewInvalidArgument(p.name, raw)
		}
		*p.dst = &t
	}

	if types := v.Get("types"); types != "" {
		q.CounterTypes = strings.Split(types, ",")
	}
	if raw := v.Get("excludeDistribution"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return q, errors.NewInvalidArgument("excludeDistribution", raw)
		}
		q.ExcludeDistribution = b
	}
	if raw := v.Get("distributionLimit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return q, errors.NewInvalidArgument("distributionLimit", raw)
		}
		q.DistributionLimit = n
	}
	return q, nil
}

// handleRollUp starts a roll-up of one app in the background.
func (s *Server) handleRollUp(w http.ResponseWriter, r *http.Request) {
	sub, err := s.deps.Counters.LoadCounterSubscription(r.Context(), mux.Vars(r)["appId"])
	if err != nil {
		s.fail(w, err)
		return
	}

	if s.deps.RollUp.IsProcessing() {
		s.respond(w, http.StatusConflict, map[string]bool{"started": false})
		return
	}

	s.rollups.Add(1)
	go func() {
		defer s.rollups.Done()
		s.deps.Scheduler.RollUp(context.Background(), sub)
	}()

	s.respond(w, http.StatusAccepted, map[string]bool{"started": true})
}

// =============================================================================
// Feed
// =============================================================================

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	v := r.URL.Query()

	var offset int64
	if raw := v.Get("offset"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			s.fail(w, errors.NewInvalidArgument("offset", raw))
			return
		}
		offset = n
	}

	count := defaultFeedCount
	if raw := v.Get("count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.fail(w, errors.NewInvalidArgument("count", raw))
			return
		}
		count = n
	}

	events, err := s.deps.Feed.Load(r.Context(), mux.Vars(r)["channel"], offset, count)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, events)
}

// handleCleanFeed runs one retention pass. The deletion lock stays held
// until the cleaner stops.
func (s *Server) handleCleanFeed(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Feed.CleanOldFeedEvents(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]int64{"deleted": n})
}
