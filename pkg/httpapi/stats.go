package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/kestrelci/controller/pkg/ctlerr"
)

// statsResponse is the aggregate shape spec.md §4.7 names for GET
// /api/stats.
type statsResponse struct {
	NodesOnline   int `json:"nodes_online"`
	BuildsQueued  int `json:"builds_queued"`
	ActiveBuilds  int `json:"active_builds"`
	BuildsToday   int `json:"builds_today"`
	TotalBuilds   int `json:"total_builds"`
}

// statsCache holds a per-process cached stats snapshot with a fixed TTL,
// since /api/stats is public and otherwise cheap to hammer with
// aggregate queries.
type statsCache struct {
	ttl time.Duration

	mu       sync.Mutex
	value    statsResponse
	computed time.Time
}

func newStatsCache(ttl time.Duration) *statsCache {
	return &statsCache{ttl: ttl}
}

// handleStats serves the cached aggregate, recomputing it from the Store
// and Queue Manager only once per TTL window.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.stats.get(r.Context(), s.computeStats)
	if err != nil {
		writeError(w, ctlerr.Wrap(ctlerr.KindInternal, "compute stats", err))
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (c *statsCache) get(ctx context.Context, compute func(context.Context) (statsResponse, error)) (statsResponse, error) {
	c.mu.Lock()
	if time.Since(c.computed) < c.ttl {
		v := c.value
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	v, err := compute(ctx)
	if err != nil {
		return statsResponse{}, err
	}

	c.mu.Lock()
	c.value = v
	c.computed = time.Now()
	c.mu.Unlock()
	return v, nil
}

func (s *Server) computeStats(ctx context.Context) (statsResponse, error) {
	pending := s.queue.Stats().Pending

	st, err := s.store.GetStats(ctx)
	if err != nil {
		return statsResponse{}, err
	}

	return statsResponse{
		NodesOnline:  st.NodesOnline,
		BuildsQueued: pending,
		ActiveBuilds: st.ActiveBuilds,
		BuildsToday:  st.BuildsToday,
		TotalBuilds:  st.TotalBuilds,
	}, nil
}
