package store

import (
	"context"
	"fmt"

	"github.com/kestrelci/controller/pkg/types"
)

// Stats is the store-derived half of the /api/stats aggregate; pkg/httpapi
// merges it with the Queue Manager's in-memory pending count.
type Stats struct {
	NodesOnline  int
	ActiveBuilds int
	BuildsToday  int
	TotalBuilds  int
}

// GetStats computes the aggregate counters behind the stats endpoint with
// four count queries.
func (s *Store) GetStats(ctx context.Context) (Stats, error) {
	var st Stats

	err := s.db.GetContext(ctx, &st.NodesOnline,
		`SELECT count(*) FROM workers WHERE status != $1`, types.WorkerStatusOffline)
	if err != nil {
		return Stats{}, fmt.Errorf("count online workers: %w", err)
	}

	err = s.db.GetContext(ctx, &st.ActiveBuilds,
		`SELECT count(*) FROM builds WHERE status IN ($1, $2)`,
		types.BuildStatusAssigned, types.BuildStatusBuilding)
	if err != nil {
		return Stats{}, fmt.Errorf("count active builds: %w", err)
	}

	err = s.db.GetContext(ctx, &st.BuildsToday,
		`SELECT count(*) FROM builds WHERE submitted_at >= date_trunc('day', now())`)
	if err != nil {
		return Stats{}, fmt.Errorf("count builds today: %w", err)
	}

	err = s.db.GetContext(ctx, &st.TotalBuilds, `SELECT count(*) FROM builds`)
	if err != nil {
		return Stats{}, fmt.Errorf("count total builds: %w", err)
	}

	return st, nil
}
