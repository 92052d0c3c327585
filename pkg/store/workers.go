package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kestrelci/controller/pkg/types"
)

// RegisterWorker creates a worker row, or refreshes an existing one's
// token/capabilities/expiry if the ID is already registered.
func (s *Store) RegisterWorker(ctx context.Context, w *types.Worker) error {
	const q = `
		INSERT INTO workers (id, name, capabilities, status, access_token, access_token_expires_at, last_seen_at)
		VALUES (:id, :name, :capabilities, :status, :access_token, :access_token_expires_at, now())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			capabilities = EXCLUDED.capabilities,
			access_token = EXCLUDED.access_token,
			access_token_expires_at = EXCLUDED.access_token_expires_at,
			last_seen_at = now()
	`
	_, err := s.db.NamedExecContext(ctx, q, w)
	if err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	return nil
}

// GetWorker fetches a worker by ID. Satisfies auth.WorkerGetter.
func (s *Store) GetWorker(ctx context.Context, id string) (*types.Worker, error) {
	var w types.Worker
	err := s.db.GetContext(ctx, &w, `SELECT * FROM workers WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get worker: %w", err)
	}
	return &w, nil
}

// RotateWorkerToken replaces a worker's access token and expiry, and
// touches last_seen_at, in a single statement — the write path for the
// TTL-based rotation policy.
func (s *Store) RotateWorkerToken(ctx context.Context, workerID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE workers
		SET access_token = $1, access_token_expires_at = $2, last_seen_at = now()
		WHERE id = $3
	`, token, expiresAt, workerID)
	if err != nil {
		return fmt.Errorf("rotate worker token: %w", err)
	}
	return nil
}

// TouchWorkerSeen updates last_seen_at without otherwise changing status,
// used by poll calls that do not result in an assignment.
func (s *Store) TouchWorkerSeen(ctx context.Context, workerID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE workers SET last_seen_at = now() WHERE id = $1`, workerID)
	if err != nil {
		return fmt.Errorf("touch worker seen: %w", err)
	}
	return nil
}

// EvictWorker forces a worker offline and, if it is currently holding a
// build, fails that build in the same transaction — the operator path for
// removing a misbehaving worker without waiting for the heartbeat monitor
// to notice it has gone silent. Returns the evicted build's ID, or "" if
// the worker held none.
func (s *Store) EvictWorker(ctx context.Context, workerID, reason string) (string, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin evict-worker tx: %w", err)
	}
	defer tx.Rollback()

	var build types.Build
	failedDelta := 0
	err = tx.GetContext(ctx, &build, `
		SELECT * FROM builds WHERE worker_id = $1 AND status IN ($2, $3)
	`, workerID, types.BuildStatusAssigned, types.BuildStatusBuilding)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// worker held no in-flight build
	case err != nil:
		return "", fmt.Errorf("find worker's in-flight build: %w", err)
	default:
		if _, err := tx.ExecContext(ctx, `
			UPDATE builds SET status = $1, error_message = $2, updated_at = now()
			WHERE id = $3
		`, types.BuildStatusFailed, reason, build.ID); err != nil {
			return "", fmt.Errorf("fail evicted worker's build: %w", err)
		}
		failedDelta = 1
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE workers SET status = $1, builds_failed = builds_failed + $2 WHERE id = $3
	`, types.WorkerStatusOffline, failedDelta, workerID); err != nil {
		return "", fmt.Errorf("mark worker offline: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit evict-worker tx: %w", err)
	}
	return build.ID, nil
}

// MarkWorkersOfflineIfStale marks idle/building workers offline when their
// last_seen_at exceeds timeout, returning the workers it changed.
func (s *Store) MarkWorkersOfflineIfStale(ctx context.Context, timeout time.Duration) ([]types.Worker, error) {
	var workers []types.Worker
	err := s.db.SelectContext(ctx, &workers, `
		SELECT * FROM workers
		WHERE status != $1
		  AND last_seen_at < now() - $2::interval
	`, types.WorkerStatusOffline, fmt.Sprintf("%d seconds", int(timeout.Seconds())))
	if err != nil {
		return nil, fmt.Errorf("select stale workers: %w", err)
	}
	if len(workers) == 0 {
		return nil, nil
	}

	ids := make([]string, len(workers))
	for i, w := range workers {
		ids[i] = w.ID
	}

	query, args, err := sqlx.In(`UPDATE workers SET status = ? WHERE id IN (?)`, types.WorkerStatusOffline, ids)
	if err != nil {
		return nil, fmt.Errorf("build offline update: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("mark workers offline: %w", err)
	}
	return workers, nil
}
