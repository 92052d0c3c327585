package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kestrelci/controller/pkg/ctlerr"
	"github.com/kestrelci/controller/pkg/types"
)

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = errors.New("not found")

// txTimeout bounds every single-row write transaction in this package.
const txTimeout = 5 * time.Second

// bulkTxTimeout bounds the bulk log-insert transaction, which may write
// many rows in one transaction.
const bulkTxTimeout = 10 * time.Second

// InsertBuild creates a new build row in pending status.
func (s *Store) InsertBuild(ctx context.Context, b *types.Build) error {
	const q = `
		INSERT INTO builds (id, platform, status, source_path, certs_path, access_token, submitted_at, updated_at)
		VALUES (:id, :platform, :status, :source_path, :certs_path, :access_token, :submitted_at, :updated_at)
	`
	_, err := s.db.NamedExecContext(ctx, q, b)
	if err != nil {
		return fmt.Errorf("insert build: %w", err)
	}
	return nil
}

// GetBuild fetches a build by ID. Satisfies auth.BuildGetter.
func (s *Store) GetBuild(ctx context.Context, id string) (*types.Build, error) {
	var b types.Build
	err := s.db.GetContext(ctx, &b, `SELECT * FROM builds WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get build: %w", err)
	}
	return &b, nil
}

// ListPendingBuilds returns all pending builds ordered by submission time,
// for rebuilding the Queue Manager on startup.
func (s *Store) ListPendingBuilds(ctx context.Context) ([]types.Build, error) {
	var builds []types.Build
	err := s.db.SelectContext(ctx, &builds,
		`SELECT * FROM builds WHERE status = $1 ORDER BY submitted_at ASC`,
		types.BuildStatusPending)
	if err != nil {
		return nil, fmt.Errorf("list pending builds: %w", err)
	}
	return builds, nil
}

// NextPendingForUpdate locks and returns the oldest pending build within
// tx, skipping rows already locked by a concurrent caller. Returns nil, nil
// if there is no pending work. Must be called inside a transaction begun
// by the caller (see pkg/assignment).
func (s *Store) NextPendingForUpdate(ctx context.Context, tx *sql.Tx) (*types.Build, error) {
	const q = `
		SELECT * FROM builds
		WHERE status = $1
		ORDER BY submitted_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`
	rows, err := tx.QueryContext(ctx, q, types.BuildStatusPending)
	if err != nil {
		return nil, fmt.Errorf("select next pending build: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, nil
	}

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}

	var b types.Build
	dest := buildScanTargets(&b, cols)
	if err := rows.Scan(dest...); err != nil {
		return nil, fmt.Errorf("scan next pending build: %w", err)
	}
	return &b, rows.Err()
}

// buildScanTargets maps column names to addressable fields of b, in the
// order rows.Columns() returned them. *sql.Tx doesn't give us sqlx's
// StructScan, so the raw-Tx path (needed for SKIP LOCKED, which sqlx has no
// native helper for) scans by hand.
func buildScanTargets(b *types.Build, cols []string) []any {
	byName := map[string]any{
		"id":                &b.ID,
		"platform":          &b.Platform,
		"status":            &b.Status,
		"worker_id":         &b.WorkerID,
		"source_path":       &b.SourcePath,
		"certs_path":        &b.CertsPath,
		"result_path":       &b.ResultPath,
		"error_message":     &b.ErrorMessage,
		"access_token":      &b.AccessToken,
		"last_heartbeat_at": &b.LastHeartbeatAt,
		"submitted_at":      &b.SubmittedAt,
		"updated_at":        &b.UpdatedAt,
	}
	dest := make([]any, len(cols))
	for i, c := range cols {
		dest[i] = byName[c]
	}
	return dest
}

// AssignBuild transitions a build to assigned and binds it to workerID,
// within the caller's transaction. Returns ctlerr.KindConflict if the build
// is no longer pending (lost the race, or was cancelled concurrently).
func (s *Store) AssignBuild(ctx context.Context, tx *sql.Tx, buildID, workerID string) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE builds
		SET status = $1, worker_id = $2, updated_at = now(), last_heartbeat_at = now()
		WHERE id = $3 AND status = $4
	`, types.BuildStatusAssigned, workerID, buildID, types.BuildStatusPending)
	if err != nil {
		return fmt.Errorf("assign build: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("assign build rows affected: %w", err)
	}
	if n == 0 {
		return ctlerr.New(ctlerr.KindConflict, "build no longer pending")
	}
	return nil
}

// Heartbeat touches last_heartbeat_at and, if the build is still assigned,
// transitions it to building.
func (s *Store) Heartbeat(ctx context.Context, buildID string) error {
	ctx, cancel := context.WithTimeout(ctx, txTimeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin heartbeat tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE builds
		SET last_heartbeat_at = now(),
		    status = CASE WHEN status = $1 THEN $2 ELSE status END,
		    updated_at = now()
		WHERE id = $3
	`, types.BuildStatusAssigned, types.BuildStatusBuilding, buildID); err != nil {
		return fmt.Errorf("heartbeat build: %w", err)
	}
	return tx.Commit()
}

// CompleteBuild transitions a build to completed with its result path.
func (s *Store) CompleteBuild(ctx context.Context, buildID, resultPath string) error {
	ctx, cancel := context.WithTimeout(ctx, txTimeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin complete-build tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE builds SET status = $1, result_path = $2, updated_at = now()
		WHERE id = $3
	`, types.BuildStatusCompleted, resultPath, buildID); err != nil {
		return fmt.Errorf("complete build: %w", err)
	}
	return tx.Commit()
}

// FailBuild transitions a build to failed with a descriptive message.
func (s *Store) FailBuild(ctx context.Context, buildID, message string) error {
	ctx, cancel := context.WithTimeout(ctx, txTimeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin fail-build tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE builds SET status = $1, error_message = $2, updated_at = now()
		WHERE id = $3
	`, types.BuildStatusFailed, message, buildID); err != nil {
		return fmt.Errorf("fail build: %w", err)
	}
	return tx.Commit()
}

// CompleteBuildForWorker completes a build and returns its worker to idle,
// incrementing builds_completed, in one transaction.
func (s *Store) CompleteBuildForWorker(ctx context.Context, buildID, workerID, resultPath string) error {
	ctx, cancel := context.WithTimeout(ctx, txTimeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin complete-build tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE builds SET status = $1, result_path = $2, updated_at = now()
		WHERE id = $3
	`, types.BuildStatusCompleted, resultPath, buildID); err != nil {
		return fmt.Errorf("complete build: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE workers SET status = $1, builds_completed = builds_completed + 1, last_seen_at = now()
		WHERE id = $2
	`, types.WorkerStatusIdle, workerID); err != nil {
		return fmt.Errorf("free worker after completion: %w", err)
	}
	return tx.Commit()
}

// FailBuildForWorker fails a build and returns its worker to idle,
// incrementing builds_failed, in one transaction.
func (s *Store) FailBuildForWorker(ctx context.Context, buildID, workerID, message string) error {
	ctx, cancel := context.WithTimeout(ctx, txTimeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin fail-build tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE builds SET status = $1, error_message = $2, updated_at = now()
		WHERE id = $3
	`, types.BuildStatusFailed, message, buildID); err != nil {
		return fmt.Errorf("fail build: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE workers SET status = $1, builds_failed = builds_failed + 1, last_seen_at = now()
		WHERE id = $2
	`, types.WorkerStatusIdle, workerID); err != nil {
		return fmt.Errorf("free worker after failure: %w", err)
	}
	return tx.Commit()
}

// CancelBuild transitions a non-terminal build to cancelled. Idempotent:
// calling it on an already-cancelled build is a no-op success.
func (s *Store) CancelBuild(ctx context.Context, buildID string) error {
	ctx, cancel := context.WithTimeout(ctx, txTimeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin cancel-build tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE builds SET status = $1, updated_at = now()
		WHERE id = $2 AND status NOT IN ($3, $4, $5)
	`, types.BuildStatusCancelled, buildID,
		types.BuildStatusCompleted, types.BuildStatusFailed, types.BuildStatusCancelled); err != nil {
		return fmt.Errorf("cancel build: %w", err)
	}
	return tx.Commit()
}

// MarkStuckBuildsAsFailed fails any assigned/building build whose
// last_heartbeat_at predates now()-timeout and returns each owning worker
// to idle with builds_failed incremented, all in one transaction. It
// returns the builds it changed so the caller can log and publish events.
func (s *Store) MarkStuckBuildsAsFailed(ctx context.Context, timeout time.Duration) ([]types.Build, error) {
	ctx, cancel := context.WithTimeout(ctx, txTimeout)
	defer cancel()

	var builds []types.Build
	err := s.db.SelectContext(ctx, &builds, `
		SELECT * FROM builds
		WHERE status IN ($1, $2)
		  AND last_heartbeat_at IS NOT NULL
		  AND last_heartbeat_at < now() - $3::interval
	`, types.BuildStatusAssigned, types.BuildStatusBuilding, fmt.Sprintf("%d seconds", int(timeout.Seconds())))
	if err != nil {
		return nil, fmt.Errorf("select stuck builds: %w", err)
	}
	if len(builds) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin stuck-build tx: %w", err)
	}
	defer tx.Rollback()

	for _, b := range builds {
		if _, err := tx.ExecContext(ctx, `
			UPDATE builds SET status = $1, error_message = $2, updated_at = now()
			WHERE id = $3
		`, types.BuildStatusFailed, "heartbeat timeout", b.ID); err != nil {
			return nil, fmt.Errorf("fail stuck build %s: %w", b.ID, err)
		}
		if b.WorkerID != nil {
			if _, err := tx.ExecContext(ctx, `
				UPDATE workers SET status = $1, builds_failed = builds_failed + 1
				WHERE id = $2
			`, types.WorkerStatusIdle, *b.WorkerID); err != nil {
				return nil, fmt.Errorf("free worker for stuck build %s: %w", b.ID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit stuck-build tx: %w", err)
	}
	return builds, nil
}

// AppendLogs inserts a batch of log lines in a single transaction — the
// bulk write path every lifecycle transition uses to record build output,
// so a multi-line batch commits once instead of once per line.
// A nil or empty batch is a no-op.
func (s *Store) AppendLogs(ctx context.Context, entries []types.BuildLog) error {
	if len(entries) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, bulkTxTimeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append-logs tx: %w", err)
	}
	defer tx.Rollback()

	const q = `
		INSERT INTO build_logs (build_id, level, message, timestamp)
		VALUES (:build_id, :level, :message, now())
	`
	for i := range entries {
		if _, err := tx.NamedExecContext(ctx, q, &entries[i]); err != nil {
			return fmt.Errorf("append log for build %s: %w", entries[i].BuildID, err)
		}
	}
	return tx.Commit()
}

// GetLogs returns logs for a build with seq strictly greater than since,
// in append order.
func (s *Store) GetLogs(ctx context.Context, buildID string, since int64) ([]types.BuildLog, error) {
	var logs []types.BuildLog
	err := s.db.SelectContext(ctx, &logs, `
		SELECT * FROM build_logs WHERE build_id = $1 AND seq > $2 ORDER BY seq ASC
	`, buildID, since)
	if err != nil {
		return nil, fmt.Errorf("get logs: %w", err)
	}
	return logs, nil
}
