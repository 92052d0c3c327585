// Package assignment implements the controller's Assignment Service (C5):
// the atomic transactional hot path that binds one pending build to one
// polling worker.
//
// The prior generation of this controller ran the candidate select and the
// write in separate transactions, leaving a race window where two workers
// could observe and claim the same pending row. Assign closes that window
// by running the select (via SELECT ... FOR UPDATE SKIP LOCKED) and both
// writes inside a single transaction, so N concurrent callers contend for
// N distinct rows with no blocking and no double assignment.
package assignment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/kestrelci/controller/pkg/ctlerr"
	"github.com/kestrelci/controller/pkg/log"
	"github.com/kestrelci/controller/pkg/metrics"
	"github.com/kestrelci/controller/pkg/types"
)

// txTimeout bounds the assignment transaction per spec: 5 seconds.
const txTimeout = 5 * time.Second

// concurrencyBudget caps how many builds a single worker may hold at once.
// A worker already building is at its budget and must finish or fail its
// current build before claiming another.
const concurrencyBudget = 1

// Store is the subset of the persistence layer the Assignment Service
// drives its transaction through.
type Store interface {
	DB() *sql.DB
	GetWorker(ctx context.Context, id string) (*types.Worker, error)
	NextPendingForUpdate(ctx context.Context, tx *sql.Tx) (*types.Build, error)
	AssignBuild(ctx context.Context, tx *sql.Tx, buildID, workerID string) error
	AppendLogs(ctx context.Context, entries []types.BuildLog) error
}

// Service implements the assign(worker_id) -> Build | None | Error
// contract.
type Service struct {
	store  Store
	logger zerolog.Logger
}

// New constructs a Service.
func New(store Store) *Service {
	return &Service{store: store, logger: log.WithComponent("assignment")}
}

// Assign attempts to bind the oldest pending build to workerID. It returns
// (nil, nil) when there is no pending work. A non-nil error is always a
// *ctlerr.Error; callers should branch on its Kind.Transient() to decide
// whether to retain or drop the build from the queue.
func (s *Service) Assign(ctx context.Context, workerID string) (*types.Build, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.AssignmentLatency)

	worker, err := s.store.GetWorker(ctx, workerID)
	if err != nil {
		return nil, ctlerr.Wrap(ctlerr.KindInternal, "look up worker", err)
	}
	if worker == nil {
		return nil, ctlerr.New(ctlerr.KindNotFound, "worker not registered")
	}
	if err := checkEligibility(worker); err != nil {
		return nil, err
	}

	txCtx, cancel := context.WithTimeout(ctx, txTimeout)
	defer cancel()

	tx, err := s.store.DB().BeginTx(txCtx, nil)
	if err != nil {
		return nil, ctlerr.Wrap(ctlerr.KindInternal, "begin assignment transaction", err)
	}
	defer tx.Rollback()

	build, err := s.store.NextPendingForUpdate(txCtx, tx)
	if err != nil {
		return nil, ctlerr.Wrap(ctlerr.KindInternal, "select next pending build", err)
	}
	if build == nil {
		return nil, nil
	}

	if err := s.store.AssignBuild(txCtx, tx, build.ID, workerID); err != nil {
		return nil, asAssignmentError(err)
	}

	if _, err := tx.ExecContext(txCtx, `
		UPDATE workers SET status = $1, last_seen_at = now() WHERE id = $2
	`, types.WorkerStatusBuilding, workerID); err != nil {
		return nil, ctlerr.Wrap(ctlerr.KindInternal, "update worker status", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, ctlerr.Wrap(ctlerr.KindInternal, "commit assignment transaction", err)
	}

	build.Status = types.BuildStatusAssigned
	build.WorkerID = &workerID

	logErr := s.store.AppendLogs(ctx, []types.BuildLog{{
		BuildID: build.ID,
		Level:   types.LogLevelInfo,
		Message: fmt.Sprintf("assigned to worker %s", workerID),
	}})
	if logErr != nil {
		s.logger.Warn().Str("build_id", build.ID).Err(logErr).Msg("append build log failed")
	}

	log.WithBuildID(build.ID).Info().
		Str("worker_id", workerID).
		Msg("build assigned")

	return build, nil
}

// checkEligibility decides whether worker may claim another build, per
// step 1 of the contract: idle workers are always eligible; a worker
// already building is at its concurrency budget (default 1) and is
// rejected rather than double-booked; an offline worker cannot be
// assigned at all. Factored out from Assign so it can be unit tested
// without a database.
func checkEligibility(worker *types.Worker) error {
	switch worker.Status {
	case types.WorkerStatusIdle:
		return nil
	case types.WorkerStatusBuilding:
		if concurrencyBudget > 1 {
			return nil
		}
		return ctlerr.New(ctlerr.KindWorkerBusy, "worker already at concurrency budget")
	case types.WorkerStatusOffline:
		return ctlerr.New(ctlerr.KindWorkerOffline, "worker is offline")
	default:
		return ctlerr.New(ctlerr.KindWorkerBusy, "worker not eligible to claim work")
	}
}

// asAssignmentError normalizes a Store error into a *ctlerr.Error,
// preserving its Kind when it already is one.
func asAssignmentError(err error) error {
	var ce *ctlerr.Error
	if errors.As(err, &ce) {
		return ce
	}
	return ctlerr.Wrap(ctlerr.KindInternal, fmt.Sprintf("assign build: %v", err), err)
}
