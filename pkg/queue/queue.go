// Package queue implements the controller's Queue Manager (C4): a
// single-writer, in-memory ordered list of pending build IDs, derived from
// and always reconcilable against the Store.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kestrelci/controller/pkg/assignment"
	"github.com/kestrelci/controller/pkg/ctlerr"
	"github.com/kestrelci/controller/pkg/events"
	"github.com/kestrelci/controller/pkg/log"
	"github.com/kestrelci/controller/pkg/metrics"
	"github.com/kestrelci/controller/pkg/types"
)

// Store is the subset of the persistence layer the queue needs to
// reconcile its startup state and to fail builds it permanently drops.
type Store interface {
	ListPendingBuilds(ctx context.Context) ([]types.Build, error)
	FailBuild(ctx context.Context, buildID, message string) error
}

// Assigner is the Assignment Service the queue delegates dequeue requests
// to. Satisfied by *assignment.Service.
type Assigner interface {
	Assign(ctx context.Context, workerID string) (*types.Build, error)
}

// Stats is a point-in-time snapshot of queue depth.
type Stats struct {
	Pending   int       `json:"pending"`
	Timestamp time.Time `json:"timestamp"`
}

// Queue owns the ordered list of pending build IDs. All mutations serialize
// through a mutex; Stats reads take the same lock but never block on I/O
// while holding it — the mutex guards only the in-memory slice.
type Queue struct {
	store    Store
	assigner Assigner
	broker   *events.Broker
	logger   zerolog.Logger

	mu      sync.Mutex
	pending []string
}

// New constructs a Queue. Call Reconcile before serving traffic to
// populate it from the Store.
func New(store Store, assigner Assigner, broker *events.Broker) *Queue {
	return &Queue{
		store:    store,
		assigner: assigner,
		broker:   broker,
		logger:   log.WithComponent("queue"),
	}
}

// Reconcile rebuilds the pending list from the Store's pending rows in
// submission order. Called once at startup — the Store is authoritative,
// the Queue is a cache that is never itself persisted.
func (q *Queue) Reconcile(ctx context.Context) error {
	builds, err := q.store.ListPendingBuilds(ctx)
	if err != nil {
		return fmt.Errorf("reconcile queue from store: %w", err)
	}

	ids := make([]string, len(builds))
	for i, b := range builds {
		ids[i] = b.ID
	}

	q.mu.Lock()
	q.pending = ids
	q.mu.Unlock()

	q.logger.Info().Int("pending", len(ids)).Msg("queue reconciled from store")
	metrics.QueueDepth.Set(float64(len(ids)))
	return nil
}

// Enqueue appends a build ID to the tail of the pending list and
// broadcasts queue.updated.
func (q *Queue) Enqueue(buildID string) {
	q.mu.Lock()
	q.pending = append(q.pending, buildID)
	depth := len(q.pending)
	q.mu.Unlock()

	metrics.QueueDepth.Set(float64(depth))
	metrics.QueueEnqueueTotal.Inc()
	q.publish(&events.Event{Type: events.EventBuildEnqueued, BuildID: buildID, Message: "build enqueued"})
	q.publish(&events.Event{Type: events.EventQueueUpdated, Message: fmt.Sprintf("pending=%d", depth)})
}

// DequeueForWorker hands the head of the queue to the Assignment Service.
// The head is only removed from the in-memory list once the Assignment
// Service confirms the transition — a transient failure (worker busy,
// worker offline, worker not found) leaves the build at its current queue
// position for a future poll; a permanent failure (build no longer
// pending, build row vanished) fails the build in the Store and drops it
// from the queue. The queue never silently discards a build: every
// removal lands either in assigned or in failed in the Store.
func (q *Queue) DequeueForWorker(ctx context.Context, workerID string) (*types.Build, error) {
	q.mu.Lock()
	if len(q.pending) == 0 {
		q.mu.Unlock()
		return nil, nil
	}
	buildID := q.pending[0]
	q.mu.Unlock()

	build, err := q.assigner.Assign(ctx, workerID)
	if err != nil {
		metrics.AssignmentAttemptsTotal.WithLabelValues("error").Inc()
		return nil, q.handleAssignError(ctx, buildID, err)
	}
	if build == nil {
		// No pending work visible to the assignment transaction — this can
		// race slightly ahead of or behind our in-memory view; leave the
		// queue as-is, the next poll will retry.
		metrics.AssignmentAttemptsTotal.WithLabelValues("no_work").Inc()
		return nil, nil
	}

	q.removeFromHead(build.ID)
	metrics.AssignmentAttemptsTotal.WithLabelValues("assigned").Inc()
	q.publish(&events.Event{
		Type:     events.EventBuildAssigned,
		BuildID:  build.ID,
		WorkerID: workerID,
		Message:  "build assigned to worker",
	})
	return build, nil
}

func (q *Queue) handleAssignError(ctx context.Context, buildID string, err error) error {
	kind := ctlerr.KindOf(err)
	if kind.Transient() {
		q.logger.Debug().Str("build_id", buildID).Err(err).Msg("assignment transient failure, retaining queue position")
		return err
	}

	q.logger.Warn().Str("build_id", buildID).Err(err).Msg("assignment permanent failure, failing build and dropping from queue")
	if failErr := q.store.FailBuild(ctx, buildID, fmt.Sprintf("assignment failed: %v", err)); failErr != nil {
		q.logger.Error().Str("build_id", buildID).Err(failErr).Msg("failed to mark build failed after permanent assignment error")
	}
	q.removeFromHead(buildID)
	q.publish(&events.Event{Type: events.EventBuildFailed, BuildID: buildID, Message: err.Error()})
	return err
}

// removeFromHead drops buildID from the front of the pending list if it is
// still there. Assignment always targets the queue's current head, so this
// is the common case; it falls back to a linear scan to stay correct if
// the list was mutated between the head read and the assignment call.
func (q *Queue) removeFromHead(buildID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removeLocked(buildID)
}

// removeLocked drops buildID from the pending list wherever it sits. Callers
// must hold q.mu.
func (q *Queue) removeLocked(buildID string) {
	if len(q.pending) > 0 && q.pending[0] == buildID {
		q.pending = q.pending[1:]
	} else {
		for i, id := range q.pending {
			if id == buildID {
				q.pending = append(q.pending[:i], q.pending[i+1:]...)
				break
			}
		}
	}
	metrics.QueueDepth.Set(float64(len(q.pending)))
}

// Cancel drops buildID from the pending list without touching the Store —
// the caller (handleBuildCancel) has already transitioned the Store's row
// to cancelled; Cancel only keeps the Queue's in-memory view in sync so the
// §8 invariant (Queue's pending IDs == Store's pending IDs) isn't
// permanently broken by a build that left pending via cancellation instead
// of assignment. A build not in the pending list (already assigned, or
// never enqueued) is a silent no-op.
func (q *Queue) Cancel(buildID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removeLocked(buildID)
}

// Stats returns a snapshot of the current pending depth.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	depth := len(q.pending)
	q.mu.Unlock()
	return Stats{Pending: depth, Timestamp: time.Now()}
}

func (q *Queue) publish(e *events.Event) {
	if q.broker != nil {
		q.broker.Publish(e)
	}
}

var _ Assigner = (*assignment.Service)(nil)
