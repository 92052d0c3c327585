/*
Package queue implements the controller's Queue Manager (C4): a
single-writer, in-memory ordered list of pending build IDs that is always
reconcilable against the Store and never itself the source of truth.

# Operations

Enqueue appends a build ID and broadcasts queue.updated.

DequeueForWorker hands the queue head to the Assignment Service and
commits the removal in memory only once the Assignment Service confirms
the transition. On a transient failure (worker busy, worker offline,
worker not found) the build stays at its queue position for a future
poll. On a permanent failure (the build is no longer pending, or its row
is gone) the build is marked failed in the Store and removed from the
queue — it is never silently dropped.

Stats returns a snapshot of current depth, read under the same mutex
that serializes mutations.

# Startup

Reconcile populates the queue from the Store's pending rows in
submission order. The controller calls this once before serving traffic;
builds that were assigned or building at the last crash are not
requeued, per the Heartbeat Monitor's recovery contract.
*/
package queue
