/*
Package events provides an in-memory event broker for broadcasting build
and worker lifecycle events to interested subscribers.

The Queue Manager, the Heartbeat Monitor, and the HTTP surface publish
events as builds move through their lifecycle (enqueued, assigned,
completed, failed, cancelled) and as workers register or go offline.
Subscribers attach with Subscribe and consume these events without
coupling back to the publisher; no component of the controller itself
subscribes.

# Core Components

Broker:
  - Central in-memory message bus
  - Buffered publish channel (capacity 100); Publish waits only while it
    is full, until space frees or Stop is called
  - Fan-out broadcast to all subscribers
  - Graceful shutdown via Stop()

Event:
  - ID: unique event identifier
  - Type: one of the EventType constants below
  - Timestamp: set by Publish if zero
  - BuildID / WorkerID: subject of the event, when applicable
  - Message: human-readable description
  - Metadata: additional key-value context

Subscriber:
  - Channel receiving *Event, buffered to 50
  - Created via Broker.Subscribe(), closed via Broker.Unsubscribe()

# Event Types

Build events: build.enqueued, build.assigned, build.completed,
build.failed, build.cancelled.

Worker events: worker.registered, worker.offline.

Queue events: queue.updated, published by Enqueue with the new pending
queue depth.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for event := range sub {
			fmt.Printf("%s: %s\n", event.Type, event.Message)
		}
	}()

	broker.Publish(&events.Event{
		Type:    events.EventBuildAssigned,
		BuildID: build.ID,
		WorkerID: worker.ID,
		Message: "build assigned to worker",
	})

# Delivery Semantics

Publish never blocks on a subscriber: a subscriber with a full buffer
skips the event rather than stall the broadcast loop. Delivery is best
effort, not guaranteed — callers that need durability persist state via
pkg/store instead of relying on an event reaching a subscriber.

# Integration Points

  - pkg/queue publishes build.enqueued and queue.updated (Enqueue),
    build.assigned (DequeueForWorker), and build.failed (permanent
    assignment failure).
  - pkg/heartbeat publishes build.failed (stuck builds) and
    worker.offline.
  - pkg/httpapi publishes worker.registered, build.completed,
    build.failed, and build.cancelled from the corresponding handlers,
    and worker.offline (plus build.failed for an in-flight build) from
    the evict handler. It does not stream events to clients.
*/
package events
