package heartbeat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kestrelci/controller/pkg/events"
	"github.com/kestrelci/controller/pkg/types"
)

type fakeStore struct {
	stuckBuilds    []types.Build
	stuckErr       error
	offlineWorkers []types.Worker
	offlineErr     error
	loggedEntries  []types.BuildLog
}

func (f *fakeStore) MarkStuckBuildsAsFailed(ctx context.Context, timeout time.Duration) ([]types.Build, error) {
	return f.stuckBuilds, f.stuckErr
}

func (f *fakeStore) MarkWorkersOfflineIfStale(ctx context.Context, timeout time.Duration) ([]types.Worker, error) {
	return f.offlineWorkers, f.offlineErr
}

func (f *fakeStore) AppendLogs(ctx context.Context, entries []types.BuildLog) error {
	f.loggedEntries = append(f.loggedEntries, entries...)
	return nil
}

func TestSweep_MarksStuckBuildsAndPublishesEvents(t *testing.T) {
	store := &fakeStore{
		stuckBuilds: []types.Build{{ID: "build-1", Platform: types.PlatformIOS}},
	}
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	m := New(store, broker, Config{BuildTimeout: 300 * time.Second})
	m.sweep()

	select {
	case evt := <-sub:
		if evt.Type != events.EventBuildFailed {
			t.Errorf("event type = %v, want build.failed", evt.Type)
		}
		if evt.BuildID != "build-1" {
			t.Errorf("event build id = %q, want build-1", evt.BuildID)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a build.failed event")
	}
}

func TestSweep_MarksStuckBuildsAppendsLogEntry(t *testing.T) {
	store := &fakeStore{
		stuckBuilds: []types.Build{{ID: "build-1", Platform: types.PlatformIOS}},
	}
	m := New(store, nil, Config{BuildTimeout: 300 * time.Second})
	m.sweep()

	if len(store.loggedEntries) != 1 {
		t.Fatalf("loggedEntries = %d, want 1", len(store.loggedEntries))
	}
	if store.loggedEntries[0].BuildID != "build-1" {
		t.Errorf("logged build id = %q, want build-1", store.loggedEntries[0].BuildID)
	}
	if store.loggedEntries[0].Level != types.LogLevelError {
		t.Errorf("logged level = %q, want error", store.loggedEntries[0].Level)
	}
}

func TestSweep_MarksOfflineWorkers(t *testing.T) {
	store := &fakeStore{
		offlineWorkers: []types.Worker{{ID: "worker-1", Name: "mac-mini-1"}},
	}
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	m := New(store, broker, Config{WorkerOfflineTimeout: 300 * time.Second})
	m.sweep()

	select {
	case evt := <-sub:
		if evt.Type != events.EventWorkerOffline {
			t.Errorf("event type = %v, want worker.offline", evt.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a worker.offline event")
	}
}

func TestSweep_StoreErrorsDoNotPanic(t *testing.T) {
	store := &fakeStore{
		stuckErr:   errors.New("connection refused"),
		offlineErr: errors.New("connection refused"),
	}
	m := New(store, nil, Config{})

	// Must not panic; a failing sweep step is catch-log-continue.
	m.sweep()
}

func TestSweep_NilBrokerDoesNotPanic(t *testing.T) {
	store := &fakeStore{
		stuckBuilds:    []types.Build{{ID: "build-1"}},
		offlineWorkers: []types.Worker{{ID: "worker-1"}},
	}
	m := New(store, nil, Config{})
	m.sweep()
}

func TestStartStop(t *testing.T) {
	store := &fakeStore{}
	m := New(store, nil, Config{MonitorInterval: 10 * time.Millisecond})
	m.Start()
	time.Sleep(25 * time.Millisecond)
	m.Stop()
}
