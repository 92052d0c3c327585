// Package heartbeat implements the Heartbeat Monitor: a periodic sweep that
// reaps builds and workers that have stopped reporting in.
package heartbeat

import (
	"context"
	"time"

	"github.com/kestrelci/controller/pkg/events"
	"github.com/kestrelci/controller/pkg/log"
	"github.com/kestrelci/controller/pkg/metrics"
	"github.com/kestrelci/controller/pkg/types"
	"github.com/rs/zerolog"
)

// Store is the subset of the persistence layer the monitor sweeps against.
type Store interface {
	// MarkStuckBuildsAsFailed fails any assigned/building build whose
	// last_heartbeat_at is older than timeout, returning the builds it
	// changed.
	MarkStuckBuildsAsFailed(ctx context.Context, timeout time.Duration) ([]types.Build, error)
	// MarkWorkersOfflineIfStale marks idle/building workers offline when
	// their last_seen_at exceeds timeout, returning the workers it changed.
	MarkWorkersOfflineIfStale(ctx context.Context, timeout time.Duration) ([]types.Worker, error)
	// AppendLogs records build_logs lines in a single bulk transaction.
	AppendLogs(ctx context.Context, entries []types.BuildLog) error
}

// Config controls the monitor's sweep cadence and reap thresholds.
type Config struct {
	MonitorInterval      time.Duration
	BuildTimeout         time.Duration
	WorkerOfflineTimeout time.Duration
}

// Monitor runs the periodic reaper described by the Heartbeat Monitor.
type Monitor struct {
	store  Store
	broker *events.Broker
	cfg    Config
	logger zerolog.Logger
	stopCh chan struct{}
}

// New constructs a Monitor. broker may be nil if lifecycle events are not
// needed (e.g. in tests).
func New(store Store, broker *events.Broker, cfg Config) *Monitor {
	return &Monitor{
		store:  store,
		broker: broker,
		cfg:    cfg,
		logger: log.WithComponent("heartbeat"),
		stopCh: make(chan struct{}),
	}
}

// Start begins the sweep loop.
func (m *Monitor) Start() {
	go m.run()
}

// Stop stops the monitor.
func (m *Monitor) Stop() {
	close(m.stopCh)
}

func (m *Monitor) run() {
	ticker := time.NewTicker(m.cfg.MonitorInterval)
	defer ticker.Stop()

	m.logger.Info().Dur("interval", m.cfg.MonitorInterval).Msg("heartbeat monitor started")

	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stopCh:
			m.logger.Info().Msg("heartbeat monitor stopped")
			return
		}
	}
}

// sweep runs one monitor tick. It never returns an error: each step is
// independently guarded so a failure in one does not skip the other, and
// neither can crash the process.
func (m *Monitor) sweep() {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.MonitorSweepDuration)
		metrics.MonitorSweepsTotal.Inc()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stuck := m.markStuckBuilds(ctx)
	offline := m.markOfflineWorkers(ctx)

	m.logger.Info().
		Int("builds_marked_stuck", stuck).
		Int("workers_marked_offline", offline).
		Msg("heartbeat sweep complete")
}

func (m *Monitor) markStuckBuilds(ctx context.Context) int {
	builds, err := m.store.MarkStuckBuildsAsFailed(ctx, m.cfg.BuildTimeout)
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to mark stuck builds as failed")
		return 0
	}

	entries := make([]types.BuildLog, 0, len(builds))
	for _, b := range builds {
		metrics.BuildsMarkedStuckTotal.Inc()
		log.WithBuildID(b.ID).Warn().
			Str("platform", string(b.Platform)).
			Msg("build marked failed: heartbeat timeout")

		entries = append(entries, types.BuildLog{
			BuildID: b.ID,
			Level:   types.LogLevelError,
			Message: "heartbeat timeout",
		})

		if m.broker != nil {
			m.broker.Publish(&events.Event{
				Type:    events.EventBuildFailed,
				BuildID: b.ID,
				Message: "heartbeat timeout",
			})
		}
	}
	if err := m.store.AppendLogs(ctx, entries); err != nil {
		m.logger.Warn().Err(err).Msg("append stuck-build logs failed")
	}
	return len(builds)
}

func (m *Monitor) markOfflineWorkers(ctx context.Context) int {
	workers, err := m.store.MarkWorkersOfflineIfStale(ctx, m.cfg.WorkerOfflineTimeout)
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to mark workers offline")
		return 0
	}

	for _, w := range workers {
		metrics.WorkersMarkedOfflineTotal.Inc()
		log.WithWorkerID(w.ID).Warn().
			Str("worker_name", w.Name).
			Msg("worker marked offline: heartbeat timeout")

		if m.broker != nil {
			m.broker.Publish(&events.Event{
				Type:     events.EventWorkerOffline,
				WorkerID: w.ID,
				Message:  "heartbeat timeout",
			})
		}
	}
	return len(workers)
}
