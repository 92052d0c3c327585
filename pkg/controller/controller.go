// Package controller wires the controller's components — Store, Artifact
// Storage, Auth Gate, Queue Manager, Assignment Service, Heartbeat Monitor,
// and HTTP Surface — into a single running process.
package controller

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/kestrelci/controller/pkg/artifact"
	"github.com/kestrelci/controller/pkg/assignment"
	"github.com/kestrelci/controller/pkg/auth"
	"github.com/kestrelci/controller/pkg/config"
	"github.com/kestrelci/controller/pkg/events"
	"github.com/kestrelci/controller/pkg/heartbeat"
	"github.com/kestrelci/controller/pkg/httpapi"
	"github.com/kestrelci/controller/pkg/log"
	"github.com/kestrelci/controller/pkg/metrics"
	"github.com/kestrelci/controller/pkg/queue"
	"github.com/kestrelci/controller/pkg/store"
)

var (
	_ httpapi.Store     = (*store.Store)(nil)
	_ httpapi.Artifacts = (*artifact.Storage)(nil)
	_ httpapi.Queue     = (*queue.Queue)(nil)
)

// ErrBind reports that Start failed while binding the HTTP listener,
// distinct from the store/queue failures Start can also return — main.go
// uses it to choose the process's exit code.
type ErrBind struct{ Err error }

func (e *ErrBind) Error() string { return fmt.Sprintf("bind http listener: %v", e.Err) }
func (e *ErrBind) Unwrap() error { return e.Err }

// Controller owns the controller's full component graph for one process
// lifetime: a store connection, artifact storage root, event broker, queue
// manager, heartbeat monitor, and HTTP server.
type Controller struct {
	cfg *config.Config

	store      *store.Store
	artifacts  *artifact.Storage
	broker     *events.Broker
	queue      *queue.Queue
	assignment *assignment.Service
	heartbeat  *heartbeat.Monitor
	authn      *auth.Authenticator
	httpServer *http.Server
	logger     zerolog.Logger
}

// New constructs a Controller from cfg: opens the store, runs migrations,
// prepares artifact storage, and wires every component together. It does
// not start listening or sweeping — call Start for that.
func New(ctx context.Context, cfg *config.Config) (*Controller, error) {
	logger := log.WithComponent("controller")

	metrics.RegisterComponent("store", false, "connecting")
	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	metrics.UpdateComponent("store", true, "")

	artifacts, err := artifact.New(cfg.StoragePath)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("open artifact storage: %w", err)
	}

	broker := events.NewBroker()
	broker.Start()

	assignmentSvc := assignment.New(st)

	q := queue.New(st, assignmentSvc, broker)
	metrics.RegisterComponent("queue", false, "not yet reconciled")

	monitor := heartbeat.New(st, broker, heartbeat.Config{
		MonitorInterval:      cfg.MonitorInterval,
		BuildTimeout:         cfg.BuildTimeout,
		WorkerOfflineTimeout: cfg.WorkerOfflineTimeout,
	})
	metrics.RegisterComponent("heartbeat", false, "not started")

	authn := auth.New(cfg.APIKey, st, st, time.Now)

	handler := httpapi.New(st, artifacts, authn, q, broker, httpapi.Limits{
		MaxSourceSize:  cfg.MaxSourceSize,
		MaxCertsSize:   cfg.MaxCertsSize,
		MaxResultSize:  cfg.MaxResultSize,
		WorkerTokenTTL: cfg.WorkerTokenTTL,
	})

	c := &Controller{
		cfg:        cfg,
		store:      st,
		artifacts:  artifacts,
		broker:     broker,
		queue:      q,
		assignment: assignmentSvc,
		heartbeat:  monitor,
		authn:      authn,
		logger:     logger,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 0, // artifact streaming can run long; capped by size, not wall clock
			IdleTimeout:  120 * time.Second,
		},
	}

	return c, nil
}

// Start reconciles the queue from the store's pending builds, starts the
// heartbeat monitor's sweep loop, and begins serving HTTP. It returns once
// the listener is bound; ListenAndServe itself runs in a goroutine and any
// error it hits after that point is logged, not returned.
func (c *Controller) Start(ctx context.Context) error {
	if err := c.queue.Reconcile(ctx); err != nil {
		return fmt.Errorf("reconcile queue from store: %w", err)
	}
	metrics.UpdateComponent("queue", true, "")

	c.heartbeat.Start()
	metrics.UpdateComponent("heartbeat", true, "")

	ln, err := net.Listen("tcp", c.httpServer.Addr)
	if err != nil {
		return &ErrBind{Err: err}
	}

	go func() {
		c.logger.Info().Str("addr", c.httpServer.Addr).Msg("http surface listening")
		if err := c.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			c.logger.Error().Err(err).Msg("http server stopped unexpectedly")
		}
	}()

	return nil
}

// Shutdown tears the controller down in dependency order: stop accepting
// HTTP requests first (so no new work starts), stop the heartbeat sweep,
// stop the event broker, and finally close the store connection pool.
func (c *Controller) Shutdown(ctx context.Context) error {
	if err := c.httpServer.Shutdown(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("http server shutdown did not complete cleanly")
	}

	c.heartbeat.Stop()
	c.broker.Stop()

	if err := c.store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}

	return nil
}

// Addr returns the HTTP listener's configured address, for tests and logs.
func (c *Controller) Addr() string {
	return c.httpServer.Addr
}
