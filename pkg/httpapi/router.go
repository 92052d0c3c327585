// Package httpapi implements the controller's HTTP Surface (C7): the
// chi-routed JSON/multipart API that admins, build-token holders, and
// workers call.
package httpapi

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/kestrelci/controller/pkg/auth"
	"github.com/kestrelci/controller/pkg/events"
	"github.com/kestrelci/controller/pkg/log"
	"github.com/kestrelci/controller/pkg/queue"
	"github.com/kestrelci/controller/pkg/store"
	"github.com/kestrelci/controller/pkg/types"
)

// Limits carries the per-artifact-kind size caps enforced during upload
// streaming.
type Limits struct {
	MaxSourceSize  int64
	MaxCertsSize   int64
	MaxResultSize  int64
	WorkerTokenTTL time.Duration
}

// Store is the subset of pkg/store the HTTP surface drives. Satisfied by
// *store.Store; narrowed to an interface so handlers can be tested against
// a fake without a database.
type Store interface {
	InsertBuild(ctx context.Context, b *types.Build) error
	GetBuild(ctx context.Context, id string) (*types.Build, error)
	GetLogs(ctx context.Context, buildID string, since int64) ([]types.BuildLog, error)
	AppendLogs(ctx context.Context, entries []types.BuildLog) error
	CancelBuild(ctx context.Context, buildID string) error
	Heartbeat(ctx context.Context, buildID string) error
	RegisterWorker(ctx context.Context, w *types.Worker) error
	GetWorker(ctx context.Context, id string) (*types.Worker, error)
	TouchWorkerSeen(ctx context.Context, workerID string) error
	RotateWorkerToken(ctx context.Context, workerID, token string, expiresAt time.Time) error
	CompleteBuildForWorker(ctx context.Context, buildID, workerID, resultPath string) error
	FailBuildForWorker(ctx context.Context, buildID, workerID, message string) error
	EvictWorker(ctx context.Context, workerID, reason string) (string, error)
	GetStats(ctx context.Context) (store.Stats, error)
}

// Artifacts is the subset of pkg/artifact the HTTP surface drives.
type Artifacts interface {
	Put(ctx context.Context, buildID string, kind types.ArtifactKind, r io.Reader, maxBytes int64) (string, error)
	Open(relPath string) (io.ReadCloser, int64, error)
	DeleteBuild(buildID string) error
}

// Queue is the subset of pkg/queue the HTTP surface drives.
type Queue interface {
	Enqueue(buildID string)
	DequeueForWorker(ctx context.Context, workerID string) (*types.Build, error)
	Cancel(buildID string)
	Stats() queue.Stats
}

// Server wires the HTTP surface's dependencies: the Store, Artifact
// Storage, Auth Gate, Queue Manager, event broker, and upload size limits.
type Server struct {
	store     Store
	artifacts Artifacts
	auth      *auth.Authenticator
	queue     Queue
	broker    *events.Broker
	limits    Limits
	logger    zerolog.Logger

	stats *statsCache
}

// New constructs the chi router for the controller's HTTP surface.
func New(st Store, artifacts Artifacts, authenticator *auth.Authenticator, q Queue, broker *events.Broker, limits Limits) http.Handler {
	s := &Server{
		store:     st,
		artifacts: artifacts,
		auth:      authenticator,
		queue:     q,
		broker:    broker,
		limits:    limits,
		logger:    log.WithComponent("httpapi"),
		stats:     newStatsCache(10 * time.Second),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestMetrics)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"X-API-Key", "X-Worker-Id", "X-Build-Token", "X-Build-Id", "Content-Type"},
		MaxAge:           300,
		AllowCredentials: false,
	}))

	mountHealth(r)

	r.Route("/api", func(r chi.Router) {
		r.Route("/builds", func(r chi.Router) {
			r.With(s.requirePrincipal(auth.PrincipalAdmin)).Post("/submit", s.handleSubmitBuild)

			r.Route("/{buildID}", func(r chi.Router) {
				r.With(s.requireBuildReader).Get("/status", s.handleBuildStatus)
				r.With(s.requireBuildReader).Get("/logs", s.handleBuildLogs)
				r.With(s.requireBuildReader).Get("/download", s.handleBuildDownload)
				r.With(s.requireBuildReader).Post("/cancel", s.handleBuildCancel)
				r.With(s.requireBuildOwner).Post("/heartbeat", s.handleBuildHeartbeat)
			})
		})

		r.Route("/workers", func(r chi.Router) {
			r.With(s.requirePrincipal(auth.PrincipalAdmin)).Post("/register", s.handleWorkerRegister)
			r.With(s.requirePrincipal(auth.PrincipalWorker)).Get("/poll", s.handleWorkerPoll)
			r.With(s.requireWorkerOwnsBody).Post("/result", s.handleWorkerResult)
			r.With(s.requireWorkerOwnsBody).Post("/fail", s.handleWorkerFail)
			r.With(s.requirePrincipal(auth.PrincipalAdmin)).Get("/{workerID}", s.handleWorkerGet)
		})

		r.Route("/admin/workers/{workerID}", func(r chi.Router) {
			r.Use(s.requirePrincipal(auth.PrincipalAdmin))
			r.Post("/evict", s.handleWorkerEvict)
		})

		r.Get("/stats", s.handleStats)
	})

	return r
}
