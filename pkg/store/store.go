// Package store implements the controller's persistence layer: builds,
// workers, and build logs in Postgres, accessed through sqlx over the pgx
// driver. The Assignment Service's hot path (NextPendingForUpdate) is the
// one query in this package that must run inside a transaction using
// SELECT ... FOR UPDATE SKIP LOCKED — everything else is ordinary CRUD.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver

	"github.com/kestrelci/controller/pkg/log"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Store wraps the controller's Postgres connection pool.
type Store struct {
	db     *sqlx.DB
	logger zerolog.Logger
}

// Open connects to Postgres at dsn and verifies connectivity.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping store: %w", err)
	}

	return &Store{db: db, logger: log.WithComponent("store")}, nil
}

// Migrate applies all pending goose migrations.
func (s *Store) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrationFiles)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, s.db.DB, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying *sql.DB so pkg/assignment can begin the
// transaction that NextPendingForUpdate and AssignBuild run inside.
func (s *Store) DB() *sql.DB {
	return s.db.DB
}

// Ping reports whether the store is currently reachable, for readiness
// checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
