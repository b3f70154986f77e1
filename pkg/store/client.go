// Package store is the Run Persistence Layer: repositories for runs,
// task-graph snapshots, attempts, and channel-neutral sessions/messages,
// backed by PostgreSQL. The migrations also create tables for diff
// approvals and tool/budget audit trails, which no repository here reads
// or writes. Grounded on the teacher's pkg/database/client.go (pgx pool +
// golang-migrate with embedded migrations) stripped of its ent dependency
// (see DESIGN.md's dropped-dependency note), and
// jordigilh-kubernaut's NotificationAuditRepository for the
// hand-rolled-SQL repository shape (INSERT ... RETURNING, explicit struct
// scanning, no ORM).
package store

import (
	"context"
	stdsql "database/sql"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver

	"github.com/maratos-ai/orchestrator/pkg/config"
)

//go:embed migrations
var migrationsFS embed.FS

// Client wraps a pgx connection pool. Every repository in this package
// takes a *Client rather than opening its own connection, matching the
// teacher's single-shared-pool convention.
type Client struct {
	Pool *pgxpool.Pool
}

// NewClient opens a pooled connection, applies any pending embedded
// migrations through a short-lived database/sql handle (migrations need
// database/sql's driver registry, the pool below does not), and returns
// the pool for regular query use — mirroring database.NewClient's
// connect-then-migrate sequencing with the ent wrapping dropped.
func NewClient(ctx context.Context, cfg config.DatabaseConfig) (*Client, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s pool_max_conns=%d",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode, cfg.MaxOpenConns,
	)

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	if err := runMigrations(dsn); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return &Client{Pool: pool}, nil
}

// runMigrations applies every pending embedded migration, following the
// teacher's migrations.go exactly: a throwaway database/sql connection
// driving golang-migrate's postgres driver, closed once migrations apply.
func runMigrations(dsn string) error {
	db, err := stdsql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("postgres driver: %w", err)
	}
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	defer sourceDriver.Close()

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "orchestrator", driver)
	if err != nil {
		return fmt.Errorf("migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (c *Client) Close() {
	c.Pool.Close()
}
