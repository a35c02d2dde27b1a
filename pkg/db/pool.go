// Package db provides the optional PostgreSQL store used for webhook receipts: pooling,
// migrations, database creation and the receipt repository.
package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const logPrefix = "db:pool"

// NewPool creates a new pgx connection pool from the given database URL.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	slog.Info(fmt.Sprintf("%s - Connecting to database", logPrefix))

	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to parse database URL: %w", logPrefix, err)
	}

	// The gateway writes one row per webhook call; a small pool is plenty.
	config.MaxConns = 8
	config.MinConns = 1
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to create pool: %w", logPrefix, err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s - failed to ping database: %w", logPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Database connection established", logPrefix))
	return pool, nil
}

const createMigrationTable = `CREATE TABLE IF NOT EXISTS gateway_migrations (
	name       TEXT PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// AppliedMigrations returns the names of migrations already recorded.
func AppliedMigrations(ctx context.Context, pool *pgxpool.Pool) (map[string]bool, error) {
	if _, err := pool.Exec(ctx, createMigrationTable); err != nil {
		return nil, fmt.Errorf("%s - create migration table: %w", logPrefix, err)
	}
	rows, err := pool.Query(ctx, `SELECT name FROM gateway_migrations`)
	if err != nil {
		return nil, fmt.Errorf("%s - list applied migrations: %w", logPrefix, err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("%s - scan applied migrations: %w", logPrefix, err)
	}
	applied := make(map[string]bool, len(names))
	for _, n := range names {
		applied[n] = true
	}
	return applied, nil
}

// RunMigrations applies pending migrations in order, each in its own transaction.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool, migrations []Migration) error {
	applied, err := AppliedMigrations(ctx, pool)
	if err != nil {
		return err
	}
	pending := Pending(migrations, applied)
	slog.Info(fmt.Sprintf("%s - Running %d of %d migrations", logPrefix, len(pending), len(migrations)))

	for _, m := range pending {
		err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, m.Up); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO gateway_migrations (name) VALUES ($1)`, m.Name)
			return err
		})
		if err != nil {
			return fmt.Errorf("%s - migration %s failed: %w", logPrefix, m.Name, err)
		}
		slog.Info(fmt.Sprintf("%s - Applied %s", logPrefix, m.Name))
	}

	slog.Info(fmt.Sprintf("%s - Migrations complete", logPrefix))
	return nil
}

// MigrationStatus prints applied and pending migrations.
func MigrationStatus(ctx context.Context, pool *pgxpool.Pool, migrationPath string) error {
	const statusLogPrefix = "db:MigrationStatus"

	files, err := LoadMigrationFiles(migrationPath)
	if err != nil {
		return fmt.Errorf("%s - load migration list: %w", statusLogPrefix, err)
	}
	applied, err := AppliedMigrations(ctx, pool)
	if err != nil {
		return fmt.Errorf("%s - %w", statusLogPrefix, err)
	}

	for _, m := range files {
		state := "pending"
		if applied[m.Name] {
			state = "applied"
		}
		fmt.Printf("  %-40s %s\n", m.Name, state)
	}
	fmt.Printf("Migration status: %d applied, %d pending (%s)\n",
		len(files)-len(Pending(files, applied)), len(Pending(files, applied)), migrationPath)
	return nil
}

// ErrNoDownMigration is returned when the last applied migration has no rollback section.
var ErrNoDownMigration = errors.New("db: migration has no down section")

// MigrationDown rolls back the most recently applied migration using its down section.
func MigrationDown(ctx context.Context, pool *pgxpool.Pool, migrationPath string) error {
	files, err := LoadMigrationFiles(migrationPath)
	if err != nil {
		return err
	}
	applied, err := AppliedMigrations(ctx, pool)
	if err != nil {
		return err
	}

	var last *Migration
	for i := len(files) - 1; i >= 0; i-- {
		if applied[files[i].Name] {
			last = &files[i]
			break
		}
	}
	if last == nil {
		fmt.Println("Migration down: nothing to roll back")
		return nil
	}
	if last.Down == "" {
		return fmt.Errorf("%s - %s: %w", logPrefix, last.Name, ErrNoDownMigration)
	}

	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, last.Down); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `DELETE FROM gateway_migrations WHERE name = $1`, last.Name)
		return err
	})
	if err != nil {
		return fmt.Errorf("%s - rollback %s failed: %w", logPrefix, last.Name, err)
	}
	fmt.Printf("Migration down: rolled back %s\n", last.Name)
	return nil
}
