package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const ensureLogPrefix = "db:ensure"

var safeDBName = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// extensionFunctions maps SQL functions used by migrations to the extension providing them.
var extensionFunctions = map[string]string{
	"gen_random_uuid(":    "pgcrypto",
	"digest(":             "pgcrypto",
	"uuid_generate_v4(":   "uuid-ossp",
	"uuid_generate_v1mc(": "uuid-ossp",
}

// RequiredExtensions lists the extensions the up sections of migrations depend on, sorted.
func RequiredExtensions(migrations []Migration) []string {
	seen := make(map[string]bool)
	for _, m := range migrations {
		up := strings.ToLower(m.Up)
		for fn, ext := range extensionFunctions {
			if strings.Contains(up, fn) {
				seen[ext] = true
			}
		}
	}
	exts := make([]string, 0, len(seen))
	for ext := range seen {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// target is the database EnsureDatabase works on and the maintenance URL used to create it.
type target struct {
	name     string
	adminURL string
}

func parseTarget(databaseURL string) (*target, error) {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("%s - invalid database URL: %w", ensureLogPrefix, err)
	}
	name := strings.TrimSpace(strings.TrimPrefix(u.Path, "/"))
	if name == "" {
		return nil, fmt.Errorf("%s - database name empty in URL", ensureLogPrefix)
	}
	if !safeDBName.MatchString(name) {
		return nil, fmt.Errorf("%s - database name %q contains invalid characters", ensureLogPrefix, name)
	}
	admin := *u
	admin.Path = "/postgres"
	return &target{name: name, adminURL: admin.String()}, nil
}

// EnsureDatabase creates the database named in databaseURL when it is missing, then enables
// extensions in it. Pass RequiredExtensions of the migrations about to run.
func EnsureDatabase(ctx context.Context, databaseURL string, extensions ...string) error {
	t, err := parseTarget(databaseURL)
	if err != nil {
		return err
	}
	if err := createIfMissing(ctx, t); err != nil {
		return err
	}
	if len(extensions) > 0 {
		if err := enableExtensions(ctx, databaseURL, extensions); err != nil {
			return err
		}
	}
	slog.Info(fmt.Sprintf("%s - Database %q ready (extensions: %v)", ensureLogPrefix, t.name, extensions))
	return nil
}

func createIfMissing(ctx context.Context, t *target) error {
	cfg, err := pgxpool.ParseConfig(t.adminURL)
	if err != nil {
		return fmt.Errorf("%s - failed to parse postgres URL: %w", ensureLogPrefix, err)
	}
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("%s - failed to connect to postgres: %w", ensureLogPrefix, err)
	}
	defer pool.Close()

	var exists bool
	err = pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)`, t.name).Scan(&exists)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s - failed to check database: %w", ensureLogPrefix, err)
	}
	if exists {
		return nil
	}

	slog.Info(fmt.Sprintf("%s - Creating database %q", ensureLogPrefix, t.name))
	if _, err := pool.Exec(ctx, "CREATE DATABASE "+quoteIdent(t.name)); err != nil {
		return fmt.Errorf("%s - CREATE DATABASE failed: %w", ensureLogPrefix, err)
	}
	return nil
}

func enableExtensions(ctx context.Context, databaseURL string, extensions []string) error {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("%s - failed to connect: %w", ensureLogPrefix, err)
	}
	defer pool.Close()

	for _, ext := range extensions {
		if _, err := pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS "+quoteIdent(ext)); err != nil {
			return fmt.Errorf("%s - CREATE EXTENSION %s: %w", ensureLogPrefix, ext, err)
		}
	}
	return nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
