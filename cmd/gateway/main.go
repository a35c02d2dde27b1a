// Package main is the entrypoint for the api-gateway.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"gopkg.in/yaml.v3"

	"github.com/morezero/api-gateway/internal/config"
	"github.com/morezero/api-gateway/internal/server"
	"github.com/morezero/api-gateway/pkg/db"
	"github.com/morezero/api-gateway/pkg/topology"
)

const usage = `Usage: gateway [command]
       gateway serve                Start the HTTP gateway (broker, RPC client, HTTP).
       gateway migrate up           Run webhook receipt migrations.
       gateway migrate down         Roll back the last applied migration.
       gateway migrate status       Show migration status.
       gateway ensure-db [name]     Create database if missing (default name: gateway_test). Uses DATABASE_URL host/user.
       gateway clear                Truncate webhook receipts; schema is preserved.
       gateway topology [yaml]      Print the resolved exchange topology.

Commands:
  serve           (default) Start the api-gateway.
  migrate up      Run database migrations only.
  migrate down    Roll back last migration.
  migrate status  Show current migration status.
  ensure-db [name] Create database (e.g. gateway_test) on same host as DATABASE_URL.
  clear           Truncate webhook receipts; schema preserved.
  topology [yaml] Print domains, exchanges, brokers and timeouts as a table (or YAML).

Environment: COMMS_URL, TOPOLOGY_FILE, RPC_TIMEOUT, GATEWAY_HTTP_ADDR (default :8080),
DATABASE_URL (optional; required for migrate, clear, ensure-db), MIGRATION_PATH, LOG_LEVEL.
`

func main() {
	args := os.Args[1:]
	cmd := ""
	if len(args) > 0 && args[0] != "" {
		cmd = args[0]
	}

	switch cmd {
	case "migrate":
		if len(args) < 2 {
			log.Fatalf("gateway migrate: require subcommand (up, down, status)")
		}
		sub := args[1]
		switch sub {
		case "up":
			if err := withDB(runMigrateUp); err != nil {
				log.Fatalf("gateway migrate up: %v", err)
			}
		case "status":
			if err := withDB(db.MigrationStatus); err != nil {
				log.Fatalf("gateway migrate status: %v", err)
			}
		case "down":
			if err := withDB(db.MigrationDown); err != nil {
				log.Fatalf("gateway migrate down: %v", err)
			}
		default:
			log.Fatalf("gateway migrate: unknown subcommand %q (use up, down, status)", sub)
		}
		return
	case "clear":
		if err := withDB(runClear); err != nil {
			log.Fatalf("gateway clear: %v", err)
		}
		return
	case "ensure-db":
		dbName := "gateway_test"
		if len(args) > 1 && args[1] != "" {
			dbName = args[1]
		}
		if err := runEnsureDB(dbName); err != nil {
			log.Fatalf("gateway ensure-db: %v", err)
		}
		return
	case "topology":
		format := "table"
		if len(args) > 1 && args[1] != "" {
			format = args[1]
		}
		if err := runTopology(os.Stdout, format); err != nil {
			log.Fatalf("gateway topology: %v", err)
		}
		return
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	case "serve", "":
		// serve (explicit or default)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q.\n%s", cmd, usage)
		os.Exit(1)
	}

	if err := server.Run(); err != nil {
		log.Fatalf("gateway: %v", err)
	}
}

// withDB loads config, opens the pool and runs fn with the configured migration path.
func withDB(fn func(ctx context.Context, pool *pgxpool.Pool, migrationPath string) error) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	return fn(ctx, pool, cfg.MigrationPath)
}

func runMigrateUp(ctx context.Context, pool *pgxpool.Pool, migrationPath string) error {
	migrations, err := db.LoadMigrationFiles(migrationPath)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	if err := db.RunMigrations(ctx, pool, migrations); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func runClear(ctx context.Context, pool *pgxpool.Pool, _ string) error {
	if err := db.ClearReceipts(ctx, pool); err != nil {
		return fmt.Errorf("clear receipts: %w", err)
	}
	return nil
}

func runEnsureDB(dbName string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	targetURL, err := withDatabaseName(cfg.DatabaseURL, dbName)
	if err != nil {
		return err
	}
	migrations, err := db.LoadMigrationFiles(cfg.MigrationPath)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	if err := db.EnsureDatabase(context.Background(), targetURL, db.RequiredExtensions(migrations)...); err != nil {
		return err
	}
	fmt.Printf("Database %q is ready.\n", dbName)
	return nil
}

// withDatabaseName replaces the database in a postgres URL; the query (e.g. sslmode) is kept.
func withDatabaseName(databaseURL, dbName string) (string, error) {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	u.Path = "/" + dbName
	return u.String(), nil
}

func runTopology(w io.Writer, format string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	topoCfg, err := topology.LoadConfig(cfg.TopologyFile)
	if err != nil {
		return fmt.Errorf("load topology: %w", err)
	}
	if err := topology.Validate(topoCfg); err != nil {
		return err
	}
	return renderTopology(w, topology.NewRegistry(topoCfg, cfg.COMMSURL, cfg.RPCTimeout), format)
}

type topologyRow struct {
	Domain    string `yaml:"domain"`
	Exchange  string `yaml:"exchange"`
	Type      string `yaml:"type"`
	Broker    string `yaml:"broker"`
	Timeout   string `yaml:"timeout"`
	Envelope  string `yaml:"envelope"`
	HealthKey string `yaml:"healthKey,omitempty"`
	Version   string `yaml:"version,omitempty"`
}

func renderTopology(w io.Writer, reg *topology.Registry, format string) error {
	rows := make([]topologyRow, 0, len(reg.Domains()))
	for _, d := range reg.Domains() {
		ex := reg.MustGet(d)
		rows = append(rows, topologyRow{
			Domain:    d,
			Exchange:  ex.Name,
			Type:      string(ex.Type),
			Broker:    reg.BrokerURL(ex.Name),
			Timeout:   reg.Timeout(ex.Name).Round(time.Millisecond).String(),
			Envelope:  string(reg.Envelope(ex.Name)),
			HealthKey: ex.HealthKey,
			Version:   ex.Version,
		})
	}

	switch format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(map[string]interface{}{
			"name":      reg.Name(),
			"version":   reg.Version(),
			"exchanges": rows,
		})
	case "table":
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintf(tw, "DOMAIN\tEXCHANGE\tTYPE\tBROKER\tTIMEOUT\tENVELOPE\tVERSION\n")
		for _, r := range rows {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", r.Domain, r.Exchange, r.Type, r.Broker, r.Timeout, r.Envelope, r.Version)
		}
		return tw.Flush()
	default:
		return fmt.Errorf("unknown format %q (use table or yaml)", format)
	}
}
