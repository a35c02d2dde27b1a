// Package main runs in-memory stand-ins for every domain service in the topology so the
// gateway can be exercised locally without the real backends.
package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/morezero/api-gateway/internal/config"
	"github.com/morezero/api-gateway/internal/server"
	"github.com/morezero/api-gateway/internal/stubdomain"
	"github.com/morezero/api-gateway/pkg/commsutil"
	"github.com/morezero/api-gateway/pkg/topology"
)

const usage = `Usage: domain-stub

Answers every exchange in the topology (auth, collections, chatbot, file, health keys)
from memory. Seeded users: admin@example.com/admin (ADMIN), user@example.com/user (USER).

Environment: COMMS_URL, TOPOLOGY_FILE, ACCESS_TOKEN_TTL, REFRESH_TOKEN_TTL, LOG_LEVEL.
`

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "help", "-h", "--help":
			fmt.Print(usage)
			return
		default:
			fmt.Fprintf(os.Stderr, "Unknown command %q.\n%s", os.Args[1], usage)
			os.Exit(1)
		}
	}

	if err := run(); err != nil {
		log.Fatalf("domain-stub: %v", err)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	server.SetupLogging(cfg.LogLevel)

	topoCfg, err := topology.LoadConfig(cfg.TopologyFile)
	if err != nil {
		return fmt.Errorf("load topology: %w", err)
	}
	if err := topology.Validate(topoCfg); err != nil {
		return err
	}
	topo := topology.NewRegistry(topoCfg, cfg.COMMSURL, cfg.RPCTimeout)

	nc, err := commsutil.Connect(topo.DefaultBrokerURL(), "domain-stub")
	if err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	defer nc.Drain()

	svc := stubdomain.New(nc, topo, &stubdomain.Options{
		AccessTTL:  cfg.AccessTokenTTL,
		RefreshTTL: cfg.RefreshTokenTTL,
	})
	if err := svc.Start(); err != nil {
		return fmt.Errorf("start stub domains: %w", err)
	}
	slog.Info(fmt.Sprintf("domain-stub - serving %d domains on %s", len(topo.Domains()), topo.DefaultBrokerURL()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info(fmt.Sprintf("domain-stub - received signal %s, shutting down", sig))

	return svc.Stop()
}
