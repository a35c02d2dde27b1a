// Package server orchestrates all components: broker connections, RPC client, façades, session
// manager, guard, optional database, and the HTTP gateway.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/morezero/api-gateway/internal/config"
	"github.com/morezero/api-gateway/pkg/commsutil"
	"github.com/morezero/api-gateway/pkg/db"
	"github.com/morezero/api-gateway/pkg/events"
	"github.com/morezero/api-gateway/pkg/facade"
	"github.com/morezero/api-gateway/pkg/guard"
	"github.com/morezero/api-gateway/pkg/health"
	"github.com/morezero/api-gateway/pkg/rpc"
	"github.com/morezero/api-gateway/pkg/session"
	"github.com/morezero/api-gateway/pkg/topology"
	"github.com/morezero/api-gateway/pkg/webhook"
)

const logPrefix = "server:server"

// authService is the part of the auth façade the HTTP handlers call directly.
type authService interface {
	Register(ctx context.Context, input json.RawMessage) (json.RawMessage, error)
	OAuthURL(ctx context.Context, provider string) (string, error)
	OAuthCallback(ctx context.Context, provider string, query url.Values) (*session.Tokens, error)
}

// collectionService is a domain CRUD façade. *facade.Collection satisfies it.
type collectionService interface {
	FindAll(ctx context.Context, actor *guard.Identity, params map[string]string) (json.RawMessage, error)
	FindOne(ctx context.Context, actor *guard.Identity, id string) (json.RawMessage, error)
	Create(ctx context.Context, actor *guard.Identity, data json.RawMessage) (json.RawMessage, error)
	Update(ctx context.Context, actor *guard.Identity, id string, data json.RawMessage) (json.RawMessage, error)
	Remove(ctx context.Context, actor *guard.Identity, id string) (json.RawMessage, error)
	Action(ctx context.Context, action string, req *facade.CollectionRequest) (json.RawMessage, error)
}

// healthService reports shallow and deep health. *health.Checker satisfies it.
type healthService interface {
	Health(ctx context.Context) *health.Output
	Domains(ctx context.Context) *health.DomainsOutput
}

// Server is the api-gateway orchestrator and HTTP surface.
type Server struct {
	sessions      *session.Manager
	guard         *guard.Guard
	auth          authService
	collections   map[string]collectionService
	receiver      *webhook.Receiver
	health        healthService
	oauthRedirect string
	healthTimeout time.Duration

	httpServer *http.Server
}

// Params groups the dependencies of New.
type Params struct {
	Sessions      *session.Manager
	Guard         *guard.Guard
	Auth          authService
	Collections   map[string]collectionService
	Receiver      *webhook.Receiver
	Health        healthService
	OAuthRedirect string
	HealthTimeout time.Duration
}

// New creates a Server from already-built components.
func New(p Params) *Server {
	if p.OAuthRedirect == "" {
		p.OAuthRedirect = "/"
	}
	if p.HealthTimeout <= 0 {
		p.HealthTimeout = 5 * time.Second
	}
	if p.Receiver == nil {
		p.Receiver = webhook.NewReceiver(nil, nil)
	}
	return &Server{
		sessions:      p.Sessions,
		guard:         p.Guard,
		auth:          p.Auth,
		collections:   p.Collections,
		receiver:      p.Receiver,
		health:        p.Health,
		oauthRedirect: p.OAuthRedirect,
		healthTimeout: p.HealthTimeout,
	}
}

// Components are the long-lived objects built from configuration.
type Components struct {
	Topology *topology.Registry
	Conns    *commsutil.ConnPool
	RPC      *rpc.Client
	DB       *pgxpool.Pool
	Server   *Server
}

// Close releases the RPC client, broker connections and database pool.
func (c *Components) Close() {
	if c.RPC != nil {
		if err := c.RPC.Close(); err != nil {
			slog.Warn(fmt.Sprintf("%s - rpc client close: %v", logPrefix, err))
		}
	}
	if c.Conns != nil {
		c.Conns.CloseAll(true)
	}
	if c.DB != nil {
		c.DB.Close()
	}
}

// Build wires every component from cfg. The caller owns the returned Components and must
// Close them.
func Build(ctx context.Context, cfg *config.Config, topoCfg *topology.Config) (*Components, error) {
	if err := topology.Validate(topoCfg); err != nil {
		return nil, fmt.Errorf("%s - invalid topology: %w", logPrefix, err)
	}
	topo := topology.NewRegistry(topoCfg, cfg.COMMSURL, cfg.RPCTimeout)
	slog.Info(fmt.Sprintf("%s - Topology %s v%s with %d domains", logPrefix, topo.Name(), topo.Version(), len(topo.Domains())))

	c := &Components{Topology: topo, Conns: commsutil.NewConnPool(cfg.COMMSName)}

	// Dial the default broker eagerly so a bad COMMS_URL fails startup.
	if _, err := c.Conns.Get(topo.DefaultBrokerURL()); err != nil {
		c.Close()
		return nil, fmt.Errorf("%s - failed to connect to broker: %w", logPrefix, err)
	}
	slog.Info(fmt.Sprintf("%s - Connected to broker at %s", logPrefix, topo.DefaultBrokerURL()))

	c.RPC = rpc.NewClient(topo, c.Conns)

	var store webhook.Store
	var pinger health.Pinger
	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("%s - failed to connect to database: %w", logPrefix, err)
		}
		c.DB = pool

		if cfg.RunMigrations {
			migrations, err := db.LoadMigrationFiles(cfg.MigrationPath)
			if err != nil {
				c.Close()
				return nil, fmt.Errorf("%s - failed to load migrations: %w", logPrefix, err)
			}
			if err := db.RunMigrations(ctx, pool, migrations); err != nil {
				c.Close()
				return nil, fmt.Errorf("%s - failed to run migrations: %w", logPrefix, err)
			}
		}
		store = db.NewReceiptRepository(pool)
		pinger = pool
	} else {
		slog.Info(fmt.Sprintf("%s - DATABASE_URL not set; webhook receipts are kept in memory", logPrefix))
	}

	publisher := events.NewCommsPublisher(topo, c.RPC)
	auth := facade.NewAuth(topo, c.RPC)
	sessions := session.NewManager(cfg.SessionConfig(), auth, publisher)

	collections := make(map[string]collectionService, len(collectionPaths)+1)
	for _, cp := range collectionPaths {
		collections[cp.Domain] = facade.NewCollection(topo, c.RPC, cp.Domain)
	}
	collections["chatbot"] = facade.NewCollection(topo, c.RPC, "chatbot")

	c.Server = New(Params{
		Sessions:      sessions,
		Guard:         guard.New(auth, sessions.AccessToken),
		Auth:          auth,
		Collections:   collections,
		Receiver:      webhook.NewReceiver(store, publisher),
		Health:        health.NewChecker(c.Conns, pinger, topo, c.RPC, cfg.HealthCheckTimeout),
		OAuthRedirect: cfg.OAuthSuccessRedirect,
		HealthTimeout: cfg.HealthCheckTimeout,
	})
	return c, nil
}

// Run starts the gateway, blocks until a shutdown signal, then cleans up.
func Run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}
	SetupLogging(cfg.LogLevel)

	if err := cfg.ValidateForServe(); err != nil {
		return err
	}

	slog.Info(fmt.Sprintf("%s - Starting %s", logPrefix, cfg.COMMSName))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	topoCfg, err := topology.LoadConfig(cfg.TopologyFile)
	if err != nil {
		return fmt.Errorf("%s - failed to load topology: %w", logPrefix, err)
	}

	c, err := Build(ctx, cfg, topoCfg)
	if err != nil {
		return err
	}
	defer c.Close()

	s := c.Server
	s.httpServer = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info(fmt.Sprintf("%s - HTTP gateway listening on %s", logPrefix, cfg.Addr()))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info(fmt.Sprintf("%s - API gateway is ready", logPrefix))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		slog.Info(fmt.Sprintf("%s - Received signal %s, shutting down", logPrefix, sig))
	case err := <-errCh:
		slog.Error(fmt.Sprintf("%s - HTTP server error: %v", logPrefix, err))
		return fmt.Errorf("%s - http server: %w", logPrefix, err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn(fmt.Sprintf("%s - HTTP shutdown: %v", logPrefix, err))
	}

	slog.Info(fmt.Sprintf("%s - Shutdown complete", logPrefix))
	return nil
}

// SetupLogging installs the process-wide text logger at level (debug, info, warn, error).
func SetupLogging(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))
}
