// Package config provides gateway configuration loaded from environment variables.
package config

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/morezero/api-gateway/pkg/session"
)

const logPrefix = "config:LoadConfig"

// Config holds api-gateway configuration.
type Config struct {
	// COMMS: default broker for exchanges that do not name their own.
	COMMSURL  string `envconfig:"COMMS_URL" default:"nats://127.0.0.1:4222"`
	COMMSName string `envconfig:"SERVICE_NAME" default:"api-gateway"`

	// Topology
	TopologyFile string        `envconfig:"TOPOLOGY_FILE"`
	RPCTimeout   time.Duration `envconfig:"RPC_TIMEOUT" default:"10s"`

	// Database (optional; webhook receipts fall back to memory when empty)
	DatabaseURL   string `envconfig:"DATABASE_URL"`
	RunMigrations bool   `envconfig:"RUN_MIGRATIONS" default:"false"`
	MigrationPath string `envconfig:"MIGRATION_PATH" default:"migrations"`

	// HTTP (GATEWAY_HTTP_ADDR preferred, e.g. "0.0.0.0:8080")
	HTTPAddr           string        `envconfig:"GATEWAY_HTTP_ADDR"`
	HTTPPort           int           `envconfig:"HTTP_PORT" default:"8080"`
	HealthCheckTimeout time.Duration `envconfig:"HEALTH_CHECK_TIMEOUT" default:"5s"`
	ShutdownTimeout    time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"15s"`

	// Session cookies
	AccessTokenTTL       time.Duration `envconfig:"ACCESS_TOKEN_TTL" default:"15m"`
	RefreshTokenTTL      time.Duration `envconfig:"REFRESH_TOKEN_TTL" default:"360h"`
	CookieSecure         bool          `envconfig:"COOKIE_SECURE" default:"true"`
	CookieDomain         string        `envconfig:"COOKIE_DOMAIN"`
	CookiePath           string        `envconfig:"COOKIE_PATH" default:"/"`
	CookieSameSite       string        `envconfig:"COOKIE_SAMESITE"`
	OAuthSuccessRedirect string        `envconfig:"OAUTH_SUCCESS_REDIRECT" default:"/"`

	// Logging
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	if c.HTTPAddr != "" {
		return c.HTTPAddr
	}
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// ValidateForServe checks required config when running the gateway server.
func (c *Config) ValidateForServe() error {
	if c.COMMSURL == "" {
		return fmt.Errorf("%s - COMMS_URL is required for serve", logPrefix)
	}
	if c.RPCTimeout <= 0 {
		return fmt.Errorf("%s - RPC_TIMEOUT must be positive", logPrefix)
	}
	if c.HealthCheckTimeout <= 0 {
		return fmt.Errorf("%s - HEALTH_CHECK_TIMEOUT must be positive", logPrefix)
	}
	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 {
		return fmt.Errorf("%s - ACCESS_TOKEN_TTL and REFRESH_TOKEN_TTL must be positive", logPrefix)
	}
	if _, err := parseSameSite(c.CookieSameSite); err != nil {
		return err
	}
	if c.RunMigrations && c.DatabaseURL == "" {
		return fmt.Errorf("%s - RUN_MIGRATIONS requires DATABASE_URL", logPrefix)
	}
	return nil
}

// ValidateForDB checks required config when running DB-dependent commands (migrate, clear, ensure-db).
func (c *Config) ValidateForDB() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("%s - DATABASE_URL is required", logPrefix)
	}
	return nil
}

// SessionConfig maps the cookie settings onto session.Config.
func (c *Config) SessionConfig() session.Config {
	sameSite, err := parseSameSite(c.CookieSameSite)
	if err != nil {
		sameSite = http.SameSiteDefaultMode
	}
	return session.Config{
		AccessTTL:  c.AccessTokenTTL,
		RefreshTTL: c.RefreshTokenTTL,
		Secure:     c.CookieSecure,
		Domain:     c.CookieDomain,
		Path:       c.CookiePath,
		SameSite:   sameSite,
	}
}

func parseSameSite(v string) (http.SameSite, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "default":
		return http.SameSiteDefaultMode, nil
	case "lax":
		return http.SameSiteLaxMode, nil
	case "strict":
		return http.SameSiteStrictMode, nil
	case "none":
		return http.SameSiteNoneMode, nil
	default:
		return 0, fmt.Errorf("%s - COOKIE_SAMESITE must be default, lax, strict or none, got %q", logPrefix, v)
	}
}
