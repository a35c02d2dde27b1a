package topology

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const logPrefix = "topology:loader"

// DefaultTimeout is applied to RPC calls when neither the topology nor the caller sets one.
const DefaultTimeout = 10 * time.Second

// Domains served by the gateway, in the order they appear in the default topology.
var defaultDomains = []string{
	"auth", "user", "team", "project", "task", "sprint", "epic",
	"label", "list", "file", "discussion", "chatbot", "notification", "webhooks",
}

// LoadConfig loads topology config from file paths or environment.
// It tries paths in order: first any paths passed in, then TOPOLOGY_FILE, then defaults.
// Files ending in .yaml or .yml are parsed as YAML, everything else as JSON.
func LoadConfig(paths ...string) (*Config, error) {
	all := make([]string, 0, len(paths)+4)
	for _, p := range paths {
		if p != "" {
			all = append(all, p)
		}
	}
	if envPath := os.Getenv("TOPOLOGY_FILE"); envPath != "" {
		all = append(all, envPath)
	}
	all = append(all, "config/topology.yaml", "config/topology.json", "topology.json")

	for _, p := range all {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}

		override, err := Parse(p, data)
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - Failed to parse topology file %s: %v", logPrefix, p, err))
			continue
		}

		slog.Info(fmt.Sprintf("%s - Loaded topology config from %s", logPrefix, p))
		return Merge(GetDefaultConfig(), override), nil
	}

	slog.Info(fmt.Sprintf("%s - Using default topology config", logPrefix))
	return GetDefaultConfig(), nil
}

// Parse decodes a topology document; the format is chosen by the file extension of name.
func Parse(name string, data []byte) (*Config, error) {
	var cfg Config
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("%s - yaml: %w", logPrefix, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("%s - json: %w", logPrefix, err)
		}
	}
	return &cfg, nil
}

// GetDefaultConfig returns the built-in topology: one durable direct exchange per domain,
// named "<domain>_exchange".
func GetDefaultConfig() *Config {
	exchanges := make(map[string]Exchange, len(defaultDomains))
	for _, d := range defaultDomains {
		exchanges[d] = Exchange{
			Name:      d + "_exchange",
			Type:      ExchangeDirect,
			Durable:   true,
			Envelope:  EnvelopeTagged,
			HealthKey: d + ".health",
		}
	}
	// Team membership and notifications fan routing keys out by sub-resource.
	for _, d := range []string{"team", "notification"} {
		ex := exchanges[d]
		ex.Type = ExchangeTopic
		exchanges[d] = ex
	}
	return &Config{
		Name:      "api-gateway-topology",
		Version:   "1.0.0",
		Exchanges: exchanges,
		Aliases: map[string]string{
			"users":         "user",
			"teams":         "team",
			"projects":      "project",
			"tasks":         "task",
			"sprints":       "sprint",
			"epics":         "epic",
			"labels":        "label",
			"lists":         "list",
			"files":         "file",
			"discussions":   "discussion",
			"notifications": "notification",
		},
	}
}

// Merge merges an override config into a base config. Exchanges are merged per domain; a
// partially specified override entry keeps the base values it leaves empty.
func Merge(base, override *Config) *Config {
	merged := *base
	merged.Exchanges = make(map[string]Exchange, len(base.Exchanges))
	for d, ex := range base.Exchanges {
		merged.Exchanges[d] = ex
	}
	merged.Aliases = make(map[string]string, len(base.Aliases))
	for a, t := range base.Aliases {
		merged.Aliases[a] = t
	}

	if override.Name != "" {
		merged.Name = override.Name
	}
	if override.Version != "" {
		merged.Version = override.Version
	}
	if override.BrokerURL != "" {
		merged.BrokerURL = override.BrokerURL
	}
	if override.DefaultTimeoutMs > 0 {
		merged.DefaultTimeoutMs = override.DefaultTimeoutMs
	}
	for d, ex := range override.Exchanges {
		cur, ok := merged.Exchanges[d]
		if !ok {
			merged.Exchanges[d] = ex
			continue
		}
		if ex.Name != "" {
			cur.Name = ex.Name
		}
		if ex.Type != "" {
			cur.Type = ex.Type
		}
		if ex.BrokerURL != "" {
			cur.BrokerURL = ex.BrokerURL
		}
		if ex.Envelope != "" {
			cur.Envelope = ex.Envelope
		}
		if ex.TimeoutMs > 0 {
			cur.TimeoutMs = ex.TimeoutMs
		}
		if ex.HealthKey != "" {
			cur.HealthKey = ex.HealthKey
		}
		if ex.Version != "" {
			cur.Version = ex.Version
		}
		cur.Durable = cur.Durable || ex.Durable
		merged.Exchanges[d] = cur
	}
	for a, t := range override.Aliases {
		merged.Aliases[a] = t
	}
	return &merged
}

// Validate checks exchange names, types and envelope modes, and that names are unique.
func Validate(cfg *Config) error {
	if len(cfg.Exchanges) == 0 {
		return fmt.Errorf("%s - topology has no exchanges", logPrefix)
	}
	seen := make(map[string]string, len(cfg.Exchanges))
	for d, ex := range cfg.Exchanges {
		if ex.Name == "" {
			return fmt.Errorf("%s - domain %q has no exchange name", logPrefix, d)
		}
		if !strings.HasSuffix(ex.Name, "_exchange") {
			return fmt.Errorf("%s - exchange %q for domain %q must end in _exchange", logPrefix, ex.Name, d)
		}
		if strings.ContainsAny(ex.Name, ".*> ") {
			return fmt.Errorf("%s - exchange %q contains reserved characters", logPrefix, ex.Name)
		}
		if other, dup := seen[ex.Name]; dup {
			return fmt.Errorf("%s - exchange %q is used by both %q and %q", logPrefix, ex.Name, other, d)
		}
		seen[ex.Name] = d
		switch ex.Type {
		case ExchangeDirect, ExchangeTopic:
		default:
			return fmt.Errorf("%s - exchange %q has unknown type %q", logPrefix, ex.Name, ex.Type)
		}
		switch ex.Envelope {
		case "", EnvelopeTagged, EnvelopeLegacy:
		default:
			return fmt.Errorf("%s - exchange %q has unknown envelope %q", logPrefix, ex.Name, ex.Envelope)
		}
	}
	for a, t := range cfg.Aliases {
		if _, ok := cfg.Exchanges[t]; !ok {
			return fmt.Errorf("%s - alias %q points at unknown domain %q", logPrefix, a, t)
		}
	}
	return nil
}

// NewRegistry builds a Registry for fast lookups. brokerURL and timeout are used when the
// config does not set its own.
func NewRegistry(cfg *Config, brokerURL string, timeout time.Duration) *Registry {
	if cfg.BrokerURL != "" {
		brokerURL = cfg.BrokerURL
	}
	if cfg.DefaultTimeoutMs > 0 {
		timeout = time.Duration(cfg.DefaultTimeoutMs) * time.Millisecond
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	byDomain := make(map[string]*Exchange, len(cfg.Exchanges))
	byExchange := make(map[string]*Exchange, len(cfg.Exchanges))
	for d, ex := range cfg.Exchanges {
		e := ex
		byDomain[d] = &e
		byExchange[e.Name] = &e
	}

	aliases := make(map[string]string, len(cfg.Aliases))
	for a, t := range cfg.Aliases {
		aliases[a] = t
	}

	return &Registry{
		name:           cfg.Name,
		version:        cfg.Version,
		brokerURL:      brokerURL,
		defaultTimeout: timeout,
		byDomain:       byDomain,
		byExchange:     byExchange,
		aliases:        aliases,
	}
}
