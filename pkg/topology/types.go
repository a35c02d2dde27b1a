// Package topology provides the exchange topology registry: which exchange each domain
// service owns on the broker, and how replies from it are shaped.
package topology

import (
	"fmt"
	"sort"
	"time"
)

// ExchangeType mirrors the broker exchange kinds used by domain services.
type ExchangeType string

const (
	ExchangeDirect ExchangeType = "direct"
	ExchangeTopic  ExchangeType = "topic"
)

// EnvelopeMode selects how RPC replies from an exchange are classified as success or error.
type EnvelopeMode string

const (
	// EnvelopeTagged replies carry an explicit ok flag.
	EnvelopeTagged EnvelopeMode = "tagged"
	// EnvelopeLegacy replies are raw payloads; an object with truthy "error" and "message"
	// fields is treated as an error.
	EnvelopeLegacy EnvelopeMode = "legacy"
)

// Exchange is one topology entry.
type Exchange struct {
	Name    string       `json:"name" yaml:"name"`
	Type    ExchangeType `json:"type" yaml:"type"`
	Durable bool         `json:"durable" yaml:"durable"`
	// BrokerURL overrides the default broker for this exchange only.
	BrokerURL string       `json:"brokerUrl,omitempty" yaml:"brokerUrl,omitempty"`
	Envelope  EnvelopeMode `json:"envelope,omitempty" yaml:"envelope,omitempty"`
	// TimeoutMs overrides the default RPC timeout for calls to this exchange.
	TimeoutMs int `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty"`
	// HealthKey is the routing key answered by the domain's health handler.
	HealthKey string `json:"healthKey,omitempty" yaml:"healthKey,omitempty"`
	// Version is a SemVer constraint the domain's reported version must satisfy.
	Version string `json:"version,omitempty" yaml:"version,omitempty"`
}

// Config is the root topology configuration.
type Config struct {
	Name             string              `json:"name" yaml:"name"`
	Version          string              `json:"version" yaml:"version"`
	BrokerURL        string              `json:"brokerUrl,omitempty" yaml:"brokerUrl,omitempty"`
	DefaultTimeoutMs int                 `json:"defaultTimeoutMs,omitempty" yaml:"defaultTimeoutMs,omitempty"`
	Exchanges        map[string]Exchange `json:"exchanges" yaml:"exchanges"`
	Aliases          map[string]string   `json:"aliases,omitempty" yaml:"aliases,omitempty"`
}

// Registry provides fast lookup of topology entries by domain name or exchange name.
type Registry struct {
	name           string
	version        string
	brokerURL      string
	defaultTimeout time.Duration
	byDomain       map[string]*Exchange
	byExchange     map[string]*Exchange
	aliases        map[string]string
}

// Get returns the entry for a domain (e.g. "auth"), following aliases.
func (r *Registry) Get(domain string) *Exchange {
	if ex, ok := r.byDomain[domain]; ok {
		return ex
	}
	if target, ok := r.aliases[domain]; ok {
		if ex, ok := r.byDomain[target]; ok {
			return ex
		}
	}
	return nil
}

// Canonical resolves an alias to its domain name. ok is false for unknown names.
func (r *Registry) Canonical(domain string) (string, bool) {
	if _, ok := r.byDomain[domain]; ok {
		return domain, true
	}
	if target, ok := r.aliases[domain]; ok {
		if _, ok := r.byDomain[target]; ok {
			return target, true
		}
	}
	return "", false
}

// MustGet returns the entry for a domain and panics when it is missing. Intended for wiring
// at process start, where a missing domain is a configuration bug.
func (r *Registry) MustGet(domain string) *Exchange {
	ex := r.Get(domain)
	if ex == nil {
		panic(fmt.Sprintf("%s - unknown domain %q", logPrefix, domain))
	}
	return ex
}

// Lookup returns the entry owning the given exchange name.
func (r *Registry) Lookup(exchange string) (*Exchange, bool) {
	ex, ok := r.byExchange[exchange]
	return ex, ok
}

// Known reports whether an exchange name is part of the topology.
func (r *Registry) Known(exchange string) bool {
	_, ok := r.byExchange[exchange]
	return ok
}

// BrokerURL returns the broker URL for an exchange: its override, else the default.
func (r *Registry) BrokerURL(exchange string) string {
	if ex, ok := r.byExchange[exchange]; ok && ex.BrokerURL != "" {
		return ex.BrokerURL
	}
	return r.brokerURL
}

// DefaultBrokerURL returns the broker URL shared by every exchange without an override.
func (r *Registry) DefaultBrokerURL() string {
	return r.brokerURL
}

// Timeout returns the RPC timeout for an exchange.
func (r *Registry) Timeout(exchange string) time.Duration {
	if ex, ok := r.byExchange[exchange]; ok && ex.TimeoutMs > 0 {
		return time.Duration(ex.TimeoutMs) * time.Millisecond
	}
	return r.defaultTimeout
}

// Envelope returns the reply envelope mode for an exchange (tagged when unset or unknown).
func (r *Registry) Envelope(exchange string) EnvelopeMode {
	if ex, ok := r.byExchange[exchange]; ok && ex.Envelope != "" {
		return ex.Envelope
	}
	return EnvelopeTagged
}

// Domains returns the configured domain names in sorted order.
func (r *Registry) Domains() []string {
	out := make([]string, 0, len(r.byDomain))
	for d := range r.byDomain {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// Name returns the topology config name.
func (r *Registry) Name() string {
	return r.name
}

// Version returns the topology config version.
func (r *Registry) Version() string {
	return r.version
}
