// Package health reports gateway liveness (broker and database) and probes downstream
// domains for reachability and version compatibility.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/morezero/api-gateway/pkg/rpc"
	"github.com/morezero/api-gateway/pkg/semver"
	"github.com/morezero/api-gateway/pkg/topology"
)

const logPrefix = "health:health"

// Status values.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// BrokerStatus reports connectivity per broker URL. *commsutil.ConnPool satisfies it.
type BrokerStatus interface {
	Status() map[string]bool
}

// Pinger checks a database. *pgxpool.Pool satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Requester performs a round trip. *rpc.Client satisfies it.
type Requester interface {
	Request(ctx context.Context, exchange, routingKey string, payload interface{}, opts ...rpc.CallOption) (json.RawMessage, error)
}

// Output is the shallow health result.
type Output struct {
	Status    string          `json:"status"`
	Checks    Checks          `json:"checks"`
	Brokers   map[string]bool `json:"brokers"`
	Timestamp string          `json:"timestamp"`
}

// Checks holds individual health check results. Database is omitted when no database is configured.
type Checks struct {
	Broker   bool  `json:"broker"`
	Database *bool `json:"database,omitempty"`
}

// DomainHealth is the probe result for one domain.
type DomainHealth struct {
	Domain        string                `json:"domain"`
	Exchange      string                `json:"exchange"`
	Reachable     bool                  `json:"reachable"`
	Status        string                `json:"status,omitempty"`
	Version       string                `json:"version,omitempty"`
	Compatibility *semver.Compatibility `json:"compatibility,omitempty"`
	LatencyMs     int64                 `json:"latencyMs"`
	Error         string                `json:"error,omitempty"`
}

// DomainsOutput is the deep health result.
type DomainsOutput struct {
	Status    string          `json:"status"`
	Domains   []*DomainHealth `json:"domains"`
	Timestamp string          `json:"timestamp"`
}

// Checker runs health checks.
type Checker struct {
	brokers BrokerStatus
	db      Pinger
	topo    *topology.Registry
	rpc     Requester
	timeout time.Duration
	// Concurrency bounds parallel domain probes.
	Concurrency int
}

// NewChecker creates a Checker. db may be nil when the gateway runs without a database.
// timeout bounds each domain probe.
func NewChecker(brokers BrokerStatus, db Pinger, topo *topology.Registry, rpcClient Requester, timeout time.Duration) *Checker {
	return &Checker{
		brokers:     brokers,
		db:          db,
		topo:        topo,
		rpc:         rpcClient,
		timeout:     timeout,
		Concurrency: 4,
	}
}

// Health checks broker connectivity and, when configured, the database.
func (c *Checker) Health(ctx context.Context) *Output {
	brokers := c.brokers.Status()
	brokerOk := len(brokers) > 0
	for _, ok := range brokers {
		brokerOk = brokerOk && ok
	}

	out := &Output{
		Status:    StatusHealthy,
		Checks:    Checks{Broker: brokerOk},
		Brokers:   brokers,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	if c.db != nil {
		dbOk := c.db.Ping(ctx) == nil
		out.Checks.Database = &dbOk
		if !dbOk {
			out.Status = StatusUnhealthy
		}
	}
	if !brokerOk {
		out.Status = StatusUnhealthy
	}
	return out
}

// Domains probes every domain's health routing key concurrently. The overall status is
// degraded when any domain is unreachable or incompatible, unhealthy when none answer.
func (c *Checker) Domains(ctx context.Context) *DomainsOutput {
	names := c.topo.Domains()
	results := make([]*DomainHealth, len(names))

	g, gctx := errgroup.WithContext(ctx)
	if c.Concurrency > 0 {
		g.SetLimit(c.Concurrency)
	}
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			results[i] = c.probe(gctx, name)
			return nil
		})
	}
	_ = g.Wait()

	reachable, healthy := 0, 0
	for _, r := range results {
		if !r.Reachable {
			continue
		}
		reachable++
		if r.Error == "" && (r.Compatibility == nil || r.Compatibility.Compatible) {
			healthy++
		}
	}

	status := StatusHealthy
	switch {
	case reachable == 0:
		status = StatusUnhealthy
	case healthy < len(results):
		status = StatusDegraded
	}

	return &DomainsOutput{
		Status:    status,
		Domains:   results,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

func (c *Checker) probe(ctx context.Context, domain string) *DomainHealth {
	ex := c.topo.MustGet(domain)
	out := &DomainHealth{Domain: domain, Exchange: ex.Name}

	key := ex.HealthKey
	if key == "" {
		key = domain + ".health"
	}

	start := time.Now()
	body, err := c.rpc.Request(ctx, ex.Name, key, nil, rpc.WithTimeout(c.timeout))
	out.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		out.Error = err.Error()
		slog.Debug(fmt.Sprintf("%s - probe %s failed: %v", logPrefix, domain, err))
		return out
	}
	out.Reachable = true

	result, err := rpc.Unwrap(body, c.topo.Envelope(ex.Name))
	if err != nil {
		out.Error = err.Error()
		return out
	}
	var report struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	_ = json.Unmarshal(result, &report)
	out.Status = report.Status
	out.Version = report.Version

	if ex.Version != "" {
		compat, err := semver.Check(report.Version, ex.Version)
		if err != nil {
			out.Error = err.Error()
			compat = &semver.Compatibility{Version: report.Version, Constraint: ex.Version, Reason: err.Error()}
		}
		out.Compatibility = compat
	}
	return out
}
