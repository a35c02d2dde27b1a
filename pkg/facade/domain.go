// Package facade holds the per-domain callers used by HTTP handlers. Each façade knows its
// exchange and builds "<domain>.<action>" routing keys; replies are unwrapped according to
// the exchange's envelope mode.
package facade

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/morezero/api-gateway/pkg/rpc"
	"github.com/morezero/api-gateway/pkg/topology"
)

const logPrefix = "facade:domain"

// Caller is the RPC surface façades need. *rpc.Client satisfies it.
type Caller interface {
	Request(ctx context.Context, exchange, routingKey string, payload interface{}, opts ...rpc.CallOption) (json.RawMessage, error)
	Publish(ctx context.Context, exchange, routingKey string, payload interface{}) error
}

// Domain is the generic façade for one business area.
type Domain struct {
	name     string
	exchange string
	envelope topology.EnvelopeMode
	caller   Caller
}

// NewDomain builds the façade for domain (aliases such as "tasks" are accepted). It panics
// when the domain is not in the topology, which is a wiring error.
func NewDomain(topo *topology.Registry, caller Caller, domain string) *Domain {
	name, ok := topo.Canonical(domain)
	if !ok {
		panic(fmt.Sprintf("%s - unknown domain %q", logPrefix, domain))
	}
	ex := topo.MustGet(name)
	return &Domain{
		name:     name,
		exchange: ex.Name,
		envelope: topo.Envelope(ex.Name),
		caller:   caller,
	}
}

// Name returns the canonical domain name.
func (d *Domain) Name() string { return d.name }

// Exchange returns the exchange the domain consumes.
func (d *Domain) Exchange() string { return d.exchange }

// RoutingKey returns the routing key for action, e.g. "task.findAll".
func (d *Domain) RoutingKey(action string) string { return d.name + "." + action }

// CallRaw performs the round trip and returns the unwrapped result.
func (d *Domain) CallRaw(ctx context.Context, action string, payload interface{}, opts ...rpc.CallOption) (json.RawMessage, error) {
	key := d.RoutingKey(action)
	body, err := d.caller.Request(ctx, d.exchange, key, payload, opts...)
	if err != nil {
		return nil, err
	}
	result, err := rpc.Unwrap(body, d.envelope)
	if err != nil {
		slog.Debug(fmt.Sprintf("%s - %s replied with error: %v", logPrefix, key, err))
		return nil, err
	}
	return result, nil
}

// Call performs the round trip and decodes the result into out. out may be nil.
func (d *Domain) Call(ctx context.Context, action string, payload, out interface{}, opts ...rpc.CallOption) error {
	result, err := d.CallRaw(ctx, action, payload, opts...)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(result, out); err != nil {
		return fmt.Errorf("%s - decode %s result: %w", logPrefix, d.RoutingKey(action), err)
	}
	return nil
}

// Notify sends a one-way message for action.
func (d *Domain) Notify(ctx context.Context, action string, payload interface{}) error {
	return d.caller.Publish(ctx, d.exchange, d.RoutingKey(action), payload)
}
