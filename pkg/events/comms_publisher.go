package events

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/morezero/api-gateway/pkg/topology"
)

const commsPublisherLogPrefix = "events:comms_publisher"

// Sender hands a one-way message to the broker. *rpc.Client satisfies it.
type Sender interface {
	Publish(ctx context.Context, exchange, routingKey string, payload interface{}) error
}

// CommsPublisher publishes events to the exchange of the domain they address.
type CommsPublisher struct {
	topo   *topology.Registry
	sender Sender
}

// NewCommsPublisher creates a new CommsPublisher.
func NewCommsPublisher(topo *topology.Registry, sender Sender) *CommsPublisher {
	return &CommsPublisher{topo: topo, sender: sender}
}

// Publish resolves the event's exchange and sends it without waiting for a reply.
func (p *CommsPublisher) Publish(ctx context.Context, event Event) error {
	ex := p.topo.Get(event.Domain())
	if ex == nil {
		return fmt.Errorf("%s - no exchange for domain %q", commsPublisherLogPrefix, event.Domain())
	}
	if err := p.sender.Publish(ctx, ex.Name, event.RoutingKey(), event); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to publish %s to %s: %v", commsPublisherLogPrefix, event.RoutingKey(), ex.Name, err))
		return err
	}
	slog.Debug(fmt.Sprintf("%s - Published %s to %s", commsPublisherLogPrefix, event.RoutingKey(), ex.Name))
	return nil
}
