package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	comms "github.com/nats-io/nats.go"

	"github.com/morezero/api-gateway/pkg/commsutil"
	"github.com/morezero/api-gateway/pkg/topology"
)

const logPrefix = "rpc:client"

// Client publishes correlated requests to exchanges and matches replies arriving on a
// private reply subject. One reply subject exists per broker connection; every in-flight
// call on that connection shares it.
type Client struct {
	topo *topology.Registry
	pool *commsutil.ConnPool

	mu         sync.Mutex
	pending    map[string]*pendingCall
	transports map[string]*replyTransport
	closed     bool

	newID func() string
}

type pendingCall struct {
	exchange   string
	routingKey string
	done       chan result
}

type result struct {
	body []byte
	err  error
}

type replyTransport struct {
	nc    *comms.Conn
	inbox string
	sub   *comms.Subscription
}

// CallOption customizes a single Request.
type CallOption func(*callOptions)

type callOptions struct {
	timeout time.Duration
}

// WithTimeout overrides the topology timeout for one call. Non-positive values are ignored.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// NewClient creates a Client resolving exchanges through topo and connections through pool.
func NewClient(topo *topology.Registry, pool *commsutil.ConnPool) *Client {
	return &Client{
		topo:       topo,
		pool:       pool,
		pending:    make(map[string]*pendingCall),
		transports: make(map[string]*replyTransport),
		newID:      uuid.NewString,
	}
}

// Request publishes payload to exchange with routingKey and waits for the matching reply.
// It returns the raw reply body; classifying it is the caller's concern (see Unwrap).
//
// The call fails with *UnknownExchangeError before anything is published when the exchange
// is not in the topology, *TransportError when the broker cannot be reached, *TimeoutError
// when the deadline passes, and ctx.Err() when ctx is done first.
func (c *Client) Request(ctx context.Context, exchange, routingKey string, payload interface{}, opts ...CallOption) (json.RawMessage, error) {
	if !c.topo.Known(exchange) {
		return nil, &UnknownExchangeError{Exchange: exchange}
	}

	o := callOptions{timeout: c.topo.Timeout(exchange)}
	for _, opt := range opts {
		opt(&o)
	}

	data, err := commsutil.EncodePayload(payload)
	if err != nil {
		return nil, fmt.Errorf("%s - encode payload for %s: %w", logPrefix, routingKey, err)
	}

	tr, err := c.transport(c.topo.BrokerURL(exchange))
	if errors.Is(err, ErrClosed) {
		return nil, ErrClosed
	}
	if err != nil {
		return nil, &TransportError{Exchange: exchange, RoutingKey: routingKey, Err: err}
	}

	id := c.newID()
	call := &pendingCall{exchange: exchange, routingKey: routingKey, done: make(chan result, 1)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[id] = call
	c.mu.Unlock()

	msg := newMessage(exchange, routingKey, data)
	msg.Reply = tr.inbox
	msg.Header.Set(commsutil.HeaderCorrelationID, id)

	slog.Debug(fmt.Sprintf("%s - request exchange=%s key=%s correlation=%s timeout=%s", logPrefix, exchange, routingKey, id, o.timeout))

	if err := tr.nc.PublishMsg(msg); err != nil {
		c.forget(id)
		return nil, &TransportError{Exchange: exchange, RoutingKey: routingKey, Err: err}
	}

	timer := time.NewTimer(o.timeout)
	defer timer.Stop()

	select {
	case res := <-call.done:
		return res.body, res.err
	case <-timer.C:
		c.forget(id)
		slog.Debug(fmt.Sprintf("%s - timeout exchange=%s key=%s correlation=%s", logPrefix, exchange, routingKey, id))
		return nil, &TimeoutError{Exchange: exchange, RoutingKey: routingKey, CorrelationID: id, After: o.timeout}
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

// Publish sends a one-way message. Delivery is not confirmed; only local failures to hand
// the message to the broker connection are reported.
func (c *Client) Publish(ctx context.Context, exchange, routingKey string, payload interface{}) error {
	if !c.topo.Known(exchange) {
		return &UnknownExchangeError{Exchange: exchange}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := commsutil.EncodePayload(payload)
	if err != nil {
		return fmt.Errorf("%s - encode payload for %s: %w", logPrefix, routingKey, err)
	}

	nc, err := c.pool.Get(c.topo.BrokerURL(exchange))
	if err != nil {
		return &TransportError{Exchange: exchange, RoutingKey: routingKey, Err: err}
	}

	msg := newMessage(exchange, routingKey, data)
	msg.Header.Set(commsutil.HeaderCorrelationID, c.newID())
	if err := nc.PublishMsg(msg); err != nil {
		return &TransportError{Exchange: exchange, RoutingKey: routingKey, Err: err}
	}
	slog.Debug(fmt.Sprintf("%s - published exchange=%s key=%s", logPrefix, exchange, routingKey))
	return nil
}

// InFlight returns the number of calls waiting for a reply.
func (c *Client) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close fails every pending call with ErrClosed and releases the reply subscriptions.
// Connections belong to the pool and are left open.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[string]*pendingCall)
	transports := c.transports
	c.transports = make(map[string]*replyTransport)
	c.mu.Unlock()

	for _, call := range pending {
		call.done <- result{err: ErrClosed}
	}

	var errs []error
	for url, tr := range transports {
		if err := tr.sub.Unsubscribe(); err != nil && !errors.Is(err, comms.ErrConnectionClosed) && !errors.Is(err, comms.ErrBadSubscription) {
			errs = append(errs, fmt.Errorf("%s - unsubscribe %s: %w", logPrefix, url, err))
		}
	}
	return errors.Join(errs...)
}

// transport returns the reply subscription for a broker URL, creating it on first use or
// when the pool hands back a different connection than the one subscribed on.
func (c *Client) transport(url string) (*replyTransport, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	nc, err := c.pool.Get(url)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if tr, ok := c.transports[url]; ok && tr.nc == nc {
		return tr, nil
	}

	inbox := comms.NewInbox()
	sub, err := nc.Subscribe(inbox, c.handleReply)
	if err != nil {
		return nil, fmt.Errorf("%s - subscribe reply subject: %w", logPrefix, err)
	}
	// Make sure the server knows about the subscription before the first publish.
	if err := nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("%s - flush reply subscription: %w", logPrefix, err)
	}

	tr := &replyTransport{nc: nc, inbox: inbox, sub: sub}
	c.transports[url] = tr
	slog.Info(fmt.Sprintf("%s - Reply subject %s ready on %s", logPrefix, inbox, url))
	return tr, nil
}

// handleReply completes the pending call matching the reply's correlation id. Replies with
// no match (late, duplicated or foreign) are dropped.
func (c *Client) handleReply(msg *comms.Msg) {
	id := ""
	if msg.Header != nil {
		id = msg.Header.Get(commsutil.HeaderCorrelationID)
	}
	if id == "" {
		slog.Debug(fmt.Sprintf("%s - dropping reply without correlation id", logPrefix))
		return
	}

	c.mu.Lock()
	call, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		slog.Debug(fmt.Sprintf("%s - dropping unmatched reply correlation=%s", logPrefix, id))
		return
	}

	body := make([]byte, len(msg.Data))
	copy(body, msg.Data)
	call.done <- result{body: body}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func newMessage(exchange, routingKey string, data []byte) *comms.Msg {
	msg := comms.NewMsg(commsutil.BuildSubject(exchange, routingKey))
	msg.Data = data
	msg.Header.Set(commsutil.HeaderExchange, exchange)
	msg.Header.Set(commsutil.HeaderRoutingKey, routingKey)
	return msg
}
