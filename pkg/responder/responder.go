// Package responder is the domain-service side of the RPC bridge: it consumes one exchange,
// dispatches each message to the handler registered for its routing key, and answers on the
// message's reply subject with the correlation id echoed back.
package responder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/api-gateway/pkg/commsutil"
	"github.com/morezero/api-gateway/pkg/rpc"
	"github.com/morezero/api-gateway/pkg/topology"
)

const logPrefix = "responder:responder"

// HandlerFunc serves one routing key. A returned *rpc.RemoteError is sent to the caller as
// is; any other error becomes INTERNAL_ERROR.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (interface{}, error)

// Options tune a Responder.
type Options struct {
	// Queue is the queue group; defaults to the exchange name so one instance serves each message.
	Queue string
	// Envelope selects the reply shape. Defaults to tagged.
	Envelope topology.EnvelopeMode
	// RequestTimeout bounds each handler invocation. Defaults to 10s.
	RequestTimeout time.Duration
}

// Responder serves the routing keys of one exchange.
type Responder struct {
	nc       *comms.Conn
	exchange string
	opts     Options

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	sub      *comms.Subscription
}

// New creates a Responder for exchange on nc. opts may be nil.
func New(nc *comms.Conn, exchange string, opts *Options) *Responder {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	if o.Queue == "" {
		o.Queue = exchange
	}
	if o.Envelope == "" {
		o.Envelope = topology.EnvelopeTagged
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 10 * time.Second
	}
	return &Responder{
		nc:       nc,
		exchange: exchange,
		opts:     o,
		handlers: make(map[string]HandlerFunc),
	}
}

// Handle registers fn for routingKey, replacing any previous handler.
func (r *Responder) Handle(routingKey string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[routingKey] = fn
}

// RoutingKeys returns the number of registered routing keys.
func (r *Responder) RoutingKeys() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// Start subscribes to every routing key of the exchange.
func (r *Responder) Start() error {
	subject := commsutil.BuildExchangeWildcard(r.exchange)
	sub, err := r.nc.QueueSubscribe(subject, r.opts.Queue, r.serve)
	if err != nil {
		return fmt.Errorf("%s - failed to subscribe to %s: %w", logPrefix, subject, err)
	}
	if err := r.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("%s - failed to flush subscription %s: %w", logPrefix, subject, err)
	}
	r.mu.Lock()
	r.sub = sub
	r.mu.Unlock()
	slog.Info(fmt.Sprintf("%s - Subscribed to %s queue=%s", logPrefix, subject, r.opts.Queue))
	return nil
}

// Stop removes the subscription. In-flight handlers finish on their own.
func (r *Responder) Stop() error {
	r.mu.Lock()
	sub := r.sub
	r.sub = nil
	r.mu.Unlock()
	if sub == nil {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil && !errors.Is(err, comms.ErrConnectionClosed) {
		return fmt.Errorf("%s - unsubscribe %s: %w", logPrefix, r.exchange, err)
	}
	return nil
}

func (r *Responder) serve(msg *comms.Msg) {
	routingKey := ""
	correlationID := ""
	if msg.Header != nil {
		routingKey = msg.Header.Get(commsutil.HeaderRoutingKey)
		correlationID = msg.Header.Get(commsutil.HeaderCorrelationID)
	}
	if routingKey == "" {
		if _, key, ok := commsutil.SplitSubject(msg.Subject); ok {
			routingKey = key
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.opts.RequestTimeout)
	defer cancel()

	reply := r.Dispatch(ctx, correlationID, routingKey, msg.Data)

	// One-way messages have nobody to answer.
	if msg.Reply == "" {
		if !reply.Ok {
			slog.Warn(fmt.Sprintf("%s - one-way %s failed: %s", logPrefix, routingKey, reply.Error.Message))
		}
		return
	}

	data, err := r.encode(reply)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - failed to encode reply for %s: %v", logPrefix, routingKey, err))
		return
	}
	out := comms.NewMsg(msg.Reply)
	out.Data = data
	out.Header.Set(commsutil.HeaderCorrelationID, correlationID)
	if err := r.nc.PublishMsg(out); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to reply to %s: %v", logPrefix, routingKey, err))
	}
}

// Dispatch runs the handler for routingKey and builds the tagged reply.
func (r *Responder) Dispatch(ctx context.Context, id, routingKey string, payload []byte) *rpc.Reply {
	slog.Debug(fmt.Sprintf("%s - exchange=%s key=%s correlation=%s", logPrefix, r.exchange, routingKey, id))

	r.mu.RLock()
	fn, ok := r.handlers[routingKey]
	r.mu.RUnlock()
	if !ok {
		return rpc.Failure(id, "METHOD_NOT_FOUND", http.StatusNotFound, fmt.Sprintf("Unknown routing key: %s", routingKey))
	}

	if len(payload) == 0 {
		payload = []byte("null")
	}
	result, err := fn(ctx, json.RawMessage(payload))
	if err != nil {
		var remote *rpc.RemoteError
		if errors.As(err, &remote) {
			reply := rpc.Failure(id, remote.Code, remote.StatusCode, remote.Message)
			reply.Error.Details = remote.Details
			return reply
		}
		slog.Error(fmt.Sprintf("%s - handler %s failed: %v", logPrefix, routingKey, err))
		return rpc.Failure(id, "INTERNAL_ERROR", http.StatusInternalServerError, "Internal server error")
	}

	reply, err := rpc.Success(id, result)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - handler %s result: %v", logPrefix, routingKey, err))
		return rpc.Failure(id, "INTERNAL_ERROR", http.StatusInternalServerError, "Internal server error")
	}
	return reply
}

// encode renders a reply in the configured envelope. Legacy replies are the bare result, or
// {"error","statusCode","message"} on failure.
func (r *Responder) encode(reply *rpc.Reply) ([]byte, error) {
	if r.opts.Envelope != topology.EnvelopeLegacy {
		return json.Marshal(reply)
	}
	if reply.Ok {
		return reply.Result, nil
	}
	return json.Marshal(map[string]interface{}{
		"error":      reply.Error.Code,
		"statusCode": reply.Error.StatusCode,
		"message":    reply.Error.Message,
	})
}
