// Package stubdomain runs in-memory stand-ins for the downstream domain services so the
// gateway can be exercised end to end without them. State lives in process memory.
package stubdomain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/api-gateway/pkg/responder"
	"github.com/morezero/api-gateway/pkg/topology"
)

const logPrefix = "stubdomain:stubdomain"

// Options configure the stub services.
type Options struct {
	Users      []User
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	// Version is reported by every health key.
	Version string
}

// Service owns one responder per exchange in the topology.
type Service struct {
	nc   *comms.Conn
	topo *topology.Registry
	opts Options

	auth        *authStore
	collections map[string]*collectionStore
	responders  []*responder.Responder
}

// New builds the stub services for every domain in topo. opts may be nil.
func New(nc *comms.Conn, topo *topology.Registry, opts *Options) *Service {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	if o.Users == nil {
		o.Users = DefaultUsers()
	}
	if o.AccessTTL <= 0 {
		o.AccessTTL = 15 * time.Minute
	}
	if o.RefreshTTL <= 0 {
		o.RefreshTTL = 15 * 24 * time.Hour
	}
	if o.Version == "" {
		o.Version = "1.0.0"
	}

	s := &Service{
		nc:          nc,
		topo:        topo,
		opts:        o,
		auth:        newAuthStore(o.Users, o.AccessTTL, o.RefreshTTL),
		collections: make(map[string]*collectionStore),
	}
	for _, d := range topo.Domains() {
		if d != "auth" && d != "webhooks" {
			s.collections[d] = newCollectionStore(d)
		}
	}
	return s
}

// Start registers handlers and subscribes to every exchange.
func (s *Service) Start() error {
	for _, d := range s.topo.Domains() {
		ex := s.topo.MustGet(d)
		r := responder.New(s.nc, ex.Name, &responder.Options{Envelope: s.topo.Envelope(ex.Name)})
		s.register(d, ex, r)
		if err := r.Start(); err != nil {
			_ = s.Stop()
			return fmt.Errorf("%s - start %s: %w", logPrefix, ex.Name, err)
		}
		s.responders = append(s.responders, r)
	}
	slog.Info(fmt.Sprintf("%s - Serving %d stub domains", logPrefix, len(s.responders)))
	return nil
}

// Stop unsubscribes every responder.
func (s *Service) Stop() error {
	var errs []error
	for _, r := range s.responders {
		if err := r.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	s.responders = nil
	return errors.Join(errs...)
}

func (s *Service) register(domain string, ex *topology.Exchange, r *responder.Responder) {
	healthKey := ex.HealthKey
	if healthKey == "" {
		healthKey = domain + ".health"
	}
	r.Handle(healthKey, s.health)

	key := func(action string) string { return domain + "." + action }

	if domain == "auth" {
		r.Handle(key("login"), s.auth.login)
		r.Handle(key("refresh"), s.auth.refreshTokens)
		r.Handle(key("register"), s.auth.register)
		r.Handle(key("validateToken"), s.auth.validateToken)
		r.Handle(key("oauthUrl"), s.auth.oauthURL)
		r.Handle(key("oauthCallback"), s.auth.oauthCallback)
		r.Handle(key("logout"), s.auth.logout)
		r.Handle(key("logoutAll"), s.auth.logoutAll)
		return
	}

	c, ok := s.collections[domain]
	if !ok {
		return
	}
	r.Handle(key("findAll"), c.findAll)
	r.Handle(key("findOne"), c.findOne)
	r.Handle(key("create"), c.create)
	r.Handle(key("update"), c.update)
	r.Handle(key("remove"), c.remove)

	switch domain {
	case "team":
		r.Handle(key("addMember"), c.addMember)
		r.Handle(key("removeMember"), c.removeMember)
	case "notification":
		r.Handle(key("markRead"), c.markRead)
	case "chatbot":
		r.Handle(key("ask"), c.ask)
	case "file":
		r.Handle(key("uploadCompleted"), c.uploadCompleted)
	}
}

func (s *Service) health(_ context.Context, _ json.RawMessage) (interface{}, error) {
	return map[string]string{"status": "ok", "version": s.opts.Version}, nil
}
