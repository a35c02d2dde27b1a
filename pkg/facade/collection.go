package facade

import (
	"context"
	"encoding/json"

	"github.com/morezero/api-gateway/pkg/guard"
	"github.com/morezero/api-gateway/pkg/topology"
)

// CollectionRequest is the payload sent for CRUD actions. Actor is the caller resolved by the
// guard so domains can apply their own ownership rules.
type CollectionRequest struct {
	Actor  *guard.Identity   `json:"actor,omitempty"`
	ID     string            `json:"id,omitempty"`
	Params map[string]string `json:"params,omitempty"`
	Data   json.RawMessage   `json:"data,omitempty"`
}

// Collection is a Domain exposing the conventional CRUD actions.
type Collection struct {
	*Domain
}

// NewCollection builds the CRUD façade for domain.
func NewCollection(topo *topology.Registry, caller Caller, domain string) *Collection {
	return &Collection{Domain: NewDomain(topo, caller, domain)}
}

// FindAll calls <domain>.findAll with the query parameters.
func (c *Collection) FindAll(ctx context.Context, actor *guard.Identity, params map[string]string) (json.RawMessage, error) {
	return c.CallRaw(ctx, "findAll", &CollectionRequest{Actor: actor, Params: params})
}

// FindOne calls <domain>.findOne.
func (c *Collection) FindOne(ctx context.Context, actor *guard.Identity, id string) (json.RawMessage, error) {
	return c.CallRaw(ctx, "findOne", &CollectionRequest{Actor: actor, ID: id})
}

// Create calls <domain>.create.
func (c *Collection) Create(ctx context.Context, actor *guard.Identity, data json.RawMessage) (json.RawMessage, error) {
	return c.CallRaw(ctx, "create", &CollectionRequest{Actor: actor, Data: data})
}

// Update calls <domain>.update.
func (c *Collection) Update(ctx context.Context, actor *guard.Identity, id string, data json.RawMessage) (json.RawMessage, error) {
	return c.CallRaw(ctx, "update", &CollectionRequest{Actor: actor, ID: id, Data: data})
}

// Remove calls <domain>.remove.
func (c *Collection) Remove(ctx context.Context, actor *guard.Identity, id string) (json.RawMessage, error) {
	return c.CallRaw(ctx, "remove", &CollectionRequest{Actor: actor, ID: id})
}

// Action calls an arbitrary action with the CRUD payload shape, e.g. team.addMember.
func (c *Collection) Action(ctx context.Context, action string, req *CollectionRequest) (json.RawMessage, error) {
	return c.CallRaw(ctx, action, req)
}
