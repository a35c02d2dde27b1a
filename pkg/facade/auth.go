package facade

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"

	"github.com/morezero/api-gateway/pkg/guard"
	"github.com/morezero/api-gateway/pkg/session"
	"github.com/morezero/api-gateway/pkg/topology"
)

// Auth is the façade for the auth domain. It serves the session manager (login, refresh)
// and the guard (token validation).
type Auth struct {
	*Domain
}

// NewAuth builds the auth façade.
func NewAuth(topo *topology.Registry, caller Caller) *Auth {
	return &Auth{Domain: NewDomain(topo, caller, "auth")}
}

// Login calls auth.login.
func (a *Auth) Login(ctx context.Context, creds *session.Credentials) (*session.Tokens, error) {
	var tokens session.Tokens
	if err := a.Call(ctx, "login", creds, &tokens); err != nil {
		return nil, err
	}
	return &tokens, nil
}

// Refresh calls auth.refresh.
func (a *Auth) Refresh(ctx context.Context, refreshToken string) (*session.Tokens, error) {
	var tokens session.Tokens
	if err := a.Call(ctx, "refresh", map[string]string{"refreshToken": refreshToken}, &tokens); err != nil {
		return nil, err
	}
	return &tokens, nil
}

// Register calls auth.register with the request body as is.
func (a *Auth) Register(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	return a.CallRaw(ctx, "register", input)
}

// ValidateToken calls auth.validateToken and returns the caller's identity.
func (a *Auth) ValidateToken(ctx context.Context, token string) (*guard.Identity, error) {
	var id guard.Identity
	if err := a.Call(ctx, "validateToken", map[string]string{"token": token}, &id); err != nil {
		return nil, err
	}
	return &id, nil
}

// OAuthURL calls auth.oauthUrl and returns the provider's authorization URL.
func (a *Auth) OAuthURL(ctx context.Context, provider string) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	if err := a.Call(ctx, "oauthUrl", map[string]string{"provider": provider}, &out); err != nil {
		return "", err
	}
	if out.URL == "" {
		return "", errors.New("facade:auth - auth.oauthUrl returned no url")
	}
	return out.URL, nil
}

// OAuthCallback forwards the provider's callback query to auth.oauthCallback.
func (a *Auth) OAuthCallback(ctx context.Context, provider string, query url.Values) (*session.Tokens, error) {
	params := make(map[string]string, len(query))
	for k := range query {
		params[k] = query.Get(k)
	}
	var tokens session.Tokens
	err := a.Call(ctx, "oauthCallback", map[string]interface{}{
		"provider": provider,
		"query":    params,
	}, &tokens)
	if err != nil {
		return nil, err
	}
	return &tokens, nil
}
