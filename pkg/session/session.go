// Package session manages the gateway's cookie session. Tokens are minted and interpreted by
// the auth domain only; the gateway stores and forwards them without decoding.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/morezero/api-gateway/pkg/apierror"
	"github.com/morezero/api-gateway/pkg/events"
)

const logPrefix = "session:session"

// Cookie names.
const (
	AccessTokenCookie  = "accessToken"
	RefreshTokenCookie = "refreshToken"
)

// Config holds cookie attributes and token lifetimes.
type Config struct {
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Secure     bool
	Domain     string
	Path       string
	SameSite   http.SameSite
}

// DefaultConfig returns 15 minute access and 15 day refresh cookies, secure and HTTP-only.
func DefaultConfig() Config {
	return Config{
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 15 * 24 * time.Hour,
		Secure:     true,
		Path:       "/",
		SameSite:   http.SameSiteDefaultMode,
	}
}

// Tokens is the token pair returned by the auth domain.
type Tokens struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

func (t *Tokens) complete() bool {
	return t != nil && t.AccessToken != "" && t.RefreshToken != ""
}

// Credentials are forwarded to the auth domain on login.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Authenticator obtains token pairs from the auth domain.
type Authenticator interface {
	Login(ctx context.Context, creds *Credentials) (*Tokens, error)
	Refresh(ctx context.Context, refreshToken string) (*Tokens, error)
}

// Manager reads and writes session cookies and drives the session lifecycle.
type Manager struct {
	cfg       Config
	auth      Authenticator
	publisher events.EventPublisher
	now       func() time.Time
}

// NewManager creates a Manager. A nil publisher disables revocation notices.
func NewManager(cfg Config, auth Authenticator, publisher events.EventPublisher) *Manager {
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	if publisher == nil {
		publisher = &events.NoOpPublisher{}
	}
	return &Manager{cfg: cfg, auth: auth, publisher: publisher, now: time.Now}
}

// Config returns the cookie configuration.
func (m *Manager) Config() Config { return m.cfg }

// Issue asks the auth domain for a token pair.
func (m *Manager) Issue(ctx context.Context, creds *Credentials) (*Tokens, error) {
	tokens, err := m.auth.Login(ctx, creds)
	if err != nil {
		return nil, err
	}
	if !tokens.complete() {
		return nil, apierror.Internal(errors.New("auth.login returned an incomplete token pair"))
	}
	return tokens, nil
}

// Attach sets both session cookies.
func (m *Manager) Attach(w http.ResponseWriter, tokens *Tokens) {
	http.SetCookie(w, m.cookie(AccessTokenCookie, tokens.AccessToken, m.cfg.AccessTTL))
	http.SetCookie(w, m.cookie(RefreshTokenCookie, tokens.RefreshToken, m.cfg.RefreshTTL))
}

// Clear expires both session cookies.
func (m *Manager) Clear(w http.ResponseWriter) {
	for _, name := range []string{AccessTokenCookie, RefreshTokenCookie} {
		c := m.cookie(name, "", 0)
		c.MaxAge = -1
		c.Expires = time.Unix(0, 0)
		http.SetCookie(w, c)
	}
}

// AccessToken returns the access token cookie value, or "".
func (m *Manager) AccessToken(r *http.Request) string { return cookieValue(r, AccessTokenCookie) }

// RefreshToken returns the refresh token cookie value, or "".
func (m *Manager) RefreshToken(r *http.Request) string { return cookieValue(r, RefreshTokenCookie) }

// Login exchanges credentials for a session. Any failure clears both cookies.
func (m *Manager) Login(ctx context.Context, w http.ResponseWriter, creds *Credentials) error {
	tokens, err := m.Issue(ctx, creds)
	if err != nil {
		m.Clear(w)
		return err
	}
	m.Attach(w, tokens)
	return nil
}

// Establish stores a token pair obtained elsewhere (OAuth callback). An incomplete pair
// clears the session instead.
func (m *Manager) Establish(w http.ResponseWriter, tokens *Tokens) error {
	if !tokens.complete() {
		m.Clear(w)
		return apierror.Internal(errors.New("incomplete token pair"))
	}
	m.Attach(w, tokens)
	return nil
}

// Refresh rotates the session using the refresh token cookie. Any failure clears both cookies.
func (m *Manager) Refresh(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	rt := m.RefreshToken(r)
	if rt == "" {
		m.Clear(w)
		return apierror.Unauthorized("missing refresh token")
	}
	tokens, err := m.auth.Refresh(ctx, rt)
	if err != nil {
		m.Clear(w)
		return err
	}
	if !tokens.complete() {
		m.Clear(w)
		return apierror.Internal(errors.New("auth.refresh returned an incomplete token pair"))
	}
	m.Attach(w, tokens)
	return nil
}

// Logout clears the cookies and tells the auth domain to revoke this session.
func (m *Manager) Logout(ctx context.Context, w http.ResponseWriter, r *http.Request, userID string) error {
	rt := m.RefreshToken(r)
	m.Clear(w)
	m.notify(ctx, &events.SessionRevokedEvent{
		UserID:       userID,
		RefreshToken: rt,
		Timestamp:    m.now().UTC().Format(time.RFC3339),
	})
	return nil
}

// LogoutAll clears the cookies and tells the auth domain to revoke every session of userID.
func (m *Manager) LogoutAll(ctx context.Context, w http.ResponseWriter, userID string) error {
	if userID == "" {
		return apierror.Unauthorized("missing identity")
	}
	m.Clear(w)
	m.notify(ctx, &events.AllSessionsRevokedEvent{
		UserID:    userID,
		Timestamp: m.now().UTC().Format(time.RFC3339),
	})
	return nil
}

// notify publishes a revocation. The local session is already gone, so failures are only logged.
func (m *Manager) notify(ctx context.Context, event events.Event) {
	if err := m.publisher.Publish(ctx, event); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to publish %s: %v", logPrefix, event.RoutingKey(), err))
	}
}

func (m *Manager) cookie(name, value string, ttl time.Duration) *http.Cookie {
	c := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     m.cfg.Path,
		Domain:   m.cfg.Domain,
		HttpOnly: true,
		Secure:   m.cfg.Secure,
		SameSite: m.cfg.SameSite,
	}
	if ttl > 0 {
		c.MaxAge = int(ttl / time.Second)
		c.Expires = m.now().Add(ttl).UTC()
	}
	return c
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}
