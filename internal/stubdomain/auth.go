package stubdomain

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/morezero/api-gateway/pkg/guard"
	"github.com/morezero/api-gateway/pkg/rpc"
	"github.com/morezero/api-gateway/pkg/session"
)

// User is an account known to the stub auth service.
type User struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Password string `json:"-"`
	Role     string `json:"role"`
}

// DefaultUsers returns the accounts seeded when none are configured.
func DefaultUsers() []User {
	return []User{
		{ID: "u-admin", Email: "admin@example.com", Password: "admin", Role: guard.RoleAdmin},
		{ID: "u-user", Email: "user@example.com", Password: "user", Role: guard.RoleUser},
	}
}

type grant struct {
	userID  string
	expires time.Time
}

// authStore mints opaque tokens and remembers which user they belong to.
type authStore struct {
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time

	mu      sync.Mutex
	users   map[string]*User // by email
	byID    map[string]*User
	access  map[string]grant
	refresh map[string]grant
}

func newAuthStore(users []User, accessTTL, refreshTTL time.Duration) *authStore {
	s := &authStore{
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
		users:      make(map[string]*User),
		byID:       make(map[string]*User),
		access:     make(map[string]grant),
		refresh:    make(map[string]grant),
	}
	for i := range users {
		u := users[i]
		s.users[strings.ToLower(u.Email)] = &u
		s.byID[u.ID] = &u
	}
	return s
}

func invalidCredentials() *rpc.RemoteError {
	return rpc.NewRemoteError("UNAUTHORIZED", http.StatusUnauthorized, "Invalid email or password")
}

func invalidToken() *rpc.RemoteError {
	return rpc.NewRemoteError("UNAUTHORIZED", http.StatusUnauthorized, "Invalid or expired token")
}

// issue must be called with mu held.
func (s *authStore) issue(userID string) *session.Tokens {
	now := s.now()
	t := &session.Tokens{AccessToken: "at-" + uuid.NewString(), RefreshToken: "rt-" + uuid.NewString()}
	s.access[t.AccessToken] = grant{userID: userID, expires: now.Add(s.accessTTL)}
	s.refresh[t.RefreshToken] = grant{userID: userID, expires: now.Add(s.refreshTTL)}
	return t
}

func (s *authStore) login(_ context.Context, payload json.RawMessage) (interface{}, error) {
	var creds session.Credentials
	if err := json.Unmarshal(payload, &creds); err != nil || creds.Email == "" {
		return nil, rpc.NewRemoteError("BAD_REQUEST", http.StatusBadRequest, "email and password are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[strings.ToLower(creds.Email)]
	if !ok || u.Password != creds.Password {
		return nil, invalidCredentials()
	}
	return s.issue(u.ID), nil
}

func (s *authStore) refreshTokens(_ context.Context, payload json.RawMessage) (interface{}, error) {
	var in struct {
		RefreshToken string `json:"refreshToken"`
	}
	_ = json.Unmarshal(payload, &in)

	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.refresh[in.RefreshToken]
	if !ok || s.now().After(g.expires) {
		return nil, invalidToken()
	}
	// Refresh tokens rotate on use.
	delete(s.refresh, in.RefreshToken)
	return s.issue(g.userID), nil
}

func (s *authStore) register(_ context.Context, payload json.RawMessage) (interface{}, error) {
	var in struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.Unmarshal(payload, &in); err != nil || in.Email == "" || in.Password == "" {
		return nil, rpc.NewRemoteError("BAD_REQUEST", http.StatusBadRequest, "email and password are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(in.Email)
	if _, exists := s.users[key]; exists {
		return nil, rpc.NewRemoteError("CONFLICT", http.StatusConflict, "Email already registered")
	}
	u := &User{ID: "u-" + uuid.NewString(), Email: in.Email, Password: in.Password, Role: guard.RoleUser}
	s.users[key] = u
	s.byID[u.ID] = u
	return u, nil
}

func (s *authStore) validateToken(_ context.Context, payload json.RawMessage) (interface{}, error) {
	var in struct {
		Token string `json:"token"`
	}
	_ = json.Unmarshal(payload, &in)

	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.access[in.Token]
	if !ok || s.now().After(g.expires) {
		return nil, invalidToken()
	}
	u, ok := s.byID[g.userID]
	if !ok {
		return nil, invalidToken()
	}
	return &guard.Identity{ID: u.ID, Role: u.Role, Email: u.Email}, nil
}

func (s *authStore) oauthURL(_ context.Context, payload json.RawMessage) (interface{}, error) {
	var in struct {
		Provider string `json:"provider"`
	}
	_ = json.Unmarshal(payload, &in)
	switch in.Provider {
	case "google", "github":
	default:
		return nil, rpc.NewRemoteError("BAD_REQUEST", http.StatusBadRequest, fmt.Sprintf("Unsupported provider: %s", in.Provider))
	}
	return map[string]string{"url": fmt.Sprintf("https://oauth.example.com/%s/authorize?state=%s", in.Provider, uuid.NewString())}, nil
}

// oauthCallback accepts any non-empty code and signs in the first USER account.
func (s *authStore) oauthCallback(_ context.Context, payload json.RawMessage) (interface{}, error) {
	var in struct {
		Provider string            `json:"provider"`
		Query    map[string]string `json:"query"`
	}
	_ = json.Unmarshal(payload, &in)
	if in.Query["code"] == "" {
		return nil, rpc.NewRemoteError("UNAUTHORIZED", http.StatusUnauthorized, "Missing authorization code")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.byID {
		if u.Role == guard.RoleUser {
			return s.issue(u.ID), nil
		}
	}
	return nil, invalidCredentials()
}

func (s *authStore) logout(_ context.Context, payload json.RawMessage) (interface{}, error) {
	var in struct {
		RefreshToken string `json:"refreshToken"`
	}
	_ = json.Unmarshal(payload, &in)
	s.mu.Lock()
	delete(s.refresh, in.RefreshToken)
	s.mu.Unlock()
	return nil, nil
}

func (s *authStore) logoutAll(_ context.Context, payload json.RawMessage) (interface{}, error) {
	var in struct {
		UserID string `json:"userId"`
	}
	_ = json.Unmarshal(payload, &in)
	s.mu.Lock()
	defer s.mu.Unlock()
	for tok, g := range s.access {
		if g.userID == in.UserID {
			delete(s.access, tok)
		}
	}
	for tok, g := range s.refresh {
		if g.userID == in.UserID {
			delete(s.refresh, tok)
		}
	}
	return nil, nil
}
