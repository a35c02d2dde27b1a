// Package guard authenticates and authorizes requests before they reach a handler. Every
// check round-trips to the auth domain; nothing is cached between requests.
package guard

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/morezero/api-gateway/pkg/apierror"
)

const logPrefix = "guard:guard"

// Rejection messages.
const (
	MsgMissingToken     = "missing token"
	MsgInvalidToken     = "invalid or expired token"
	MsgInsufficientRole = "insufficient role"
)

// Roles known to the gateway.
const (
	RoleAdmin = "ADMIN"
	RoleUser  = "USER"
)

// Identity is the caller resolved from an access token. It lives for one request.
type Identity struct {
	ID    string `json:"id"`
	Role  string `json:"role"`
	Email string `json:"email,omitempty"`
}

// Validator resolves an access token to an identity.
type Validator interface {
	ValidateToken(ctx context.Context, token string) (*Identity, error)
}

// State is a step of the per-request authorization state machine.
type State int

const (
	Unchecked State = iota
	TokenExtracted
	Validated
	Authorized
	Rejected
)

func (s State) String() string {
	switch s {
	case Unchecked:
		return "unchecked"
	case TokenExtracted:
		return "token-extracted"
	case Validated:
		return "validated"
	case Authorized:
		return "authorized"
	case Rejected:
		return "rejected"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Decision is the outcome of Check. Err is set only when State is Rejected.
type Decision struct {
	State    State
	Identity *Identity
	Err      *apierror.Error
}

// Guard runs the authorization state machine.
type Guard struct {
	validator Validator
	token     func(*http.Request) string
}

// New creates a Guard. token extracts the access token from a request, typically
// (*session.Manager).AccessToken.
func New(v Validator, token func(*http.Request) string) *Guard {
	return &Guard{validator: v, token: token}
}

// Check walks Unchecked -> TokenExtracted -> Validated -> Authorized, stopping at Rejected
// on the first failure. An empty roles list means any valid identity is accepted.
func (g *Guard) Check(r *http.Request, roles []string) Decision {
	state := Unchecked

	token := g.token(r)
	if token == "" {
		return reject(state, nil, apierror.Unauthorized(MsgMissingToken))
	}
	state = TokenExtracted

	id, err := g.validator.ValidateToken(r.Context(), token)
	if err != nil || id == nil || id.ID == "" {
		// Broker failures and rejected tokens look the same to the caller.
		slog.Debug(fmt.Sprintf("%s - %s %s token validation failed: %v", logPrefix, r.Method, r.URL.Path, err))
		return reject(state, nil, &apierror.Error{Kind: apierror.KindUnauthorized, Message: MsgInvalidToken, Err: err})
	}
	state = Validated

	if len(roles) > 0 && !hasRole(roles, id.Role) {
		slog.Debug(fmt.Sprintf("%s - %s %s role %q not in %v", logPrefix, r.Method, r.URL.Path, id.Role, roles))
		return reject(state, id, apierror.Forbidden(MsgInsufficientRole))
	}
	return Decision{State: Authorized, Identity: id}
}

// Require returns middleware admitting only callers whose role is in roles (any valid
// caller when roles is empty). The identity is stored in the request context.
func (g *Guard) Require(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := g.Check(r, roles)
			if d.State != Authorized {
				apierror.Write(w, r, d.Err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), d.Identity)))
		})
	}
}

func reject(from State, id *Identity, err *apierror.Error) Decision {
	slog.Debug(fmt.Sprintf("%s - rejected from %s: %s", logPrefix, from, err.Message))
	return Decision{State: Rejected, Identity: id, Err: err}
}

func hasRole(allowed []string, role string) bool {
	for _, r := range allowed {
		if r == role {
			return true
		}
	}
	return false
}

type ctxKey struct{}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// IdentityFrom returns the identity attached by the guard.
func IdentityFrom(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(*Identity)
	return id, ok && id != nil
}
