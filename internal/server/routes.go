package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/morezero/api-gateway/pkg/apierror"
	"github.com/morezero/api-gateway/pkg/guard"
)

// Route is one entry of the HTTP surface. Public routes bypass the guard; the others need a
// valid identity whose role is in Roles (any role when Roles is empty).
type Route struct {
	Method  string
	Pattern string
	Handler handlerFunc
	Roles   []string
	Public  bool
}

// collectionPaths maps URL collections to domains.
var collectionPaths = []struct {
	Path   string
	Domain string
}{
	{"users", "user"},
	{"teams", "team"},
	{"projects", "project"},
	{"tasks", "task"},
	{"sprints", "sprint"},
	{"epics", "epic"},
	{"labels", "label"},
	{"lists", "list"},
	{"files", "file"},
	{"discussions", "discussion"},
	{"notifications", "notification"},
}

// adminOnly lists collection operations restricted to ADMIN, keyed by "METHOD /pattern".
var adminOnly = map[string]bool{
	"GET /users":         true,
	"DELETE /users/{id}": true,
}

// Routes returns the full route table.
func (s *Server) Routes() []Route {
	admin := []string{guard.RoleAdmin}

	routes := []Route{
		{Method: http.MethodPost, Pattern: "/auth/session", Handler: s.handleLogin, Public: true},
		{Method: http.MethodPost, Pattern: "/auth/session/refresh", Handler: s.handleRefresh, Public: true},
		{Method: http.MethodPost, Pattern: "/auth/register", Handler: s.handleRegister, Public: true},
		{Method: http.MethodGet, Pattern: "/auth/oauth/{provider}", Handler: s.handleOAuthStart, Public: true},
		{Method: http.MethodGet, Pattern: "/auth/oauth/{provider}/callback", Handler: s.handleOAuthCallback, Public: true},
		{Method: http.MethodPost, Pattern: "/webhooks/upload-complete", Handler: s.handleUploadComplete, Public: true},
		{Method: http.MethodGet, Pattern: "/health", Handler: s.handleHealth, Public: true},
		{Method: http.MethodGet, Pattern: "/ready", Handler: s.handleReady, Public: true},

		{Method: http.MethodDelete, Pattern: "/auth/session", Handler: s.handleLogout},
		{Method: http.MethodDelete, Pattern: "/auth/sessions", Handler: s.handleLogoutAll},
		{Method: http.MethodGet, Pattern: "/auth/me", Handler: s.handleMe},

		{Method: http.MethodGet, Pattern: "/health/domains", Handler: s.handleDomainHealth, Roles: admin},
		{Method: http.MethodGet, Pattern: "/webhooks/receipts", Handler: s.handleReceipts, Roles: admin},
	}

	for _, c := range collectionPaths {
		base := "/" + c.Path
		item := base + "/{id}"
		for _, r := range []Route{
			{Method: http.MethodGet, Pattern: base, Handler: s.handleFindAll(c.Domain)},
			{Method: http.MethodPost, Pattern: base, Handler: s.handleCreate(c.Domain)},
			{Method: http.MethodGet, Pattern: item, Handler: s.handleFindOne(c.Domain)},
			{Method: http.MethodPatch, Pattern: item, Handler: s.handleUpdate(c.Domain)},
			{Method: http.MethodDelete, Pattern: item, Handler: s.handleRemove(c.Domain)},
		} {
			if adminOnly[r.Method+" "+r.Pattern] {
				r.Roles = admin
			}
			routes = append(routes, r)
		}
	}

	routes = append(routes,
		Route{Method: http.MethodPost, Pattern: "/teams/{id}/members", Handler: s.handleAddMember},
		Route{Method: http.MethodDelete, Pattern: "/teams/{id}/members/{memberId}", Handler: s.handleRemoveMember},
		Route{Method: http.MethodPost, Pattern: "/chatbot/messages", Handler: s.handleChatbotMessage},
		Route{Method: http.MethodPatch, Pattern: "/notifications/{id}/read", Handler: s.handleMarkRead},
	)
	return routes
}

// Router builds the chi router: request id, real ip, cancellation detach, recover and
// request logging for every route, then the guard for non-public routes, then the handler behind the error boundary.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(detach)
	r.Use(recoverer)
	r.Use(requestLogger)

	for _, rt := range s.Routes() {
		h := errorBoundary(rt.Handler)
		if !rt.Public {
			h = s.guard.Require(rt.Roles...)(h)
		}
		r.Method(rt.Method, rt.Pattern, h)
	}

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		apierror.Write(w, req, apierror.NotFound("Cannot "+req.Method+" "+req.URL.Path))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		apierror.Write(w, req, apierror.NotFound("Cannot "+req.Method+" "+req.URL.Path))
	})
	return r
}
