package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/morezero/api-gateway/pkg/apierror"
	"github.com/morezero/api-gateway/pkg/facade"
	"github.com/morezero/api-gateway/pkg/guard"
	"github.com/morezero/api-gateway/pkg/health"
	"github.com/morezero/api-gateway/pkg/session"
	"github.com/morezero/api-gateway/pkg/webhook"
)

const handlersLogPrefix = "server:handlers"

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Session endpoint messages.
const (
	MsgLogin     = "Login successfully"
	MsgRefresh   = "Refresh successfully"
	MsgLogout    = "Logout successfully"
	MsgLogoutAll = "Logout all sessions successfully"
)

type messageBody struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to write response: %v", handlersLogPrefix, err))
	}
	return nil
}

// writeRaw writes a domain result that is already JSON.
func writeRaw(w http.ResponseWriter, status int, body json.RawMessage) error {
	if len(body) == 0 {
		body = json.RawMessage("null")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to write response: %v", handlersLogPrefix, err))
	}
	return nil
}

// readBody returns the request body, or nil when it is empty. Anything that is not JSON is
// a bad request.
func readBody(r *http.Request) (json.RawMessage, error) {
	data, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, apierror.BadRequest("request body too large")
		}
		return nil, apierror.BadRequest("failed to read request body")
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}
	if !json.Valid(data) {
		return nil, apierror.BadRequest("invalid JSON body")
	}
	return data, nil
}

func identity(r *http.Request) (*guard.Identity, error) {
	id, ok := guard.IdentityFrom(r.Context())
	if !ok {
		return nil, apierror.Unauthorized(guard.MsgMissingToken)
	}
	return id, nil
}

// handleLogin clears both cookies on every failure, including unreadable bodies.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) error {
	creds, err := loginCredentials(r)
	if err != nil {
		s.sessions.Clear(w)
		return err
	}
	if err := s.sessions.Login(r.Context(), w, creds); err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, messageBody{Message: MsgLogin})
}

func loginCredentials(r *http.Request) (*session.Credentials, error) {
	body, err := readBody(r)
	if err != nil {
		return nil, err
	}
	var creds session.Credentials
	if body != nil {
		if err := json.Unmarshal(body, &creds); err != nil {
			return nil, apierror.BadRequest("invalid credentials payload")
		}
	}
	if creds.Email == "" || creds.Password == "" {
		return nil, apierror.BadRequest("email and password are required")
	}
	return &creds, nil
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) error {
	if err := s.sessions.Refresh(r.Context(), w, r); err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, messageBody{Message: MsgRefresh})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) error {
	id, err := identity(r)
	if err != nil {
		return err
	}
	if err := s.sessions.Logout(r.Context(), w, r, id.ID); err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, messageBody{Message: MsgLogout})
}

func (s *Server) handleLogoutAll(w http.ResponseWriter, r *http.Request) error {
	id, err := identity(r)
	if err != nil {
		return err
	}
	if err := s.sessions.LogoutAll(r.Context(), w, id.ID); err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, messageBody{Message: MsgLogoutAll})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) error {
	id, err := identity(r)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, id)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) error {
	body, err := readBody(r)
	if err != nil {
		return err
	}
	if body == nil {
		return apierror.BadRequest("request body is required")
	}
	out, err := s.auth.Register(r.Context(), body)
	if err != nil {
		return err
	}
	return writeRaw(w, http.StatusCreated, out)
}

func (s *Server) handleOAuthStart(w http.ResponseWriter, r *http.Request) error {
	provider := chi.URLParam(r, "provider")
	target, err := s.auth.OAuthURL(r.Context(), provider)
	if err != nil {
		return err
	}
	if _, err := url.Parse(target); err != nil {
		return apierror.Internal(fmt.Errorf("%s - invalid oauth url from auth domain: %w", handlersLogPrefix, err))
	}
	http.Redirect(w, r, target, http.StatusFound)
	return nil
}

func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) error {
	provider := chi.URLParam(r, "provider")
	tokens, err := s.auth.OAuthCallback(r.Context(), provider, r.URL.Query())
	if err != nil {
		s.sessions.Clear(w)
		return err
	}
	if err := s.sessions.Establish(w, tokens); err != nil {
		return err
	}
	http.Redirect(w, r, s.oauthRedirect, http.StatusFound)
	return nil
}

func queryParams(r *http.Request) map[string]string {
	q := r.URL.Query()
	if len(q) == 0 {
		return nil
	}
	params := make(map[string]string, len(q))
	for k := range q {
		params[k] = q.Get(k)
	}
	return params
}

func (s *Server) collection(domain string) (collectionService, error) {
	c, ok := s.collections[domain]
	if !ok {
		return nil, apierror.Internal(fmt.Errorf("%s - no facade for domain %q", handlersLogPrefix, domain))
	}
	return c, nil
}

// collectionHandler resolves the identity and the façade for domain before calling fn.
func (s *Server) collectionHandler(domain string, fn func(ctx context.Context, c collectionService, id *guard.Identity, w http.ResponseWriter, r *http.Request) error) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		id, err := identity(r)
		if err != nil {
			return err
		}
		c, err := s.collection(domain)
		if err != nil {
			return err
		}
		return fn(r.Context(), c, id, w, r)
	}
}

func (s *Server) handleFindAll(domain string) handlerFunc {
	return s.collectionHandler(domain, func(ctx context.Context, c collectionService, id *guard.Identity, w http.ResponseWriter, r *http.Request) error {
		out, err := c.FindAll(ctx, id, queryParams(r))
		if err != nil {
			return err
		}
		return writeRaw(w, http.StatusOK, out)
	})
}

func (s *Server) handleFindOne(domain string) handlerFunc {
	return s.collectionHandler(domain, func(ctx context.Context, c collectionService, id *guard.Identity, w http.ResponseWriter, r *http.Request) error {
		out, err := c.FindOne(ctx, id, chi.URLParam(r, "id"))
		if err != nil {
			return err
		}
		return writeRaw(w, http.StatusOK, out)
	})
}

func (s *Server) handleCreate(domain string) handlerFunc {
	return s.collectionHandler(domain, func(ctx context.Context, c collectionService, id *guard.Identity, w http.ResponseWriter, r *http.Request) error {
		body, err := readBody(r)
		if err != nil {
			return err
		}
		out, err := c.Create(ctx, id, body)
		if err != nil {
			return err
		}
		return writeRaw(w, http.StatusCreated, out)
	})
}

func (s *Server) handleUpdate(domain string) handlerFunc {
	return s.collectionHandler(domain, func(ctx context.Context, c collectionService, id *guard.Identity, w http.ResponseWriter, r *http.Request) error {
		body, err := readBody(r)
		if err != nil {
			return err
		}
		out, err := c.Update(ctx, id, chi.URLParam(r, "id"), body)
		if err != nil {
			return err
		}
		return writeRaw(w, http.StatusOK, out)
	})
}

func (s *Server) handleRemove(domain string) handlerFunc {
	return s.collectionHandler(domain, func(ctx context.Context, c collectionService, id *guard.Identity, w http.ResponseWriter, r *http.Request) error {
		out, err := c.Remove(ctx, id, chi.URLParam(r, "id"))
		if err != nil {
			return err
		}
		return writeRaw(w, http.StatusOK, out)
	})
}

// action builds a handler for a non-CRUD routing key on domain.
func (s *Server) action(domain, action string, status int, withBody bool, params ...string) handlerFunc {
	return s.collectionHandler(domain, func(ctx context.Context, c collectionService, id *guard.Identity, w http.ResponseWriter, r *http.Request) error {
		req := &facade.CollectionRequest{Actor: id, ID: chi.URLParam(r, "id")}
		if withBody {
			body, err := readBody(r)
			if err != nil {
				return err
			}
			req.Data = body
		}
		if len(params) > 0 {
			req.Params = make(map[string]string, len(params))
			for _, p := range params {
				req.Params[p] = chi.URLParam(r, p)
			}
		}
		out, err := c.Action(ctx, action, req)
		if err != nil {
			return err
		}
		return writeRaw(w, status, out)
	})
}

func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request) error {
	return s.action("team", "addMember", http.StatusCreated, true)(w, r)
}

func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request) error {
	return s.action("team", "removeMember", http.StatusOK, false, "memberId")(w, r)
}

func (s *Server) handleChatbotMessage(w http.ResponseWriter, r *http.Request) error {
	return s.action("chatbot", "ask", http.StatusOK, true)(w, r)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) error {
	return s.action("notification", "markRead", http.StatusOK, false)(w, r)
}

func (s *Server) handleUploadComplete(w http.ResponseWriter, r *http.Request) error {
	body, err := readBody(r)
	if err != nil {
		return err
	}
	if body == nil {
		return apierror.BadRequest("request body is required")
	}
	payload, err := webhook.Decode(body)
	if err != nil {
		return err
	}
	res, err := s.receiver.Receive(r.Context(), payload, r.Header.Get(webhook.IdempotencyHeader), body)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleReceipts(w http.ResponseWriter, r *http.Request) error {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	page, err := s.receiver.Receipts(r.Context(), limit, offset)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) error {
	ctx, cancel := context.WithTimeout(r.Context(), s.healthTimeout)
	defer cancel()
	h := s.health.Health(ctx)
	status := http.StatusOK
	if h.Status != health.StatusHealthy {
		status = http.StatusServiceUnavailable
	}
	return writeJSON(w, status, h)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) error {
	ctx, cancel := context.WithTimeout(r.Context(), s.healthTimeout)
	defer cancel()
	if h := s.health.Health(ctx); h.Status != health.StatusHealthy {
		return writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
	}
	return writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleDomainHealth(w http.ResponseWriter, r *http.Request) error {
	ctx, cancel := context.WithTimeout(r.Context(), s.healthTimeout)
	defer cancel()
	out := s.health.Domains(ctx)
	status := http.StatusOK
	if out.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	return writeJSON(w, status, out)
}
