// Package apierror holds the gateway's error taxonomy and the single boundary that turns any
// error into an HTTP status and JSON body.
package apierror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/morezero/api-gateway/pkg/rpc"
)

const logPrefix = "apierror:apierror"

// Kind classifies an error raised by the gateway itself. Timeouts and transport failures are
// reported by the rpc package's own error types.
type Kind string

const (
	KindUnauthorized Kind = "UNAUTHORIZED"
	KindForbidden    Kind = "FORBIDDEN"
	KindNotFound     Kind = "NOT_FOUND"
	KindConflict     Kind = "CONFLICT"
	KindBadRequest   Kind = "BAD_REQUEST"
	KindInternal     Kind = "INTERNAL"
)

var kindStatus = map[Kind]int{
	KindUnauthorized: http.StatusUnauthorized,
	KindForbidden:    http.StatusForbidden,
	KindNotFound:     http.StatusNotFound,
	KindConflict:     http.StatusConflict,
	KindBadRequest:   http.StatusBadRequest,
	KindInternal:     http.StatusInternalServerError,
}

// Error is an HTTP-shaped error. Message is safe to return to the caller; Err is logged only.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Status returns the HTTP status for the error's kind.
func (e *Error) Status() int {
	if s, ok := kindStatus[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

func Unauthorized(message string) *Error { return &Error{Kind: KindUnauthorized, Message: message} }
func Forbidden(message string) *Error    { return &Error{Kind: KindForbidden, Message: message} }
func NotFound(message string) *Error     { return &Error{Kind: KindNotFound, Message: message} }
func Conflict(message string) *Error     { return &Error{Kind: KindConflict, Message: message} }
func BadRequest(message string) *Error   { return &Error{Kind: KindBadRequest, Message: message} }

// Internal wraps err as an unclassified failure; err is never shown to the caller.
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Message: "Internal server error", Err: err}
}

// Body is the JSON shape of every error response.
type Body struct {
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
	Error      string `json:"error"`
}

// Translate maps any error onto a status and body. Domain errors keep the status and
// message the domain sent; gateway errors use their kind; timeouts and transport failures
// become 504 and 503; anything else is a generic 500.
func Translate(err error) (int, Body) {
	var (
		remote    *rpc.RemoteError
		apiErr    *Error
		timeout   *rpc.TimeoutError
		transport *rpc.TransportError
	)

	switch {
	case err == nil:
		return http.StatusInternalServerError, body(http.StatusInternalServerError, "Internal server error")
	case errors.As(err, &apiErr):
		status := apiErr.Status()
		msg := apiErr.Message
		if status == http.StatusInternalServerError || msg == "" {
			msg = defaultMessage(status)
		}
		return status, body(status, msg)
	case errors.As(err, &remote):
		status := remote.StatusCode
		if status < 100 || status > 599 {
			status = http.StatusInternalServerError
		}
		msg := remote.Message
		if msg == "" {
			msg = defaultMessage(status)
		}
		return status, body(status, msg)
	case errors.As(err, &timeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, body(http.StatusGatewayTimeout, "Upstream service timed out")
	case errors.As(err, &transport), errors.Is(err, rpc.ErrClosed):
		return http.StatusServiceUnavailable, body(http.StatusServiceUnavailable, "Upstream service unavailable")
	default:
		return http.StatusInternalServerError, body(http.StatusInternalServerError, "Internal server error")
	}
}

// Write translates err and writes the JSON response. Server-side failures are logged with
// the full error chain.
func Write(w http.ResponseWriter, r *http.Request, err error) {
	status, b := Translate(err)
	if status >= http.StatusInternalServerError {
		slog.Error(fmt.Sprintf("%s - %s %s -> %d: %v", logPrefix, r.Method, r.URL.Path, status, err))
	} else {
		slog.Debug(fmt.Sprintf("%s - %s %s -> %d: %v", logPrefix, r.Method, r.URL.Path, status, err))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encErr := json.NewEncoder(w).Encode(b); encErr != nil {
		slog.Error(fmt.Sprintf("%s - failed to encode error body: %v", logPrefix, encErr))
	}
}

func body(status int, message string) Body {
	return Body{StatusCode: status, Message: message, Error: http.StatusText(status)}
}

func defaultMessage(status int) string {
	switch status {
	case http.StatusGatewayTimeout:
		return "Upstream service timed out"
	case http.StatusServiceUnavailable:
		return "Upstream service unavailable"
	case http.StatusInternalServerError:
		return "Internal server error"
	}
	if text := http.StatusText(status); text != "" {
		return text
	}
	return "Internal server error"
}
