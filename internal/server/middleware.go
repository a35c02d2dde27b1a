package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/morezero/api-gateway/pkg/apierror"
)

const middlewareLogPrefix = "server:middleware"

// handlerFunc is a route handler that reports failures by returning them.
type handlerFunc func(w http.ResponseWriter, r *http.Request) error

// errorBoundary turns a handlerFunc into an http.Handler; every returned error goes through
// the translator.
func errorBoundary(h handlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := h(w, r); err != nil {
			apierror.Write(w, r, err)
		}
	})
}

// detach drops the request's cancellation but keeps its values, so a client disconnect does
// not abort an in-flight RPC. Each call is still bounded by its exchange timeout.
func detach(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(context.WithoutCancel(r.Context())))
	})
}

// recoverer converts a handler panic into a 500 response.
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				slog.Error(fmt.Sprintf("%s - panic in %s %s request_id=%s: %v\n%s",
					middlewareLogPrefix, r.Method, r.URL.Path, middleware.GetReqID(r.Context()), rec, debug.Stack()))
				apierror.Write(w, r, apierror.Internal(fmt.Errorf("panic: %v", rec)))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requestLogger logs one debug line per request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug(fmt.Sprintf("%s - %s %s status=%d bytes=%d duration=%s request_id=%s",
			middlewareLogPrefix, r.Method, r.URL.Path, ww.Status(), ww.BytesWritten(), time.Since(start), middleware.GetReqID(r.Context())))
	})
}
