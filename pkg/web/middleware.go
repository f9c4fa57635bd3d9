package web

import (
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/dotsandlines/gluubridge/pkg/httputil"
	"github.com/dotsandlines/gluubridge/pkg/session"
)

// sessionMiddleware guarantees every request carries a session identifier.
// A request without the session cookie gets a fresh UUID, set on the response
// so subsequent requests from the same browser share the identifier.
func (s *Server) sessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := r.Cookie(SessionCookieName); err != nil {
			sessionID := uuid.NewString()
			http.SetCookie(w, &http.Cookie{
				Name:     SessionCookieName,
				Value:    sessionID,
				Path:     "/",
				HttpOnly: true,
				Secure:   true,
				SameSite: http.SameSiteLaxMode,
			})
			r.AddCookie(&http.Cookie{Name: SessionCookieName, Value: sessionID})
		}
		next.ServeHTTP(w, r)
	})
}

// revalidationMiddleware runs the session hooks before the handler: a stale
// authenticated session is logged out or refreshed before it can act.
func (s *Server) revalidationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// a login request replaces the session state anyway
		if r.URL.Path == "/api/login" {
			next.ServeHTTP(w, r)
			return
		}

		rc := requestContext(w, r)
		_, hasSSOCookie := s.ssoCookie(r)
		if err := s.hooks.OnRequestStart(r.Context(), rc, hasSSOCookie); err != nil {
			if errors.Is(err, session.ErrSessionTerminated) {
				httputil.WriteUnauthorized(w, "session terminated")
				return
			}
			s.logger.WithError(err).Error("session revalidation failed")
			httputil.WriteServiceUnavailable(w, "session revalidation failed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// metricsMiddleware records request counts and latency per route template.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				path = tmpl
			}
		}
		s.metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.status)).Inc()
		s.metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// recoveryMiddleware turns a handler panic into a 500 response.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.WithField("panic", fmt.Sprint(rec)).Errorf("handler panic: %s", debug.Stack())
				httputil.WriteInternalError(w, fmt.Errorf("internal server error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
