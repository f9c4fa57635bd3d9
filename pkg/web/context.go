package web

import (
	"context"
	"net/http"

	"github.com/dotsandlines/gluubridge/pkg/lifecycle"
	"github.com/dotsandlines/gluubridge/pkg/token"
)

// SessionCookieName carries the bridge's own session identifier. It is
// host-only and distinct from the shared SSO cookie.
const SessionCookieName = "bridge_session"

// principalHeader names the authenticated user as asserted by the fronting
// web application.
const principalHeader = "X-User-ID"

// cookieWriter adapts an http.ResponseWriter to lifecycle.CookieWriter.
type cookieWriter struct {
	w http.ResponseWriter
}

func (c *cookieWriter) Set(name, value, domain string) {
	http.SetCookie(c.w, &http.Cookie{
		Name:     name,
		Value:    value,
		Domain:   domain,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (c *cookieWriter) Clear(name, domain string) {
	http.SetCookie(c.w, &http.Cookie{
		Name:     name,
		Domain:   domain,
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
}

// sessionTerminator expires the bridge session cookie. The fronting web
// application watches for the expired cookie and tears down its own session.
type sessionTerminator struct {
	cookies *cookieWriter
}

func (s *sessionTerminator) Logout(ctx context.Context) error {
	s.cookies.Clear(SessionCookieName, "")
	return nil
}

// requestContext assembles the lifecycle request context for an incoming
// request: session ID from the session cookie, principal from the trusted
// header, cookie and logout capabilities bound to the response writer.
func requestContext(w http.ResponseWriter, r *http.Request) lifecycle.RequestContext {
	cookies := &cookieWriter{w: w}
	rc := lifecycle.RequestContext{
		Cookies: cookies,
		Session: &sessionTerminator{cookies: cookies},
	}
	if c, err := r.Cookie(SessionCookieName); err == nil {
		rc.SessionID = c.Value
	}
	if principal := r.Header.Get(principalHeader); principal != "" {
		rc.Principal = token.Identity(principal)
	}
	return rc
}
