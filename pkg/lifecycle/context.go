package lifecycle

import (
	"context"

	"github.com/dotsandlines/gluubridge/pkg/token"
)

// SessionTerminator ends the authenticated web session behind a request.
// The lifecycle manager invokes it when a refresh fails: a principal whose
// refresh failed is assumed to have a revoked IdP-side session and must not
// keep operating against a stale local one.
type SessionTerminator interface {
	Logout(ctx context.Context) error
}

// CookieWriter writes and clears cookies on the current response.
type CookieWriter interface {
	Set(name, value, domain string)
	Clear(name, domain string)
}

// RequestContext carries the per-request state the lifecycle manager needs.
// It replaces ambient framework globals (current user, session, cookie jar)
// with an explicit value passed into every entry point.
type RequestContext struct {
	// SessionID identifies the requesting session; it scopes both the
	// session cache and the token request lock.
	SessionID string

	// Principal is the authenticated end user's identity, empty for
	// unauthenticated requests.
	Principal token.Identity

	// Session terminates the web session on refresh failure. May be nil for
	// server-to-server requests that have no session to terminate.
	Session SessionTerminator

	// Cookies writes to the current response. May be nil outside an HTTP
	// request.
	Cookies CookieWriter
}
