// Package session keeps the local web session and the IdP-side session in
// agreement. Its hooks run at request start and at logout, outside any single
// API handler.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/dotsandlines/gluubridge/pkg/config"
	"github.com/dotsandlines/gluubridge/pkg/lifecycle"
	"github.com/dotsandlines/gluubridge/pkg/observability"
	"github.com/dotsandlines/gluubridge/pkg/store"
	"github.com/dotsandlines/gluubridge/pkg/token"
)

// ErrSessionTerminated signals that revalidation ended the session mid
// request. The request must not reach its handler.
var ErrSessionTerminated = errors.New("session terminated during revalidation")

// Hooks synchronizes session state around the request lifecycle.
type Hooks struct {
	store        *store.TokenStore
	manager      *lifecycle.Manager
	logger       *observability.Logger
	cookieName   string
	cookieDomain string
}

// NewHooks wires the session hooks.
func NewHooks(tokenStore *store.TokenStore, manager *lifecycle.Manager, cfg config.SessionConfig, logger *observability.Logger) *Hooks {
	return &Hooks{
		store:        tokenStore,
		manager:      manager,
		logger:       logger,
		cookieName:   cfg.CookieName,
		cookieDomain: cfg.CookieDomain,
	}
}

// OnRequestStart revalidates an authenticated session against the token
// store before the request proper runs.
//
// A session with neither a stored token nor the shared SSO cookie is a local
// leftover of a session the IdP no longer knows, and is terminated. An
// expired token with a refresh token is refreshed in place; a refresh failure
// terminates the session inside the manager and surfaces as
// ErrSessionTerminated so the request never reaches its handler.
// Unauthenticated requests pass through untouched.
func (h *Hooks) OnRequestStart(ctx context.Context, rc lifecycle.RequestContext, hasSSOCookie bool) error {
	if !rc.Principal.IsPrincipal() {
		return nil
	}

	tok, err := h.store.Get(ctx, rc.SessionID, rc.Principal)
	if err != nil {
		return err
	}

	switch {
	case tok == nil && !hasSSOCookie:
		h.logger.WithField("identity", string(rc.Principal)).Info("session has no token and no SSO cookie, logging out")
		return h.terminate(ctx, rc)

	case tok != nil && tok.IsExpired(time.Now()):
		if !tok.Refreshable() {
			return h.terminate(ctx, rc)
		}
		if _, err := h.manager.Resolve(ctx, rc, rc.Principal); err != nil {
			// the manager already terminated the session on refresh failure
			var tokenErr *lifecycle.AccessTokenError
			if errors.As(err, &tokenErr) {
				h.clearSSOCookie(rc)
				return ErrSessionTerminated
			}
			return err
		}
	}

	return nil
}

// OnLogout drops the principal's and the admin service token for this session
// and clears the shared SSO cookie, so sibling applications drop the session
// too.
func (h *Hooks) OnLogout(ctx context.Context, rc lifecycle.RequestContext) error {
	if rc.Principal.IsPrincipal() {
		if err := h.manager.Drop(ctx, rc, rc.Principal); err != nil {
			h.logger.WithError(err).Warn("failed to drop principal token on logout")
		}
	}
	if err := h.manager.Drop(ctx, rc, token.AdminIdentity); err != nil {
		h.logger.WithError(err).Warn("failed to drop service token on logout")
	}
	h.clearSSOCookie(rc)
	return nil
}

// WriteSSOCookie publishes a Crowd session token on the shared cookie domain.
func (h *Hooks) WriteSSOCookie(rc lifecycle.RequestContext, sessionToken string) {
	if rc.Cookies == nil {
		return
	}
	rc.Cookies.Set(h.cookieName, sessionToken, h.cookieDomain)
}

func (h *Hooks) terminate(ctx context.Context, rc lifecycle.RequestContext) error {
	h.clearSSOCookie(rc)
	if rc.Session == nil {
		return nil
	}
	return rc.Session.Logout(ctx)
}

func (h *Hooks) clearSSOCookie(rc lifecycle.RequestContext) {
	if rc.Cookies == nil {
		return
	}
	rc.Cookies.Clear(h.cookieName, h.cookieDomain)
}
