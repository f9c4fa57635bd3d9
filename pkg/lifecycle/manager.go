package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/dotsandlines/gluubridge/pkg/idp"
	"github.com/dotsandlines/gluubridge/pkg/observability"
	"github.com/dotsandlines/gluubridge/pkg/store"
	"github.com/dotsandlines/gluubridge/pkg/token"
)

// IdentityProvider is the wire-level token operations the manager depends on.
// *idp.Client satisfies it.
type IdentityProvider interface {
	IssueServiceToken(ctx context.Context) (*token.AccessToken, error)
	IssuePrincipalToken(ctx context.Context, username, password string) (*token.AccessToken, error)
	Refresh(ctx context.Context, refreshToken string) (*token.AccessToken, error)
	ValidateCredentials(ctx context.Context, serviceToken, username, password string) bool
}

// TokenSource yields a usable access token for an identity. Consumers such as
// the SCIM client depend on this rather than on the full Manager.
type TokenSource interface {
	Resolve(ctx context.Context, rc RequestContext, id token.Identity) (*token.AccessToken, error)
}

// Manager owns the access-token lifecycle: it decides per call whether the
// stored token is still usable, refreshed, or reminted, and keeps the token
// store in sync with the outcome.
type Manager struct {
	store   *store.TokenStore
	locks   *store.SessionLock
	idp     IdentityProvider
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewManager wires the lifecycle manager. metrics may be nil.
func NewManager(tokenStore *store.TokenStore, locks *store.SessionLock, provider IdentityProvider, logger *observability.Logger, metrics *observability.Metrics) *Manager {
	return &Manager{
		store:   tokenStore,
		locks:   locks,
		idp:     provider,
		logger:  logger,
		metrics: metrics,
	}
}

// Resolve returns a usable access token for the identity, minting or
// refreshing only when the stored one is missing or expired.
//
// The decision ladder is strictly ordered: a stored valid token is returned
// with no IdP traffic at all; an expired principal token with a refresh token
// is refreshed outside the lock; everything else falls through to a locked
// remint via the client-credentials grant. A refresh failure is fatal to the
// session: the web session is terminated and the stored token dropped before
// the error is returned.
func (m *Manager) Resolve(ctx context.Context, rc RequestContext, id token.Identity) (*token.AccessToken, error) {
	now := time.Now()

	tok, err := m.store.Get(ctx, rc.SessionID, id)
	if err != nil {
		return nil, err
	}
	if tok != nil && !tok.IsExpired(now) {
		return tok, nil
	}

	if tok != nil && id.IsPrincipal() && tok.Refreshable() {
		refreshed, err := m.refresh(ctx, rc, id, tok)
		if err != nil {
			return nil, err
		}
		return refreshed, nil
	}

	if tok != nil {
		if err := m.store.Delete(ctx, rc.SessionID, id); err != nil {
			m.logger.WithError(err).Warn("failed to drop expired token before remint")
		}
	}

	return m.mint(ctx, rc, id)
}

// refresh exchanges the stored refresh token for a new access token. No lock
// is taken: concurrent refreshes of the same token are harmless last-write-wins
// and the session is about to be terminated anyway if the grant fails.
func (m *Manager) refresh(ctx context.Context, rc RequestContext, id token.Identity, stale *token.AccessToken) (*token.AccessToken, error) {
	refreshed, err := m.idp.Refresh(ctx, stale.RefreshToken)
	if err != nil {
		m.countGrant("refresh_token", false)
		if m.metrics != nil {
			m.metrics.TokenRefreshFailuresTotal.Inc()
		}
		m.forceLogout(ctx, rc, id)
		return nil, asAccessTokenError(err)
	}
	m.countGrant("refresh_token", true)

	if err := m.store.Put(ctx, rc.SessionID, id, refreshed, false); err != nil {
		return nil, err
	}
	return refreshed, nil
}

// forceLogout terminates the web session and drops the stored token after a
// failed refresh. The IdP-side session is gone; keeping the local one alive
// would leave the user half authenticated.
func (m *Manager) forceLogout(ctx context.Context, rc RequestContext, id token.Identity) {
	m.logger.WithField("identity", string(id)).Warn("token refresh failed, terminating session")
	if m.metrics != nil {
		m.metrics.ForcedLogoutsTotal.Inc()
	}
	if err := m.store.Delete(ctx, rc.SessionID, id); err != nil {
		m.logger.WithError(err).Warn("failed to drop token after refresh failure")
	}
	if rc.Session != nil {
		if err := rc.Session.Logout(ctx); err != nil {
			m.logger.WithError(err).Error("forced logout failed")
		}
	}
}

// mint acquires the per-(session, identity) lock and performs a
// client-credentials grant. Waiters re-read the store between lock attempts
// so a token minted by the current holder satisfies every waiter without the
// lock ever changing hands; the second Get under the lock catches the
// holder-just-released race.
func (m *Manager) mint(ctx context.Context, rc RequestContext, id token.Identity) (*token.AccessToken, error) {
	start := time.Now()
	deadline := start.Add(m.locks.AcquireTimeout())

	var release func()
	for {
		var acquired bool
		var err error
		release, acquired, err = m.locks.TryAcquire(ctx, rc.SessionID, id)
		if err != nil {
			return nil, err
		}
		if acquired {
			break
		}

		// the holder may already have stored the token we are waiting for
		if tok, err := m.store.Get(ctx, rc.SessionID, id); err != nil {
			return nil, err
		} else if tok != nil && !tok.IsExpired(time.Now()) {
			return tok, nil
		}

		if time.Now().After(deadline) {
			if m.metrics != nil {
				m.metrics.LockTimeoutsTotal.Inc()
			}
			return nil, store.ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(store.PollInterval):
		}
	}
	defer release()
	if m.metrics != nil {
		m.metrics.LockWaitDuration.Observe(time.Since(start).Seconds())
	}

	if tok, err := m.store.Get(ctx, rc.SessionID, id); err != nil {
		return nil, err
	} else if tok != nil && !tok.IsExpired(time.Now()) {
		return tok, nil
	}

	tok, err := m.idp.IssueServiceToken(ctx)
	if err != nil {
		m.countGrant("client_credentials", false)
		return nil, asAccessTokenError(err)
	}
	m.countGrant("client_credentials", true)

	if err := m.store.Put(ctx, rc.SessionID, id, tok, false); err != nil {
		return nil, err
	}
	return tok, nil
}

// Login performs a password grant for the principal and stores the result
// under the principal's identity. idp.ErrUnauthorized passes through so the
// caller can distinguish bad credentials from provider failure.
func (m *Manager) Login(ctx context.Context, rc RequestContext, principal token.Identity, username, password string) (*token.AccessToken, error) {
	tok, err := m.idp.IssuePrincipalToken(ctx, username, password)
	if err != nil {
		m.countGrant("password", false)
		if errors.Is(err, idp.ErrUnauthorized) {
			return nil, err
		}
		return nil, asAccessTokenError(err)
	}
	m.countGrant("password", true)

	if err := m.store.Put(ctx, rc.SessionID, principal, tok, false); err != nil {
		return nil, err
	}
	return tok, nil
}

// Drop removes the identity's token from both store tiers.
func (m *Manager) Drop(ctx context.Context, rc RequestContext, id token.Identity) error {
	return m.store.Delete(ctx, rc.SessionID, id)
}

// ValidatePassword checks a password against the IdP, authorized by the
// resolved admin service token. Any failure, including not being able to
// obtain the service token, collapses into false.
func (m *Manager) ValidatePassword(ctx context.Context, rc RequestContext, username, password string) bool {
	svc, err := m.Resolve(ctx, rc, token.AdminIdentity)
	if err != nil {
		m.logger.WithError(err).Warn("could not resolve service token for password validation")
		return false
	}
	return m.idp.ValidateCredentials(ctx, svc.AccessToken, username, password)
}

func (m *Manager) countGrant(grant string, success bool) {
	if m.metrics == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.metrics.TokenRequestsTotal.WithLabelValues(grant, outcome).Inc()
}

// asAccessTokenError normalizes IdP wire and validation failures into the
// caller-facing AccessTokenError. Lock and store errors are never wrapped.
func asAccessTokenError(err error) error {
	var wireErr *idp.Error
	if errors.As(err, &wireErr) {
		return &AccessTokenError{StatusCode: wireErr.StatusCode, Messages: []string{wireErr.Body}}
	}
	var verr *token.ValidationError
	if errors.As(err, &verr) {
		return &AccessTokenError{Messages: []string{verr.Error()}}
	}
	return &AccessTokenError{Messages: []string{err.Error()}}
}
