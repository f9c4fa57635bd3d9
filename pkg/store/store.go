package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/dotsandlines/gluubridge/pkg/observability"
	"github.com/dotsandlines/gluubridge/pkg/token"
)

// DefaultCacheTTL bounds how long a session-cache entry may outlive its
// session. Entries are a cache, not a store of record, so eviction is safe.
const DefaultCacheTTL = 24 * time.Hour

// TokenStore keeps tokens in two tiers: a Redis session cache keyed by
// (session, identity) and a durable Postgres row per principal identity.
// Service-scoped tokens are never persisted to the durable tier.
//
// The lifecycle manager is the sole writer of both tiers.
type TokenStore struct {
	redis    *redis.Client
	db       *sql.DB
	logger   *observability.Logger
	metrics  *observability.Metrics
	cacheTTL time.Duration
}

// NewTokenStore creates a token store over the given Redis and Postgres
// connections. metrics may be nil; a non-positive cacheTTL falls back to
// DefaultCacheTTL.
func NewTokenStore(redisClient *redis.Client, db *sql.DB, logger *observability.Logger, metrics *observability.Metrics, cacheTTL time.Duration) *TokenStore {
	if cacheTTL <= 0 {
		cacheTTL = DefaultCacheTTL
	}
	return &TokenStore{
		redis:    redisClient,
		db:       db,
		logger:   logger,
		metrics:  metrics,
		cacheTTL: cacheTTL,
	}
}

// EnsureSchema creates the durable token table if it does not exist.
func (s *TokenStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS gluu_user_sessions (
			id BIGSERIAL PRIMARY KEY,
			user_id TEXT NOT NULL,
			access_token TEXT NOT NULL,
			token_type TEXT NOT NULL,
			expires_at BIGINT NOT NULL DEFAULT 0,
			refresh_token TEXT,
			scope TEXT,
			id_token TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS gluu_user_sessions_user_id_idx ON gluu_user_sessions (user_id)
	`)
	if err != nil {
		return fmt.Errorf("failed to create gluu_user_sessions table: %w", err)
	}
	return nil
}

func cacheKey(sessionID string, id token.Identity) string {
	return fmt.Sprintf("token:%s:%s", sessionID, id)
}

// Get returns the cached token for the identity, or nil if none exists.
// On a session-cache miss for a principal identity the durable row is loaded
// and written back into the session cache before returning (cache-fill-on-read).
// Service identities skip the durable lookup entirely.
func (s *TokenStore) Get(ctx context.Context, sessionID string, id token.Identity) (*token.AccessToken, error) {
	cached, err := s.redis.Get(ctx, cacheKey(sessionID, id)).Result()
	if err == nil {
		var tok token.AccessToken
		if jerr := json.Unmarshal([]byte(cached), &tok); jerr == nil {
			s.countCache("session", true)
			return &tok, nil
		}
		// unreadable cache entry, fall through to the durable tier
		s.logger.WithField("identity", string(id)).Warn("dropping unreadable session cache entry")
		s.redis.Del(ctx, cacheKey(sessionID, id))
	} else if err != redis.Nil {
		s.logger.WithError(err).Warn("session cache read failed")
	}
	s.countCache("session", false)

	if !id.IsPrincipal() {
		return nil, nil
	}

	tok := &token.AccessToken{}
	var refreshToken, scope, idToken sql.NullString
	err = s.db.QueryRowContext(ctx, `
		SELECT access_token, token_type, expires_at, refresh_token, scope, id_token
		FROM gluu_user_sessions
		WHERE user_id = $1
	`, string(id)).Scan(&tok.AccessToken, &tok.TokenType, &tok.ExpiresAt, &refreshToken, &scope, &idToken)
	if err == sql.ErrNoRows {
		s.countCache("durable", false)
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to load persisted token: %w", err)
	}
	s.countCache("durable", true)

	tok.RefreshToken = refreshToken.String
	tok.Scope = scope.String
	tok.IDToken = idToken.String

	// store it in the session cache again so the next read is fast
	if err := s.Put(ctx, sessionID, id, tok, true); err != nil {
		s.logger.WithError(err).Warn("cache-fill after durable read failed")
	}

	return tok, nil
}

// Put writes the token to the session cache, and for principal identities
// (unless cacheOnly is set) replaces the durable row: any existing record is
// deleted before the new one is inserted, so no stale optional field survives.
//
// A durable-write failure is logged and swallowed: the cache write already
// succeeded and the durable copy only matters for surviving session loss.
func (s *TokenStore) Put(ctx context.Context, sessionID string, id token.Identity, tok *token.AccessToken, cacheOnly bool) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}
	if err := s.redis.Set(ctx, cacheKey(sessionID, id), data, s.cacheTTL).Err(); err != nil {
		return fmt.Errorf("failed to write session cache: %w", err)
	}

	if !id.IsPrincipal() || cacheOnly {
		return nil
	}

	if err := s.replaceDurable(ctx, id, tok); err != nil {
		s.logger.WithError(err).WithField("identity", string(id)).Error("failed to persist token, session continues on cache only")
		if s.metrics != nil {
			s.metrics.DurableWriteFailuresTotal.Inc()
		}
	}
	return nil
}

func (s *TokenStore) replaceDurable(ctx context.Context, id token.Identity, tok *token.AccessToken) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM gluu_user_sessions WHERE user_id = $1`, string(id)); err != nil {
		return fmt.Errorf("failed to delete persisted token: %w", err)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gluu_user_sessions (user_id, access_token, token_type, expires_at, refresh_token, scope, id_token, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
	`, string(id), tok.AccessToken, tok.TokenType, tok.ExpiresAt,
		nullable(tok.RefreshToken), nullable(tok.Scope), nullable(tok.IDToken))
	if err != nil {
		return fmt.Errorf("failed to insert persisted token: %w", err)
	}
	return nil
}

// Delete removes the identity's token from the session cache and, for
// principal identities, from the durable tier.
func (s *TokenStore) Delete(ctx context.Context, sessionID string, id token.Identity) error {
	if err := s.redis.Del(ctx, cacheKey(sessionID, id)).Err(); err != nil && err != redis.Nil {
		s.logger.WithError(err).Warn("session cache delete failed")
	}
	if !id.IsPrincipal() {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM gluu_user_sessions WHERE user_id = $1`, string(id)); err != nil {
		return fmt.Errorf("failed to delete persisted token: %w", err)
	}
	return nil
}

// CleanupExpired deletes durable rows whose tokens expired before the cutoff.
// Never-expiring rows (expires_at = 0) are kept.
func (s *TokenStore) CleanupExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM gluu_user_sessions WHERE expires_at > 0 AND expires_at < $1
	`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to clean up expired tokens: %w", err)
	}
	return result.RowsAffected()
}

func (s *TokenStore) countCache(tier string, hit bool) {
	if s.metrics == nil {
		return
	}
	if hit {
		s.metrics.CacheHitsTotal.WithLabelValues(tier).Inc()
	} else {
		s.metrics.CacheMissesTotal.WithLabelValues(tier).Inc()
	}
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
