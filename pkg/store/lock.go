package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/dotsandlines/gluubridge/pkg/token"
)

// ErrLockTimeout is returned when the token request lock could not be
// acquired within the bounded wait. It is fatal to the current resolve call
// and is not retried.
var ErrLockTimeout = errors.New("could not acquire a lock for the request token")

const (
	// DefaultAcquireTimeout matches the original 15-unit lock bound.
	DefaultAcquireTimeout = 15 * time.Second

	// PollInterval is how often a blocked caller retries the lock. Callers
	// that can satisfy themselves another way (a token minted by the current
	// holder, say) should re-check between rounds.
	PollInterval = 100 * time.Millisecond

	// lockLeaseTTL bounds how long a crashed holder can block other callers
	// in the same session.
	lockLeaseTTL = 30 * time.Second
)

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// SessionLock serializes token issuance per (session, identity) across all
// serving processes. The scope is deliberately per session, not global: a
// stuck lock only ever blocks one session, and two sessions minting the same
// service token concurrently is a harmless last-write-wins race.
type SessionLock struct {
	redis          *redis.Client
	acquireTimeout time.Duration
}

// NewSessionLock creates a Redis-backed named lock table.
func NewSessionLock(redisClient *redis.Client, acquireTimeout time.Duration) *SessionLock {
	if acquireTimeout <= 0 {
		acquireTimeout = DefaultAcquireTimeout
	}
	return &SessionLock{redis: redisClient, acquireTimeout: acquireTimeout}
}

func lockKey(sessionID string, id token.Identity) string {
	return fmt.Sprintf("token_lock:%s:%s", sessionID, id)
}

// AcquireTimeout returns the bounded wait applied by Acquire.
func (l *SessionLock) AcquireTimeout() time.Duration {
	return l.acquireTimeout
}

// TryAcquire makes a single attempt at the lock for (sessionID, identity).
// On success the returned release function must be called exactly once; when
// the lock is held elsewhere it returns acquired=false without blocking.
func (l *SessionLock) TryAcquire(ctx context.Context, sessionID string, id token.Identity) (func(), bool, error) {
	key := lockKey(sessionID, id)
	holder := uuid.NewString()

	ok, err := l.redis.SetNX(ctx, key, holder, lockLeaseTTL).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire token lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		releaseScript.Run(context.Background(), l.redis, []string{key}, holder)
	}
	return release, true, nil
}

// Acquire blocks until the lock for (sessionID, identity) is held or the
// bounded wait elapses, in which case ErrLockTimeout is returned. The
// returned release function must be called exactly once.
func (l *SessionLock) Acquire(ctx context.Context, sessionID string, id token.Identity) (func(), error) {
	deadline := time.Now().Add(l.acquireTimeout)

	for {
		release, ok, err := l.TryAcquire(ctx, sessionID, id)
		if err != nil {
			return nil, err
		}
		if ok {
			return release, nil
		}

		if time.Now().After(deadline) {
			return nil, ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(PollInterval):
		}
	}
}
