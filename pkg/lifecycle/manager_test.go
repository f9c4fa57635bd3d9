package lifecycle

import (
	"context"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsandlines/gluubridge/pkg/idp"
	"github.com/dotsandlines/gluubridge/pkg/observability"
	"github.com/dotsandlines/gluubridge/pkg/store"
	"github.com/dotsandlines/gluubridge/pkg/token"
)

type fakeIdP struct {
	mu sync.Mutex

	issueCalls    int
	refreshCalls  int
	passwordCalls int

	issueTok   *token.AccessToken
	issueErr   error
	refreshTok *token.AccessToken
	refreshErr error
	loginTok   *token.AccessToken
	loginErr   error

	validateResult bool
	mintDelay      time.Duration
}

func (f *fakeIdP) IssueServiceToken(ctx context.Context) (*token.AccessToken, error) {
	f.mu.Lock()
	f.issueCalls++
	f.mu.Unlock()
	if f.mintDelay > 0 {
		time.Sleep(f.mintDelay)
	}
	return f.issueTok, f.issueErr
}

func (f *fakeIdP) IssuePrincipalToken(ctx context.Context, username, password string) (*token.AccessToken, error) {
	f.mu.Lock()
	f.passwordCalls++
	f.mu.Unlock()
	return f.loginTok, f.loginErr
}

func (f *fakeIdP) Refresh(ctx context.Context, refreshToken string) (*token.AccessToken, error) {
	f.mu.Lock()
	f.refreshCalls++
	f.mu.Unlock()
	return f.refreshTok, f.refreshErr
}

func (f *fakeIdP) ValidateCredentials(ctx context.Context, serviceToken, username, password string) bool {
	return f.validateResult
}

func (f *fakeIdP) calls() (issue, refresh, password int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.issueCalls, f.refreshCalls, f.passwordCalls
}

type fakeSession struct {
	mu      sync.Mutex
	logouts int
}

func (s *fakeSession) Logout(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logouts++
	return nil
}

func (s *fakeSession) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logouts
}

type managerFixture struct {
	manager *Manager
	store   *store.TokenStore
	idp     *fakeIdP
	redis   *miniredis.Miniredis
	sqlMock sqlmock.Sqlmock
	metrics *observability.Metrics
}

func newManagerFixture(t *testing.T, provider *fakeIdP) *managerFixture {
	t.Helper()

	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { redisClient.Close() })

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	mock.MatchExpectationsInOrder(false)

	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	metrics := observability.NewMetrics(nil)

	tokenStore := store.NewTokenStore(redisClient, db, logger, metrics, 0)
	locks := store.NewSessionLock(redisClient, 500*time.Millisecond)

	return &managerFixture{
		manager: NewManager(tokenStore, locks, provider, logger, metrics),
		store:   tokenStore,
		idp:     provider,
		redis:   mr,
		sqlMock: mock,
		metrics: metrics,
	}
}

func freshToken(value string) *token.AccessToken {
	return &token.AccessToken{
		AccessToken: value,
		TokenType:   "bearer",
		ExpiresAt:   time.Now().Add(time.Hour).Unix(),
	}
}

func staleToken(value, refresh string) *token.AccessToken {
	return &token.AccessToken{
		AccessToken:  value,
		TokenType:    "bearer",
		ExpiresAt:    time.Now().Add(-time.Minute).Unix(),
		RefreshToken: refresh,
	}
}

func TestManager_Resolve_MintsOnceThenServesFromStore(t *testing.T) {
	provider := &fakeIdP{issueTok: freshToken("svc-1")}
	f := newManagerFixture(t, provider)
	rc := RequestContext{SessionID: "sess-1"}

	tok, err := f.manager.Resolve(context.Background(), rc, token.AdminIdentity)
	require.NoError(t, err)
	assert.Equal(t, "svc-1", tok.AccessToken)

	// second resolve must not touch the provider again
	tok2, err := f.manager.Resolve(context.Background(), rc, token.AdminIdentity)
	require.NoError(t, err)
	assert.Equal(t, tok.AccessToken, tok2.AccessToken)

	issue, refresh, password := provider.calls()
	assert.Equal(t, 1, issue)
	assert.Zero(t, refresh)
	assert.Zero(t, password)
}

func TestManager_Resolve_ConcurrentCallersMintOnce(t *testing.T) {
	provider := &fakeIdP{issueTok: freshToken("svc-1"), mintDelay: 50 * time.Millisecond}
	f := newManagerFixture(t, provider)
	rc := RequestContext{SessionID: "sess-1"}

	const callers = 8
	tokens := make([]*token.AccessToken, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = f.manager.Resolve(context.Background(), rc, token.AdminIdentity)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "svc-1", tokens[i].AccessToken)
	}
	issue, _, _ := provider.calls()
	assert.Equal(t, 1, issue)
}

func TestManager_Resolve_WaitersConvergeWithoutLockHandoff(t *testing.T) {
	// the mint takes longer than a single poll round, so waiters must be
	// satisfied by the stored token rather than by winning the lock in turn
	provider := &fakeIdP{issueTok: freshToken("svc-1"), mintDelay: 150 * time.Millisecond}
	f := newManagerFixture(t, provider)
	rc := RequestContext{SessionID: "sess-1"}

	const callers = 16
	tokens := make([]*token.AccessToken, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = f.manager.Resolve(context.Background(), rc, token.AdminIdentity)
		}(i)
	}
	wg.Wait()

	// with a 500ms acquire bound, serial lock handoff could serve at most a
	// handful of the sixteen callers; all of them must succeed
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "svc-1", tokens[i].AccessToken)
	}
	issue, _, _ := provider.calls()
	assert.Equal(t, 1, issue)
	assert.Equal(t, float64(0), testutil.ToFloat64(f.metrics.LockTimeoutsTotal))
}

func TestManager_Resolve_RefreshesExpiredPrincipalToken(t *testing.T) {
	provider := &fakeIdP{refreshTok: freshToken("refreshed")}
	f := newManagerFixture(t, provider)

	principal := token.Identity("1042")
	rc := RequestContext{SessionID: "sess-1", Principal: principal}

	require.NoError(t, f.store.Put(context.Background(), rc.SessionID, principal, staleToken("old", "refresh-1"), true))

	f.sqlMock.ExpectExec("DELETE FROM gluu_user_sessions").WillReturnResult(sqlmock.NewResult(0, 1))
	f.sqlMock.ExpectExec("INSERT INTO gluu_user_sessions").WillReturnResult(sqlmock.NewResult(1, 1))

	tok, err := f.manager.Resolve(context.Background(), rc, principal)
	require.NoError(t, err)
	assert.Equal(t, "refreshed", tok.AccessToken)

	issue, refresh, _ := provider.calls()
	assert.Zero(t, issue)
	assert.Equal(t, 1, refresh)
}

func TestManager_Resolve_RefreshFailureForcesLogout(t *testing.T) {
	provider := &fakeIdP{refreshErr: &idp.Error{StatusCode: http.StatusUnauthorized}}
	f := newManagerFixture(t, provider)

	principal := token.Identity("1042")
	session := &fakeSession{}
	rc := RequestContext{SessionID: "sess-1", Principal: principal, Session: session}

	require.NoError(t, f.store.Put(context.Background(), rc.SessionID, principal, staleToken("old", "refresh-1"), true))
	f.sqlMock.ExpectExec("DELETE FROM gluu_user_sessions").WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := f.manager.Resolve(context.Background(), rc, principal)
	var tokenErr *AccessTokenError
	require.ErrorAs(t, err, &tokenErr)
	assert.Equal(t, http.StatusUnauthorized, tokenErr.StatusCode)

	assert.Equal(t, 1, session.count())
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.ForcedLogoutsTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.TokenRefreshFailuresTotal))

	// the stale token must be gone from the session cache
	assert.False(t, f.redis.Exists("token:sess-1:1042"))
}

func TestManager_Resolve_LockTimeout(t *testing.T) {
	provider := &fakeIdP{issueTok: freshToken("svc-1")}
	f := newManagerFixture(t, provider)
	rc := RequestContext{SessionID: "sess-1"}

	// a foreign holder keeps the lock for longer than the acquire timeout
	require.NoError(t, f.redis.Set("token_lock:sess-1:api_admin", "other-holder"))

	_, err := f.manager.Resolve(context.Background(), rc, token.AdminIdentity)
	assert.ErrorIs(t, err, store.ErrLockTimeout)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.LockTimeoutsTotal))
}

func TestManager_Resolve_MintFailure(t *testing.T) {
	provider := &fakeIdP{issueErr: &idp.Error{StatusCode: http.StatusInternalServerError, Body: "boom"}}
	f := newManagerFixture(t, provider)
	rc := RequestContext{SessionID: "sess-1"}

	_, err := f.manager.Resolve(context.Background(), rc, token.AdminIdentity)
	var tokenErr *AccessTokenError
	require.ErrorAs(t, err, &tokenErr)
	assert.Equal(t, http.StatusInternalServerError, tokenErr.StatusCode)
}

func TestManager_Login(t *testing.T) {
	provider := &fakeIdP{loginTok: freshToken("user-token")}
	f := newManagerFixture(t, provider)

	principal := token.Identity("1042")
	rc := RequestContext{SessionID: "sess-1"}

	f.sqlMock.ExpectExec("DELETE FROM gluu_user_sessions").WillReturnResult(sqlmock.NewResult(0, 1))
	f.sqlMock.ExpectExec("INSERT INTO gluu_user_sessions").WillReturnResult(sqlmock.NewResult(1, 1))

	tok, err := f.manager.Login(context.Background(), rc, principal, "user@example.com", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "user-token", tok.AccessToken)
	assert.True(t, f.redis.Exists("token:sess-1:1042"))
}

func TestManager_Login_BadCredentials(t *testing.T) {
	provider := &fakeIdP{loginErr: idp.ErrUnauthorized}
	f := newManagerFixture(t, provider)
	rc := RequestContext{SessionID: "sess-1"}

	_, err := f.manager.Login(context.Background(), rc, token.Identity("1042"), "user@example.com", "wrong")
	assert.ErrorIs(t, err, idp.ErrUnauthorized)
}

func TestManager_Drop(t *testing.T) {
	provider := &fakeIdP{issueTok: freshToken("svc-1")}
	f := newManagerFixture(t, provider)
	rc := RequestContext{SessionID: "sess-1"}

	_, err := f.manager.Resolve(context.Background(), rc, token.AdminIdentity)
	require.NoError(t, err)
	require.True(t, f.redis.Exists("token:sess-1:api_admin"))

	require.NoError(t, f.manager.Drop(context.Background(), rc, token.AdminIdentity))
	assert.False(t, f.redis.Exists("token:sess-1:api_admin"))
}

func TestManager_ValidatePassword(t *testing.T) {
	provider := &fakeIdP{issueTok: freshToken("svc-1"), validateResult: true}
	f := newManagerFixture(t, provider)
	rc := RequestContext{SessionID: "sess-1"}

	assert.True(t, f.manager.ValidatePassword(context.Background(), rc, "user@example.com", "hunter2"))

	provider.validateResult = false
	assert.False(t, f.manager.ValidatePassword(context.Background(), rc, "user@example.com", "wrong"))
}

func TestManager_ValidatePassword_NoServiceToken(t *testing.T) {
	provider := &fakeIdP{issueErr: &idp.Error{StatusCode: http.StatusInternalServerError}, validateResult: true}
	f := newManagerFixture(t, provider)
	rc := RequestContext{SessionID: "sess-1"}

	assert.False(t, f.manager.ValidatePassword(context.Background(), rc, "user@example.com", "hunter2"))
}
