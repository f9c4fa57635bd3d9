package scim

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsandlines/gluubridge/pkg/config"
	"github.com/dotsandlines/gluubridge/pkg/lifecycle"
	"github.com/dotsandlines/gluubridge/pkg/observability"
	"github.com/dotsandlines/gluubridge/pkg/token"
)

type staticTokenSource struct {
	tok      *token.AccessToken
	err      error
	resolves int
}

func (s *staticTokenSource) Resolve(ctx context.Context, rc lifecycle.RequestContext, id token.Identity) (*token.AccessToken, error) {
	s.resolves++
	return s.tok, s.err
}

func newTestSCIMClient(t *testing.T, handler http.HandlerFunc) (*Client, *staticTokenSource) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	source := &staticTokenSource{
		tok: &token.AccessToken{AccessToken: "admin-token", TokenType: "bearer"},
	}
	cfg := config.GluuConfig{BaseURL: srv.URL, HTTPTimeout: 5 * time.Second}
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)

	return NewClient(cfg, source, logger), source
}

func TestClient_FindUserByUserName(t *testing.T) {
	c, source := newTestSCIMClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/"+UsersEndpoint, r.URL.Path)
		assert.Equal(t, `userName eq "user@example.com"`, r.URL.Query().Get("filter"))
		assert.Equal(t, "Bearer admin-token", r.Header.Get("Authorization"))

		json.NewEncoder(w).Encode(ListResponse{
			Schemas:      []string{ListSchema},
			TotalResults: 1,
			Resources: []User{{
				Schemas:  []string{UserSchema},
				ID:       "gluu-123",
				UserName: "user@example.com",
			}},
		})
	})

	user, err := c.FindUserByUserName(context.Background(), lifecycle.RequestContext{SessionID: "sess"}, "user@example.com")
	require.NoError(t, err)
	assert.Equal(t, "gluu-123", user.ID)
	assert.Equal(t, 1, source.resolves)
}

func TestClient_FindUserByUserName_NoMatch(t *testing.T) {
	c, _ := newTestSCIMClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ListResponse{Schemas: []string{ListSchema}, TotalResults: 0})
	})

	_, err := c.FindUserByUserName(context.Background(), lifecycle.RequestContext{}, "missing@example.com")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClient_FindUserByUserName_AmbiguousMatch(t *testing.T) {
	c, _ := newTestSCIMClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ListResponse{Schemas: []string{ListSchema}, TotalResults: 2})
	})

	_, err := c.FindUserByUserName(context.Background(), lifecycle.RequestContext{}, "dup@example.com")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestClient_GetUser(t *testing.T) {
	c, _ := newTestSCIMClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/"+UsersEndpoint+"/gluu-123", r.URL.Path)
		json.NewEncoder(w).Encode(User{Schemas: []string{UserSchema}, ID: "gluu-123", UserName: "user@example.com"})
	})

	user, err := c.GetUser(context.Background(), lifecycle.RequestContext{}, "gluu-123")
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", user.UserName)
}

func TestClient_GetUser_NotFound(t *testing.T) {
	c, _ := newTestSCIMClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := c.GetUser(context.Background(), lifecycle.RequestContext{}, "unknown")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClient_CreateUser(t *testing.T) {
	c, _ := newTestSCIMClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/scim+json", r.Header.Get("Content-Type"))

		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "new@example.com", payload["userName"])
		assert.Equal(t, "hunter2", payload["password"])
		ext, ok := payload[UserExtensionSchema].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "portal", ext["extSystem"])

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(User{Schemas: []string{UserSchema}, ID: "gluu-999", UserName: "new@example.com"})
	})

	created, err := c.CreateUser(context.Background(), lifecycle.RequestContext{}, NewRegistrationUser("new@example.com", "hunter2"))
	require.NoError(t, err)
	assert.Equal(t, "gluu-999", created.ID)
}

func TestClient_CreateUser_ServerError(t *testing.T) {
	c, _ := newTestSCIMClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "conflict", http.StatusConflict)
	})

	_, err := c.CreateUser(context.Background(), lifecycle.RequestContext{}, NewRegistrationUser("dup@example.com", "x"))
	var scimErr *Error
	require.ErrorAs(t, err, &scimErr)
	assert.Equal(t, http.StatusConflict, scimErr.StatusCode)
}

func TestClient_UpdateUser(t *testing.T) {
	c, _ := newTestSCIMClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/"+UsersEndpoint+"/gluu-123", r.URL.Path)
		json.NewEncoder(w).Encode(User{Schemas: []string{UserSchema}, ID: "gluu-123", DisplayName: "New Name"})
	})

	updated, err := c.UpdateUser(context.Background(), lifecycle.RequestContext{}, "gluu-123", &User{DisplayName: "New Name"})
	require.NoError(t, err)
	assert.Equal(t, "New Name", updated.DisplayName)
}

func TestClient_DeactivateUser(t *testing.T) {
	c, _ := newTestSCIMClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)

		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, false, payload["active"])

		active := false
		json.NewEncoder(w).Encode(User{Schemas: []string{UserSchema}, ID: "gluu-123", Active: &active})
	})

	user, err := c.DeactivateUser(context.Background(), lifecycle.RequestContext{}, "gluu-123")
	require.NoError(t, err)
	require.NotNil(t, user.Active)
	assert.False(t, *user.Active)
}

func TestClient_TokenResolutionFailure(t *testing.T) {
	c, source := newTestSCIMClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("endpoint must not be reached without a token")
	})
	source.tok = nil
	source.err = assert.AnError

	_, err := c.GetUser(context.Background(), lifecycle.RequestContext{}, "gluu-123")
	assert.ErrorIs(t, err, assert.AnError)
}

func TestPersonTypeMapping(t *testing.T) {
	assert.Equal(t, "pupil_under_14", PersonTypeForGroup("pupilUnder14"))
	assert.Equal(t, "pupil_over_14", PersonTypeForGroup("pupilFrom14"))
	assert.Equal(t, "private_person", PersonTypeForGroup("somethingElse"))

	assert.Equal(t, "pupilFrom14", GroupForPersonType("pupil_over_14"))
	assert.Equal(t, "teacher", GroupForPersonType("teacher"))
	assert.Equal(t, "private", GroupForPersonType("private_person"))
}

func TestExtensionSchemaJSONKey(t *testing.T) {
	user := NewRegistrationUser("user@example.com", "pw")
	data, err := json.Marshal(user)
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Contains(t, raw, UserExtensionSchema)
}
