// Package scim manages user resources on the identity provider's SCIM v2
// endpoint, authorized by the admin service token.
package scim

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/dotsandlines/gluubridge/pkg/config"
	"github.com/dotsandlines/gluubridge/pkg/lifecycle"
	"github.com/dotsandlines/gluubridge/pkg/observability"
	"github.com/dotsandlines/gluubridge/pkg/token"
)

// UsersEndpoint is the SCIM user resource path relative to the IdP base URL.
const UsersEndpoint = "identity/restv1/scim/v2/Users"

const contentType = "application/scim+json"

// ErrNotFound is returned when a lookup matches no user.
var ErrNotFound = errors.New("scim user not found")

// Error reports a non-2xx response from the SCIM endpoint.
type Error struct {
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("scim endpoint returned status %d", e.StatusCode)
}

// Client performs user CRUD against the SCIM endpoint. Every request is
// authorized by the admin service token obtained through the token source, so
// a client call may transparently mint or refresh that token first.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     lifecycle.TokenSource
	logger     *observability.Logger
}

// NewClient creates a SCIM client over the given token source.
func NewClient(cfg config.GluuConfig, tokens lifecycle.TokenSource, logger *observability.Logger) *Client {
	httpClient := &http.Client{
		Timeout: cfg.HTTPTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	if cfg.InsecureSkipVerify {
		httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	return &Client{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: httpClient,
		tokens:     tokens,
		logger:     logger,
	}
}

// FindUserByUserName searches by exact userName and returns the single match.
// Zero matches yields ErrNotFound; more than one match is a server-side
// inconsistency and is reported as an error.
func (c *Client) FindUserByUserName(ctx context.Context, rc lifecycle.RequestContext, userName string) (*User, error) {
	filter := url.QueryEscape(fmt.Sprintf("userName eq %q", userName))
	status, body, err := c.do(ctx, rc, http.MethodGet, UsersEndpoint+"?filter="+filter, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &Error{StatusCode: status, Body: string(body)}
	}

	var list ListResponse
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("failed to decode user search response: %w", err)
	}
	switch {
	case list.TotalResults == 0:
		return nil, ErrNotFound
	case list.TotalResults == 1 && len(list.Resources) == 1:
		return &list.Resources[0], nil
	default:
		return nil, fmt.Errorf("user search for %q returned %d results", userName, list.TotalResults)
	}
}

// GetUser loads a user by its SCIM resource ID.
func (c *Client) GetUser(ctx context.Context, rc lifecycle.RequestContext, id string) (*User, error) {
	status, body, err := c.do(ctx, rc, http.MethodGet, UsersEndpoint+"/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
		return decodeUser(body)
	case http.StatusNotFound:
		return nil, ErrNotFound
	default:
		return nil, &Error{StatusCode: status, Body: string(body)}
	}
}

// CreateUser registers a new user and returns the created resource.
func (c *Client) CreateUser(ctx context.Context, rc lifecycle.RequestContext, user *User) (*User, error) {
	status, body, err := c.do(ctx, rc, http.MethodPost, UsersEndpoint, user)
	if err != nil {
		return nil, err
	}
	if status != http.StatusCreated {
		return nil, &Error{StatusCode: status, Body: string(body)}
	}
	return decodeUser(body)
}

// UpdateUser replaces mutable attributes of an existing user. The payload may
// be partial; attributes not present are left unchanged by the server.
func (c *Client) UpdateUser(ctx context.Context, rc lifecycle.RequestContext, id string, user *User) (*User, error) {
	status, body, err := c.do(ctx, rc, http.MethodPut, UsersEndpoint+"/"+url.PathEscape(id), user)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &Error{StatusCode: status, Body: string(body)}
	}
	return decodeUser(body)
}

// DeactivateUser soft-deletes a user by setting active to false. The record
// stays on the IdP so the account can be reactivated later.
func (c *Client) DeactivateUser(ctx context.Context, rc lifecycle.RequestContext, id string) (*User, error) {
	payload := map[string]bool{"active": false}
	status, body, err := c.do(ctx, rc, http.MethodPut, UsersEndpoint+"/"+url.PathEscape(id), payload)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &Error{StatusCode: status, Body: string(body)}
	}
	return decodeUser(body)
}

func (c *Client) do(ctx context.Context, rc lifecycle.RequestContext, method, path string, payload any) (int, []byte, error) {
	adminToken, err := c.tokens.Resolve(ctx, rc, token.AdminIdentity)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to obtain service token: %w", err)
	}

	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to encode scim payload: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/"+path, reqBody)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to build scim request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+adminToken.AccessToken)
	if payload != nil {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("scim request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read scim response: %w", err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		c.logger.WithField("status", resp.StatusCode).Warnf("scim %s %s failed", method, path)
	}
	return resp.StatusCode, body, nil
}

func decodeUser(body []byte) (*User, error) {
	var user User
	if err := json.Unmarshal(body, &user); err != nil {
		return nil, fmt.Errorf("failed to decode scim user: %w", err)
	}
	return &user, nil
}
