// Package crowd exchanges user credentials for a legacy Crowd SSO session
// token. The token is handed to older applications behind the shared SSO
// cookie that cannot speak OAuth2 yet.
package crowd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/dotsandlines/gluubridge/pkg/config"
	"github.com/dotsandlines/gluubridge/pkg/observability"
)

// SessionEndpoint is the Crowd session resource. Password validation is
// disabled in the query: the caller has already authenticated the user
// against the primary identity provider.
const SessionEndpoint = "/crowd/rest/usermanagement/latest/session?validate-password=false"

// ErrNoToken is returned when Crowd answered but did not hand out a session
// token, for example for an unknown user.
var ErrNoToken = errors.New("crowd did not issue a session token")

type sessionRequest struct {
	Username          string            `json:"username"`
	Password          string            `json:"password"`
	ValidationFactors validationFactors `json:"validation-factors"`
}

type validationFactors struct {
	Factors []validationFactor `json:"validationFactors"`
}

type validationFactor struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type sessionResponse struct {
	Token string `json:"token"`
}

// Client creates Crowd SSO sessions using the configured application
// credentials.
type Client struct {
	baseURL             string
	applicationUser     string
	applicationPassword string
	httpClient          *http.Client
	logger              *observability.Logger
}

// NewClient creates a Crowd client from configuration.
func NewClient(cfg config.CrowdConfig, logger *observability.Logger) *Client {
	return &Client{
		baseURL:             strings.TrimSuffix(cfg.BaseURL, "/"),
		applicationUser:     cfg.ApplicationUser,
		applicationPassword: cfg.ApplicationPassword,
		httpClient:          &http.Client{},
		logger:              logger,
	}
}

// SessionToken creates a Crowd session for the member ID and returns its
// token. The password may be empty since validation is switched off; the
// remote address validation factor is pinned to loopback because the exchange
// always happens server side.
func (c *Client) SessionToken(ctx context.Context, memberID, password string) (string, error) {
	payload := sessionRequest{
		Username: memberID,
		Password: password,
		ValidationFactors: validationFactors{
			Factors: []validationFactor{
				{Name: "remote_address", Value: "127.0.0.1"},
			},
		},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode crowd session request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+SessionEndpoint, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to build crowd session request: %w", err)
	}
	req.SetBasicAuth(c.applicationUser, c.applicationPassword)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("crowd session request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read crowd response: %w", err)
	}

	if resp.StatusCode != http.StatusCreated {
		c.logger.WithField("status", resp.StatusCode).Warn("crowd session creation failed")
		return "", ErrNoToken
	}

	var session sessionResponse
	if err := json.Unmarshal(body, &session); err != nil {
		return "", fmt.Errorf("failed to decode crowd response: %w", err)
	}
	if session.Token == "" {
		return "", ErrNoToken
	}
	return session.Token, nil
}
