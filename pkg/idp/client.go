package idp

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/dotsandlines/gluubridge/pkg/config"
	"github.com/dotsandlines/gluubridge/pkg/observability"
	"github.com/dotsandlines/gluubridge/pkg/token"
)

// TokenEndpoint is the token endpoint path relative to the IdP base URL.
const TokenEndpoint = "oxauth/restv1/token"

// Client performs wire-level OAuth2 operations against the identity
// provider's token endpoint. Every operation is a single HTTP round trip with
// redirects disabled. Issuance and refresh mint a new token as a side effect
// on each call, so callers must not invoke them speculatively.
type Client struct {
	baseURL      string
	clientID     string
	clientSecret string
	httpClient   *http.Client
	verifier     *oidc.IDTokenVerifier
	logger       *observability.Logger
}

// NewClient creates an IdP client from configuration. When an issuer URL is
// configured, OIDC discovery runs once here and ID tokens returned by
// principal grants are verified against the issuer's keys.
func NewClient(ctx context.Context, cfg config.GluuConfig, logger *observability.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("identity provider base URL is required")
	}

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

	c := &Client{
		baseURL:      strings.TrimSuffix(cfg.BaseURL, "/"),
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		httpClient:   httpClient,
		logger:       logger,
	}

	if cfg.IssuerURL != "" {
		provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
		if err != nil {
			return nil, fmt.Errorf("OIDC discovery failed: %w", err)
		}
		c.verifier = provider.Verifier(&oidc.Config{ClientID: cfg.ClientID})
	}

	return c, nil
}

// IssueServiceToken performs a client-credentials grant using the
// confidential-client credentials.
func (c *Client) IssueServiceToken(ctx context.Context) (*token.AccessToken, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")

	status, body, err := c.postForm(ctx, form, c.basicAuth)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &Error{StatusCode: status, Body: string(body)}
	}
	return token.ParseGrantResponse(body, time.Now())
}

// IssuePrincipalToken performs a password grant for an end user. The
// offline_access scope is requested so a refresh token is returned.
// HTTP 400/401 maps to ErrUnauthorized.
func (c *Client) IssuePrincipalToken(ctx context.Context, username, password string) (*token.AccessToken, error) {
	form := url.Values{}
	form.Set("grant_type", "password")
	form.Set("scope", "offline_access")
	form.Set("username", username)
	form.Set("password", password)

	status, body, err := c.postForm(ctx, form, c.basicAuth)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
		tok, err := token.ParseGrantResponse(body, time.Now())
		if err != nil {
			return nil, err
		}
		if err := c.verifyIDToken(ctx, tok); err != nil {
			return nil, err
		}
		return tok, nil
	case http.StatusBadRequest, http.StatusUnauthorized:
		return nil, ErrUnauthorized
	default:
		return nil, &Error{StatusCode: status, Body: string(body)}
	}
}

// Refresh performs a refresh-token grant. Callers must treat any failure as
// fatal to the current session.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*token.AccessToken, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	status, body, err := c.postForm(ctx, form, c.basicAuth)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &Error{StatusCode: status, Body: string(body)}
	}
	tok, err := token.ParseGrantResponse(body, time.Now())
	if err != nil {
		return nil, err
	}
	if err := c.verifyIDToken(ctx, tok); err != nil {
		return nil, err
	}
	return tok, nil
}

// ValidateCredentials confirms a password is still correct without keeping
// the minted token, authorized by an already-issued service token.
//
// Any failure collapses into false: a wrong password and an unreachable
// provider are indistinguishable to the caller. Existing callers rely on
// "false means do not proceed", so the ambiguity is preserved on purpose.
func (c *Client) ValidateCredentials(ctx context.Context, serviceToken, username, password string) bool {
	form := url.Values{}
	form.Set("grant_type", "password")
	form.Set("scope", "openid")
	form.Set("username", username)
	form.Set("password", password)

	status, _, err := c.postForm(ctx, form, func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+serviceToken)
	})
	if err != nil {
		c.logger.WithError(err).Warn("credential validation request failed")
		return false
	}
	return status == http.StatusOK
}

func (c *Client) verifyIDToken(ctx context.Context, tok *token.AccessToken) error {
	if c.verifier == nil || tok.IDToken == "" {
		return nil
	}
	if _, err := c.verifier.Verify(ctx, tok.IDToken); err != nil {
		return &token.ValidationError{Field: "id_token", Reason: err.Error()}
	}
	return nil
}

func (c *Client) basicAuth(req *http.Request) {
	req.SetBasicAuth(c.clientID, c.clientSecret)
}

func (c *Client) postForm(ctx context.Context, form url.Values, authorize func(*http.Request)) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, &Error{Body: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, &Error{Body: err.Error()}
	}
	return resp.StatusCode, body, nil
}
