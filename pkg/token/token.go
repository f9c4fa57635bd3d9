package token

import (
	"encoding/json"
	"fmt"
	"time"
)

// skewBuffer protects against a token expiring between the expiry check and
// its use a moment later.
const skewBuffer = 10 * time.Second

// AccessToken represents one validated OAuth2 grant result. Fields are
// treated as immutable after construction.
type AccessToken struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresAt    int64  `json:"expires_at,omitempty"` // absolute unix seconds, 0 = never expires
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
}

// grantResponse is the raw token-endpoint response body.
type grantResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    *int64 `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
	IDToken      string `json:"id_token"`
}

// ValidationError reports a malformed grant response. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %q: %s", e.Field, e.Reason)
}

// ParseGrantResponse validates a raw token-endpoint response body and returns
// the resulting AccessToken. Expiry normalization happens exactly once, here:
// a 4-digit expires_in value is a relative duration in seconds and is
// converted to an absolute instant (now + duration); anything else is treated
// as already-absolute. An absent expires_in yields a never-expiring token.
func ParseGrantResponse(raw []byte, now time.Time) (*AccessToken, error) {
	var body grantResponse
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, &ValidationError{Field: "grant response", Reason: err.Error()}
	}

	if body.AccessToken == "" || !isPrintableASCII(body.AccessToken) {
		return nil, &ValidationError{Field: "access_token", Reason: "must be a non-empty printable ASCII string"}
	}
	if body.TokenType != "bearer" {
		return nil, &ValidationError{Field: "token_type", Reason: fmt.Sprintf("unsupported value %q", body.TokenType)}
	}
	if body.RefreshToken != "" && !isPrintableASCII(body.RefreshToken) {
		return nil, &ValidationError{Field: "refresh_token", Reason: "must be a printable ASCII string"}
	}

	var expiresAt int64
	if body.ExpiresIn != nil {
		v := *body.ExpiresIn
		if v <= 0 {
			return nil, &ValidationError{Field: "expires_in", Reason: "must be positive"}
		}
		if v >= 1000 && v <= 9999 {
			expiresAt = now.Unix() + v
		} else {
			expiresAt = v
		}
	}

	return &AccessToken{
		AccessToken:  body.AccessToken,
		TokenType:    body.TokenType,
		ExpiresAt:    expiresAt,
		RefreshToken: body.RefreshToken,
		Scope:        body.Scope,
		IDToken:      body.IDToken,
	}, nil
}

// IsExpired reports whether the token is past its skew-adjusted expiry.
// Tokens without expiry information never expire.
func (t *AccessToken) IsExpired(now time.Time) bool {
	if t.ExpiresAt == 0 {
		return false
	}
	return now.Add(skewBuffer).Unix() >= t.ExpiresAt
}

// Refreshable reports whether the token carries a refresh token.
func (t *AccessToken) Refreshable() bool {
	return t.RefreshToken != ""
}

func isPrintableASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7e {
			return false
		}
	}
	return true
}
