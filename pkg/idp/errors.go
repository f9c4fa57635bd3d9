package idp

import (
	"errors"
	"fmt"
)

// ErrUnauthorized is returned when the identity provider rejects end-user
// credentials on a password grant (HTTP 400/401). It is surfaced distinctly
// from Error so callers can present an authentication failure rather than a
// generic server error.
var ErrUnauthorized = errors.New("identity provider rejected the credentials")

// Error reports a non-2xx response from the identity provider's token
// endpoint, or an endpoint that could not be reached at all (StatusCode 0).
type Error struct {
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("identity provider unreachable: %s", e.Body)
	}
	return fmt.Sprintf("identity provider returned status %d", e.StatusCode)
}
