package lifecycle

import (
	"fmt"
	"strings"
)

// AccessTokenError reports a failed token issuance or refresh. StatusCode is
// set when the identity provider answered with a non-2xx status; Messages
// carries validation detail when the grant response itself was malformed.
type AccessTokenError struct {
	StatusCode int
	Messages   []string
}

func (e *AccessTokenError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("access token request failed: getting code %d from server", e.StatusCode)
	}
	return fmt.Sprintf("access token request failed: %s", strings.Join(e.Messages, "; "))
}
