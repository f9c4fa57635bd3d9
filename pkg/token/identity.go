package token

// Identity names the owner of a token. Principal identities are stable user
// identifiers; service identities are a small fixed set of reserved names
// shared across all requests. The two classes never collide because every
// service name is reserved and user identifiers are numeric.
type Identity string

const (
	// AdminIdentity is the shared service identity used for server-to-server
	// SCIM calls.
	AdminIdentity Identity = "api_admin"

	// ServiceAccountIdentity is the shared machine-to-machine identity for
	// non-SCIM outbound calls.
	ServiceAccountIdentity Identity = "service_account"
)

var serviceIdentities = map[Identity]bool{
	AdminIdentity:          true,
	ServiceAccountIdentity: true,
}

// IsService reports whether the identity is one of the reserved
// machine-to-machine names.
func (i Identity) IsService() bool {
	return serviceIdentities[i]
}

// IsPrincipal reports whether the identity belongs to an authenticated end
// user. Principal tokens are the only ones persisted to durable storage.
func (i Identity) IsPrincipal() bool {
	return i != "" && !serviceIdentities[i]
}
