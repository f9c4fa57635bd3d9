// Package config loads gluubridge configuration from environment variables
// and validates it at startup. All identity-provider, storage, and cookie
// settings are externally configurable; insecure TLS against the IdP
// requires an explicit double opt-in.
package config
