// Package lifecycle implements the access-token state machine: resolve a
// usable token from the store, refresh an expired principal token, or mint a
// fresh service token under a per-session lock.
package lifecycle
