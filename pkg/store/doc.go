// Package store persists access tokens across two tiers: a fast Redis
// session cache scoped to the requesting session and a durable Postgres
// table holding one row per principal identity. It also provides the
// cross-process named lock that serializes token issuance per
// (session, identity).
package store
