// Package session implements the Redis-backed provider-session store.
//
// # Design
//
// Each session is a JSON document keyed by an opaque session ID, indexed
// three ways: a per-(user,provider) sorted set of active sessions scored by
// creation time (cap enforcement and newest-first lookup), a global sorted
// set of active sessions scored by expiry (sweeping), and a per-user set of
// every session ID (listing, statistics, purge).
//
// Expiry is logical, not TTL-driven: an expired document stays in Redis,
// flipped inactive with reason "token_expired" by whichever reader touches
// it first, so the record survives for inspection until the age-based purge
// removes it. Every read-modify-write path is a single Lua script.
//
// # What this package must NOT do
//
//   - See raw provider tokens. Callers pass tokens through [token.Vault]
//     digests; only digests are stored here.
//   - Emit audit events or metrics — the Engine owns observability.
package session
