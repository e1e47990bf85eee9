// Package stores provides the Redis-backed, short-lived record store for
// the verified account-linking flow.
//
// # Design
//
// Each linking session is a JSON document in Redis, indexed by pending and
// created-time sorted sets. State transitions run inside Lua scripts so a
// read-check-write never races another writer: expiry is applied lazily on
// access, attempt limits burn the whole session when exhausted, and
// completion is a compare-and-set on the pending status. Verification code
// comparisons happen twice, in Lua for atomicity and again in Go with a
// constant-time compare.
//
// # Architecture boundaries
//
// This package owns persistence and concurrency control for linking
// sessions. It does NOT generate verification codes, digest or encrypt
// anything, send email, or make authentication decisions; the engine does.
//
// # What this package must NOT do
//
//   - Import the root package or any sibling internal package.
//   - Store or log plaintext verification codes or provider tokens.
//   - Use non-constant-time comparisons for secret matching.
package stores
