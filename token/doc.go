// Package token implements the credential-hygiene layer for provider
// access tokens: keyed digests for storage, authenticated encryption for
// tokens that must be recovered later, and secure session-record assembly.
//
// # Design
//
// Raw provider tokens never reach Redis. Storage columns hold an
// HMAC-SHA256 digest keyed by the deployment secret and a per-call context
// string, so the same token digests differently per provider and per
// purpose. The rare cases that need the plaintext back (a pending linking
// flow holding the token until completion) use AES-256-GCM under a key
// derived from the secret with argon2id.
//
// # What this package must NOT do
//
//   - Talk to Redis or any provider API.
//   - Log, return, or embed raw token material in errors.
package token
