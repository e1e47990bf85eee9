// Package verifier validates OAuth provider tokens and normalizes provider
// responses into a single claims model.
//
// # Design
//
// Each provider implements [Verifier]. Google accepts both ID tokens
// (verified locally against Google's JWKS via OpenID Connect discovery) and
// opaque access tokens (verified remotely against the tokeninfo endpoint).
// GitHub issues only opaque tokens, verified against the REST API. A
// [Registry] routes by provider name and a [Cached] wrapper deduplicates
// repeat validations of the same token for a short window.
//
// # Error contract
//
// Verification failures collapse into two sentinels: [ErrTokenInvalid] for
// tokens the provider rejected and [ErrProviderUnavailable] for transport
// failures, provider outages, and rate limiting. Callers map these onto
// their own error taxonomy.
//
// # What this package must NOT do
//
//   - Store or log raw tokens.
//   - Create users or sessions — it only validates and normalizes.
package verifier
