// Package internal contains helper utilities that are intentionally private
// to linkauth, including uniform random verification-code generation.
//
// # Sub-packages
//
//   - audit — async event dispatch plus the Redis-backed audit trail store
//   - metrics — lock-free counters for engine observability
//   - rate — fixed-window Redis throttle primitives
//   - stores — the account-linking session store and its CAS scripts
//
// # What this package must NOT do
//
//   - Export types that appear in the public linkauth API.
//   - Be imported by any package outside the linkauth module.
package internal
