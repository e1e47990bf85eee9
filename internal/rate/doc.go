// Package rate provides Redis-backed fixed-window counters used to throttle
// security-sensitive operations such as verification-code resends.
//
// # Window semantics
//
// Fixed-window counters: INCR + conditional EXPIRE on first hit. Buckets are
// caller-defined strings namespaced under a single key prefix.
//
// # What this package must NOT do
//
//   - Implement domain-specific policies (which bucket, which budget) —
//     those live in the engine.
//   - Be imported outside the linkauth module.
package rate
