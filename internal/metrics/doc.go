// Package metrics provides lock-free counters for linkauth observability.
//
// # Design
//
// Counters are stored in cache-line-padded uint64 slots and incremented
// atomically via [sync/atomic.AddUint64]. The write path is allocation-free.
//
// # What this package must NOT do
//
//   - Perform I/O or network calls.
//   - Import linkauth or any sibling package.
//   - Expose global metric registries.
package metrics
