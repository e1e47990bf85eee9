// Package audit implements async event dispatching and Redis persistence
// for security-relevant operations.
//
// # Components
//
//   - [Sink] — interface for event consumers (channel, JSON writer, Redis log, no-op).
//   - [Dispatcher] — buffered async relay with drop-if-full / block-if-full semantics.
//   - [Event] — structured audit record with timestamp, type, user, provider, IP, metadata.
//   - [RedisLog] — persistent event store with per-user and time-ordered queries
//     plus age-based retention cleanup.
//
// # Architecture boundaries
//
// This package owns event buffering, sink delivery, and storage. It does NOT
// decide which events to emit — that responsibility belongs to the Engine and
// flow functions.
//
// # What this package must NOT do
//
//   - Filter or suppress events based on business logic.
//   - Record raw tokens, verification codes, or any digest material.
//   - Import linkauth or any sibling internal package.
package audit
