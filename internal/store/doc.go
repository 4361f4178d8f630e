// Package store provides SQLite-backed durable storage for integration state.
//
// Three tables are kept:
//   - integration_state: the last integrated revision and reset flag per project
//   - rejections: candidates whose merge conflicted, skipped until cleared
//   - cycles: an append-only record of every integration cycle
//
// The last integrated revision only moves through AdvanceRevision, a
// compare-and-swap against the value the cycle started from. A lost update
// is reported as ErrStaleRevision instead of being overwritten.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Cycle details are stored as canonical JSON with a domain-separated
// SHA-256 digest computed by internal/ir.
package store
