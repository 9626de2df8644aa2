// Package store provides SQLite-backed durable storage for change logs.
//
// The store holds two tables:
//   - events: every applied Event, keyed by the engine's sequence number
//   - snapshots: named full-state dumps written by the save command
//
// # Idempotency
//
// An event is appended at an explicit seq together with its content id
// (ir.EventID). Appending the same event at the same seq again is a no-op,
// so a writer that crashes and retries does not duplicate history.
// Appending a different event at an occupied seq is ErrSeqConflict.
//
// # Determinism
//
// All reads are ORDER BY seq ASC. Payloads are JSON in the wire format
// (see ir.Event), compressed with snappy.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
package store
