// Package engine runs a Flow as a long-lived, single-writer service.
//
// ARCHITECTURE:
//
// Single-Writer Event Loop:
// Inbound ir.Events are queued FIFO and applied one at a time, either by
// Run or by a direct Apply call. Applying an event means:
//  1. Append the event to the store at the next seq (when a store is set)
//  2. Run reset and load commands
//  3. Apply schema batches and recompile (compiler.CompileAndRun)
//  4. Apply the remaining batches and run to quiescence, recompiling again
//     if derived views rewrote the schema relations
//  5. Run save commands
//  6. Swap in the new flow and publish the output delta to subscribers
//
// Every step works on a clone of the current flow. A failing event leaves
// the published state untouched; the error is logged and the loop moves on.
//
// Readers never touch the flow directly: View and State take a read lock,
// and Subscribe hands out the full state together with a channel of deltas
// that starts exactly where that state ends.
//
// Ordering:
// Event seqs come from a counter owned by the engine and match the store's
// seq column. Recover replays the stored log through the same apply path.
// No wall-clock time takes part in ordering.
package engine
