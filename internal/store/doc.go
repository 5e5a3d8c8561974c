// Package store provides SQLite-backed storage for documents and the
// transaction log.
//
// Two tables:
//   - documents: one canonical JSON body per (collection, id)
//   - transactions: the undo/redo log, one row per transaction with its
//     ordered action list as JSON
//
// # Guarded Writes
//
// Collection.Update and Collection.Remove take a doc.Selector. The write only
// happens if the stored document matches every equality constraint of the
// selector; otherwise nothing changes and the affected count is zero. The
// transaction engine uses this to make undo conditional on a document still
// carrying the transaction id it wrote.
//
// # Ordering
//
// Transaction queries order by (last_modified, seq). seq is a logical clock
// supplied by the caller and breaks ties between equal timestamps, so
// listings are deterministic.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - a single connection, which serializes read-modify-write cycles
package store
