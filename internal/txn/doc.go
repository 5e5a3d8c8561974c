// Package txn implements grouped multi-document writes with undo, redo and
// crash recovery on top of a document store without native multi-document
// transactions.
//
// ARCHITECTURE:
//
// A Builder accumulates actions for one caller. Instant actions hit the store
// immediately; the rest are queued. Commit hands the transaction to an
// Executor, normally the Engine itself:
//
//  1. Process persists the record as pending (phase 1), applies the queued
//     actions in item order (phase 2) and marks the record done (phase 3).
//     Any failure in phase 2 reverts every applied action in reverse order
//     and marks the record rolledBack.
//  2. UndoLast and RedoLast replay a done or undone transaction backwards or
//     forwards after checking that no other transaction has touched its
//     documents since.
//  3. Recover finishes or reverts transactions left pending by a crash.
//
// TRANSACTION-ID OVERLAY:
//
// Every document written by a transaction carries the transaction id in
// Config.TxnField. Each action records the id the document carried before
// (PriorTxnID) and undo writes it back. Staleness detection compares these
// ids; there is no locking between transactions.
//
// ORDERING:
//
// Items apply in list order and undo in reverse. Instant updates are applied
// before any queued item, so at commit time the queued inverses are
// corrected for fields a later instant item already overwrote; otherwise
// undo would restore an intermediate value.
package txn
