// Package executor holds helpers around the txn.Executor boundary.
//
// Async runs executor calls on their own goroutine and hands back a Future
// that resolves exactly once. Guard claims a Redis key per operation and
// transaction id before delegating, so a call redelivered by a retrying
// client runs at most once.
package executor
