// Package subscriptions delivers change log entries to subscribers. Each
// subscriber keeps a checkpoint (the last position it processed) and a
// status; the daemon polls the log after that position and wakes early on
// change notifications. Durable subscribers checkpoint in PostgreSQL and take
// an advisory lock so only one process drives them. Local subscribers, such
// as mirrors, keep their position in memory.
//
// Persisted query subscriptions (Registry, Dispatcher) pair a collection with
// a records.Filter and the change kinds they fire on; the Dispatcher checks
// every change against them and reports matches.
package subscriptions
