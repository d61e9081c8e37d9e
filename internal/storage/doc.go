// Package storage is the persistence layer for the queue and the
// interrupted-execution ledger.
//
// It is backed by a single SQLite database file. The database is the source
// of truth for all queue state: admission decisions, positions, and stats are
// always derived from queries, never from in-memory caches.
package storage
