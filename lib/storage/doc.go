// Package storage implements the transactional storage engine behind the
// RPC dispatch service. It exposes an asynchronous call surface: every
// operation takes a completion callback, is queued onto a bounded scheduler,
// and returns immediately. A full queue rejects the call with
// ErrSchedTooBusy, which the dispatch layer maps to a server-is-busy region
// error.
//
// The engine itself is a Percolator-style MVCC store: a pending transaction
// prewrites locks and data versions under its start timestamp, then commits
// by writing commit records and releasing locks, primary key first. The
// versioned column families (data, lock, write) live in in-memory btrees.
//
// Region-level validation happens before any MVCC work: a RegionGuard
// checks the request context against this node's view of the region and
// produces a RegionError for stale callers.
package storage
