// Package router delivers peer traffic between stores: it turns store IDs
// into addresses, keeps pooled connections to peers, and moves snapshot
// streams in both directions.
//
// The package focuses on:
//   - A single control loop goroutine owning all routing state (address
//     cache, in-flight resolutions, connection pool, inbound snapshot
//     streams), fed through a lock-free message queue
//   - Best-effort delivery: messages to unresolved or unreachable stores
//     are dropped with an unreachable report, raft retransmits
//   - Asynchronous store address resolution from a static member table or
//     the cluster's etcd registry, with at most one resolution in flight
//     per store
//   - Snapshot transfers on a dedicated worker with disk staging, so
//     neither the control loop nor transport goroutines touch disk or peer
//     sockets
//
// Key Components:
//
//   - Router: The control loop and its message surface (SendRaftMessage,
//     CloseStoreConn, HandleSnapChunk, HandleConnClose).
//
//   - StoreAddrResolver: Asynchronous store ID to address resolution with
//     static and etcd-backed implementations.
//
//   - connPool: One queued connection per peer address; a failed
//     connection is dropped wholesale and the next send dials fresh.
//
//   - snapRunner: Sequential snapshot worker handling inbound staging,
//     commit and discard, plus outbound chunked streaming.
package router
