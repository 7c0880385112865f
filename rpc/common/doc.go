// Package common provides the wire-level data structures and utilities shared
// across the key-value server. It defines the request/response value types,
// the error taxonomy visible to clients, configuration structures, and the
// logging setup used by every other package.
//
// The package focuses on:
//   - Typed request/response messages for every supported RPC operation
//   - The wire error taxonomy (RegionError, KeyError, LockInfo)
//   - The snapshot chunk stream format (the one bit-exact contract between
//     peer nodes)
//   - Configuration structures for server and peer-client components
//   - Custom logging implementation integrated with the Dragonboat logger
//
// Key Components:
//
//   - MessageType: Enumeration of all supported operations, used as the
//     op code in transport frames.
//
//   - RegionError / KeyError: The two error classes a client can act on.
//     A region error means retry against a different replica or back off;
//     a key error is classified as locked, retryable, or abort.
//
//   - RaftMessage: An opaque peer-directed consensus message tagged with its
//     destination and a snapshot-transfer flag.
//
//   - SnapshotChunk: One element of a chunked snapshot stream. The first
//     chunk of a stream carries the transfer metadata (header), all later
//     chunks carry raw payload bytes. SnapshotChunk has its own binary
//     codec so the stream format does not depend on the configured
//     serializer.
//
//   - ServerConfig: Configuration for a server node, including network
//     endpoints, resolver settings, worker concurrency, and log level.
package common
