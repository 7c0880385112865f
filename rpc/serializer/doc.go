// Package serializer provides payload serialization for the RPC system.
// It defines a common interface and two implementations for converting
// request/response values to and from byte arrays.
//
// The package focuses on:
//   - Providing a consistent interface over different serialization formats
//   - Working with the heterogeneous per-operation value types without
//     per-type codec code
//
// Key Components:
//
//   - IRPCSerializer: Core interface that all serializer implementations
//     must satisfy.
//
//   - gobSerializerImpl: Implementation using Go's built-in gob encoding,
//     the default for server-to-server and client traffic.
//
//   - jsonSerializerImpl: Implementation using JSON encoding, useful for
//     debugging or interoperability with other systems.
//
// The snapshot chunk stream is the one part of the wire contract that does
// NOT go through a serializer; it has a fixed binary codec in rpc/common so
// that two nodes always agree on it regardless of configuration.
//
// Thread Safety:
//
//	All serializer implementations are stateless and safe for concurrent use
//	across multiple goroutines without additional synchronization.
package serializer
