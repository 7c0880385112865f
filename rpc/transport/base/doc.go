// Package base provides a foundation for transport layers of the store's
// RPC system, implementing core functionality independent of the specific
// network protocol (TCP, Unix sockets, etc.). It serves as a base layer
// that can be extended with protocol-specific connectors.
//
// The package focuses on:
//   - Protocol-agnostic client and server transport implementations
//   - A frame protocol carrying the operation type, flags and a request ID
//     in front of every payload
//   - Request/response correlation by request ID, plus ordered stream
//     frames sharing one ID for snapshot transfers
//   - Buffer reuse on the server read path to reduce GC pressure
//
// Key Components:
//
//   - IClientConnector/IServerConnector: Interfaces for protocol-specific
//     operations that allow extending the base transport with different
//     network protocols.
//
//   - clientTransport: One persistent peer connection. Deliberately not
//     self-healing: the connection pool above owns reconnect policy and
//     replaces failed clients wholesale.
//
//   - serverTransport: Core server implementation that accepts connections
//     and feeds frames to the registered ServerHandler inline, preserving
//     per-connection frame order for streams.
//
// Thread Safety:
//
//	All public methods are thread-safe. Connection writes are serialized
//	behind a mutex on both sides; the server creates a dedicated read
//	goroutine for each connection.
package base
