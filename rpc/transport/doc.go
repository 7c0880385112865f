// Package transport defines the interfaces and abstractions for the node's
// peer and client facing RPC communication. It provides a common contract
// that all transport implementations must fulfill, enabling
// protocol-agnostic communication.
//
// The package focuses on:
//   - Defining clear interfaces for client and server transport layers
//   - Correlating unary requests and responses by request ID
//   - Carrying ordered frame streams (snapshot transfers) next to unary
//     traffic on the same connection
//   - Enabling multiple transport implementations (TCP, Unix sockets)
//
// Key Components:
//
//   - IRPCServerTransport: Interface for server-side transport
//     implementations that accept connections and feed frames to a
//     ServerHandler.
//
//   - IRPCClientTransport: Interface for a single persistent peer
//     connection supporting calls, fire-and-forget sends and outbound
//     streams.
//
//   - ServerHandler/ResponseSink: The inbound surface handlers implement
//     and the write-back surface they respond through.
package transport
