// Package rpc provides the network surface of a store node: the framed
// wire protocol, the request dispatcher and the store-to-store message
// plumbing.
//
// The package is organized into several subpackages:
//
//   - common: Core data structures used across the RPC system, including
//     the wire message types, configuration structures, and logging.
//
//   - transport: Framed connection handling with pluggable implementations
//     (TCP, Unix sockets) for both the listening and the dialing side.
//
//   - serializer: Message serialization with multiple format options
//     (GOB, JSON) for converting between wire values and byte slices.
//
//   - router: Store-to-store message routing, including address resolution,
//     peer connection pooling and chunked snapshot streaming.
//
//   - client: A typed RPC client exposing one method per server operation.
//
//   - server: The node assembly and request dispatcher bridging inbound
//     frames to the storage engine, coprocessor host and peer router.
package rpc
