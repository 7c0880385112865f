// Package tcp implements TCP socket-based transport for the store's RPC
// system. It provides concrete implementations of the base package's
// connector interfaces optimized for TCP connections.
//
// This package builds on the base package's transport functionality,
// inheriting its framing, request correlation and stream handling. See the
// base package documentation for detailed information on the underlying
// transport mechanisms.
//
// Key Components:
//
//   - clientConnector: TCP-specific implementation of base.IClientConnector
//
//   - serverConnector: TCP-specific implementation of base.IServerConnector
//
// Both sides apply the shared TCP tuning knobs (no-delay, keep-alive,
// linger, socket buffer sizes) from the configuration. The default server
// read buffer is 512 KB, sized for snapshot chunk traffic.
package tcp
