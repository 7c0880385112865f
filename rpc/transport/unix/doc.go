// Package unix implements Unix domain socket-based transport for the
// store's RPC system, intended for single-host deployments and tests.
//
// It provides concrete implementations of the base package's connector
// interfaces; see the base package documentation for the underlying
// transport mechanisms. The existing socket file is removed on listen so a
// crashed process does not block the next start.
package unix
