// Package cmd implements the command-line interface for the store node.
// It provides a hierarchical command structure built around running the
// server.
//
// The package is organized into subpackages:
//
//   - serve: Commands for starting and configuring a store node
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See tikv -help for a list of all commands.
package cmd
