// Package cmd implements the command-line interface for the tessera
// collaborative pixel canvas. It provides a hierarchical command structure
// with operations for running the server and interacting with it as a client.
//
// The package is organized into several subpackages:
//
//   - serve: Commands for starting and configuring the tessera server
//   - board: Commands for working with boards (create, place, watch, etc.)
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See tessera -help for a list of all commands.
package cmd
