// Package common provides the configuration structures and logging setup
// shared by the server and client sides of the HTTP surface.
//
// The package focuses on:
//   - Configuration structures for the server and client commands
//   - Custom logging implementation integrated with Dragonboat
//   - Utilities for Dragonboat (RAFT) integration
//
// Key Components:
//
//   - ServerConfig: Comprehensive configuration for a canvas server node,
//     covering the HTTP listener, board runtime parameters, authorization
//     tokens, the store backend selection and RAFT parameters. Provides
//     utilities for converting to Dragonboat-specific configurations.
//
//   - ClientConfig: Configuration for the command line client, controlling
//     the endpoint, timeout and retry behavior.
//
//   - Logger: Custom logging implementation that integrates with Dragonboat's
//     logging system while providing consistent formatting across the
//     application. InitLoggers applies the configured level to the
//     application loggers and quiets the raft subsystems.
package common
