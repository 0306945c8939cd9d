// Package web provides the HTTP and WebSocket surface over a board
// manager, the typed client for it and the token authentication between
// the two.
//
// The package focuses on:
//   - REST routing for board management, binary pixel buffers and the
//     placement log
//   - Capability-negotiated live streams fed from the board hubs
//   - Bearer tokens resolved to identities carrying permission sets
//   - Request logging and a Prometheus metrics endpoint
//
// Key Components:
//
//   - Server: the routing table over a board.Manager. REST requests run
//     under a deadline; socket upgrades escape it and are pumped from
//     their board subscription until either side goes away (server.go,
//     handlers.go, socket.go).
//
//   - Authenticator: verifies bearer tokens into an Identity. The nil
//     Identity is the anonymous caller and holds read-only permissions;
//     what a token may do beyond that is the authenticator's decision
//     (auth.go).
//
//   - Client: typed access to a remote server. Transport failures are
//     retried with exponential backoff, server refusals are returned as
//     *APIError, and Listen follows a board's live stream (client.go).
//
// Cooldown state rides on response headers (Tessera-Pixels-Available,
// Tessera-Next-Available, Tessera-Undo-Deadline) so clients can refresh
// their schedule from any board interaction.
package web
