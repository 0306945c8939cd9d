// Package memstore implements an in-process board store. It provides a
// complete implementation of the store.IBoardStore interface with a focus
// on thread safety and zero external dependencies.
//
// The package focuses on:
//   - Concurrent access through a lock-free board map with per-board locks
//     for the rarely written metadata and placement log
//   - Copy-in/copy-out discipline so callers never alias stored slabs
//   - Deterministic behavior: the store never reads a clock and assigns
//     board ids as max(existing)+1, so replaying the same operations in
//     the same order reproduces the same state on every replica
//   - Persistent storage with fuzzy snapshots and efficient binary
//     encoding (store.Snapshotter)
//
// Key Components:
//
//   - memStore: The central structure implementing store.IBoardStore. It
//     holds one boardState per board and coordinates create/delete so id
//     assignment stays deterministic.
//
//   - boardState: Everything stored for one board. Sector slabs live in a
//     concurrent map keyed by (buffer kind, sector index); metadata and
//     the placement log share one RWMutex. The log is kept in three
//     views (chronological, per-user, per-position) so cooldown seeding,
//     history lookups and undo checks all read without scanning.
//
//   - Snapshot codec: SaveTo/LoadFrom serialize the full store state as
//     a little-endian binary stream with a magic number and a format
//     version. Snapshots are per-board consistent and may run
//     concurrently with writes to other boards.
//
// The memstore backs single-node deployments directly (optionally
// persisting to a file on Close) and serves as the state wrapped by the
// replicated store's state machines.
package memstore
