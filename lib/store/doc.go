// Package store defines the persistence contract of the board runtime:
// sector slabs (the binary pixel buffers), the placement log and the board
// metadata records, together with the entity types and the unified error
// reporting shared by all implementations.
//
// The package focuses on:
//   - A narrow interface (IBoardStore) covering slabs, placements and metadata
//   - Typed error codes that survive transport and replication
//   - Entity types (BoardMeta, Placement, Palette, BufferKind) used across
//     the whole module
//
// Key Components:
//
//   - IBoardStore Interface: The core abstraction all storage backends
//     implement. Sector slabs are the authoritative pixel data, placement
//     rows feed the cooldown and activity logic, metadata records describe
//     the boards themselves. Every method takes a context since a backend
//     may be remote or replicated.
//
//   - Error System: A structured error type wrapping a RetCode and a
//     message. Callers branch on codes via Code, IsNotFound and IsConflict
//     instead of matching error strings, and the codes pass through the
//     replicated store unchanged.
//
//   - Snapshotter: An optional interface for backends that can serialize
//     their full state, required by the replicated store for raft
//     snapshots.
//
// Implementations:
//
//	The module includes two implementations of the IBoardStore interface:
//
//	- Memory Store (memstore): A single-process implementation holding
//	  slabs, placements and metadata in maps. It implements Snapshotter
//	  and is the building block the replicated store wraps, as well as
//	  the backend used by tests.
//	  Available in the "github.com/tessera-dev/tessera/lib/store/memstore" package.
//
//	- Replicated Store (raftstore): An implementation built on the
//	  Dragonboat RAFT consensus library, replicating every write across
//	  the cluster with strong consistency. Appropriate for multi-node
//	  deployments requiring fault tolerance.
//	  Available in the "github.com/tessera-dev/tessera/lib/store/raftstore" package.
package store
