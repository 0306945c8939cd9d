// Package raftstore implements a replicated, fault-tolerant board store
// using the Dragonboat RAFT consensus library. It provides a strongly
// consistent implementation of the store.IBoardStore interface that can
// operate across multiple nodes while maintaining linearizable consistency.
//
// Architecture:
//
// The raftstore implementation consists of three main components:
//
//   - Store Client: Implements the store.IBoardStore interface and
//     communicates with the RAFT cluster. It serializes operations into
//     commands, sends them to the consensus layer, and processes responses.
//
//   - State Machine: A Dragonboat IConcurrentStateMachine implementation
//     that processes commands and queries on each node. The state machine
//     wraps an actual store.IBoardStore instance (typically a memstore)
//     and applies operations to it.
//
//   - Communication Protocol: Defined in the internal package, this
//     consists of Command and Query structures with serialization logic
//     for transmitting operations across the network.
//
// Write Operations:
//
//	All write operations (StoreSector, RecordPlacement, RevertPlacement,
//	CreateBoard, ...) follow this flow:
//
//	1. The operation is serialized into a Command structure
//	2. The Command is proposed to the RAFT cluster via SyncPropose
//	3. The leader node replicates the command to a majority of followers
//	4. Once committed, the command is executed on the state machine on each node
//	5. The result is returned to the client with the store.RetCode in
//	   Result.Value and any payload (assigned board id, revert outcome) in
//	   Result.Data
//
//	The wrapped store must be deterministic: it never consults a clock and
//	assigns ids purely from its current state, so every replica reaches
//	the same state from the same log.
//
// Read Operations:
//
//   - Linearizable Reads: By default, reads use SyncRead which ensures that
//     the node processing the read has applied all committed log entries
//     locally before processing the request.
//
//   - Stale Reads: For less critical operations (Info), StaleRead is used,
//     which may return slightly outdated information but with lower latency.
//
// Error Handling and Retries:
//
//   - System Busy: When Dragonboat returns ErrSystemBusy, the operation is
//     retried after a short delay, up to a configurable number of attempts.
//
//   - Timeouts: All operations have a configurable timeout. If consensus
//     cannot be reached within this period, the operation fails with a
//     timeout error.
//
// Snapshotting and Recovery:
//
//   - Fuzzy Snapshots: The state machine creates snapshots without pausing
//     operations, leveraging the wrapped store's SaveTo method
//     (store.Snapshotter).
//
//   - Recovery: On startup or when joining a cluster, nodes first restore
//     their state from the most recent snapshot using LoadFrom, then
//     receive all RAFT log entries committed after the snapshot was
//     created.
//
// Usage:
//
//	  // Create NodeHost (RAFT client)
//	  nh, err := dragonboat.NewNodeHost(nodeHostConfig)
//	  if err != nil { ... }
//
//	  // Store factory for the state machines
//	  factory := func() store.IBoardStore { return memstore.MustNew(nil) }
//
//	  // Create and start shard (RAFT server)
//	  err = nh.StartConcurrentReplica(
//	      clusterMembers,
//	      false,
//	      raftstore.CreateStateMachineFactory(factory),
//	      shardConfig)
//	  if err != nil { ... }
//
//	  // Create store with appropriate timeout
//	  boards := raftstore.NewReplicatedStore(nh, shardID, 5*time.Second)
//
// For scenarios where distributed consensus is not required, consider using
// the simpler and faster memstore package, which provides a single-node
// implementation of the same interface.
package raftstore
