// Package internal provides the communication protocol structures and
// serialization logic for the raftstore package. It defines the wire
// format used to transmit operations between the store client and the
// replicated state machine.
//
// This package is intended for internal use by the raftstore implementation
// and should not be imported directly by external code.
//
// The package consists of two main components:
//
//   - Command System: Defines write operations (StoreSector,
//     RecordPlacement, CreateBoard, ...) that modify the state of the
//     store. Commands are serialized and proposed to the RAFT cluster,
//     executed on the state machine, and produce results that are returned
//     to the client.
//
//   - Query System: Defines read operations (LoadSector, GetPlacement, ...)
//     that retrieve data without modifying state. Queries are executed
//     locally on the state machine and therefore do not require
//     serialization.
//
// Protocol Design:
//
//	Commands are JSON-encoded. The command set is heterogeneous (sector
//	slabs, placement rows, nested board metadata), so a tagged envelope
//	with omitted empty fields keeps the raft log entries small without a
//	per-command binary layout. Slab payloads dominate entry size either
//	way; everything else is a handful of bytes.
//
// Result Payloads:
//
//	Most commands only acknowledge. CreateBoard returns the assigned id
//	and RevertPlacement returns the removed and revealed rows; these are
//	JSON-encoded into the raft Result.Data on success. On failure,
//	Result.Value carries the store.RetCode and Result.Data the message.
//
// Thread Safety:
//
//	The types in this package are not thread-safe and should not be shared
//	across goroutines without external synchronization. However, this is
//	not typically an issue as the RAFT protocol ensures sequential
//	processing of commands on the state machine.
package internal
