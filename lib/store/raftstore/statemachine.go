package raftstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	sm "github.com/lni/dragonboat/v4/statemachine"
	"github.com/tessera-dev/tessera/lib/store"
	"github.com/tessera-dev/tessera/lib/store/raftstore/internal"
)

// --------------------------------------------------------------------------
// State Machine Implementation
// --------------------------------------------------------------------------

// BoardStateMachine is a state machine implementation for Dragonboat RAFT
type BoardStateMachine struct {
	replicaID uint64
	shardID   uint64
	wrapped   store.IBoardStore // the actual dataStorage
}

// CreateStateMachineFactory returns a function that can be used by dragonboat
// to create a new state machine for a node host.
// The factory pattern is used to enable the caller to pass an interchangeable
// store factory. The wrapped store must never consult a clock or other
// non-deterministic input, otherwise the replicas diverge.
func CreateStateMachineFactory(factory store.StoreFactory) func(shardID uint64, replicaID uint64) sm.IConcurrentStateMachine {
	return func(shardID uint64, replicaID uint64) sm.IConcurrentStateMachine {
		return &BoardStateMachine{
			replicaID: replicaID,
			shardID:   shardID,
			wrapped:   factory(),
		}
	}
}

// Lookup handles read-only queries by mapping each Query operation to the
// corresponding IBoardStore method.
func (fsm *BoardStateMachine) Lookup(itf interface{}) (interface{}, error) {
	ctx := context.Background()

	// try to parse Query into Query struct
	q, ok := itf.(internal.Query)
	if !ok {
		return nil, store.NewError(store.RetCInternalError, fmt.Sprintf("invalid Query type: %T", itf))
	}

	// Handle different Query types
	switch q.Type {
	case internal.QueryTLoadSector:
		return fsm.wrapped.LoadSector(ctx, q.BoardID, q.Kind, q.Index)
	case internal.QueryTGetPlacement:
		return fsm.wrapped.GetPlacement(ctx, q.BoardID, q.Position)
	case internal.QueryTHistory:
		return fsm.wrapped.LoadPlacementHistory(ctx, q.BoardID, q.User, q.Limit)
	case internal.QueryTSince:
		return fsm.wrapped.PlacementsSince(ctx, q.BoardID, q.Since)
	case internal.QueryTList:
		items, next, err := fsm.wrapped.ListPlacements(ctx, q.BoardID, q.Token, q.Limit, q.Order)
		if err != nil {
			return nil, err
		}
		return internal.ListResult{Items: items, Next: next}, nil
	case internal.QueryTLoadBoard:
		return fsm.wrapped.LoadBoardMetadata(ctx, q.BoardID)
	case internal.QueryTListBoards:
		return fsm.wrapped.ListBoards(ctx)
	case internal.QueryTInfo:
		return fsm.wrapped.Info(ctx)
	default:
		return nil, store.NewError(store.RetCInvalidOperation, fmt.Sprintf("unknown Query operation: %d", q.Type))
	}
}

// Update handles write commands on the wrapped store.
// All write operations are serialized into []byte and are accessible via
// the entries struct.
func (fsm *BoardStateMachine) Update(entries []sm.Entry) ([]sm.Entry, error) {

	// Nothing to do
	if len(entries) == 0 {
		return entries, nil
	}

	// Stats
	start := time.Now()
	ctx := context.Background()

	for idx, e := range entries {
		// Handle each entry
		if len(e.Cmd) == 0 {
			entries[idx].Result = sm.Result{Value: uint64(store.RetCInvalidOperation), Data: []byte("empty command ignored")}
			continue
		}
		// Deserialize the command
		cmd := internal.Command{}
		if err := cmd.Deserialize(e.Cmd); err != nil {
			entries[idx].Result = sm.Result{Value: uint64(store.RetCInternalError), Data: []byte(fmt.Sprintf("failed to deserialize command: %v", err))}
			continue
		}

		entries[idx].Result = fsm.apply(ctx, cmd)
	}

	// Log if the update took long
	if elapsed := time.Since(start); elapsed > time.Millisecond {
		log.Infof("State machine took long to update. Batch updated %d entries, took %.2fms",
			len(entries), float64(elapsed)/float64(time.Millisecond))
	}
	return entries, nil
}

// apply executes a single command against the wrapped store and converts
// the outcome into a raft result. The RetCode travels in Result.Value,
// any payload or error message in Result.Data.
func (fsm *BoardStateMachine) apply(ctx context.Context, cmd internal.Command) sm.Result {
	switch cmd.Type {
	case internal.CommandTStoreSector:
		if err := fsm.wrapped.StoreSector(ctx, cmd.BoardID, cmd.Kind, cmd.Index, cmd.Data); err != nil {
			return errResult(err)
		}
		return sm.Result{Value: uint64(store.RetCSuccess)}

	case internal.CommandTDeleteSectors:
		if err := fsm.wrapped.DeleteSectors(ctx, cmd.BoardID); err != nil {
			return errResult(err)
		}
		return sm.Result{Value: uint64(store.RetCSuccess)}

	case internal.CommandTRecordPlacement:
		if cmd.Placement == nil {
			return sm.Result{Value: uint64(store.RetCInvalidOperation), Data: []byte("placement command without row")}
		}
		if err := fsm.wrapped.RecordPlacement(ctx, cmd.BoardID, *cmd.Placement); err != nil {
			return errResult(err)
		}
		return sm.Result{Value: uint64(store.RetCSuccess)}

	case internal.CommandTRevertPlacement:
		removed, revealed, err := fsm.wrapped.RevertPlacement(ctx, cmd.BoardID, cmd.User, cmd.Position, cmd.Earliest)
		if err != nil {
			return errResult(err)
		}
		data, err := json.Marshal(internal.RevertResult{Removed: removed, Revealed: revealed})
		if err != nil {
			return sm.Result{Value: uint64(store.RetCInternalError), Data: []byte(err.Error())}
		}
		return sm.Result{Value: uint64(store.RetCSuccess), Data: data}

	case internal.CommandTCreateBoard:
		if cmd.Meta == nil {
			return sm.Result{Value: uint64(store.RetCInvalidOperation), Data: []byte("create command without metadata")}
		}
		id, err := fsm.wrapped.CreateBoard(ctx, *cmd.Meta)
		if err != nil {
			return errResult(err)
		}
		data, err := json.Marshal(internal.CreateResult{ID: id})
		if err != nil {
			return sm.Result{Value: uint64(store.RetCInternalError), Data: []byte(err.Error())}
		}
		return sm.Result{Value: uint64(store.RetCSuccess), Data: data}

	case internal.CommandTUpdateBoard:
		if cmd.Meta == nil {
			return sm.Result{Value: uint64(store.RetCInvalidOperation), Data: []byte("update command without metadata")}
		}
		if err := fsm.wrapped.UpdateBoardMetadata(ctx, *cmd.Meta); err != nil {
			return errResult(err)
		}
		return sm.Result{Value: uint64(store.RetCSuccess)}

	case internal.CommandTDeleteBoard:
		if err := fsm.wrapped.DeleteBoard(ctx, cmd.BoardID); err != nil {
			return errResult(err)
		}
		return sm.Result{Value: uint64(store.RetCSuccess)}

	default:
		return sm.Result{
			Value: uint64(store.RetCInvalidOperation),
			Data:  []byte(fmt.Sprintf("unknown Command operation: %s", cmd.Type)),
		}
	}
}

// errResult converts a store error into a raft result so the code crosses
// the proposal boundary.
func errResult(err error) sm.Result {
	return sm.Result{Value: uint64(store.Code(err)), Data: []byte(err.Error())}
}

// PrepareSnapshot is not used. We don't need to prepare anything since we
// use fuzzy snapshotting.
func (fsm *BoardStateMachine) PrepareSnapshot() (interface{}, error) {
	return nil, nil
}

// SaveSnapshot saves a fuzzy store snapshot to the writer
func (fsm *BoardStateMachine) SaveSnapshot(_ interface{}, writer io.Writer, _ sm.ISnapshotFileCollection, _ <-chan struct{}) error {
	snap, ok := fsm.wrapped.(store.Snapshotter)
	if !ok {
		return fmt.Errorf("the wrapped store implementation does not support snapshots")
	}
	return snap.SaveTo(writer)
}

// RecoverFromSnapshot replaces the wrapped store state with the snapshot.
func (fsm *BoardStateMachine) RecoverFromSnapshot(r io.Reader, _ []sm.SnapshotFile, _ <-chan struct{}) error {
	snap, ok := fsm.wrapped.(store.Snapshotter)
	if !ok {
		return fmt.Errorf("the wrapped store implementation does not support snapshots")
	}
	return snap.LoadFrom(r)
}

// Close performs any necessary cleanup.
func (fsm *BoardStateMachine) Close() error {
	return fsm.wrapped.Close()
}
