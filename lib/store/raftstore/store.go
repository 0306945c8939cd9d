package raftstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lni/dragonboat/v4"
	"github.com/lni/dragonboat/v4/client"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/tessera-dev/tessera/lib/store"
	"github.com/tessera-dev/tessera/lib/store/raftstore/internal"
)

var (
	retries = 5
	log     = logger.GetLogger("raftstore")
)

// storeImpl is the replicated implementation of store.IBoardStore.
// It encapsulates a Dragonboat NodeHost which is used to communicate with
// the state machine.
type storeImpl struct {
	nh      *dragonboat.NodeHost
	shardID uint64
	cs      *client.Session
	timeout time.Duration
}

// NewReplicatedStore creates a new replicated store instance which uses
// raft consensus to ensure strict linearizability across multiple nodes.
// The NodeHost lifecycle stays with the caller; Close on the returned
// store is a no-op.
func NewReplicatedStore(nh *dragonboat.NodeHost, shardID uint64, timeout time.Duration) store.IBoardStore {
	cs := nh.GetNoOPSession(shardID)
	return &storeImpl{
		nh:      nh,
		shardID: shardID,
		cs:      cs,
		timeout: timeout,
	}
}

// --------------------------------------------------------------------------
// Internal write and read operations (used by interface methods)
// --------------------------------------------------------------------------

// write serializes a Command and sends it via SyncPropose.
// It retries on system busy errors and returns the payload the state
// machine attached to the result (nil for most commands).
func (s *storeImpl) write(ctx context.Context, cmd internal.Command) ([]byte, error) {
	data, err := cmd.Serialize()
	if err != nil {
		return nil, store.NewError(store.RetCInternalError, err.Error())
	}

	for i := 0; i < retries; i++ {
		proposeCtx, cancel := context.WithTimeout(ctx, s.timeout)
		res, err := s.nh.SyncPropose(proposeCtx, s.cs, data)
		cancel()

		// Check for system busy errors
		if errors.Is(err, dragonboat.ErrSystemBusy) {
			log.Infof("SyncPropose: System busy, retrying (%d/%d)...", i+1, retries)
			time.Sleep(s.timeout / 10)
			continue
		}

		if err != nil {
			return nil, store.NewError(store.RetCInternalError, err.Error())
		}
		if res.Value != uint64(store.RetCSuccess) {
			return nil, store.NewError(store.RetCode(res.Value), string(res.Data))
		}
		return res.Data, nil
	}
	return nil, store.NewError(store.RetCInternalError, "timeout")
}

// read is a generic helper function that queries the state machine
// and attempts to convert the response into the expected type R.
//
// This function uses the SyncRead function (dragonboat) by default to
// query the state machine. If linearizability is not required, the stale
// parameter can be set to true to use the faster StaleRead function.
//
// If the read operation fails due to a system busy error, the function
// retries up to 5 times.
func read[R any](ctx context.Context, r *storeImpl, q internal.Query, stale bool) (R, error) {
	var zero R
	for i := 0; i < retries; i++ {

		var res interface{}
		var err error

		// Query the state machine, use StaleRead if stale is set otherwise
		// use SyncRead (default)
		if stale {
			res, err = r.nh.StaleRead(r.shardID, q)
		} else {
			readCtx, cancel := context.WithTimeout(ctx, r.timeout)
			res, err = r.nh.SyncRead(readCtx, r.shardID, q)
			cancel()
		}

		// Check for system busy errors
		if errors.Is(err, dragonboat.ErrSystemBusy) {
			log.Infof("SyncRead: System busy, retrying (%d/%d)...", i+1, retries)
			time.Sleep(r.timeout / 10)
			continue
		}

		if err != nil {
			var se *store.Error
			if errors.As(err, &se) {
				return zero, se
			}
			return zero, store.NewError(store.RetCInternalError, err.Error())
		}

		// The state machine is expected to return the response in the
		// expected type R.
		casted, ok := res.(R)
		if !ok {
			return zero, store.NewError(store.RetCInternalError,
				fmt.Sprintf("unexpected type: received %T, expected %T", res, zero))
		}
		return casted, nil
	}
	return zero, store.NewError(store.RetCInternalError, "timeout")
}

// --------------------------------------------------------------------------
// Interface Methods (docs see store/interface.go)
// --------------------------------------------------------------------------

func (s *storeImpl) LoadSector(ctx context.Context, boardID uint64, kind store.BufferKind, index uint64) ([]byte, error) {
	return read[[]byte](ctx, s, internal.Query{
		Type:    internal.QueryTLoadSector,
		BoardID: boardID,
		Kind:    kind,
		Index:   index,
	}, false)
}

func (s *storeImpl) StoreSector(ctx context.Context, boardID uint64, kind store.BufferKind, index uint64, data []byte) error {
	_, err := s.write(ctx, internal.Command{
		Type:    internal.CommandTStoreSector,
		BoardID: boardID,
		Kind:    kind,
		Index:   index,
		Data:    data,
	})
	return err
}

func (s *storeImpl) DeleteSectors(ctx context.Context, boardID uint64) error {
	_, err := s.write(ctx, internal.Command{
		Type:    internal.CommandTDeleteSectors,
		BoardID: boardID,
	})
	return err
}

func (s *storeImpl) RecordPlacement(ctx context.Context, boardID uint64, p store.Placement) error {
	_, err := s.write(ctx, internal.Command{
		Type:      internal.CommandTRecordPlacement,
		BoardID:   boardID,
		Placement: &p,
	})
	return err
}

func (s *storeImpl) RevertPlacement(ctx context.Context, boardID uint64, user string, position uint64, earliest uint32) (store.Placement, *store.Placement, error) {
	data, err := s.write(ctx, internal.Command{
		Type:     internal.CommandTRevertPlacement,
		BoardID:  boardID,
		User:     user,
		Position: position,
		Earliest: earliest,
	})
	if err != nil {
		return store.Placement{}, nil, err
	}

	var res internal.RevertResult
	if err := json.Unmarshal(data, &res); err != nil {
		return store.Placement{}, nil, store.NewError(store.RetCInternalError,
			fmt.Sprintf("failed to decode revert result: %v", err))
	}
	return res.Removed, res.Revealed, nil
}

func (s *storeImpl) LoadPlacementHistory(ctx context.Context, boardID uint64, user string, limit int) ([]store.Placement, error) {
	return read[[]store.Placement](ctx, s, internal.Query{
		Type:    internal.QueryTHistory,
		BoardID: boardID,
		User:    user,
		Limit:   limit,
	}, false)
}

func (s *storeImpl) PlacementsSince(ctx context.Context, boardID uint64, since uint32) ([]store.Placement, error) {
	return read[[]store.Placement](ctx, s, internal.Query{
		Type:    internal.QueryTSince,
		BoardID: boardID,
		Since:   since,
	}, false)
}

func (s *storeImpl) ListPlacements(ctx context.Context, boardID uint64, token uint64, limit int, order store.Order) ([]store.Placement, *uint64, error) {
	res, err := read[internal.ListResult](ctx, s, internal.Query{
		Type:    internal.QueryTList,
		BoardID: boardID,
		Token:   token,
		Limit:   limit,
		Order:   order,
	}, false)
	if err != nil {
		return nil, nil, err
	}
	return res.Items, res.Next, nil
}

func (s *storeImpl) GetPlacement(ctx context.Context, boardID uint64, position uint64) (*store.Placement, error) {
	return read[*store.Placement](ctx, s, internal.Query{
		Type:     internal.QueryTGetPlacement,
		BoardID:  boardID,
		Position: position,
	}, false)
}

func (s *storeImpl) CreateBoard(ctx context.Context, meta store.BoardMeta) (uint64, error) {
	data, err := s.write(ctx, internal.Command{
		Type: internal.CommandTCreateBoard,
		Meta: &meta,
	})
	if err != nil {
		return 0, err
	}

	var res internal.CreateResult
	if err := json.Unmarshal(data, &res); err != nil {
		return 0, store.NewError(store.RetCInternalError,
			fmt.Sprintf("failed to decode create result: %v", err))
	}
	return res.ID, nil
}

func (s *storeImpl) LoadBoardMetadata(ctx context.Context, boardID uint64) (store.BoardMeta, error) {
	return read[store.BoardMeta](ctx, s, internal.Query{
		Type:    internal.QueryTLoadBoard,
		BoardID: boardID,
	}, false)
}

func (s *storeImpl) UpdateBoardMetadata(ctx context.Context, meta store.BoardMeta) error {
	_, err := s.write(ctx, internal.Command{
		Type: internal.CommandTUpdateBoard,
		Meta: &meta,
	})
	return err
}

func (s *storeImpl) DeleteBoard(ctx context.Context, boardID uint64) error {
	_, err := s.write(ctx, internal.Command{
		Type:    internal.CommandTDeleteBoard,
		BoardID: boardID,
	})
	return err
}

func (s *storeImpl) ListBoards(ctx context.Context) ([]store.BoardMeta, error) {
	return read[[]store.BoardMeta](ctx, s, internal.Query{
		Type: internal.QueryTListBoards,
	}, false)
}

func (s *storeImpl) Info(ctx context.Context) (store.Info, error) {
	return read[store.Info](
		ctx,
		s,
		internal.Query{
			Type: internal.QueryTInfo,
		},
		true, // Note: allow for stale reads
	)
}

func (s *storeImpl) Close() error {
	return nil
}
