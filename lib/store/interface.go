package store

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// StoreFactory is a function type that creates a new board store.
// This is used to abstract the creation of the store from the code using it
// (e.g. the replicated store creates one instance per state machine).
type StoreFactory func() IBoardStore

// IBoardStore is the narrow persistence contract of the board runtime.
//
// Sector slabs are the authoritative pixel data: one fixed-size binary
// record per (board, buffer kind, sector index). Placement rows are the
// per-user history consumed by the cooldown and activity logic and by the
// moderation endpoints; they are never replayed to rebuild slabs.
//
// All operations take a context since a store may be remote or replicated.
// Write operations return an error (nil on success), read operations return
// the requested data along with an error. Absence is reported as an *Error
// with code RetCNotFound, never as (nil, nil).
type IBoardStore interface {
	// LoadSector returns the slab stored for the sector or RetCNotFound
	// if it was never flushed.
	LoadSector(ctx context.Context, boardID uint64, kind BufferKind, index uint64) ([]byte, error)
	// StoreSector writes the slab for the sector, replacing any previous
	// record. The caller keeps ownership of data.
	StoreSector(ctx context.Context, boardID uint64, kind BufferKind, index uint64, data []byte) error
	// DeleteSectors removes every slab of the board, all buffer kinds.
	// Used when the board geometry changes and on board deletion.
	DeleteSectors(ctx context.Context, boardID uint64) error

	// RecordPlacement appends a placement row. A row identical in
	// (position, timestamp, user) to an existing one is rejected with
	// RetCConflict so that retried proposals stay idempotent.
	RecordPlacement(ctx context.Context, boardID uint64, p Placement) error
	// RevertPlacement removes the latest placement at the position if it
	// belongs to user and its timestamp is >= earliest. It returns the
	// removed row and the row revealed underneath (nil if the position
	// has no older placement). RetCNotFound if nothing was ever placed
	// there, RetCConflict if the latest row is not the user's or is too
	// old to revert.
	RevertPlacement(ctx context.Context, boardID uint64, user string, position uint64, earliest uint32) (removed Placement, revealed *Placement, err error)
	// LoadPlacementHistory returns the user's most recent placements,
	// oldest first, at most limit rows.
	LoadPlacementHistory(ctx context.Context, boardID uint64, user string, limit int) ([]Placement, error)
	// PlacementsSince returns all placements with timestamp >= since,
	// oldest first. Used to seed the activity window at board load.
	PlacementsSince(ctx context.Context, boardID uint64, since uint32) ([]Placement, error)
	// ListPlacements pages through the board's placement log. The token
	// is the log offset to start from (0 for the first page when order
	// is OrderForward). The returned next token is nil on the last page.
	ListPlacements(ctx context.Context, boardID uint64, token uint64, limit int, order Order) ([]Placement, *uint64, error)
	// GetPlacement returns the latest placement at the position or
	// RetCNotFound if the position was never placed on.
	GetPlacement(ctx context.Context, boardID uint64, position uint64) (*Placement, error)

	// CreateBoard stores the metadata record and returns the assigned id.
	CreateBoard(ctx context.Context, meta BoardMeta) (uint64, error)
	// LoadBoardMetadata returns the metadata record or RetCNotFound.
	LoadBoardMetadata(ctx context.Context, boardID uint64) (BoardMeta, error)
	// UpdateBoardMetadata replaces the metadata record (matched by ID).
	UpdateBoardMetadata(ctx context.Context, meta BoardMeta) error
	// DeleteBoard removes the metadata record, the board's slabs and its
	// placement log.
	DeleteBoard(ctx context.Context, boardID uint64) error
	// ListBoards returns all metadata records ordered by id.
	ListBoards(ctx context.Context) ([]BoardMeta, error)

	// Info returns counters about the stored data. It is not guaranteed
	// that all fields are filled in or that the information is up-to-date!
	Info(ctx context.Context) (Info, error)
	// Close releases the resources held by the store.
	Close() error
}

// Info holds store-level counters, see IBoardStore.Info.
type Info struct {
	Boards     int    `json:"boards"`
	Placements uint64 `json:"placements"`
	Slabs      int    `json:"slabs"`
	SlabBytes  uint64 `json:"slabBytes"`
}

// Snapshotter is implemented by stores that can serialize their full
// state. The replicated store requires its wrapped store to support it;
// other stores may not (a remote store has nothing local to serialize).
type Snapshotter interface {
	// SaveTo writes the full store state to the writer.
	SaveTo(w io.Writer) error
	// LoadFrom replaces the full store state with the snapshot read from
	// the reader. Not safe to call concurrently with other operations.
	LoadFrom(r io.Reader) error
}

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error is a custom error type that wraps a return code (of type RetCode)
// and an error message. The code survives replication: the replicated store
// transports codes, not error instances.
type Error struct {
	Code RetCode // The return code
	Msg  string  // The error message.
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("BoardStoreError (code %s): %s", e.Code, e.Msg)
}

// NewError creates a new Error with the given code and message.
func NewError(code RetCode, msg string) *Error {
	return &Error{
		Code: code,
		Msg:  msg,
	}
}

// Code extracts the RetCode from an error. Errors that are not *Error
// report RetCInternalError, nil reports RetCSuccess.
func Code(err error) RetCode {
	if err == nil {
		return RetCSuccess
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return RetCInternalError
}

// IsNotFound reports whether err carries RetCNotFound.
func IsNotFound(err error) bool { return Code(err) == RetCNotFound }

// IsConflict reports whether err carries RetCConflict.
func IsConflict(err error) bool { return Code(err) == RetCConflict }

// --------------------------------------------------------------------------
// Return Codes
// --------------------------------------------------------------------------

type RetCode uint64

const (
	RetCSuccess              RetCode = iota // 0: Command executed successfully.
	RetCInternalError                       // 1: Command failed due to an internal error.
	RetCNotFound                            // 2: The requested record does not exist.
	RetCConflict                            // 3: The write conflicts with the stored state.
	RetCInvalidOperation                    // 4: Invalid operation.
	RetCUnsupportedOperation                // 5: Operation is not supported by this store.
)

func (c RetCode) String() string {
	switch c {
	case RetCSuccess:
		return "Success"
	case RetCInternalError:
		return "InternalError"
	case RetCNotFound:
		return "NotFound"
	case RetCConflict:
		return "Conflict"
	case RetCInvalidOperation:
		return "InvalidOperation"
	case RetCUnsupportedOperation:
		return "UnsupportedOperation"
	default:
		return "Unknown"
	}
}
