package internal

import "github.com/tessera-dev/tessera/lib/store"

// QueryType defines the possible read-only queries for the state machine.
type QueryType uint8

const (
	QueryTLoadSector   QueryType = iota // Retrieve a sector slab.
	QueryTGetPlacement                  // Retrieve the latest placement at a position.
	QueryTHistory                       // Retrieve a user's placement history.
	QueryTSince                         // Retrieve all placements since a timestamp.
	QueryTList                          // Page through the placement log.
	QueryTLoadBoard                     // Retrieve a board metadata record.
	QueryTListBoards                    // Retrieve all board metadata records.
	QueryTInfo                          // Retrieve counters about the stored data.
)

func (q QueryType) String() string {
	switch q {
	case QueryTLoadSector:
		return "LoadSector"
	case QueryTGetPlacement:
		return "GetPlacement"
	case QueryTHistory:
		return "History"
	case QueryTSince:
		return "Since"
	case QueryTList:
		return "List"
	case QueryTLoadBoard:
		return "LoadBoard"
	case QueryTListBoards:
		return "ListBoards"
	case QueryTInfo:
		return "Info"
	default:
		return "Unknown"
	}
}

// Query defines the structure for lookup requests (read-only) sent via
// SyncRead or StaleRead. Queries never leave the process, so they are
// passed as values, not serialized.
type Query struct {
	Type    QueryType
	BoardID uint64

	Kind  store.BufferKind
	Index uint64

	User     string
	Position uint64
	Since    uint32

	Token uint64
	Limit int
	Order store.Order
}

// ListResult is the result of a QueryTList operation.
// All other query results are predefined types ([]byte, store.BoardMeta, ...).
type ListResult struct {
	Items []store.Placement
	Next  *uint64
}
