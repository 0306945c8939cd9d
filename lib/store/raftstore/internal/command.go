package internal

import (
	"encoding/json"
	"fmt"

	"github.com/tessera-dev/tessera/lib/store"
)

// CommandType defines the possible write operations for the state machine.
type CommandType uint8

const (
	CommandTStoreSector     CommandType = iota // Store a sector slab.
	CommandTDeleteSectors                      // Drop all slabs of a board.
	CommandTRecordPlacement                    // Append a placement row.
	CommandTRevertPlacement                    // Remove a user's latest placement.
	CommandTCreateBoard                        // Create a board metadata record.
	CommandTUpdateBoard                        // Replace a board metadata record.
	CommandTDeleteBoard                        // Delete a board.
)

func (ct CommandType) String() string {
	switch ct {
	case CommandTStoreSector:
		return "StoreSector"
	case CommandTDeleteSectors:
		return "DeleteSectors"
	case CommandTRecordPlacement:
		return "RecordPlacement"
	case CommandTRevertPlacement:
		return "RevertPlacement"
	case CommandTCreateBoard:
		return "CreateBoard"
	case CommandTUpdateBoard:
		return "UpdateBoard"
	case CommandTDeleteBoard:
		return "DeleteBoard"
	default:
		return fmt.Sprintf("Unknown(%d)", ct)
	}
}

// Command represents a command to be executed by the state machine (a
// single entry in the raft log). Only the fields the command type needs
// are set; the rest are omitted from the encoding.
type Command struct {
	Type    CommandType `json:"t"`
	BoardID uint64      `json:"b,omitempty"`

	// sector commands
	Kind  store.BufferKind `json:"k,omitempty"`
	Index uint64           `json:"i,omitempty"`
	Data  []byte           `json:"d,omitempty"`

	// placement commands
	Placement *store.Placement `json:"p,omitempty"`
	User      string           `json:"u,omitempty"`
	Position  uint64           `json:"pos,omitempty"`
	Earliest  uint32           `json:"e,omitempty"`

	// metadata commands
	Meta *store.BoardMeta `json:"m,omitempty"`
}

// Serialize serializes a command into a byte array.
func (command *Command) Serialize() ([]byte, error) {
	return json.Marshal(command)
}

// Deserialize extracts all Command fields from a byte array.
func (command *Command) Deserialize(data []byte) error {
	return json.Unmarshal(data, command)
}

// CreateResult is the success payload of a CommandTCreateBoard entry.
type CreateResult struct {
	ID uint64 `json:"id"`
}

// RevertResult is the success payload of a CommandTRevertPlacement entry.
type RevertResult struct {
	Removed  store.Placement  `json:"removed"`
	Revealed *store.Placement `json:"revealed,omitempty"`
}
