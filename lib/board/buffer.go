package board

import (
	"encoding/binary"
	"fmt"

	"github.com/tessera-dev/tessera/lib/store"
)

// --------------------------------------------------------------------------
// Mask Values
// --------------------------------------------------------------------------

// MaskValue is one byte of the mask buffer and gates placement at its
// position.
type MaskValue uint8

const (
	// MaskNoPlace forbids placements at the position.
	MaskNoPlace MaskValue = 0
	// MaskPlace allows placements at the position.
	MaskPlace MaskValue = 1
	// MaskAdjacent is reserved: placements only next to existing ones.
	// No board accepts it yet, the value is parsed and stored but placing
	// on it fails.
	MaskAdjacent MaskValue = 2

	maskValueCount = 3
)

// Valid reports whether m is a known mask value.
func (m MaskValue) Valid() bool { return m < maskValueCount }

func (m MaskValue) String() string {
	switch m {
	case MaskNoPlace:
		return "no-place"
	case MaskPlace:
		return "place"
	case MaskAdjacent:
		return "adjacent"
	default:
		return fmt.Sprintf("MaskValue(%d)", uint8(m))
	}
}

// --------------------------------------------------------------------------
// Slab Encoding
// --------------------------------------------------------------------------

// slabSize returns the byte length of one sector's slab for the kind.
func slabSize(shape Shape, kind store.BufferKind) int {
	return int(shape.SectorSize()) * kind.Width()
}

// encodeTimestamp writes a placement timestamp into a timestamps slab at
// the element offset.
func encodeTimestamp(slab []byte, offset uint64, ts uint32) {
	binary.LittleEndian.PutUint32(slab[offset*4:], ts)
}

// decodeTimestamp reads the placement timestamp at the element offset.
func decodeTimestamp(slab []byte, offset uint64) uint32 {
	return binary.LittleEndian.Uint32(slab[offset*4:])
}
