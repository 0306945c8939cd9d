package store

import "fmt"

// --------------------------------------------------------------------------
// Buffer Kinds
// --------------------------------------------------------------------------

// BufferKind names one of the four parallel arrays a board keeps over its
// pixel address space. Each kind is persisted as its own slab records.
type BufferKind uint8

const (
	BufferColors BufferKind = iota
	BufferTimestamps
	BufferInitial
	BufferMask

	bufferKindCount = 4
)

// BufferKinds lists every kind, in persistence order.
func BufferKinds() [4]BufferKind {
	return [4]BufferKind{BufferColors, BufferTimestamps, BufferInitial, BufferMask}
}

// Width returns the element width of the kind in bytes. Timestamps are
// little-endian uint32, everything else is a single byte per pixel.
func (b BufferKind) Width() int {
	if b == BufferTimestamps {
		return 4
	}
	return 1
}

func (b BufferKind) String() string {
	switch b {
	case BufferColors:
		return "colors"
	case BufferTimestamps:
		return "timestamps"
	case BufferInitial:
		return "initial"
	case BufferMask:
		return "mask"
	default:
		return fmt.Sprintf("BufferKind(%d)", uint8(b))
	}
}

// ParseBufferKind maps the wire name of a buffer (as used in routes and
// packets) back to its kind.
func ParseBufferKind(s string) (BufferKind, bool) {
	switch s {
	case "colors":
		return BufferColors, true
	case "timestamps":
		return BufferTimestamps, true
	case "initial":
		return BufferInitial, true
	case "mask":
		return BufferMask, true
	default:
		return 0, false
	}
}

// --------------------------------------------------------------------------
// Entities
// --------------------------------------------------------------------------

// Placement is one pixel placement. Timestamp is in board time: whole
// seconds since the board's creation instant, never zero for a real row.
type Placement struct {
	Position  uint64 `json:"position"`
	Color     uint8  `json:"color"`
	Timestamp uint32 `json:"timestamp"`
	User      string `json:"user"`
}

// Color is one palette entry. Value encodes the channel bytes as 0xRRGGBB.
type Color struct {
	Name  string `json:"name"`
	Value uint32 `json:"value"`
}

// Palette maps the color index stored in the colors buffer to its entry.
type Palette map[uint32]Color

// Clone returns a copy that shares nothing with the receiver.
func (p Palette) Clone() Palette {
	if p == nil {
		return nil
	}
	out := make(Palette, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// BoardMeta is the persisted description of a board. Shape holds the raw
// per-dimension extent groups; the board package derives the addressing
// math from it.
type BoardMeta struct {
	ID                 uint64     `json:"id"`
	Name               string     `json:"name"`
	CreatedAt          uint64     `json:"createdAt"`
	Shape              [][]uint64 `json:"shape"`
	Palette            Palette    `json:"palette"`
	MaxPixelsAvailable uint32     `json:"maxPixelsAvailable"`
}

// Clone returns a deep copy so callers can mutate without aliasing the
// stored record.
func (m BoardMeta) Clone() BoardMeta {
	out := m
	out.Palette = m.Palette.Clone()
	out.Shape = make([][]uint64, len(m.Shape))
	for i, dim := range m.Shape {
		out.Shape[i] = append([]uint64(nil), dim...)
	}
	return out
}

// --------------------------------------------------------------------------
// Listing
// --------------------------------------------------------------------------

// Order selects the direction ListPlacements walks the placement log.
type Order uint8

const (
	OrderForward Order = iota
	OrderReverse
)
