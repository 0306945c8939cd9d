package board

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// --------------------------------------------------------------------------
// Shape / Addressing
// --------------------------------------------------------------------------

// Shape maps the board's linear pixel address space onto sectors. It is
// built from ordered extent groups, outermost first: the innermost group
// spans one sector, everything outside it spans the sector grid. A board
// [[16,16],[64,64]] is a 16x16 grid of 64x64 pixel sectors.
//
// Positions are sector-major: position p lives in sector p/sectorSize at
// offset p%sectorSize, so one sector always covers one aligned contiguous
// slab of the address space.
//
// Shape values are immutable after construction.
type Shape struct {
	groups [][]uint64

	sectorSize  uint64
	sectorCount uint64
	totalSize   uint64
	dims        []uint64
}

// NewShape builds a Shape from extent groups. At least one group is
// required and every extent must be non-zero.
func NewShape(groups [][]uint64) (Shape, error) {
	if len(groups) == 0 {
		return Shape{}, fmt.Errorf("shape needs at least one extent group")
	}

	dimensionality := 0
	for _, group := range groups {
		if len(group) == 0 {
			return Shape{}, fmt.Errorf("shape contains an empty extent group")
		}
		for _, extent := range group {
			if extent == 0 {
				return Shape{}, fmt.Errorf("shape contains a zero extent")
			}
		}
		if len(group) > dimensionality {
			dimensionality = len(group)
		}
	}

	sectorSize := uint64(1)
	for _, extent := range groups[len(groups)-1] {
		sectorSize *= extent
	}

	sectorCount := uint64(1)
	for _, group := range groups[:len(groups)-1] {
		for _, extent := range group {
			sectorCount *= extent
		}
	}

	// per-axis pixel extents across all groups, missing axes count as 1
	dims := make([]uint64, dimensionality)
	for i := range dims {
		dims[i] = 1
	}
	for _, group := range groups {
		for i, extent := range group {
			dims[i] *= extent
		}
	}

	copied := make([][]uint64, len(groups))
	for i, group := range groups {
		copied[i] = append([]uint64(nil), group...)
	}

	return Shape{
		groups:      copied,
		sectorSize:  sectorSize,
		sectorCount: sectorCount,
		totalSize:   sectorCount * sectorSize,
		dims:        dims,
	}, nil
}

// MustShape is NewShape for known-good literals (tests, fixtures).
func MustShape(groups [][]uint64) Shape {
	s, err := NewShape(groups)
	if err != nil {
		panic(err)
	}
	return s
}

// SectorSize returns the number of pixels per sector.
func (s Shape) SectorSize() uint64 { return s.sectorSize }

// SectorCount returns the number of sectors.
func (s Shape) SectorCount() uint64 { return s.sectorCount }

// TotalSize returns the number of addressable pixels.
func (s Shape) TotalSize() uint64 { return s.totalSize }

// Dimensions returns the per-axis pixel extents (product across groups).
func (s Shape) Dimensions() []uint64 {
	return append([]uint64(nil), s.dims...)
}

// Groups returns a copy of the raw extent groups.
func (s Shape) Groups() [][]uint64 {
	groups := make([][]uint64, len(s.groups))
	for i, group := range s.groups {
		groups[i] = append([]uint64(nil), group...)
	}
	return groups
}

// Contains reports whether the position is addressable.
func (s Shape) Contains(position uint64) bool {
	return position < s.totalSize
}

// ToLocal resolves a linear position to its sector and in-sector offset.
// ok is false iff the position is out of bounds.
func (s Shape) ToLocal(position uint64) (sector, offset uint64, ok bool) {
	if !s.Contains(position) {
		return 0, 0, false
	}
	return position / s.sectorSize, position % s.sectorSize, true
}

// PositionOf is the inverse of ToLocal.
func (s Shape) PositionOf(sector, offset uint64) uint64 {
	return sector*s.sectorSize + offset
}

// SectorsWithin returns the minimal contiguous sector index range
// [first, last) overlapping the pixel range [start, end), clamped to the
// sector count. first == last means the range overlaps nothing.
func (s Shape) SectorsWithin(start, end uint64) (first, last uint64) {
	if end > s.totalSize {
		end = s.totalSize
	}
	if start >= end {
		return 0, 0
	}
	return start / s.sectorSize, (end-1)/s.sectorSize + 1
}

// Equal reports whether both shapes have identical extent groups.
func (s Shape) Equal(other Shape) bool {
	if len(s.groups) != len(other.groups) {
		return false
	}
	for i, group := range s.groups {
		if len(group) != len(other.groups[i]) {
			return false
		}
		for j, extent := range group {
			if extent != other.groups[i][j] {
				return false
			}
		}
	}
	return true
}

// Transform remaps a position from one geometry to another by preserving
// its mixed-radix coordinate. Both shapes must have the same group
// structure (group count and per-group axis count); the coordinate must
// fit inside the target extents. Used when a board is resized in place.
func Transform(from, to Shape, position uint64) (uint64, error) {
	if len(from.groups) != len(to.groups) {
		return 0, fmt.Errorf("incompatible shapes: %d vs %d extent groups", len(from.groups), len(to.groups))
	}
	for i := range from.groups {
		if len(from.groups[i]) != len(to.groups[i]) {
			return 0, fmt.Errorf("incompatible shapes: group %d has %d vs %d axes",
				i, len(from.groups[i]), len(to.groups[i]))
		}
	}
	if !from.Contains(position) {
		return 0, fmt.Errorf("position %d out of bounds for source shape", position)
	}

	// decompose innermost-last: later radices vary fastest
	fromRadix := flatten(from.groups)
	toRadix := flatten(to.groups)

	digits := make([]uint64, len(fromRadix))
	rest := position
	for i := len(fromRadix) - 1; i >= 0; i-- {
		digits[i] = rest % fromRadix[i]
		rest /= fromRadix[i]
	}

	result := uint64(0)
	for i := range toRadix {
		if digits[i] >= toRadix[i] {
			return 0, fmt.Errorf("position %d does not fit the target shape (axis %d: %d >= %d)",
				position, i, digits[i], toRadix[i])
		}
		result = result*toRadix[i] + digits[i]
	}
	return result, nil
}

func flatten(groups [][]uint64) []uint64 {
	var radix []uint64
	for _, group := range groups {
		radix = append(radix, group...)
	}
	return radix
}

func (s Shape) String() string {
	parts := make([]string, len(s.dims))
	for i, d := range s.dims {
		parts[i] = strconv.FormatUint(d, 10)
	}
	return strings.Join(parts, "x")
}

// MarshalJSON encodes the shape as its raw extent groups.
func (s Shape) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.groups)
}

// UnmarshalJSON decodes raw extent groups and derives the geometry.
func (s *Shape) UnmarshalJSON(data []byte) error {
	var groups [][]uint64
	if err := json.Unmarshal(data, &groups); err != nil {
		return err
	}
	shape, err := NewShape(groups)
	if err != nil {
		return err
	}
	*s = shape
	return nil
}
