package board

import (
	"context"
	"fmt"

	"github.com/tessera-dev/tessera/lib/store"
)

// --------------------------------------------------------------------------
// SectorAccessor
// --------------------------------------------------------------------------

// SectorAccessor reads and writes pixel ranges through the sector cache.
// Ranges are in elements (positions), results and inputs are element-width
// scaled bytes. It holds at most one sector view at a time, so bulk
// operations never deadlock against writers holding a single sector.
//
// Thread-safety: all methods are thread-safe. A read spanning multiple
// sectors sees each sector atomically but is not atomic across sectors.
type SectorAccessor struct {
	shape Shape
	cache *SectorCache
}

// NewSectorAccessor creates an accessor over the cache.
func NewSectorAccessor(shape Shape, cache *SectorCache) *SectorAccessor {
	return &SectorAccessor{
		shape: shape,
		cache: cache,
	}
}

// Read returns the buffer bytes for positions [start, end). The result is
// (end-start) * element width bytes.
func (a *SectorAccessor) Read(ctx context.Context, kind store.BufferKind, start, end uint64) ([]byte, error) {
	if start > end || end > a.shape.TotalSize() {
		return nil, NewError(ErrOutOfBounds,
			fmt.Sprintf("range [%d, %d) outside the board's %d positions", start, end, a.shape.TotalSize()))
	}

	width := uint64(kind.Width())
	size := a.shape.SectorSize()
	out := make([]byte, (end-start)*width)

	first, last := a.shape.SectorsWithin(start, end)
	for s := first; s < last; s++ {
		secStart := s * size
		lo, hi := clip(start, end, secStart, secStart+size)

		sec, release, err := a.cache.Get(ctx, kind, s)
		if err != nil {
			return nil, err
		}
		copy(out[(lo-start)*width:], sec.Bytes()[(lo-secStart)*width:(hi-secStart)*width])
		release()
	}
	return out, nil
}

// Write replaces the single element at position. value must be exactly one
// element (kind width bytes).
func (a *SectorAccessor) Write(ctx context.Context, kind store.BufferKind, position uint64, value []byte) error {
	if len(value) != kind.Width() {
		return NewError(ErrInternal,
			fmt.Sprintf("%s element is %d bytes, got %d", kind, kind.Width(), len(value)))
	}
	sector, offset, ok := a.shape.ToLocal(position)
	if !ok {
		return NewError(ErrOutOfBounds,
			fmt.Sprintf("position %d outside the board's %d positions", position, a.shape.TotalSize()))
	}

	sec, release, err := a.cache.GetMut(ctx, kind, sector)
	if err != nil {
		return err
	}
	defer release()

	copy(sec.Bytes()[offset*uint64(kind.Width()):], value)
	return nil
}

// WriteRange replaces the elements starting at start with data, spanning
// sectors in position order. data must be a whole number of elements.
func (a *SectorAccessor) WriteRange(ctx context.Context, kind store.BufferKind, start uint64, data []byte) error {
	width := uint64(kind.Width())
	if uint64(len(data))%width != 0 {
		return NewError(ErrInternal,
			fmt.Sprintf("%s patch of %d bytes is not a whole number of %d byte elements", kind, len(data), width))
	}
	count := uint64(len(data)) / width
	if start > a.shape.TotalSize() || count > a.shape.TotalSize()-start {
		return NewError(ErrOutOfBounds,
			fmt.Sprintf("range [%d, %d) outside the board's %d positions", start, start+count, a.shape.TotalSize()))
	}
	end := start + count

	size := a.shape.SectorSize()
	first, last := a.shape.SectorsWithin(start, end)
	for s := first; s < last; s++ {
		secStart := s * size
		lo, hi := clip(start, end, secStart, secStart+size)

		sec, release, err := a.cache.GetMut(ctx, kind, s)
		if err != nil {
			return err
		}
		copy(sec.Bytes()[(lo-secStart)*width:], data[(lo-start)*width:(hi-start)*width])
		release()
	}
	return nil
}

// clip intersects the request range with one sector's range.
func clip(start, end, secStart, secEnd uint64) (lo, hi uint64) {
	lo = max(start, secStart)
	hi = min(end, secEnd)
	return lo, hi
}
