package board

import (
	"sync"
	"sync/atomic"

	"github.com/tessera-dev/tessera/lib/store"
)

// --------------------------------------------------------------------------
// Sector
// --------------------------------------------------------------------------

// sectorKey identifies one resident slab: a buffer kind plus the sector
// index within the board's address space.
type sectorKey struct {
	kind  store.BufferKind
	index uint64
}

// Sector is one resident slab of the cache. The bytes are only valid while
// a view handed out by SectorCache.Get or GetMut is held (its release
// function not yet called).
//
// Thread-safety: access is serialized by the per-sector lock the cache
// acquires on behalf of the caller. Do not retain the byte slice past the
// view.
type Sector struct {
	kind  store.BufferKind
	index uint64

	mu   sync.RWMutex
	data []byte

	dirty      atomic.Bool
	evicted    atomic.Bool
	lastAccess atomic.Uint64
}

func newSector(kind store.BufferKind, index uint64, data []byte) *Sector {
	return &Sector{
		kind:  kind,
		index: index,
		data:  data,
	}
}

// Kind returns the buffer kind the sector belongs to.
func (s *Sector) Kind() store.BufferKind { return s.kind }

// Index returns the sector index within the board's address space.
func (s *Sector) Index() uint64 { return s.index }

// Bytes returns the slab. Shared views must not write to it.
func (s *Sector) Bytes() []byte { return s.data }

// Dirty reports whether the slab changed since the last flush.
func (s *Sector) Dirty() bool { return s.dirty.Load() }
