// Package board implements the canvas runtime: addressing, the sector
// cache, pixel placement with cooldown enforcement, the activity window and
// the orchestration of live update fan-out.
//
// The package focuses on:
//   - Sector-granular access to the four pixel buffers (colors, timestamps,
//     initial, mask) with bounded residency and write-back flushing
//   - Placement validation: palette, mask gating, per-user pixel budgets
//   - Deriving cooldown schedules from the placement log alone
//
// Key Components:
//
//   - Shape: resolves linear pixel positions to (sector, offset) pairs and
//     back. Sectors are the unit of caching, locking and persistence; the
//     innermost extent group fixes the sector size.
//
//   - SectorCache: keeps a bounded set of sector slabs resident, loading
//     through the backing store exactly once per sector even under
//     concurrent access and evicting least-recently-used sectors once over
//     budget. Dirty slabs are flushed on eviction, by a background loop
//     and on close.
//
//   - SectorAccessor: translates pixel ranges into sector walks for bulk
//     reads and range writes, holding at most one sector view at a time.
//
//   - ActivityCache: sliding-window count of distinct recently active
//     users, seeded from the placement log and maintained on every
//     placement and undo.
//
//   - Curve / CooldownInfo: the pixel regain schedule. The stack a user
//     already held is inferred from the recent placement history, so no
//     per-user state needs to be stored.
//
//   - Board: one canvas's runtime tying the above together and fanning
//     committed changes out to the live hub. Manager owns the set of open
//     boards on top of one store.
//
// Thread Safety:
//
//	Board, Manager, SectorCache and ActivityCache are safe for concurrent
//	use. Writes to one sector are exclusive for their duration; reads see
//	either the pre- or the post-write state, never torn data.
package board
