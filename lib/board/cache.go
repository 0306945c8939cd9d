package board

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/tessera-dev/tessera/lib/store"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

// CacheOptions configures a SectorCache.
type CacheOptions struct {
	// MaxSectors is the resident sector budget. 0 disables the limit.
	MaxSectors int
	// MaxBytes is the resident slab byte budget. 0 disables the limit.
	MaxBytes int64
	// FlushInterval is the period of the background loop that flushes
	// dirty sectors and evicts past budget. 0 disables the loop; dirty
	// sectors are then only written on eviction, FlushAll and Close.
	FlushInterval time.Duration
}

// DefaultCacheOptions returns the default cache configuration.
func DefaultCacheOptions() *CacheOptions {
	return &CacheOptions{
		MaxSectors:    1024,
		MaxBytes:      256 * 1024 * 1024,
		FlushInterval: 30 * time.Second,
	}
}

// CacheStats is a snapshot of the cache counters.
type CacheStats struct {
	Sectors   int64  `json:"sectors"`
	Bytes     int64  `json:"bytes"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Loads     uint64 `json:"loads"`
	Evictions uint64 `json:"evictions"`
	Flushes   uint64 `json:"flushes"`
}

// number of concurrent backing-store writes during FlushAll
const flushConcurrency = 8

// --------------------------------------------------------------------------
// SectorCache
// --------------------------------------------------------------------------

// SectorCache keeps the working set of one board's slabs in memory and
// writes them back to the backing store on eviction and on flush.
//
// Concurrent misses on the same sector share one backing-store load.
// Every resident sector carries its own RWMutex, so readers and the
// writer of one sector serialize against each other without blocking
// any other sector. Eviction picks the least recently used sector by
// access tick; a sector touched after it was queued is re-queued, not
// evicted.
//
// Thread-safety: all methods are thread-safe unless noted otherwise.
type SectorCache struct {
	boardID uint64
	shape   Shape
	store   store.IBoardStore
	opts    CacheOptions

	sectors *xsync.MapOf[sectorKey, *Sector]
	flights singleflight.Group

	lruMu sync.Mutex
	lru   *accessHeap

	clock atomic.Uint64
	count atomic.Int64
	bytes atomic.Int64

	hits      atomic.Uint64
	misses    atomic.Uint64
	loads     atomic.Uint64
	evictions atomic.Uint64
	flushes   atomic.Uint64

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewSectorCache creates a cache for the board's slabs. If opts is nil the
// default configuration is used.
func NewSectorCache(boardID uint64, shape Shape, st store.IBoardStore, opts *CacheOptions) *SectorCache {
	if opts == nil {
		opts = DefaultCacheOptions()
	}

	c := &SectorCache{
		boardID: boardID,
		shape:   shape,
		store:   st,
		opts:    *opts,
		sectors: xsync.NewMapOf[sectorKey, *Sector](),
		lru:     newAccessHeap(),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	if c.opts.FlushInterval > 0 {
		go c.run()
	} else {
		close(c.done)
	}
	return c
}

// Get returns a shared view of the sector. The release function must be
// called on every exit path once the caller is done with the bytes; until
// then no writer can touch the sector.
//
// Thread-safety: this method is thread-safe.
func (c *SectorCache) Get(ctx context.Context, kind store.BufferKind, index uint64) (*Sector, func(), error) {
	if index >= c.shape.SectorCount() {
		return nil, nil, NewError(ErrOutOfBounds, fmt.Sprintf("sector %d out of range (%d sectors)", index, c.shape.SectorCount()))
	}

	for {
		sec, err := c.resident(ctx, sectorKey{kind: kind, index: index})
		if err != nil {
			return nil, nil, err
		}
		sec.mu.RLock()
		if sec.evicted.Load() {
			// raced with eviction between lookup and lock, reload
			sec.mu.RUnlock()
			continue
		}
		c.touch(sec)
		return sec, sec.mu.RUnlock, nil
	}
}

// GetMut returns an exclusive view of the sector and marks it dirty. The
// release function must be called on every exit path, including error and
// cancellation paths, or the sector stays locked for good.
//
// Thread-safety: this method is thread-safe.
func (c *SectorCache) GetMut(ctx context.Context, kind store.BufferKind, index uint64) (*Sector, func(), error) {
	if index >= c.shape.SectorCount() {
		return nil, nil, NewError(ErrOutOfBounds, fmt.Sprintf("sector %d out of range (%d sectors)", index, c.shape.SectorCount()))
	}

	for {
		sec, err := c.resident(ctx, sectorKey{kind: kind, index: index})
		if err != nil {
			return nil, nil, err
		}
		sec.mu.Lock()
		if sec.evicted.Load() {
			sec.mu.Unlock()
			continue
		}
		c.touch(sec)
		sec.dirty.Store(true)
		return sec, sec.mu.Unlock, nil
	}
}

// resident returns the cached sector, loading it on a miss. Concurrent
// misses on the same key share one load.
func (c *SectorCache) resident(ctx context.Context, key sectorKey) (*Sector, error) {
	if sec, ok := c.sectors.Load(key); ok {
		c.hits.Add(1)
		return sec, nil
	}
	c.misses.Add(1)

	v, err, _ := c.flights.Do(key.String(), func() (interface{}, error) {
		// a previous flight may have inserted it in the meantime
		if sec, ok := c.sectors.Load(key); ok {
			return sec, nil
		}

		// the load is shared between callers, one caller's cancellation
		// must not fail the others
		sec, err := c.load(context.WithoutCancel(ctx), key)
		if err != nil {
			return nil, err
		}

		c.touch(sec)
		c.sectors.Store(key, sec)
		c.count.Add(1)
		c.bytes.Add(int64(len(sec.data)))
		c.lruMu.Lock()
		c.lru.Queue(key, sec.lastAccess.Load())
		c.lruMu.Unlock()
		return sec, nil
	})
	if err != nil {
		return nil, err
	}

	if c.overBudget() {
		// keep serving the caller even if eviction cannot flush right now,
		// the background loop retries
		if err := c.Evict(ctx); err != nil {
			log.Warningf("eviction of board %d failed: %v", c.boardID, err)
		}
	}
	return v.(*Sector), nil
}

// load reads the slab from the backing store. A sector that was never
// flushed starts out zeroed, except for the colors buffer which starts
// as a copy of the initial buffer so unplaced positions render as the
// seeded artwork.
func (c *SectorCache) load(ctx context.Context, key sectorKey) (*Sector, error) {
	want := slabSize(c.shape, key.kind)

	data, err := c.store.LoadSector(ctx, c.boardID, key.kind, key.index)
	switch {
	case store.IsNotFound(err):
		if key.kind == store.BufferColors {
			initial, release, err := c.Get(ctx, store.BufferInitial, key.index)
			if err != nil {
				return nil, fmt.Errorf("failed to seed colors sector %d: %w", key.index, err)
			}
			data = make([]byte, want)
			copy(data, initial.Bytes())
			release()
		} else {
			data = make([]byte, want)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to load %s sector %d: %w", key.kind, key.index, err)
	case len(data) != want:
		return nil, store.NewError(store.RetCInternalError,
			fmt.Sprintf("stored %s sector %d has %d bytes, expected %d", key.kind, key.index, len(data), want))
	}

	c.loads.Add(1)
	return newSector(key.kind, key.index, data), nil
}

func (c *SectorCache) touch(sec *Sector) {
	sec.lastAccess.Store(c.clock.Add(1))
}

func (c *SectorCache) overBudget() bool {
	if c.opts.MaxSectors > 0 && c.count.Load() > int64(c.opts.MaxSectors) {
		return true
	}
	if c.opts.MaxBytes > 0 && c.bytes.Load() > c.opts.MaxBytes {
		return true
	}
	return false
}

// Evict flushes and removes least-recently-used sectors until the cache is
// within its budgets. Sectors whose lock is currently held are skipped,
// they are in use and not eviction candidates; eviction therefore never
// blocks on any sector lock and a Get for an unrelated key proceeds
// throughout.
//
// Thread-safety: this method is thread-safe.
func (c *SectorCache) Evict(ctx context.Context) error {
	// skipped sectors go back into the queue only after the pass so the
	// loop cannot pop them again and spin
	var skipped []*accessEntry
	defer func() {
		c.lruMu.Lock()
		for _, entry := range skipped {
			c.lru.Queue(entry.key, entry.tick)
		}
		c.lruMu.Unlock()
	}()

	for c.overBudget() {
		c.lruMu.Lock()
		entry, ok := c.lru.TakeOldest()
		c.lruMu.Unlock()
		if !ok {
			return nil
		}

		sec, ok := c.sectors.Load(entry.key)
		if !ok {
			continue // dropped since it was queued
		}
		if tick := sec.lastAccess.Load(); tick != entry.tick {
			c.requeue(entry.key, tick) // touched since it was queued
			continue
		}

		evicted, err := c.evictSector(ctx, entry.key, sec, entry.tick)
		if err != nil {
			return err
		}
		if !evicted {
			entry.tick = sec.lastAccess.Load()
			skipped = append(skipped, entry)
		}
	}
	return nil
}

// evictSector flushes and removes one sector. It reports false without an
// error if the sector is in use or was touched while evicting.
func (c *SectorCache) evictSector(ctx context.Context, key sectorKey, sec *Sector, tick uint64) (bool, error) {
	if !sec.mu.TryLock() {
		return false, nil // in use, not a candidate
	}
	defer sec.mu.Unlock()

	if sec.lastAccess.Load() != tick {
		return false, nil // touched between the tick check and the lock
	}
	if sec.dirty.Load() {
		if err := c.flushLocked(ctx, sec); err != nil {
			c.requeue(key, tick)
			return false, err
		}
	}

	sec.evicted.Store(true)
	c.sectors.Delete(key)
	c.count.Add(-1)
	c.bytes.Add(-int64(len(sec.data)))
	c.evictions.Add(1)
	return true, nil
}

func (c *SectorCache) requeue(key sectorKey, tick uint64) {
	c.lruMu.Lock()
	c.lru.Queue(key, tick)
	c.lruMu.Unlock()
}

// flushLocked writes the slab to the backing store. The caller must hold
// the sector's lock (shared is enough, writers are blocked either way).
func (c *SectorCache) flushLocked(ctx context.Context, sec *Sector) error {
	if err := c.store.StoreSector(ctx, c.boardID, sec.kind, sec.index, sec.data); err != nil {
		return fmt.Errorf("failed to flush %s sector %d: %w", sec.kind, sec.index, err)
	}
	sec.dirty.Store(false)
	c.flushes.Add(1)
	return nil
}

// FlushAll writes every dirty resident sector to the backing store. Used
// on shutdown and periodically by the background loop.
//
// Thread-safety: this method is thread-safe.
func (c *SectorCache) FlushAll(ctx context.Context) error {
	var dirty []*Sector
	c.sectors.Range(func(_ sectorKey, sec *Sector) bool {
		if sec.dirty.Load() {
			dirty = append(dirty, sec)
		}
		return true
	})

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(flushConcurrency)
	for _, sec := range dirty {
		g.Go(func() error {
			sec.mu.RLock()
			defer sec.mu.RUnlock()
			if sec.evicted.Load() || !sec.dirty.Load() {
				return nil // evicted or flushed in the meantime
			}
			return c.flushLocked(ctx, sec)
		})
	}
	return g.Wait()
}

// Drop stops the cache and discards all resident sectors without flushing.
// Used when the board geometry changes or the board is deleted and the
// stored slabs are dropped anyway.
func (c *SectorCache) Drop() {
	c.stopLoop()

	c.lruMu.Lock()
	c.lru = newAccessHeap()
	c.lruMu.Unlock()

	c.sectors.Range(func(key sectorKey, sec *Sector) bool {
		sec.mu.Lock()
		sec.evicted.Store(true)
		sec.dirty.Store(false)
		c.sectors.Delete(key)
		c.count.Add(-1)
		c.bytes.Add(-int64(len(sec.data)))
		sec.mu.Unlock()
		return true
	})
}

// Close stops the background loop and writes out all dirty sectors.
func (c *SectorCache) Close() error {
	c.stopLoop()
	return c.FlushAll(context.Background())
}

func (c *SectorCache) stopLoop() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
	<-c.done
}

// Stats returns a snapshot of the cache counters.
//
// Thread-safety: this method is thread-safe.
func (c *SectorCache) Stats() CacheStats {
	return CacheStats{
		Sectors:   c.count.Load(),
		Bytes:     c.bytes.Load(),
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Loads:     c.loads.Load(),
		Evictions: c.evictions.Load(),
		Flushes:   c.flushes.Load(),
	}
}

// run periodically flushes dirty sectors and evicts past budget until the
// cache is stopped.
func (c *SectorCache) run() {
	defer close(c.done)

	ticker := time.NewTicker(c.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.opts.FlushInterval)
			if err := c.FlushAll(ctx); err != nil {
				log.Warningf("background flush of board %d failed: %v", c.boardID, err)
			}
			if err := c.Evict(ctx); err != nil {
				log.Warningf("background eviction of board %d failed: %v", c.boardID, err)
			}
			cancel()
		}
	}
}

func (k sectorKey) String() string {
	return k.kind.String() + "/" + strconv.FormatUint(k.index, 10)
}
