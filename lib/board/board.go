package board

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/lni/dragonboat/v4/logger"

	"github.com/tessera-dev/tessera/lib/live"
	"github.com/tessera-dev/tessera/lib/store"
)

var log = logger.GetLogger("board")

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

// Options configures the runtime behavior of a board. The zero value is not
// usable, start from DefaultOptions.
type Options struct {
	// Cooldown is the base period of the pixel regain curve.
	Cooldown time.Duration
	// IdleTimeout is the trailing window within which a user counts as
	// active.
	IdleTimeout time.Duration
	// UndoDeadline is the trailing window within which a placement can
	// still be undone by its author.
	UndoDeadline time.Duration
	// Cache bounds the resident sector set, nil means DefaultCacheOptions.
	Cache *CacheOptions
	// SubscriberBuffer is the per-connection fan-out queue length.
	SubscriberBuffer int
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() *Options {
	return &Options{
		Cooldown:         30 * time.Second,
		IdleTimeout:      5 * time.Minute,
		UndoDeadline:     5 * time.Minute,
		Cache:            DefaultCacheOptions(),
		SubscriberBuffer: 64,
	}
}

// --------------------------------------------------------------------------
// Board
// --------------------------------------------------------------------------

// Board is the runtime of one canvas: it owns the sector cache, the live
// fan-out hub and the activity window, and orchestrates every operation
// against the backing store.
//
// Thread-safety: all methods are safe for concurrent use. Mutating pixel
// operations serialize per color sector, metadata updates take the board
// exclusively.
type Board struct {
	id    uint64
	epoch uint64 // unix second the board was created at, immutable
	store store.IBoardStore
	opts  Options

	hub      *live.Hub
	activity *ActivityCache

	// mu guards meta, shape, cache and access. Pixel operations hold it
	// shared, admin operations (info updates, patches, close) exclusively.
	mu     sync.RWMutex
	meta   store.BoardMeta
	shape  Shape
	cache  *SectorCache
	access *SectorAccessor
}

// Open loads the board's metadata and prepares its runtime state. The
// activity window is seeded from the recent placement log.
func Open(ctx context.Context, st store.IBoardStore, boardID uint64, opts *Options) (*Board, error) {
	if opts == nil {
		opts = DefaultOptions()
	}

	meta, err := st.LoadBoardMetadata(ctx, boardID)
	if err != nil {
		return nil, err
	}
	shape, err := NewShape(meta.Shape)
	if err != nil {
		return nil, NewError(ErrInternal,
			fmt.Sprintf("board %d has an unusable shape: %v", boardID, err))
	}

	b := &Board{
		id:       boardID,
		epoch:    meta.CreatedAt,
		store:    st,
		opts:     *opts,
		hub:      live.NewHub(opts.SubscriberBuffer),
		activity: NewActivityCache(uint32(opts.IdleTimeout / time.Second)),
		meta:     meta,
		shape:    shape,
	}
	b.cache = NewSectorCache(boardID, shape, st, opts.Cache)
	b.access = NewSectorAccessor(shape, b.cache)

	if err := b.seedActivity(ctx); err != nil {
		b.hub.Close()
		_ = b.cache.Close() // nothing dirty yet, this only stops the loop
		return nil, err
	}
	return b, nil
}

// seedActivity replays the placements of the trailing idle window into the
// activity cache so UserCount is correct right after opening.
func (b *Board) seedActivity(ctx context.Context) error {
	now := b.nowTS(time.Now())
	var since uint32
	if idle := b.activity.IdleTimeout(); now > idle {
		since = now - idle
	}

	rows, err := b.store.PlacementsSince(ctx, b.id, since)
	if err != nil {
		return fmt.Errorf("failed to seed the activity window of board %d: %w", b.id, err)
	}
	for _, p := range rows {
		b.activity.Insert(p.Timestamp, p.User)
	}
	return nil
}

// ID returns the board id.
func (b *Board) ID() uint64 { return b.id }

// Epoch is the board's creation instant in unix seconds. Placement
// timestamps count whole seconds from it.
func (b *Board) Epoch() uint64 { return b.epoch }

// IdleTimeout is the trailing window within which a user counts as active.
func (b *Board) IdleTimeout() time.Duration { return b.opts.IdleTimeout }

// UndoDeadline is the trailing window within which a placement can still
// be undone by its author. Zero means undo never expires.
func (b *Board) UndoDeadline() time.Duration { return b.opts.UndoDeadline }

// BufferLength is the byte length of one whole buffer of the board.
func (b *Board) BufferLength(kind store.BufferKind) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.shape.TotalSize() * uint64(kind.Width())
}

// nowTS converts a wall clock instant to board seconds. The result is at
// least 1 because a zero timestamp marks an unplaced position.
func (b *Board) nowTS(now time.Time) uint32 {
	d := now.Unix() - int64(b.epoch)
	if d < 1 {
		return 1
	}
	if d > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(d)
}

// curve returns the cooldown curve for the current metadata. Callers hold
// b.mu.
func (b *Board) curve() Curve {
	return Curve{Cooldown: b.opts.Cooldown, MaxStacked: b.meta.MaxPixelsAvailable}
}

// --------------------------------------------------------------------------
// Metadata
// --------------------------------------------------------------------------

// Info is the client-facing rendering of a board's metadata.
type Info struct {
	ID                 uint64        `json:"id"`
	Name               string        `json:"name"`
	CreatedAt          uint64        `json:"createdAt"`
	Shape              [][]uint64    `json:"shape"`
	Palette            store.Palette `json:"palette"`
	MaxPixelsAvailable uint32        `json:"maxPixelsAvailable"`
}

// Info returns a snapshot of the board's metadata.
func (b *Board) Info() Info {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Info{
		ID:                 b.id,
		Name:               b.meta.Name,
		CreatedAt:          b.epoch,
		Shape:              b.shape.Groups(),
		Palette:            b.meta.Palette.Clone(),
		MaxPixelsAvailable: b.meta.MaxPixelsAvailable,
	}
}

// InfoPatch is a partial metadata update. Nil fields keep their value.
type InfoPatch struct {
	Name               *string       `json:"name,omitempty"`
	Shape              [][]uint64    `json:"shape,omitempty"`
	Palette            store.Palette `json:"palette,omitempty"`
	MaxPixelsAvailable *uint32       `json:"maxPixelsAvailable,omitempty"`
}

func (p InfoPatch) empty() bool {
	return p.Name == nil && p.Shape == nil && p.Palette == nil && p.MaxPixelsAvailable == nil
}

// UpdateInfo applies a partial metadata update and broadcasts it. Changing
// the shape discards the resident sectors and the stored slabs since the
// geometry no longer matches; the placement log is kept.
func (b *Board) UpdateInfo(ctx context.Context, patch InfoPatch) error {
	if patch.empty() {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var newShape *Shape
	if patch.Shape != nil {
		shape, err := NewShape(patch.Shape)
		if err != nil {
			return NewError(ErrInternal, fmt.Sprintf("unusable shape: %v", err))
		}
		if !shape.Equal(b.shape) {
			newShape = &shape
		}
	}

	meta := b.meta.Clone()
	if patch.Name != nil {
		meta.Name = *patch.Name
	}
	if newShape != nil {
		meta.Shape = newShape.Groups()
	}
	if patch.Palette != nil {
		meta.Palette = patch.Palette.Clone()
	}
	if patch.MaxPixelsAvailable != nil {
		meta.MaxPixelsAvailable = *patch.MaxPixelsAvailable
	}

	if err := b.store.UpdateBoardMetadata(ctx, meta); err != nil {
		return err
	}
	b.meta = meta

	if newShape != nil {
		// the stored slabs describe the old geometry, discard without
		// flushing
		b.cache.Drop()
		if err := b.store.DeleteSectors(ctx, b.id); err != nil {
			return err
		}
		b.shape = *newShape
		b.cache = NewSectorCache(b.id, b.shape, b.store, b.opts.Cache)
		b.access = NewSectorAccessor(b.shape, b.cache)
	}

	b.hub.Broadcast(live.NewBoardUpdate(&live.BoardInfo{
		Name:               patch.Name,
		Shape:              patch.Shape,
		Palette:            patch.Palette,
		MaxPixelsAvailable: patch.MaxPixelsAvailable,
	}, nil))
	return nil
}

// --------------------------------------------------------------------------
// Pixel Data
// --------------------------------------------------------------------------

// Read returns the kind buffer for the pixel range [start, end). The
// timestamp buffer is 4 bytes per pixel, all others 1.
func (b *Board) Read(ctx context.Context, kind store.BufferKind, start, end uint64) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.access.Read(ctx, kind, start, end)
}

// Place sets the color of one pixel for user. It validates position,
// palette entry, mask and the user's pixel budget, records the placement,
// mutates the color and timestamp slabs and fans the change out. The
// returned CooldownInfo reflects the state after the placement; on
// ErrRateLimited it is the still-valid current state so callers can relay
// the next availability.
func (b *Board) Place(ctx context.Context, user string, position uint64, color uint8, now time.Time) (store.Placement, CooldownInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var none store.Placement

	sector, offset, ok := b.shape.ToLocal(position)
	if !ok {
		return none, CooldownInfo{}, NewError(ErrOutOfBounds,
			fmt.Sprintf("position %d is outside the board", position))
	}
	if _, ok := b.meta.Palette[uint32(color)]; !ok {
		return none, CooldownInfo{}, NewError(ErrInvalidColor,
			fmt.Sprintf("color %d is not in the palette", color))
	}

	// the color sector is the write gate: holding it exclusively
	// serializes placements touching the same sector
	colors, release, err := b.cache.GetMut(ctx, store.BufferColors, sector)
	if err != nil {
		return none, CooldownInfo{}, err
	}
	defer release()

	if err := b.checkMask(ctx, sector, offset); err != nil {
		return none, CooldownInfo{}, err
	}
	if colors.Bytes()[offset] == color {
		return none, CooldownInfo{}, NewError(ErrNoOp,
			fmt.Sprintf("position %d already has color %d", position, color))
	}

	ts := b.nowTS(now)
	info, err := b.userCooldownInfo(ctx, user, uint64(now.Unix()))
	if err != nil {
		return none, CooldownInfo{}, err
	}
	if info.PixelsAvailable() == 0 {
		next, _ := info.NextAvailable()
		return none, info, NewError(ErrRateLimited,
			fmt.Sprintf("no pixels available until %d", next))
	}

	placement := store.Placement{
		Position:  position,
		Color:     color,
		Timestamp: ts,
		User:      user,
	}
	if err := b.store.RecordPlacement(ctx, b.id, placement); err != nil {
		return none, CooldownInfo{}, err
	}

	colors.Bytes()[offset] = color
	if err := b.writeTimestamp(ctx, sector, offset, ts); err != nil {
		return none, CooldownInfo{}, err
	}

	b.activity.Insert(ts, user)

	b.hub.Broadcast(live.NewBoardUpdate(nil, &live.UpdateData{
		Colors:     []live.Change{{Position: position, Values: []uint32{uint32(color)}}},
		Timestamps: []live.Change{{Position: position, Values: []uint32{ts}}},
	}))

	info, err = b.userCooldownInfo(ctx, user, uint64(now.Unix()))
	if err != nil {
		return none, CooldownInfo{}, err
	}
	b.pushCooldown(user, info)

	return placement, info, nil
}

// checkMask gates a placement on the mask byte at the position.
func (b *Board) checkMask(ctx context.Context, sector, offset uint64) error {
	mask, release, err := b.cache.Get(ctx, store.BufferMask, sector)
	if err != nil {
		return err
	}
	v := MaskValue(mask.Bytes()[offset])
	release()

	switch v {
	case MaskPlace:
		return nil
	case MaskNoPlace:
		return NewError(ErrUnplacable, "the mask forbids placing here")
	case MaskAdjacent:
		return NewError(ErrInternal, "adjacency-gated placement is not implemented")
	default:
		return NewError(ErrInternal, fmt.Sprintf("corrupt mask value %d", uint8(v)))
	}
}

// writeTimestamp stores a board timestamp in the timestamp slab.
func (b *Board) writeTimestamp(ctx context.Context, sector, offset uint64, ts uint32) error {
	stamps, release, err := b.cache.GetMut(ctx, store.BufferTimestamps, sector)
	if err != nil {
		return err
	}
	defer release()
	encodeTimestamp(stamps.Bytes(), offset, ts)
	return nil
}

// Undo reverts the user's most recent placement at position if it is still
// within the undo deadline. The pixel is restored to the placement revealed
// underneath, or to the initial color with a zero timestamp if there is
// none.
func (b *Board) Undo(ctx context.Context, user string, position uint64, now time.Time) (CooldownInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	sector, offset, ok := b.shape.ToLocal(position)
	if !ok {
		return CooldownInfo{}, NewError(ErrOutOfBounds,
			fmt.Sprintf("position %d is outside the board", position))
	}

	var earliest uint32
	if deadline := uint32(b.opts.UndoDeadline / time.Second); deadline > 0 {
		if ts := b.nowTS(now); ts > deadline {
			earliest = ts - deadline
		}
	}

	colors, release, err := b.cache.GetMut(ctx, store.BufferColors, sector)
	if err != nil {
		return CooldownInfo{}, err
	}
	defer release()

	removed, revealed, err := b.store.RevertPlacement(ctx, b.id, user, position, earliest)
	if err != nil {
		return CooldownInfo{}, err
	}

	restoredColor := uint8(0)
	restoredTS := uint32(0)
	if revealed != nil {
		restoredColor = revealed.Color
		restoredTS = revealed.Timestamp
	} else {
		initial, releaseInitial, err := b.cache.Get(ctx, store.BufferInitial, sector)
		if err != nil {
			return CooldownInfo{}, err
		}
		restoredColor = initial.Bytes()[offset]
		releaseInitial()
	}

	colors.Bytes()[offset] = restoredColor
	if err := b.writeTimestamp(ctx, sector, offset, restoredTS); err != nil {
		return CooldownInfo{}, err
	}

	b.activity.Remove(removed.Timestamp, user)

	b.hub.Broadcast(live.NewBoardUpdate(nil, &live.UpdateData{
		Colors:     []live.Change{{Position: position, Values: []uint32{uint32(restoredColor)}}},
		Timestamps: []live.Change{{Position: position, Values: []uint32{restoredTS}}},
	}))

	info, err := b.userCooldownInfo(ctx, user, uint64(now.Unix()))
	if err != nil {
		return CooldownInfo{}, err
	}
	b.pushCooldown(user, info)

	return info, nil
}

// PatchInitial overwrites a range of the initial artwork. Positions without
// a placement render the initial buffer, so their colors bytes are patched
// along.
func (b *Board) PatchInitial(ctx context.Context, start uint64, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.access.WriteRange(ctx, store.BufferInitial, start, data); err != nil {
		return err
	}
	if err := b.syncUnplacedColors(ctx, start, data); err != nil {
		return err
	}

	b.hub.Broadcast(live.NewBoardUpdate(nil, &live.UpdateData{
		Initial: []live.Change{{Position: start, Values: widen(data)}},
	}))
	return nil
}

// PatchMask overwrites a range of the placement mask. Every byte must be a
// known MaskValue.
func (b *Board) PatchMask(ctx context.Context, start uint64, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, v := range data {
		if !MaskValue(v).Valid() {
			return NewError(ErrInvalidMask,
				fmt.Sprintf("byte %d holds unknown mask value %d", i, v))
		}
	}
	if err := b.access.WriteRange(ctx, store.BufferMask, start, data); err != nil {
		return err
	}

	b.hub.Broadcast(live.NewBoardUpdate(nil, &live.UpdateData{
		Mask: []live.Change{{Position: start, Values: widen(data)}},
	}))
	return nil
}

// syncUnplacedColors copies fresh initial bytes into the colors buffer at
// positions without a placement, one sector view at a time.
func (b *Board) syncUnplacedColors(ctx context.Context, start uint64, data []byte) error {
	end := start + uint64(len(data))
	first, last := b.shape.SectorsWithin(start, end)
	size := b.shape.SectorSize()

	for sec := first; sec < last; sec++ {
		secStart := sec * size
		lo, hi := clip(start, end, secStart, secStart+size)
		if lo >= hi {
			continue
		}

		stamps, release, err := b.cache.Get(ctx, store.BufferTimestamps, sec)
		if err != nil {
			return err
		}
		unplaced := make([]uint64, 0, hi-lo)
		for p := lo; p < hi; p++ {
			if decodeTimestamp(stamps.Bytes(), p-secStart) == 0 {
				unplaced = append(unplaced, p)
			}
		}
		release()

		if len(unplaced) == 0 {
			continue
		}
		colors, releaseColors, err := b.cache.GetMut(ctx, store.BufferColors, sec)
		if err != nil {
			return err
		}
		for _, p := range unplaced {
			colors.Bytes()[p-secStart] = data[p-start]
		}
		releaseColors()
	}
	return nil
}

func widen(data []byte) []uint32 {
	out := make([]uint32, len(data))
	for i, v := range data {
		out[i] = uint32(v)
	}
	return out
}

// --------------------------------------------------------------------------
// Placement Log
// --------------------------------------------------------------------------

// Placements pages through the board's placement log.
func (b *Board) Placements(ctx context.Context, token uint64, limit int, order store.Order) ([]store.Placement, *uint64, error) {
	return b.store.ListPlacements(ctx, b.id, token, limit, order)
}

// Lookup returns the latest placement at the position.
func (b *Board) Lookup(ctx context.Context, position uint64) (*store.Placement, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.shape.Contains(position) {
		return nil, NewError(ErrOutOfBounds,
			fmt.Sprintf("position %d is outside the board", position))
	}
	return b.store.GetPlacement(ctx, b.id, position)
}

// --------------------------------------------------------------------------
// Users
// --------------------------------------------------------------------------

// UserCount reports the distinct users who placed within the idle window.
func (b *Board) UserCount(now time.Time) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.activity.Count(b.nowTS(now))
}

// UserCooldownInfo reports the user's current pixel budget and schedule.
func (b *Board) UserCooldownInfo(ctx context.Context, user string, now time.Time) (CooldownInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.userCooldownInfo(ctx, user, uint64(now.Unix()))
}

// userCooldownInfo derives the user's cooldown state from the recent
// placement history. Callers hold b.mu.
func (b *Board) userCooldownInfo(ctx context.Context, user string, nowUnix uint64) (CooldownInfo, error) {
	history, err := b.store.LoadPlacementHistory(ctx, b.id, user, int(b.meta.MaxPixelsAvailable))
	if err != nil {
		return CooldownInfo{}, err
	}
	return b.curve().Derive(history, b.epoch, nowUnix), nil
}

// pushCooldown reschedules the user's pixels-available stream on the hub.
func (b *Board) pushCooldown(user string, info CooldownInfo) {
	walk := info
	var steps []live.CooldownStep
	for {
		instant, count, ok := walk.Next()
		if !ok {
			break
		}
		steps = append(steps, live.CooldownStep{At: instant, Count: count})
	}
	b.hub.SetUserCooldown(user, info.PixelsAvailable(), steps)
}

// --------------------------------------------------------------------------
// Live Subscriptions
// --------------------------------------------------------------------------

// Subscribe registers a live connection on the board's hub. Authenticated
// subscribers with the authentication capability get their current cooldown
// schedule pushed right away.
func (b *Board) Subscribe(ctx context.Context, user string, caps live.CapabilitySet, now time.Time) (*live.Subscription, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	sub := b.hub.Subscribe(user, caps)

	if user != "" && caps.Has(live.CapAuthentication) {
		info, err := b.userCooldownInfo(ctx, user, uint64(now.Unix()))
		if err != nil {
			b.hub.Unsubscribe(sub.ID)
			return nil, err
		}
		b.pushCooldown(user, info)
	}
	return sub, nil
}

// Unsubscribe drops a live connection.
func (b *Board) Unsubscribe(id uint64) {
	b.hub.Unsubscribe(id)
}

// Subscribers returns the number of live connections.
func (b *Board) Subscribers() int {
	return b.hub.Subscribers()
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

// FlushAll writes every dirty sector through to the store.
func (b *Board) FlushAll(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cache.FlushAll(ctx)
}

// CacheStats returns a snapshot of the sector cache counters.
func (b *Board) CacheStats() CacheStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cache.Stats()
}

// Close disconnects all subscribers and flushes the sector cache. The board
// must not be used afterwards.
func (b *Board) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hub.Close()
	return b.cache.Close()
}

// Delete closes the board and removes its stored data: metadata, slabs and
// the placement log.
func (b *Board) Delete(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hub.Close()
	b.cache.Drop()
	return b.store.DeleteBoard(ctx, b.id)
}
