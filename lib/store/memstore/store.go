package memstore

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/tessera-dev/tessera/lib/store"
)

// --------------------------------------------------------------------------
// Core Store Structure
// --------------------------------------------------------------------------

// slabKey identifies one persisted sector slab within a board.
type slabKey struct {
	Kind  store.BufferKind
	Index uint64
}

// boardState holds everything stored for one board. Slabs live in a
// concurrent map of their own; metadata and the placement log share one
// RWMutex since they change rarely compared to slab traffic.
type boardState struct {
	mu   sync.RWMutex
	meta store.BoardMeta

	// placement log, timestamp-ordered (placements arrive monotonically),
	// plus per-user and per-position views of the same rows
	log    []store.Placement
	byUser map[string][]store.Placement
	byPos  map[uint64][]store.Placement

	slabs *xsync.MapOf[slabKey, []byte]
}

func newBoardState(meta store.BoardMeta) *boardState {
	return &boardState{
		meta:   meta,
		byUser: map[string][]store.Placement{},
		byPos:  map[uint64][]store.Placement{},
		slabs:  xsync.NewMapOf[slabKey, []byte](),
	}
}

// memStore implements store.IBoardStore in process memory. It is the
// store used for single-node serving and tests, and it is the state the
// replicated store's state machines wrap.
type memStore struct {
	boards *xsync.MapOf[uint64, *boardState]

	// guards board id assignment and the boards map during
	// create/delete so ids stay deterministic under ordered applies
	mu sync.Mutex

	path string
}

// Options configures the memStore behavior during initialization.
type Options struct {
	// Path is an optional snapshot file. When set, New loads the file if
	// it exists and Close writes the state back to it.
	Path string
}

// DefaultOptions returns the default memStore options.
func DefaultOptions() *Options {
	return &Options{}
}

// New creates a new in-memory board store with the specified options
// (optional).
//
// Thread-safety: This function is not thread-safe and should only be called
// once during initialization.
func New(opts *Options) (store.IBoardStore, error) {
	if opts == nil {
		opts = DefaultOptions()
	}

	s := &memStore{
		boards: xsync.NewMapOf[uint64, *boardState](),
		path:   opts.Path,
	}

	if opts.Path != "" {
		f, err := os.Open(opts.Path)
		switch {
		case os.IsNotExist(err):
			// first run, nothing to load
		case err != nil:
			return nil, fmt.Errorf("open snapshot %s: %w", opts.Path, err)
		default:
			defer f.Close()
			if err := s.LoadFrom(f); err != nil {
				return nil, fmt.Errorf("load snapshot %s: %w", opts.Path, err)
			}
		}
	}

	return s, nil
}

// MustNew is New for contexts where the options are known-good (tests,
// state machine factories). It panics on error.
func MustNew(opts *Options) store.IBoardStore {
	s, err := New(opts)
	if err != nil {
		panic(err)
	}
	return s
}

// board returns the state for the id or a NotFound error.
func (s *memStore) board(boardID uint64) (*boardState, error) {
	b, ok := s.boards.Load(boardID)
	if !ok {
		return nil, store.NewError(store.RetCNotFound, fmt.Sprintf("board %d does not exist", boardID))
	}
	return b, nil
}

// --------------------------------------------------------------------------
// Sector Slabs
// --------------------------------------------------------------------------

// LoadSector returns a copy of the stored slab.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (s *memStore) LoadSector(_ context.Context, boardID uint64, kind store.BufferKind, index uint64) ([]byte, error) {
	b, err := s.board(boardID)
	if err != nil {
		return nil, err
	}

	data, ok := b.slabs.Load(slabKey{kind, index})
	if !ok {
		return nil, store.NewError(store.RetCNotFound, fmt.Sprintf("sector %s/%d not stored", kind, index))
	}

	// copy out so callers can't alias the stored slab
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// StoreSector stores a copy of the slab, replacing any previous record.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (s *memStore) StoreSector(_ context.Context, boardID uint64, kind store.BufferKind, index uint64, data []byte) error {
	b, err := s.board(boardID)
	if err != nil {
		return err
	}

	stored := make([]byte, len(data))
	copy(stored, data)
	b.slabs.Store(slabKey{kind, index}, stored)
	return nil
}

// DeleteSectors drops every slab of the board.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (s *memStore) DeleteSectors(_ context.Context, boardID uint64) error {
	b, err := s.board(boardID)
	if err != nil {
		return err
	}

	b.slabs.Clear()
	return nil
}

// --------------------------------------------------------------------------
// Placements
// --------------------------------------------------------------------------

// RecordPlacement appends a placement row. Rows identical in (position,
// timestamp, user) are rejected with RetCConflict so retried proposals
// stay idempotent.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (s *memStore) RecordPlacement(_ context.Context, boardID uint64, p store.Placement) error {
	b, err := s.board(boardID)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// walk recent rows at the position backwards while their timestamp
	// still matches; anything older can't be a duplicate
	stack := b.byPos[p.Position]
	for i := len(stack) - 1; i >= 0 && stack[i].Timestamp >= p.Timestamp; i-- {
		if stack[i] == p {
			return store.NewError(store.RetCConflict, "placement already recorded")
		}
	}

	b.log = append(b.log, p)
	b.byUser[p.User] = append(b.byUser[p.User], p)
	b.byPos[p.Position] = append(stack, p)
	return nil
}

// RevertPlacement removes the user's latest placement at the position,
// see store.IBoardStore.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (s *memStore) RevertPlacement(_ context.Context, boardID uint64, user string, position uint64, earliest uint32) (store.Placement, *store.Placement, error) {
	b, err := s.board(boardID)
	if err != nil {
		return store.Placement{}, nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	stack := b.byPos[position]
	if len(stack) == 0 {
		return store.Placement{}, nil, store.NewError(store.RetCNotFound, "position has no placements")
	}

	top := stack[len(stack)-1]
	if top.User != user {
		return store.Placement{}, nil, store.NewError(store.RetCConflict, "latest placement belongs to another user")
	}
	if top.Timestamp < earliest {
		return store.Placement{}, nil, store.NewError(store.RetCConflict, "placement is too old to revert")
	}

	b.byPos[position] = stack[:len(stack)-1]
	removeLast(b.byUser, user, top)
	for i := len(b.log) - 1; i >= 0; i-- {
		if b.log[i] == top {
			b.log = append(b.log[:i], b.log[i+1:]...)
			break
		}
	}

	var revealed *store.Placement
	if rest := b.byPos[position]; len(rest) > 0 {
		r := rest[len(rest)-1]
		revealed = &r
	}
	return top, revealed, nil
}

func removeLast(m map[string][]store.Placement, key string, row store.Placement) {
	rows := m[key]
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i] == row {
			m[key] = append(rows[:i], rows[i+1:]...)
			return
		}
	}
}

// LoadPlacementHistory returns the user's most recent placements, oldest
// first, at most limit rows.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (s *memStore) LoadPlacementHistory(_ context.Context, boardID uint64, user string, limit int) ([]store.Placement, error) {
	b, err := s.board(boardID)
	if err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	rows := b.byUser[user]
	if limit > 0 && len(rows) > limit {
		rows = rows[len(rows)-limit:]
	}
	return append([]store.Placement(nil), rows...), nil
}

// PlacementsSince returns all placements with timestamp >= since, oldest
// first.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (s *memStore) PlacementsSince(_ context.Context, boardID uint64, since uint32) ([]store.Placement, error) {
	b, err := s.board(boardID)
	if err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	// the log is timestamp-ordered, the tail is everything new enough
	first := sort.Search(len(b.log), func(i int) bool {
		return b.log[i].Timestamp >= since
	})
	return append([]store.Placement(nil), b.log[first:]...), nil
}

// ListPlacements pages through the placement log, see store.IBoardStore.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (s *memStore) ListPlacements(_ context.Context, boardID uint64, token uint64, limit int, order store.Order) ([]store.Placement, *uint64, error) {
	b, err := s.board(boardID)
	if err != nil {
		return nil, nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	total := uint64(len(b.log))
	if token >= total || limit <= 0 {
		return nil, nil, nil
	}

	items := make([]store.Placement, 0, limit)
	switch order {
	case store.OrderForward:
		for i := token; i < total && len(items) < limit; i++ {
			items = append(items, b.log[i])
		}
	case store.OrderReverse:
		for i := total - 1 - token; len(items) < limit; i-- {
			items = append(items, b.log[i])
			if i == 0 {
				break
			}
		}
	default:
		return nil, nil, store.NewError(store.RetCInvalidOperation, fmt.Sprintf("unknown order %d", order))
	}

	var next *uint64
	if consumed := token + uint64(len(items)); consumed < total {
		next = &consumed
	}
	return items, next, nil
}

// GetPlacement returns the latest placement at the position.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (s *memStore) GetPlacement(_ context.Context, boardID uint64, position uint64) (*store.Placement, error) {
	b, err := s.board(boardID)
	if err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	stack := b.byPos[position]
	if len(stack) == 0 {
		return nil, store.NewError(store.RetCNotFound, "position has no placements")
	}
	top := stack[len(stack)-1]
	return &top, nil
}

// --------------------------------------------------------------------------
// Board Metadata
// --------------------------------------------------------------------------

// CreateBoard stores the metadata record and returns the assigned id.
// Ids are assigned as max(existing)+1 so that replayed op logs assign the
// same ids. The caller must set CreatedAt; the store never consults a
// clock.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (s *memStore) CreateBoard(_ context.Context, meta store.BoardMeta) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var maxID uint64
	s.boards.Range(func(id uint64, _ *boardState) bool {
		if id > maxID {
			maxID = id
		}
		return true
	})

	meta = meta.Clone()
	meta.ID = maxID + 1
	s.boards.Store(meta.ID, newBoardState(meta))
	return meta.ID, nil
}

// LoadBoardMetadata returns a copy of the metadata record.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (s *memStore) LoadBoardMetadata(_ context.Context, boardID uint64) (store.BoardMeta, error) {
	b, err := s.board(boardID)
	if err != nil {
		return store.BoardMeta{}, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.meta.Clone(), nil
}

// UpdateBoardMetadata replaces the metadata record matched by meta.ID.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (s *memStore) UpdateBoardMetadata(_ context.Context, meta store.BoardMeta) error {
	b, err := s.board(meta.ID)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.meta = meta.Clone()
	return nil
}

// DeleteBoard removes the board with its slabs and placement log.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (s *memStore) DeleteBoard(_ context.Context, boardID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.boards.Load(boardID); !ok {
		return store.NewError(store.RetCNotFound, fmt.Sprintf("board %d does not exist", boardID))
	}
	s.boards.Delete(boardID)
	return nil
}

// ListBoards returns all metadata records ordered by id.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (s *memStore) ListBoards(_ context.Context) ([]store.BoardMeta, error) {
	var metas []store.BoardMeta
	s.boards.Range(func(_ uint64, b *boardState) bool {
		b.mu.RLock()
		metas = append(metas, b.meta.Clone())
		b.mu.RUnlock()
		return true
	})

	sort.Slice(metas, func(i, j int) bool { return metas[i].ID < metas[j].ID })
	return metas, nil
}

// --------------------------------------------------------------------------
// Info and Lifecycle
// --------------------------------------------------------------------------

// Info returns counters about the stored data.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (s *memStore) Info(_ context.Context) (store.Info, error) {
	var info store.Info
	s.boards.Range(func(_ uint64, b *boardState) bool {
		info.Boards++

		b.mu.RLock()
		info.Placements += uint64(len(b.log))
		b.mu.RUnlock()

		b.slabs.Range(func(_ slabKey, data []byte) bool {
			info.Slabs++
			info.SlabBytes += uint64(len(data))
			return true
		})
		return true
	})
	return info, nil
}

// Close writes the state back to the snapshot path if one is configured.
func (s *memStore) Close() error {
	if s.path == "" {
		return nil
	}

	f, err := os.Create(s.path)
	if err != nil {
		return fmt.Errorf("create snapshot %s: %w", s.path, err)
	}
	if err := s.SaveTo(f); err != nil {
		f.Close()
		return fmt.Errorf("write snapshot %s: %w", s.path, err)
	}
	return f.Close()
}
