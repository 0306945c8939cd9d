package board

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/tessera-dev/tessera/lib/store"
)

// Manager owns the set of open boards on top of one store, opening each
// board at most once and sharing the instance between callers.
//
// Thread-safety: all methods are safe for concurrent use. Lookups of
// already open boards are lock-free, open and delete transitions
// serialize on an internal mutex.
type Manager struct {
	store store.IBoardStore
	opts  *Options

	// mu serializes opens and deletes so a board is never opened twice
	// and never resurrected mid-delete
	mu     sync.Mutex
	boards *xsync.MapOf[uint64, *Board]
	closed atomic.Bool
}

// NewManager creates a manager over the store. opts applies to every board
// it opens, nil means DefaultOptions.
func NewManager(st store.IBoardStore, opts *Options) *Manager {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &Manager{
		store:  st,
		opts:   opts,
		boards: xsync.NewMapOf[uint64, *Board](),
	}
}

// Get returns the open board, opening it on first use. Reports
// RetCNotFound if the id is unknown.
func (m *Manager) Get(ctx context.Context, boardID uint64) (*Board, error) {
	if b, ok := m.boards.Load(boardID); ok {
		return b, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed.Load() {
		return nil, store.NewError(store.RetCInvalidOperation, "the board manager is closed")
	}
	if b, ok := m.boards.Load(boardID); ok {
		return b, nil
	}

	b, err := Open(ctx, m.store, boardID, m.opts)
	if err != nil {
		return nil, err
	}
	m.boards.Store(boardID, b)
	return b, nil
}

// List returns the metadata of every stored board, open or not.
func (m *Manager) List(ctx context.Context) ([]store.BoardMeta, error) {
	return m.store.ListBoards(ctx)
}

// Create validates and stores a new board and returns it opened. A zero
// CreatedAt is filled with the current time.
func (m *Manager) Create(ctx context.Context, meta store.BoardMeta) (*Board, error) {
	if _, err := NewShape(meta.Shape); err != nil {
		return nil, NewError(ErrInternal, fmt.Sprintf("unusable shape: %v", err))
	}
	if meta.CreatedAt == 0 {
		meta.CreatedAt = uint64(time.Now().Unix())
	}

	id, err := m.store.CreateBoard(ctx, meta)
	if err != nil {
		return nil, err
	}
	return m.Get(ctx, id)
}

// Delete closes the board if it is open and removes its stored data.
func (m *Manager) Delete(ctx context.Context, boardID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.boards.LoadAndDelete(boardID); ok {
		return b.Delete(ctx)
	}
	return m.store.DeleteBoard(ctx, boardID)
}

// OpenCount returns the number of currently open boards.
func (m *Manager) OpenCount() int {
	return m.boards.Size()
}

// Boards returns a snapshot of the currently open boards.
func (m *Manager) Boards() []*Board {
	out := make([]*Board, 0, m.boards.Size())
	m.boards.Range(func(_ uint64, b *Board) bool {
		out = append(out, b)
		return true
	})
	return out
}

// Close closes every open board, flushing their caches. The manager opens
// no further boards afterwards.
func (m *Manager) Close() error {
	m.closed.Store(true)

	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	m.boards.Range(func(id uint64, b *Board) bool {
		if err := b.Close(); err != nil {
			log.Errorf("failed to close board %d: %v", id, err)
			if firstErr == nil {
				firstErr = err
			}
		}
		m.boards.Delete(id)
		return true
	})
	return firstErr
}
