package memstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/tessera-dev/tessera/lib/store"
	storetesting "github.com/tessera-dev/tessera/lib/store/testing"
)

func Test(t *testing.T) {
	storetesting.RunBoardStoreTests(t, "MemStore", func() store.IBoardStore {
		return MustNew(nil)
	})
}

func Benchmark(b *testing.B) {
	storetesting.RunBoardStoreBenchmarks(b, "MemStore", func() store.IBoardStore {
		return MustNew(nil)
	})
}

// TestFilePersistence checks that a store configured with a path writes
// its state on Close and restores it on New.
func TestFilePersistence(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "boards.tessera")
	opts := &Options{Path: path}

	s1, err := New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	id, err := s1.CreateBoard(ctx, store.BoardMeta{
		Name:      "persisted",
		CreatedAt: 1700000000,
		Shape:     [][]uint64{{2, 2}, {4, 4}},
		Palette:   store.Palette{0xFFFFFF: {Name: "white", Value: 0xFFFFFF}},
	})
	if err != nil {
		t.Fatalf("CreateBoard failed: %v", err)
	}
	if err := s1.StoreSector(ctx, id, store.BufferColors, 1, []byte{4, 2}); err != nil {
		t.Fatalf("StoreSector failed: %v", err)
	}
	if err := s1.RecordPlacement(ctx, id, store.Placement{Position: 2, Color: 1, Timestamp: 50, User: "alice"}); err != nil {
		t.Fatalf("RecordPlacement failed: %v", err)
	}

	if err := s1.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s2, err := New(opts)
	if err != nil {
		t.Fatalf("New after Close failed: %v", err)
	}
	defer s2.Close()

	meta, err := s2.LoadBoardMetadata(ctx, id)
	if err != nil {
		t.Fatalf("LoadBoardMetadata failed: %v", err)
	}
	if meta.Name != "persisted" {
		t.Errorf("Expected name %q, got %q", "persisted", meta.Name)
	}

	slab, err := s2.LoadSector(ctx, id, store.BufferColors, 1)
	if err != nil {
		t.Fatalf("LoadSector failed: %v", err)
	}
	if len(slab) != 2 || slab[0] != 4 || slab[1] != 2 {
		t.Errorf("Expected slab [4 2], got %v", slab)
	}

	p, err := s2.GetPlacement(ctx, id, 2)
	if err != nil {
		t.Fatalf("GetPlacement failed: %v", err)
	}
	if p.User != "alice" || p.Timestamp != 50 {
		t.Errorf("Expected alice@50, got %+v", p)
	}
}

// TestDeterministicIDs checks that id assignment depends only on the
// stored state, not on creation history.
func TestDeterministicIDs(t *testing.T) {
	ctx := context.Background()
	s := MustNew(nil)
	defer s.Close()

	id1, err := s.CreateBoard(ctx, store.BoardMeta{Name: "a", CreatedAt: 1, Shape: [][]uint64{{1}, {1}}})
	if err != nil {
		t.Fatalf("CreateBoard failed: %v", err)
	}
	id2, err := s.CreateBoard(ctx, store.BoardMeta{Name: "b", CreatedAt: 1, Shape: [][]uint64{{1}, {1}}})
	if err != nil {
		t.Fatalf("CreateBoard failed: %v", err)
	}
	if id2 != id1+1 {
		t.Errorf("Expected sequential ids, got %d then %d", id1, id2)
	}

	// deleting the newest board frees its id for reuse
	if err := s.DeleteBoard(ctx, id2); err != nil {
		t.Fatalf("DeleteBoard failed: %v", err)
	}
	id3, err := s.CreateBoard(ctx, store.BoardMeta{Name: "c", CreatedAt: 1, Shape: [][]uint64{{1}, {1}}})
	if err != nil {
		t.Fatalf("CreateBoard failed: %v", err)
	}
	if id3 != id2 {
		t.Errorf("Expected id %d to be reassigned, got %d", id2, id3)
	}
}
