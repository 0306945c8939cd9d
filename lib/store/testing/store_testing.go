package testing

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/tessera-dev/tessera/lib/store"
)

// RunBoardStoreTests runs a comprehensive test suite for an IBoardStore
// implementation. Every implementation must pass it unchanged.
func RunBoardStoreTests(t *testing.T, name string, factory store.StoreFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("BoardLifecycle", func(t *testing.T) {
			testBoardLifecycle(t, factory())
		})

		t.Run("UpdateMetadata", func(t *testing.T) {
			testUpdateMetadata(t, factory())
		})

		t.Run("SectorSlabs", func(t *testing.T) {
			testSectorSlabs(t, factory())
		})

		t.Run("Placements", func(t *testing.T) {
			testPlacements(t, factory())
		})

		t.Run("ListPlacements", func(t *testing.T) {
			testListPlacements(t, factory())
		})

		t.Run("RevertPlacement", func(t *testing.T) {
			testRevertPlacement(t, factory())
		})

		t.Run("SaveLoad", func(t *testing.T) {
			testSaveLoad(t, factory)
		})

		t.Run("Info", func(t *testing.T) {
			testInfo(t, factory())
		})

		t.Run("ConcurrentUsage", func(t *testing.T) {
			testConcurrentUsage(t, factory())
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

// testMeta returns a small two-dimensional board (8x8 pixels in 4x4
// sectors of 2x2) with a three color palette.
func testMeta(name string) store.BoardMeta {
	return store.BoardMeta{
		Name:      name,
		CreatedAt: 1700000000,
		Shape:     [][]uint64{{4, 4}, {2, 2}},
		Palette: store.Palette{
			0xFFFFFF: {Name: "white", Value: 0xFFFFFF},
			0x000000: {Name: "black", Value: 0x000000},
			0xFF0000: {Name: "red", Value: 0xFF0000},
		},
		MaxPixelsAvailable: 6,
	}
}

func mustCreate(t testing.TB, s store.IBoardStore, name string) uint64 {
	t.Helper()
	id, err := s.CreateBoard(context.Background(), testMeta(name))
	if err != nil {
		t.Fatalf("CreateBoard failed: %v", err)
	}
	return id
}

func mustRecord(t testing.TB, s store.IBoardStore, boardID uint64, p store.Placement) {
	t.Helper()
	if err := s.RecordPlacement(context.Background(), boardID, p); err != nil {
		t.Fatalf("RecordPlacement(%+v) failed: %v", p, err)
	}
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testBoardLifecycle(t *testing.T, s store.IBoardStore) {
	defer s.Close()
	ctx := context.Background()

	_, err := s.LoadBoardMetadata(ctx, 42)
	if !store.IsNotFound(err) {
		t.Errorf("Expected NotFound for missing board, got %v", err)
	}

	id1 := mustCreate(t, s, "first")
	id2 := mustCreate(t, s, "second")

	if id1 == id2 {
		t.Errorf("Expected distinct board ids, got %d twice", id1)
	}

	meta, err := s.LoadBoardMetadata(ctx, id1)
	if err != nil {
		t.Fatalf("LoadBoardMetadata failed: %v", err)
	}
	if meta.ID != id1 {
		t.Errorf("Expected metadata id %d, got %d", id1, meta.ID)
	}
	if meta.Name != "first" {
		t.Errorf("Expected name %q, got %q", "first", meta.Name)
	}
	if len(meta.Shape) != 2 || meta.Shape[1][0] != 2 {
		t.Errorf("Shape was not stored faithfully: %v", meta.Shape)
	}
	if len(meta.Palette) != 3 {
		t.Errorf("Expected 3 palette entries, got %d", len(meta.Palette))
	}

	// the returned metadata must be a copy
	meta.Shape[0][0] = 99
	delete(meta.Palette, 0xFF0000)
	again, err := s.LoadBoardMetadata(ctx, id1)
	if err != nil {
		t.Fatalf("LoadBoardMetadata failed: %v", err)
	}
	if again.Shape[0][0] == 99 || len(again.Palette) != 3 {
		t.Errorf("LoadBoardMetadata should return a copy, not a reference")
	}

	boards, err := s.ListBoards(ctx)
	if err != nil {
		t.Fatalf("ListBoards failed: %v", err)
	}
	if len(boards) != 2 {
		t.Fatalf("Expected 2 boards, got %d", len(boards))
	}
	if boards[0].ID > boards[1].ID {
		t.Errorf("Expected boards ordered by id, got %d before %d", boards[0].ID, boards[1].ID)
	}

	if err := s.DeleteBoard(ctx, id1); err != nil {
		t.Fatalf("DeleteBoard failed: %v", err)
	}
	if _, err := s.LoadBoardMetadata(ctx, id1); !store.IsNotFound(err) {
		t.Errorf("Expected NotFound after DeleteBoard, got %v", err)
	}
	if err := s.DeleteBoard(ctx, id1); !store.IsNotFound(err) {
		t.Errorf("Expected NotFound for double delete, got %v", err)
	}

	boards, err = s.ListBoards(ctx)
	if err != nil {
		t.Fatalf("ListBoards failed: %v", err)
	}
	if len(boards) != 1 || boards[0].ID != id2 {
		t.Errorf("Expected only board %d to remain, got %v", id2, boards)
	}
}

func testUpdateMetadata(t *testing.T, s store.IBoardStore) {
	defer s.Close()
	ctx := context.Background()

	id := mustCreate(t, s, "before")

	meta, err := s.LoadBoardMetadata(ctx, id)
	if err != nil {
		t.Fatalf("LoadBoardMetadata failed: %v", err)
	}

	meta.Name = "after"
	meta.MaxPixelsAvailable = 10
	meta.Palette[0x00FF00] = store.Color{Name: "green", Value: 0x00FF00}

	if err := s.UpdateBoardMetadata(ctx, meta); err != nil {
		t.Fatalf("UpdateBoardMetadata failed: %v", err)
	}

	updated, err := s.LoadBoardMetadata(ctx, id)
	if err != nil {
		t.Fatalf("LoadBoardMetadata failed: %v", err)
	}
	if updated.Name != "after" {
		t.Errorf("Expected name %q, got %q", "after", updated.Name)
	}
	if updated.MaxPixelsAvailable != 10 {
		t.Errorf("Expected max pixels 10, got %d", updated.MaxPixelsAvailable)
	}
	if len(updated.Palette) != 4 {
		t.Errorf("Expected 4 palette entries, got %d", len(updated.Palette))
	}

	missing := testMeta("ghost")
	missing.ID = 4040
	if err := s.UpdateBoardMetadata(ctx, missing); !store.IsNotFound(err) {
		t.Errorf("Expected NotFound for unknown board, got %v", err)
	}
}

func testSectorSlabs(t *testing.T, s store.IBoardStore) {
	defer s.Close()
	ctx := context.Background()

	id := mustCreate(t, s, "slabs")

	_, err := s.LoadSector(ctx, id, store.BufferColors, 0)
	if !store.IsNotFound(err) {
		t.Errorf("Expected NotFound for never stored slab, got %v", err)
	}
	_, err = s.LoadSector(ctx, 4040, store.BufferColors, 0)
	if !store.IsNotFound(err) {
		t.Errorf("Expected NotFound for unknown board, got %v", err)
	}

	slab := []byte{1, 2, 3, 4}
	if err := s.StoreSector(ctx, id, store.BufferColors, 0, slab); err != nil {
		t.Fatalf("StoreSector failed: %v", err)
	}

	// the store must not alias the caller's slice
	slab[0] = 9
	loaded, err := s.LoadSector(ctx, id, store.BufferColors, 0)
	if err != nil {
		t.Fatalf("LoadSector failed: %v", err)
	}
	if !bytes.Equal(loaded, []byte{1, 2, 3, 4}) {
		t.Errorf("StoreSector should copy the slab, got %v", loaded)
	}

	// mutating the loaded slab must not change the stored one
	loaded[1] = 9
	again, err := s.LoadSector(ctx, id, store.BufferColors, 0)
	if err != nil {
		t.Fatalf("LoadSector failed: %v", err)
	}
	if bytes.Equal(again, loaded) {
		t.Errorf("LoadSector should return a copy, not a reference")
	}

	// same index, different kind is a different record
	if err := s.StoreSector(ctx, id, store.BufferMask, 0, []byte{7}); err != nil {
		t.Fatalf("StoreSector failed: %v", err)
	}
	mask, err := s.LoadSector(ctx, id, store.BufferMask, 0)
	if err != nil {
		t.Fatalf("LoadSector failed: %v", err)
	}
	if !bytes.Equal(mask, []byte{7}) {
		t.Errorf("Expected mask slab [7], got %v", mask)
	}
	colors, err := s.LoadSector(ctx, id, store.BufferColors, 0)
	if err != nil {
		t.Fatalf("LoadSector failed: %v", err)
	}
	if !bytes.Equal(colors, []byte{1, 2, 3, 4}) {
		t.Errorf("Expected colors slab untouched, got %v", colors)
	}

	// overwrite
	if err := s.StoreSector(ctx, id, store.BufferColors, 0, []byte{5, 6}); err != nil {
		t.Fatalf("StoreSector failed: %v", err)
	}
	colors, err = s.LoadSector(ctx, id, store.BufferColors, 0)
	if err != nil {
		t.Fatalf("LoadSector failed: %v", err)
	}
	if !bytes.Equal(colors, []byte{5, 6}) {
		t.Errorf("Expected overwritten slab [5 6], got %v", colors)
	}

	if err := s.DeleteSectors(ctx, id); err != nil {
		t.Fatalf("DeleteSectors failed: %v", err)
	}
	if _, err := s.LoadSector(ctx, id, store.BufferColors, 0); !store.IsNotFound(err) {
		t.Errorf("Expected NotFound after DeleteSectors, got %v", err)
	}
	if _, err := s.LoadSector(ctx, id, store.BufferMask, 0); !store.IsNotFound(err) {
		t.Errorf("Expected NotFound after DeleteSectors (mask), got %v", err)
	}
}

func testPlacements(t *testing.T, s store.IBoardStore) {
	defer s.Close()
	ctx := context.Background()

	id := mustCreate(t, s, "placements")

	_, err := s.GetPlacement(ctx, id, 0)
	if !store.IsNotFound(err) {
		t.Errorf("Expected NotFound for untouched position, got %v", err)
	}

	mustRecord(t, s, id, store.Placement{Position: 0, Color: 1, Timestamp: 100, User: "alice"})
	mustRecord(t, s, id, store.Placement{Position: 5, Color: 2, Timestamp: 110, User: "bob"})
	mustRecord(t, s, id, store.Placement{Position: 0, Color: 3, Timestamp: 120, User: "bob"})
	mustRecord(t, s, id, store.Placement{Position: 7, Color: 1, Timestamp: 130, User: "alice"})

	// duplicates are rejected
	err = s.RecordPlacement(ctx, id, store.Placement{Position: 0, Color: 3, Timestamp: 120, User: "bob"})
	if !store.IsConflict(err) {
		t.Errorf("Expected Conflict for duplicate placement, got %v", err)
	}

	// latest placement wins per position
	p, err := s.GetPlacement(ctx, id, 0)
	if err != nil {
		t.Fatalf("GetPlacement failed: %v", err)
	}
	if p.User != "bob" || p.Timestamp != 120 {
		t.Errorf("Expected bob@120 at position 0, got %+v", p)
	}

	history, err := s.LoadPlacementHistory(ctx, id, "alice", 10)
	if err != nil {
		t.Fatalf("LoadPlacementHistory failed: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("Expected 2 rows for alice, got %d", len(history))
	}
	if history[0].Timestamp != 100 || history[1].Timestamp != 130 {
		t.Errorf("Expected history oldest first (100, 130), got (%d, %d)",
			history[0].Timestamp, history[1].Timestamp)
	}

	// limit keeps the most recent rows
	history, err = s.LoadPlacementHistory(ctx, id, "alice", 1)
	if err != nil {
		t.Fatalf("LoadPlacementHistory failed: %v", err)
	}
	if len(history) != 1 || history[0].Timestamp != 130 {
		t.Errorf("Expected only the latest row (130), got %+v", history)
	}

	history, err = s.LoadPlacementHistory(ctx, id, "nobody", 10)
	if err != nil {
		t.Fatalf("LoadPlacementHistory failed: %v", err)
	}
	if len(history) != 0 {
		t.Errorf("Expected empty history for unknown user, got %+v", history)
	}

	// since is inclusive
	since, err := s.PlacementsSince(ctx, id, 120)
	if err != nil {
		t.Fatalf("PlacementsSince failed: %v", err)
	}
	if len(since) != 2 {
		t.Fatalf("Expected 2 rows since 120, got %d", len(since))
	}
	if since[0].Timestamp != 120 || since[1].Timestamp != 130 {
		t.Errorf("Expected rows 120 and 130, got %+v", since)
	}
}

func testListPlacements(t *testing.T, s store.IBoardStore) {
	defer s.Close()
	ctx := context.Background()

	id := mustCreate(t, s, "paging")

	for i := 0; i < 10; i++ {
		mustRecord(t, s, id, store.Placement{
			Position:  uint64(i),
			Color:     uint8(i % 3),
			Timestamp: uint32(100 + i),
			User:      "alice",
		})
	}

	// forward paging
	var collected []store.Placement
	token := uint64(0)
	pages := 0
	for {
		items, next, err := s.ListPlacements(ctx, id, token, 4, store.OrderForward)
		if err != nil {
			t.Fatalf("ListPlacements failed: %v", err)
		}
		collected = append(collected, items...)
		pages++
		if next == nil {
			break
		}
		token = *next
	}
	if pages != 3 {
		t.Errorf("Expected 3 pages of 4, got %d", pages)
	}
	if len(collected) != 10 {
		t.Fatalf("Expected 10 rows in total, got %d", len(collected))
	}
	for i, p := range collected {
		if p.Timestamp != uint32(100+i) {
			t.Errorf("Expected row %d at timestamp %d, got %d", i, 100+i, p.Timestamp)
		}
	}

	// reverse starts at the newest row
	items, next, err := s.ListPlacements(ctx, id, 0, 3, store.OrderReverse)
	if err != nil {
		t.Fatalf("ListPlacements failed: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("Expected 3 rows, got %d", len(items))
	}
	if items[0].Timestamp != 109 || items[2].Timestamp != 107 {
		t.Errorf("Expected newest first (109..107), got %+v", items)
	}
	if next == nil {
		t.Fatalf("Expected a next token, got nil")
	}
	items, _, err = s.ListPlacements(ctx, id, *next, 3, store.OrderReverse)
	if err != nil {
		t.Fatalf("ListPlacements failed: %v", err)
	}
	if len(items) != 3 || items[0].Timestamp != 106 {
		t.Errorf("Expected the next reverse page to start at 106, got %+v", items)
	}

	// token past the end yields no rows and no token
	items, next, err = s.ListPlacements(ctx, id, 100, 4, store.OrderForward)
	if err != nil {
		t.Fatalf("ListPlacements failed: %v", err)
	}
	if len(items) != 0 || next != nil {
		t.Errorf("Expected empty final page, got %d rows (next=%v)", len(items), next)
	}
}

func testRevertPlacement(t *testing.T, s store.IBoardStore) {
	defer s.Close()
	ctx := context.Background()

	id := mustCreate(t, s, "undo")

	_, _, err := s.RevertPlacement(ctx, id, "alice", 3, 0)
	if !store.IsNotFound(err) {
		t.Errorf("Expected NotFound for untouched position, got %v", err)
	}

	mustRecord(t, s, id, store.Placement{Position: 3, Color: 1, Timestamp: 100, User: "alice"})
	mustRecord(t, s, id, store.Placement{Position: 3, Color: 2, Timestamp: 200, User: "bob"})

	// only the latest placement can be reverted, and only by its user
	_, _, err = s.RevertPlacement(ctx, id, "alice", 3, 0)
	if !store.IsConflict(err) {
		t.Errorf("Expected Conflict when latest row belongs to bob, got %v", err)
	}

	// too old to revert
	_, _, err = s.RevertPlacement(ctx, id, "bob", 3, 250)
	if !store.IsConflict(err) {
		t.Errorf("Expected Conflict for placement older than cutoff, got %v", err)
	}

	removed, revealed, err := s.RevertPlacement(ctx, id, "bob", 3, 150)
	if err != nil {
		t.Fatalf("RevertPlacement failed: %v", err)
	}
	if removed.User != "bob" || removed.Timestamp != 200 {
		t.Errorf("Expected to remove bob@200, got %+v", removed)
	}
	if revealed == nil {
		t.Fatalf("Expected alice's row to be revealed, got nil")
	}
	if revealed.User != "alice" || revealed.Color != 1 {
		t.Errorf("Expected alice's row revealed, got %+v", revealed)
	}

	// bob's history no longer contains the reverted row
	history, err := s.LoadPlacementHistory(ctx, id, "bob", 10)
	if err != nil {
		t.Fatalf("LoadPlacementHistory failed: %v", err)
	}
	if len(history) != 0 {
		t.Errorf("Expected empty history for bob after revert, got %+v", history)
	}

	// the position now reports alice's row
	p, err := s.GetPlacement(ctx, id, 3)
	if err != nil {
		t.Fatalf("GetPlacement failed: %v", err)
	}
	if p.User != "alice" {
		t.Errorf("Expected alice at position 3 after revert, got %+v", p)
	}

	// reverting the last remaining row reveals nothing
	removed, revealed, err = s.RevertPlacement(ctx, id, "alice", 3, 0)
	if err != nil {
		t.Fatalf("RevertPlacement failed: %v", err)
	}
	if removed.User != "alice" {
		t.Errorf("Expected to remove alice's row, got %+v", removed)
	}
	if revealed != nil {
		t.Errorf("Expected no revealed row, got %+v", revealed)
	}
}

func testSaveLoad(t *testing.T, factory store.StoreFactory) {
	s1 := factory()
	s2 := factory()
	defer s1.Close()
	defer s2.Close()

	snap1, ok := s1.(store.Snapshotter)
	if !ok {
		t.Skip()
	}
	snap2 := s2.(store.Snapshotter)

	ctx := context.Background()

	id := mustCreate(t, s1, "snapshot")
	if err := s1.StoreSector(ctx, id, store.BufferColors, 2, []byte{1, 2, 3}); err != nil {
		t.Fatalf("StoreSector failed: %v", err)
	}
	if err := s1.StoreSector(ctx, id, store.BufferTimestamps, 2, []byte{0, 0, 0, 1}); err != nil {
		t.Fatalf("StoreSector failed: %v", err)
	}
	for i := 0; i < 100; i++ {
		mustRecord(t, s1, id, store.Placement{
			Position:  uint64(i % 16),
			Color:     uint8(i % 3),
			Timestamp: uint32(100 + i),
			User:      fmt.Sprintf("user-%d", i%5),
		})
	}

	var buf bytes.Buffer
	if err := snap1.SaveTo(&buf); err != nil {
		t.Fatalf("SaveTo failed: %v", err)
	}
	if err := snap2.LoadFrom(&buf); err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}

	meta, err := s2.LoadBoardMetadata(ctx, id)
	if err != nil {
		t.Fatalf("LoadBoardMetadata after load failed: %v", err)
	}
	if meta.Name != "snapshot" || len(meta.Palette) != 3 || meta.CreatedAt != 1700000000 {
		t.Errorf("Metadata not restored faithfully: %+v", meta)
	}

	slab, err := s2.LoadSector(ctx, id, store.BufferColors, 2)
	if err != nil {
		t.Fatalf("LoadSector after load failed: %v", err)
	}
	if !bytes.Equal(slab, []byte{1, 2, 3}) {
		t.Errorf("Expected slab [1 2 3], got %v", slab)
	}

	// per-user and per-position views must be rebuilt from the log
	history, err := s2.LoadPlacementHistory(ctx, id, "user-3", 1000)
	if err != nil {
		t.Fatalf("LoadPlacementHistory after load failed: %v", err)
	}
	if len(history) != 20 {
		t.Errorf("Expected 20 rows for user-3, got %d", len(history))
	}
	p, err := s2.GetPlacement(ctx, id, 15)
	if err != nil {
		t.Fatalf("GetPlacement after load failed: %v", err)
	}
	if p.Timestamp != 199 {
		t.Errorf("Expected latest row at position 15 to be 199, got %d", p.Timestamp)
	}

	// the source store is untouched
	info, err := s1.Info(ctx)
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	if info.Placements != 100 {
		t.Errorf("Expected 100 placements in source store, got %d", info.Placements)
	}
}

func testInfo(t *testing.T, s store.IBoardStore) {
	defer s.Close()
	ctx := context.Background()

	info, err := s.Info(ctx)
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	if info.Boards != 0 || info.Placements != 0 || info.Slabs != 0 {
		t.Errorf("Expected empty counters, got %+v", info)
	}

	id := mustCreate(t, s, "info")
	if err := s.StoreSector(ctx, id, store.BufferColors, 0, make([]byte, 16)); err != nil {
		t.Fatalf("StoreSector failed: %v", err)
	}
	if err := s.StoreSector(ctx, id, store.BufferMask, 0, make([]byte, 16)); err != nil {
		t.Fatalf("StoreSector failed: %v", err)
	}
	mustRecord(t, s, id, store.Placement{Position: 1, Color: 1, Timestamp: 100, User: "alice"})

	info, err = s.Info(ctx)
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	if info.Boards != 1 {
		t.Errorf("Expected 1 board, got %d", info.Boards)
	}
	if info.Placements != 1 {
		t.Errorf("Expected 1 placement, got %d", info.Placements)
	}
	if info.Slabs != 2 || info.SlabBytes != 32 {
		t.Errorf("Expected 2 slabs with 32 bytes, got %d with %d", info.Slabs, info.SlabBytes)
	}
}

func testConcurrentUsage(t *testing.T, s store.IBoardStore) {
	defer s.Close()
	ctx := context.Background()

	id := mustCreate(t, s, "concurrent")

	numWorkers := 8
	opsPerWorker := 500

	var wg sync.WaitGroup
	wg.Add(numWorkers)

	for w := 0; w < numWorkers; w++ {
		go func(workerID int) {
			defer wg.Done()

			user := fmt.Sprintf("user-%d", workerID)
			for i := 0; i < opsPerWorker; i++ {
				switch i % 4 {
				case 0:
					slab := []byte{byte(workerID), byte(i), byte(i >> 8)}
					if err := s.StoreSector(ctx, id, store.BufferColors, uint64(i%32), slab); err != nil {
						t.Errorf("StoreSector failed: %v", err)
					}
				case 1:
					_, err := s.LoadSector(ctx, id, store.BufferColors, uint64(i%32))
					if err != nil && !store.IsNotFound(err) {
						t.Errorf("LoadSector failed: %v", err)
					}
				case 2:
					p := store.Placement{
						Position:  uint64(workerID*opsPerWorker + i),
						Color:     uint8(i % 3),
						Timestamp: uint32(1000 + i),
						User:      user,
					}
					if err := s.RecordPlacement(ctx, id, p); err != nil {
						t.Errorf("RecordPlacement failed: %v", err)
					}
				case 3:
					if _, err := s.LoadPlacementHistory(ctx, id, user, 8); err != nil {
						t.Errorf("LoadPlacementHistory failed: %v", err)
					}
				}
			}
		}(w)
	}

	wg.Wait()

	info, err := s.Info(ctx)
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	wantRows := uint64(numWorkers * opsPerWorker / 4)
	if info.Placements != wantRows {
		t.Errorf("Expected %d placements after concurrent writes, got %d", wantRows, info.Placements)
	}
}
