package board

import (
	"context"
	"testing"
	"time"

	"github.com/tessera-dev/tessera/lib/store"
	"github.com/tessera-dev/tessera/lib/store/memstore"
)

func testMeta(name string) store.BoardMeta {
	return store.BoardMeta{
		Name:               name,
		CreatedAt:          uint64(time.Now().Unix()) - 86_400,
		Shape:              [][]uint64{{4}, {4}},
		Palette:            store.Palette{0: {Name: "black", Value: 0}, 1: {Name: "white", Value: 0xFFFFFF}},
		MaxPixelsAvailable: 3,
	}
}

func TestManagerLifecycle(t *testing.T) {
	st := memstore.MustNew(nil)
	m := NewManager(st, nil)
	defer m.Close()
	ctx := context.Background()

	b, err := m.Create(ctx, testMeta("plaza"))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	t.Run("get returns the shared instance", func(t *testing.T) {
		again, err := m.Get(ctx, b.ID())
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if again != b {
			t.Errorf("Get returned a second instance of board %d", b.ID())
		}
		if got := m.OpenCount(); got != 1 {
			t.Errorf("OpenCount() = %d, want 1", got)
		}
	})

	t.Run("get of an unknown id reports not found", func(t *testing.T) {
		if _, err := m.Get(ctx, 9999); !store.IsNotFound(err) {
			t.Errorf("Get(9999) error = %v, want not found", err)
		}
	})

	t.Run("list covers boards that are not open", func(t *testing.T) {
		if _, err := m.Create(ctx, testMeta("second")); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		metas, err := m.List(ctx)
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(metas) != 2 {
			t.Errorf("List returned %d boards, want 2", len(metas))
		}
	})

	t.Run("create rejects unusable shapes", func(t *testing.T) {
		meta := testMeta("broken")
		meta.Shape = [][]uint64{}
		if _, err := m.Create(ctx, meta); err == nil {
			t.Errorf("Create with an empty shape succeeded, want an error")
		}
	})

	t.Run("delete removes the stored board", func(t *testing.T) {
		id := b.ID()
		if err := m.Delete(ctx, id); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if _, err := m.Get(ctx, id); !store.IsNotFound(err) {
			t.Errorf("Get after Delete error = %v, want not found", err)
		}
		if _, err := st.LoadBoardMetadata(ctx, id); !store.IsNotFound(err) {
			t.Errorf("metadata survived the delete: %v", err)
		}
	})
}

func TestManagerClose(t *testing.T) {
	st := memstore.MustNew(nil)
	m := NewManager(st, nil)
	ctx := context.Background()

	b, err := m.Create(ctx, testMeta("plaza"))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if got := m.OpenCount(); got != 0 {
		t.Errorf("OpenCount() = %d after Close, want 0", got)
	}
	if _, err := m.Get(ctx, b.ID()); err == nil {
		t.Errorf("Get on a closed manager succeeded, want an error")
	}
}

func TestBoardPlacementsPaging(t *testing.T) {
	b, _ := newTestBoard(t)
	ctx := context.Background()
	now := time.Now()
	activate(t, b)

	users := []string{"alice", "bob", "carol"}
	for i, user := range users {
		if _, _, err := b.Place(ctx, user, uint64(i), 7, now); err != nil {
			t.Fatalf("placement by %s failed: %v", user, err)
		}
	}

	rows, next, err := b.Placements(ctx, 0, 2, store.OrderForward)
	if err != nil {
		t.Fatalf("Placements failed: %v", err)
	}
	if len(rows) != 2 || rows[0].User != "alice" || rows[1].User != "bob" {
		t.Fatalf("first page = %+v, want alice and bob", rows)
	}
	if next == nil {
		t.Fatalf("first page has no continuation token")
	}

	rows, next, err = b.Placements(ctx, *next, 2, store.OrderForward)
	if err != nil {
		t.Fatalf("second page failed: %v", err)
	}
	if len(rows) != 1 || rows[0].User != "carol" {
		t.Errorf("second page = %+v, want carol", rows)
	}
	if next != nil {
		t.Errorf("last page has a continuation token %d", *next)
	}
}
