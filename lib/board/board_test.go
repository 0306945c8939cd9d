package board

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/tessera-dev/tessera/lib/live"
	"github.com/tessera-dev/tessera/lib/store"
	"github.com/tessera-dev/tessera/lib/store/memstore"
)

// newTestBoard opens a 16 pixel board (4 sectors of 4) on a fresh memstore.
// The board is a day old so cooldown schedules derived from an empty
// history are fully refilled.
func newTestBoard(t *testing.T) (*Board, store.IBoardStore) {
	t.Helper()

	st := memstore.MustNew(nil)
	id, err := st.CreateBoard(context.Background(), store.BoardMeta{
		Name:      "plaza",
		CreatedAt: uint64(time.Now().Unix()) - 86_400,
		Shape:     [][]uint64{{4}, {4}},
		Palette: store.Palette{
			0: {Name: "black", Value: 0x000000},
			1: {Name: "white", Value: 0xFFFFFF},
			7: {Name: "teal", Value: 0x008080},
		},
		MaxPixelsAvailable: 3,
	})
	if err != nil {
		t.Fatalf("failed to create the board: %v", err)
	}

	b, err := Open(context.Background(), st, id, DefaultOptions())
	if err != nil {
		t.Fatalf("failed to open the board: %v", err)
	}
	t.Cleanup(func() {
		if err := b.Close(); err != nil {
			t.Errorf("failed to close the board: %v", err)
		}
	})
	return b, st
}

// activate flips the whole mask to place, new boards forbid placing
// everywhere.
func activate(t *testing.T, b *Board) {
	t.Helper()
	mask := bytes.Repeat([]byte{uint8(MaskPlace)}, int(b.shape.TotalSize()))
	if err := b.PatchMask(context.Background(), 0, mask); err != nil {
		t.Fatalf("failed to activate the board: %v", err)
	}
}

func recvPacket(t *testing.T, sub *live.Subscription) live.ServerPacket {
	t.Helper()
	select {
	case p := <-sub.C:
		return p
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a packet")
		return live.ServerPacket{}
	}
}

func TestBoardPlace(t *testing.T) {
	b, _ := newTestBoard(t)
	ctx := context.Background()
	now := time.Now()

	t.Run("a fresh board is masked off", func(t *testing.T) {
		_, _, err := b.Place(ctx, "alice", 5, 7, now)
		if !IsUnplacable(err) {
			t.Fatalf("Place on a fresh board error = %v, want unplacable", err)
		}
	})

	activate(t, b)

	t.Run("placement lands in the slabs", func(t *testing.T) {
		placement, info, err := b.Place(ctx, "alice", 5, 7, now)
		if err != nil {
			t.Fatalf("Place failed: %v", err)
		}
		if placement.Position != 5 || placement.Color != 7 || placement.User != "alice" {
			t.Errorf("placement = %+v, want position 5 color 7 by alice", placement)
		}
		if placement.Timestamp == 0 {
			t.Errorf("placement timestamp = 0, want a board second")
		}
		if got := info.PixelsAvailable(); got != 2 {
			t.Errorf("PixelsAvailable() after one placement = %d, want 2", got)
		}

		colors, err := b.Read(ctx, store.BufferColors, 5, 6)
		if err != nil {
			t.Fatalf("Read(colors) failed: %v", err)
		}
		if colors[0] != 7 {
			t.Errorf("color at 5 = %d, want 7", colors[0])
		}

		stamps, err := b.Read(ctx, store.BufferTimestamps, 5, 6)
		if err != nil {
			t.Fatalf("Read(timestamps) failed: %v", err)
		}
		if got := decodeTimestamp(stamps, 0); got != placement.Timestamp {
			t.Errorf("timestamp at 5 = %d, want %d", got, placement.Timestamp)
		}
	})

	t.Run("validation", func(t *testing.T) {
		if _, _, err := b.Place(ctx, "alice", 16, 7, now); !IsOutOfBounds(err) {
			t.Errorf("Place at 16 error = %v, want out of bounds", err)
		}
		if _, _, err := b.Place(ctx, "alice", 6, 9, now); Kind(err) != ErrInvalidColor {
			t.Errorf("Place with color 9 error = %v, want invalid color", err)
		}
		if _, _, err := b.Place(ctx, "bob", 5, 7, now); !IsNoOp(err) {
			t.Errorf("Place of the present color error = %v, want no-op", err)
		}
	})

	t.Run("lookup returns the latest placement", func(t *testing.T) {
		p, err := b.Lookup(ctx, 5)
		if err != nil {
			t.Fatalf("Lookup failed: %v", err)
		}
		if p.User != "alice" || p.Color != 7 {
			t.Errorf("Lookup(5) = %+v, want alice's placement of 7", p)
		}

		if _, err := b.Lookup(ctx, 3); !store.IsNotFound(err) {
			t.Errorf("Lookup of an unplaced pixel error = %v, want not found", err)
		}
		if _, err := b.Lookup(ctx, 99); !IsOutOfBounds(err) {
			t.Errorf("Lookup outside the board error = %v, want out of bounds", err)
		}
	})

	t.Run("activity reflects the placements", func(t *testing.T) {
		if got := b.UserCount(now); got != 1 {
			t.Errorf("UserCount = %d, want 1", got)
		}
		if _, _, err := b.Place(ctx, "bob", 9, 1, now); err != nil {
			t.Fatalf("Place by bob failed: %v", err)
		}
		if got := b.UserCount(now); got != 2 {
			t.Errorf("UserCount = %d after bob placed, want 2", got)
		}
	})
}

func TestBoardCooldownExhaustion(t *testing.T) {
	b, _ := newTestBoard(t)
	ctx := context.Background()
	now := time.Now()
	activate(t, b)

	for i, position := range []uint64{1, 2, 3} {
		if _, _, err := b.Place(ctx, "alice", position, 7, now); err != nil {
			t.Fatalf("placement %d failed: %v", i+1, err)
		}
	}

	_, info, err := b.Place(ctx, "alice", 4, 7, now)
	if !IsRateLimited(err) {
		t.Fatalf("fourth placement error = %v, want rate limited", err)
	}
	next, ok := info.NextAvailable()
	if !ok {
		t.Fatalf("rate limited without a next availability instant")
	}
	if next <= uint64(now.Unix()) {
		t.Errorf("next availability %d is not in the future (now %d)", next, now.Unix())
	}

	// other users are not affected
	if _, _, err := b.Place(ctx, "bob", 4, 7, now); err != nil {
		t.Errorf("placement by another user failed: %v", err)
	}
}

func TestBoardUndo(t *testing.T) {
	b, _ := newTestBoard(t)
	ctx := context.Background()
	now := time.Now()
	activate(t, b)

	t.Run("undo restores the revealed placement", func(t *testing.T) {
		if _, _, err := b.Place(ctx, "alice", 5, 7, now); err != nil {
			t.Fatalf("alice's placement failed: %v", err)
		}
		if _, _, err := b.Place(ctx, "bob", 5, 1, now.Add(time.Second)); err != nil {
			t.Fatalf("bob's placement failed: %v", err)
		}

		if _, err := b.Undo(ctx, "bob", 5, now.Add(2*time.Second)); err != nil {
			t.Fatalf("Undo failed: %v", err)
		}

		colors, err := b.Read(ctx, store.BufferColors, 5, 6)
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if colors[0] != 7 {
			t.Errorf("color after undo = %d, want alice's 7", colors[0])
		}
		p, err := b.Lookup(ctx, 5)
		if err != nil {
			t.Fatalf("Lookup failed: %v", err)
		}
		if p.User != "alice" {
			t.Errorf("latest placement after undo is by %q, want alice", p.User)
		}
	})

	t.Run("undo of the base placement restores the initial color", func(t *testing.T) {
		if _, err := b.Undo(ctx, "alice", 5, now.Add(3*time.Second)); err != nil {
			t.Fatalf("Undo failed: %v", err)
		}

		colors, err := b.Read(ctx, store.BufferColors, 5, 6)
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if colors[0] != 0 {
			t.Errorf("color after undoing the base placement = %d, want the initial 0", colors[0])
		}
		stamps, err := b.Read(ctx, store.BufferTimestamps, 5, 6)
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if got := decodeTimestamp(stamps, 0); got != 0 {
			t.Errorf("timestamp after undoing the base placement = %d, want 0", got)
		}
	})

	t.Run("undo rules", func(t *testing.T) {
		if _, err := b.Undo(ctx, "alice", 6, now); !store.IsNotFound(err) {
			t.Errorf("undo of an unplaced pixel error = %v, want not found", err)
		}

		if _, _, err := b.Place(ctx, "alice", 7, 7, now.Add(4*time.Second)); err != nil {
			t.Fatalf("placement failed: %v", err)
		}
		if _, err := b.Undo(ctx, "bob", 7, now.Add(5*time.Second)); !store.IsConflict(err) {
			t.Errorf("undo of a foreign placement error = %v, want conflict", err)
		}

		// a placement older than the undo deadline stays
		if _, _, err := b.Place(ctx, "carol", 8, 7, now.Add(-10*time.Minute)); err != nil {
			t.Fatalf("backdated placement failed: %v", err)
		}
		if _, err := b.Undo(ctx, "carol", 8, now); !store.IsConflict(err) {
			t.Errorf("undo past the deadline error = %v, want conflict", err)
		}
	})
}

func TestBoardPatches(t *testing.T) {
	b, _ := newTestBoard(t)
	ctx := context.Background()
	now := time.Now()

	t.Run("mask bytes are validated", func(t *testing.T) {
		if err := b.PatchMask(ctx, 0, []byte{3}); Kind(err) != ErrInvalidMask {
			t.Errorf("PatchMask with byte 3 error = %v, want invalid mask", err)
		}
		if err := b.PatchMask(ctx, 15, []byte{1, 1}); !IsOutOfBounds(err) {
			t.Errorf("PatchMask past the board error = %v, want out of bounds", err)
		}
	})

	activate(t, b)

	t.Run("initial patch shows through unplaced pixels", func(t *testing.T) {
		if _, _, err := b.Place(ctx, "alice", 5, 7, now); err != nil {
			t.Fatalf("placement failed: %v", err)
		}

		if err := b.PatchInitial(ctx, 0, bytes.Repeat([]byte{9}, 16)); err != nil {
			t.Fatalf("PatchInitial failed: %v", err)
		}

		colors, err := b.Read(ctx, store.BufferColors, 0, 16)
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		for i, c := range colors {
			want := uint8(9)
			if i == 5 {
				want = 7 // placed pixels keep their color
			}
			if c != want {
				t.Errorf("color at %d = %d, want %d", i, c, want)
			}
		}
	})

	t.Run("undo after an initial patch restores the new artwork", func(t *testing.T) {
		if _, err := b.Undo(ctx, "alice", 5, now.Add(time.Second)); err != nil {
			t.Fatalf("Undo failed: %v", err)
		}
		colors, err := b.Read(ctx, store.BufferColors, 5, 6)
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if colors[0] != 9 {
			t.Errorf("color after undo = %d, want the patched initial 9", colors[0])
		}
	})
}

func TestBoardFanout(t *testing.T) {
	b, _ := newTestBoard(t)
	ctx := context.Background()
	now := time.Now()
	activate(t, b)

	caps := live.CapabilitySet(live.CapCore | live.CapAuthentication | live.CapInfo)
	sub, err := b.Subscribe(ctx, "alice", caps, now)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer b.Unsubscribe(sub.ID)

	// an authenticated subscriber is greeted with its pixel budget
	greeting := recvPacket(t, sub)
	if greeting.Type != live.PacketPixelsAvailable {
		t.Fatalf("first packet type = %q, want %q", greeting.Type, live.PacketPixelsAvailable)
	}
	if greeting.Count == nil || *greeting.Count != 3 {
		t.Fatalf("greeting count = %v, want 3", greeting.Count)
	}

	if _, _, err := b.Place(ctx, "alice", 5, 7, now); err != nil {
		t.Fatalf("Place failed: %v", err)
	}

	update := recvPacket(t, sub)
	if update.Type != live.PacketBoardUpdate {
		t.Fatalf("packet type = %q, want %q", update.Type, live.PacketBoardUpdate)
	}
	if update.Data == nil || len(update.Data.Colors) != 1 {
		t.Fatalf("update data = %+v, want one color change", update.Data)
	}
	change := update.Data.Colors[0]
	if change.Position != 5 || len(change.Values) != 1 || change.Values[0] != 7 {
		t.Errorf("color change = %+v, want position 5 value 7", change)
	}
	if len(update.Data.Timestamps) != 1 {
		t.Errorf("update carries %d timestamp changes, want 1", len(update.Data.Timestamps))
	}

	budget := recvPacket(t, sub)
	if budget.Type != live.PacketPixelsAvailable {
		t.Fatalf("packet type = %q, want %q", budget.Type, live.PacketPixelsAvailable)
	}
	if budget.Count == nil || *budget.Count != 2 {
		t.Errorf("budget count = %v, want 2 after spending a pixel", budget.Count)
	}
	if budget.Next == nil {
		t.Errorf("budget next = nil, want the regain instant")
	}

	t.Run("info updates are broadcast", func(t *testing.T) {
		name := "renamed"
		if err := b.UpdateInfo(ctx, InfoPatch{Name: &name}); err != nil {
			t.Fatalf("UpdateInfo failed: %v", err)
		}
		p := recvPacket(t, sub)
		if p.Type != live.PacketBoardUpdate || p.Info == nil {
			t.Fatalf("packet = %+v, want a board-update with info", p)
		}
		if p.Info.Name == nil || *p.Info.Name != "renamed" {
			t.Errorf("info name = %v, want renamed", p.Info.Name)
		}
	})

	t.Run("unsubscribing closes the subscription", func(t *testing.T) {
		b.Unsubscribe(sub.ID)
		select {
		case <-sub.Done():
		case <-time.After(2 * time.Second):
			t.Fatalf("subscription not closed after Unsubscribe")
		}
	})
}

func TestBoardUpdateInfo(t *testing.T) {
	b, _ := newTestBoard(t)
	ctx := context.Background()
	now := time.Now()
	activate(t, b)

	t.Run("name and budget update in place", func(t *testing.T) {
		name := "gallery"
		budget := uint32(5)
		if err := b.UpdateInfo(ctx, InfoPatch{Name: &name, MaxPixelsAvailable: &budget}); err != nil {
			t.Fatalf("UpdateInfo failed: %v", err)
		}

		info := b.Info()
		if info.Name != "gallery" || info.MaxPixelsAvailable != 5 {
			t.Errorf("info = %+v, want name gallery and budget 5", info)
		}

		// pixel data survives a metadata-only update
		if _, _, err := b.Place(ctx, "alice", 5, 7, now); err != nil {
			t.Fatalf("Place failed: %v", err)
		}
		colors, err := b.Read(ctx, store.BufferColors, 5, 6)
		if err != nil || colors[0] != 7 {
			t.Fatalf("Read after a name change = (%v, %v), want color 7", colors, err)
		}
	})

	t.Run("shape change resets the canvas", func(t *testing.T) {
		if err := b.UpdateInfo(ctx, InfoPatch{Shape: [][]uint64{{2, 2}, {2, 2}}}); err != nil {
			t.Fatalf("UpdateInfo failed: %v", err)
		}

		info := b.Info()
		if len(info.Shape) != 2 || info.Shape[0][0] != 2 {
			t.Errorf("info shape = %v, want [[2 2] [2 2]]", info.Shape)
		}

		colors, err := b.Read(ctx, store.BufferColors, 0, 16)
		if err != nil {
			t.Fatalf("Read after a shape change failed: %v", err)
		}
		for i, c := range colors {
			if c != 0 {
				t.Errorf("color at %d = %d after a shape change, want 0", i, c)
			}
		}

		// the mask is also back to no-place
		if _, _, err := b.Place(ctx, "alice", 6, 1, now.Add(time.Minute)); !IsUnplacable(err) {
			t.Errorf("Place after a shape change error = %v, want unplacable", err)
		}
	})

	t.Run("empty patch is a no-op", func(t *testing.T) {
		if err := b.UpdateInfo(ctx, InfoPatch{}); err != nil {
			t.Errorf("empty UpdateInfo failed: %v", err)
		}
	})
}
