package web

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tessera-dev/tessera/lib/board"
	"github.com/tessera-dev/tessera/lib/live"
	"github.com/tessera-dev/tessera/lib/store"
	"github.com/tessera-dev/tessera/web/common"
)

func newTestClient(env *testEnv, token string) *Client {
	return NewClient(common.ClientConfig{
		Endpoint:      env.ts.URL,
		Token:         token,
		TimeoutSecond: 5,
		RetryCount:    1,
	})
}

func TestClientRoundTrip(t *testing.T) {
	env := newTestServer(t)
	client := newTestClient(env, aliceToken)
	ctx := context.Background()

	t.Run("info", func(t *testing.T) {
		info, err := client.Info(ctx)
		if err != nil {
			t.Fatalf("Info failed: %v", err)
		}
		if info.Name != "tessera" {
			t.Errorf("name = %q, want tessera", info.Name)
		}
	})

	t.Run("board with budget", func(t *testing.T) {
		info, cooldown, err := client.Board(ctx, env.boardID)
		if err != nil {
			t.Fatalf("Board failed: %v", err)
		}
		if info.Name != "plaza" {
			t.Errorf("name = %q, want plaza", info.Name)
		}
		if cooldown == nil || cooldown.PixelsAvailable != 3 {
			t.Errorf("cooldown = %+v, want 3 pixels", cooldown)
		}
	})

	t.Run("place and lookup", func(t *testing.T) {
		placement, cooldown, err := client.Place(ctx, env.boardID, 3, 7)
		if err != nil {
			t.Fatalf("Place failed: %v", err)
		}
		if placement.User != "alice" || placement.Color != 7 {
			t.Errorf("placement = %+v, want alice's color 7", placement)
		}
		if cooldown == nil || cooldown.PixelsAvailable != 2 {
			t.Errorf("cooldown = %+v, want 2 pixels left", cooldown)
		}
		if cooldown != nil && cooldown.UndoDeadline == nil {
			t.Errorf("undo deadline header is missing")
		}

		got, err := client.Lookup(ctx, env.boardID, 3)
		if err != nil {
			t.Fatalf("Lookup failed: %v", err)
		}
		if got.Color != 7 {
			t.Errorf("lookup color = %d, want 7", got.Color)
		}
	})

	t.Run("placement log", func(t *testing.T) {
		page, err := client.Placements(ctx, env.boardID, 0, 10, store.OrderForward)
		if err != nil {
			t.Fatalf("Placements failed: %v", err)
		}
		if len(page.Items) != 1 {
			t.Fatalf("len(items) = %d, want 1", len(page.Items))
		}
	})

	t.Run("data reads", func(t *testing.T) {
		full, err := client.ReadData(ctx, env.boardID, store.BufferColors)
		if err != nil {
			t.Fatalf("ReadData failed: %v", err)
		}
		if len(full) != 16 || full[3] != 7 {
			t.Errorf("colors = %v, want 16 bytes with 7 at 3", full)
		}

		chunk, err := client.ReadDataRange(ctx, env.boardID, store.BufferColors, 2, 5)
		if err != nil {
			t.Fatalf("ReadDataRange failed: %v", err)
		}
		if len(chunk) != 4 || chunk[1] != 7 {
			t.Errorf("chunk = %v, want 4 bytes with 7 at index 1", chunk)
		}
	})

	t.Run("undo", func(t *testing.T) {
		cooldown, err := client.Undo(ctx, env.boardID, 3)
		if err != nil {
			t.Fatalf("Undo failed: %v", err)
		}
		if cooldown == nil {
			t.Errorf("undo carries no cooldown header")
		}
	})

	t.Run("users", func(t *testing.T) {
		stats, err := client.Users(ctx, env.boardID)
		if err != nil {
			t.Fatalf("Users failed: %v", err)
		}
		if stats.IdleTimeout != 5*60 {
			t.Errorf("idleTimeout = %d, want 300", stats.IdleTimeout)
		}
	})
}

func TestClientAdministration(t *testing.T) {
	env := newTestServer(t)
	client := newTestClient(env, rootToken)
	ctx := context.Background()

	created, err := client.CreateBoard(ctx, CreateBoardRequest{
		Name:               "annex",
		Shape:              [][]uint64{{2}, {2}},
		Palette:            store.Palette{0: {Name: "black", Value: 0}},
		MaxPixelsAvailable: 1,
	})
	if err != nil {
		t.Fatalf("CreateBoard failed: %v", err)
	}

	name := "annex two"
	updated, err := client.UpdateBoard(ctx, created.ID, board.InfoPatch{Name: &name})
	if err != nil {
		t.Fatalf("UpdateBoard failed: %v", err)
	}
	if updated.Name != name {
		t.Errorf("name = %q, want %q", updated.Name, name)
	}

	if err := client.PatchData(ctx, created.ID, store.BufferInitial, 1, []byte{0}); err != nil {
		t.Fatalf("PatchData failed: %v", err)
	}

	if err := client.DeleteBoard(ctx, created.ID); err != nil {
		t.Fatalf("DeleteBoard failed: %v", err)
	}
	if _, _, err := client.Board(ctx, created.ID); err == nil {
		t.Fatalf("Board after delete succeeded, want 404")
	}
}

func TestClientAPIErrors(t *testing.T) {
	env := newTestServer(t)
	ctx := context.Background()

	t.Run("anonymous placement is refused", func(t *testing.T) {
		anon := newTestClient(env, "")
		_, _, err := anon.Place(ctx, env.boardID, 0, 1)
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Status != 401 {
			t.Fatalf("err = %v, want *APIError with status 401", err)
		}
	})

	t.Run("unknown boards are 404", func(t *testing.T) {
		client := newTestClient(env, aliceToken)
		_, _, err := client.Board(ctx, 999)
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Status != 404 {
			t.Fatalf("err = %v, want *APIError with status 404", err)
		}
	})
}

func TestClientListen(t *testing.T) {
	env := newTestServer(t)
	client := newTestClient(env, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	packets := make(chan live.ServerPacket, 16)
	done := make(chan error, 1)
	go func() {
		done <- client.Listen(ctx, env.boardID, live.CapabilitySet(live.CapCore),
			func(p live.ServerPacket) { packets <- p })
	}()

	waitFor := func(typ live.PacketType) live.ServerPacket {
		t.Helper()
		deadline := time.After(2 * time.Second)
		for {
			select {
			case p := <-packets:
				if p.Type == typ {
					return p
				}
			case <-deadline:
				t.Fatalf("no %q packet arrived", typ)
			}
		}
	}

	// the stream is live once ready arrives
	waitFor(live.PacketReady)

	env.place(t, aliceToken, 0, 7)
	update := waitFor(live.PacketBoardUpdate)
	if update.Data == nil || len(update.Data.Colors) == 0 {
		t.Fatalf("board-update carries no colors: %+v", update)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Listen returned %v, want nil after cancel", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Listen did not return after cancel")
	}
}
