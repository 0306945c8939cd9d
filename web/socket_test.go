package web

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/tessera-dev/tessera/lib/live"
)

func (e *testEnv) socketURL(caps string) string {
	return "ws" + strings.TrimPrefix(e.ts.URL, "http") +
		fmt.Sprintf("/boards/%d/socket?capabilities=%s", e.boardID, url.QueryEscape(caps))
}

// dialSocket opens a live connection with the capabilities negotiated.
func dialSocket(t *testing.T, env *testEnv, caps string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, env.socketURL(caps), nil)
	if err != nil {
		t.Fatalf("failed to dial the socket: %v", err)
	}
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

// authenticate completes the handshake, an empty token authenticates as
// anonymous. It asserts the ready packet.
func authenticate(t *testing.T, conn *websocket.Conn, token string) {
	t.Helper()
	pkt := live.ClientPacket{Type: live.PacketAuthenticate}
	if token != "" {
		pkt.Token = &token
	}
	writeClientPacket(t, conn, pkt)

	if got := readPacket(t, conn); got.Type != live.PacketReady {
		t.Fatalf("first packet type = %q, want ready", got.Type)
	}
}

func writeClientPacket(t *testing.T, conn *websocket.Conn, pkt live.ClientPacket) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, pkt); err != nil {
		t.Fatalf("failed to write the packet: %v", err)
	}
}

func readPacket(t *testing.T, conn *websocket.Conn) live.ServerPacket {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var pkt live.ServerPacket
	if err := wsjson.Read(ctx, conn, &pkt); err != nil {
		t.Fatalf("failed to read a packet: %v", err)
	}
	return pkt
}

// waitForPacket reads until a packet of the wanted type arrives, skipping
// interleaved ones.
func waitForPacket(t *testing.T, conn *websocket.Conn, typ live.PacketType) live.ServerPacket {
	t.Helper()
	for i := 0; i < 8; i++ {
		if pkt := readPacket(t, conn); pkt.Type == typ {
			return pkt
		}
	}
	t.Fatalf("no %q packet within 8 reads", typ)
	return live.ServerPacket{}
}

// expectClose asserts that the server closes the connection with the code.
func expectClose(t *testing.T, conn *websocket.Conn, code websocket.StatusCode) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var pkt live.ServerPacket
	err := wsjson.Read(ctx, conn, &pkt)
	if err == nil {
		t.Fatalf("read a %q packet, want close %d", pkt.Type, code)
	}
	if got := websocket.CloseStatus(err); got != code {
		t.Fatalf("close status = %d (%v), want %d", got, err, code)
	}
}

// --------------------------------------------------------------------------
// Handshake
// --------------------------------------------------------------------------

func TestSocketHandshake(t *testing.T) {
	env := newTestServer(t)

	conn := dialSocket(t, env, "core,authentication")
	authenticate(t, conn, aliceToken)

	// the authentication capability pushes the budget right after ready
	pkt := waitForPacket(t, conn, live.PacketPixelsAvailable)
	if pkt.Count == nil || *pkt.Count != 3 {
		t.Fatalf("pixels-available count = %v, want 3", pkt.Count)
	}
	if pkt.Next != nil {
		t.Errorf("a full stack schedules nothing, got next %d", *pkt.Next)
	}

	// re-authenticating as the same user is tolerated
	token := aliceToken
	writeClientPacket(t, conn, live.ClientPacket{Type: live.PacketAuthenticate, Token: &token})
	writeClientPacket(t, conn, live.ClientPacket{Type: live.PacketPing})

	// the connection is still served: a placement reaches it
	env.place(t, aliceToken, 2, 7)
	update := waitForPacket(t, conn, live.PacketBoardUpdate)
	if update.Data == nil || len(update.Data.Colors) == 0 {
		t.Fatalf("board-update carries no color change: %+v", update)
	}
}

func TestSocketAnonymous(t *testing.T) {
	env := newTestServer(t)

	conn := dialSocket(t, env, "core")
	authenticate(t, conn, "")

	env.place(t, aliceToken, 1, 7)
	update := waitForPacket(t, conn, live.PacketBoardUpdate)
	if update.Data == nil || len(update.Data.Colors) == 0 {
		t.Fatalf("board-update carries no color change: %+v", update)
	}
	if update.Data.Colors[0].Position != 1 || update.Data.Colors[0].Values[0] != 7 {
		t.Errorf("color change = %+v, want value 7 at position 1", update.Data.Colors[0])
	}
	// timestamps were not negotiated, the filter drops them
	if update.Data.Timestamps != nil {
		t.Errorf("core-only connection received timestamps: %+v", update.Data.Timestamps)
	}
}

func TestSocketDataCapabilities(t *testing.T) {
	env := newTestServer(t)

	conn := dialSocket(t, env, "core,data.timestamps")
	authenticate(t, conn, "")

	env.place(t, aliceToken, 1, 7)
	update := waitForPacket(t, conn, live.PacketBoardUpdate)
	if update.Data == nil || len(update.Data.Timestamps) == 0 {
		t.Fatalf("negotiated timestamps are missing: %+v", update)
	}
}

// --------------------------------------------------------------------------
// Rejections
// --------------------------------------------------------------------------

func TestSocketRejectsBadUpgrades(t *testing.T) {
	env := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	t.Run("unknown capability", func(t *testing.T) {
		conn, resp, err := websocket.Dial(ctx, env.socketURL("core,bogus"), nil)
		if err == nil {
			conn.CloseNow()
			t.Fatal("dial succeeded, want a 422 refusal")
		}
		if resp == nil || resp.StatusCode != http.StatusUnprocessableEntity {
			t.Fatalf("status = %v, want 422", resp)
		}
	})

	t.Run("missing capabilities", func(t *testing.T) {
		target := "ws" + strings.TrimPrefix(env.ts.URL, "http") +
			fmt.Sprintf("/boards/%d/socket", env.boardID)
		conn, resp, err := websocket.Dial(ctx, target, nil)
		if err == nil {
			conn.CloseNow()
			t.Fatal("dial succeeded, want a 422 refusal")
		}
		if resp == nil || resp.StatusCode != http.StatusUnprocessableEntity {
			t.Fatalf("status = %v, want 422", resp)
		}
	})

	t.Run("unknown board", func(t *testing.T) {
		target := "ws" + strings.TrimPrefix(env.ts.URL, "http") +
			"/boards/999/socket?capabilities=core"
		conn, resp, err := websocket.Dial(ctx, target, nil)
		if err == nil {
			conn.CloseNow()
			t.Fatal("dial succeeded, want a 404 refusal")
		}
		if resp == nil || resp.StatusCode != http.StatusNotFound {
			t.Fatalf("status = %v, want 404", resp)
		}
	})
}

func TestSocketInvalidToken(t *testing.T) {
	env := newTestServer(t)

	conn := dialSocket(t, env, "core")
	token := "no-such-token"
	writeClientPacket(t, conn, live.ClientPacket{Type: live.PacketAuthenticate, Token: &token})
	expectClose(t, conn, closeInvalidToken)
}

func TestSocketWrongFirstPacket(t *testing.T) {
	env := newTestServer(t)

	conn := dialSocket(t, env, "core")
	writeClientPacket(t, conn, live.ClientPacket{Type: live.PacketPing})
	expectClose(t, conn, websocket.StatusPolicyViolation)
}

func TestSocketMissingPermission(t *testing.T) {
	env := newTestServer(t)
	env.auth.Add("limited-token", Identity{
		User:        "limited",
		Permissions: PermissionSet(PermSocketCore | PermSocketAuthentication),
	})

	conn := dialSocket(t, env, "core,data.mask")
	token := "limited-token"
	writeClientPacket(t, conn, live.ClientPacket{Type: live.PacketAuthenticate, Token: &token})
	expectClose(t, conn, closeMissingPermission)
}

func TestSocketReAuthenticationMismatch(t *testing.T) {
	env := newTestServer(t)

	conn := dialSocket(t, env, "core")
	authenticate(t, conn, aliceToken)

	token := bobToken
	writeClientPacket(t, conn, live.ClientPacket{Type: live.PacketAuthenticate, Token: &token})
	expectClose(t, conn, websocket.StatusPolicyViolation)
}

// --------------------------------------------------------------------------
// Server Side Shutdown
// --------------------------------------------------------------------------

func TestSocketClosesWithTheBoard(t *testing.T) {
	env := newTestServer(t)

	conn := dialSocket(t, env, "core")
	authenticate(t, conn, "")

	resp := env.request(t, http.MethodDelete, env.boardPath(), rootToken, nil, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", resp.StatusCode)
	}
	expectClose(t, conn, websocket.StatusGoingAway)
}
