package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/tessera-dev/tessera/lib/board"
	"github.com/tessera-dev/tessera/lib/live"
)

// Close codes in the private 4xxx block for handshake failures the RFC
// codes do not cover.
const (
	closeAuthTimeout       websocket.StatusCode = 4000
	closeMissingPermission websocket.StatusCode = 4001
	closeInvalidToken      websocket.StatusCode = 4002
)

// handshakeTimeout bounds the wait for the authenticate packet. Every
// connection must complete the handshake, anonymous ones included.
const handshakeTimeout = 5 * time.Second

// writeTimeout bounds each packet write so a stalled peer cannot pin the
// writer.
const writeTimeout = 10 * time.Second

// handleSocket upgrades GET /boards/{board}/socket. Capability and board
// problems are rejected as plain HTTP before the upgrade; everything after
// Accept speaks WebSocket close codes.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	caps, err := live.ParseCapabilities(r.URL.Query().Get("capabilities"))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	b, ok := s.openBoard(w, r)
	if !ok {
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Debugf("websocket accept failed: %v", err)
		return
	}
	s.sockets.Inc()
	s.serveSocket(r.Context(), conn, b, caps)
}

// serveSocket runs one live connection: handshake, permission check,
// subscription, then the packet pump until either side goes away.
func (s *Server) serveSocket(ctx context.Context, conn *websocket.Conn, b *board.Board, caps live.CapabilitySet) {
	defer conn.CloseNow()

	id, ok := s.socketHandshake(ctx, conn)
	if !ok {
		return
	}

	for _, c := range live.All() {
		if caps.Has(c) && !id.Has(socketPermission(c)) {
			_ = conn.Close(closeMissingPermission,
				fmt.Sprintf("missing permission for %s", c))
			return
		}
	}

	sub, err := b.Subscribe(ctx, id.Name(), caps, time.Now())
	if err != nil {
		log.Errorf("subscribe on board %d failed: %v", b.ID(), err)
		_ = conn.Close(websocket.StatusInternalError, "internal error")
		return
	}
	defer b.Unsubscribe(sub.ID)

	if err := writePacket(ctx, conn, live.NewReady()); err != nil {
		return
	}

	// the reader drains pings and repeated authenticate packets and
	// cancels the connection on error or close
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		defer cancel()
		for {
			var pkt live.ClientPacket
			if err := wsjson.Read(connCtx, conn, &pkt); err != nil {
				return
			}
			switch pkt.Type {
			case live.PacketPing:
				// application level keepalive, nothing to answer
			case live.PacketAuthenticate:
				// tolerated as long as it resolves to the same caller
				again, err := s.resolveToken(connCtx, pkt.Token)
				if err != nil || again.Name() != id.Name() {
					_ = conn.Close(websocket.StatusPolicyViolation,
						"cannot re-authenticate as a different user")
					return
				}
			default:
				_ = conn.Close(websocket.StatusPolicyViolation,
					fmt.Sprintf("unexpected packet type %q", pkt.Type))
				return
			}
		}
	}()

	for {
		select {
		case <-connCtx.Done():
			return
		case <-sub.Done():
			_ = conn.Close(websocket.StatusGoingAway, "server closing")
			return
		case pkt := <-sub.C:
			out, ok := live.Filter(pkt, sub.Caps)
			if !ok {
				continue
			}
			if err := writePacket(connCtx, conn, out); err != nil {
				return
			}
		}
	}
}

// socketHandshake waits for the authenticate packet and resolves it to an
// identity. On failure the connection is closed and ok is false.
func (s *Server) socketHandshake(ctx context.Context, conn *websocket.Conn) (*Identity, bool) {
	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	var pkt live.ClientPacket
	if err := wsjson.Read(hsCtx, conn, &pkt); err != nil {
		if hsCtx.Err() != nil {
			_ = conn.Close(closeAuthTimeout, "authentication timed out")
		} else {
			_ = conn.Close(websocket.StatusPolicyViolation, "invalid packet")
		}
		return nil, false
	}
	if pkt.Type != live.PacketAuthenticate {
		_ = conn.Close(websocket.StatusPolicyViolation,
			fmt.Sprintf("expected an authenticate packet, got %q", pkt.Type))
		return nil, false
	}

	id, err := s.resolveToken(ctx, pkt.Token)
	if err != nil {
		_ = conn.Close(closeInvalidToken, "invalid token")
		return nil, false
	}
	return id, true
}

// resolveToken authenticates an optional packet token, nil meaning the
// anonymous caller.
func (s *Server) resolveToken(ctx context.Context, token *string) (*Identity, error) {
	if token == nil || *token == "" {
		return nil, nil
	}
	return s.auth.Authenticate(ctx, *token)
}

// writePacket writes one packet under the write deadline.
func writePacket(ctx context.Context, conn *websocket.Conn, pkt live.ServerPacket) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(wctx, conn, pkt)
}
