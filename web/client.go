package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/tessera-dev/tessera/lib/board"
	"github.com/tessera-dev/tessera/lib/live"
	"github.com/tessera-dev/tessera/lib/store"
	"github.com/tessera-dev/tessera/web/common"
)

// --------------------------------------------------------------------------
// Client
// --------------------------------------------------------------------------

// Client talks to a tessera server. Transport failures are retried with
// exponential backoff; HTTP error statuses are returned as *APIError and
// never retried.
type Client struct {
	config common.ClientConfig
	http   *http.Client
}

// NewClient creates a client for the configured endpoint. An empty token
// acts as the anonymous caller.
func NewClient(config common.ClientConfig) *Client {
	timeout := time.Duration(config.TimeoutSecond) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		config: config,
		http:   &http.Client{Timeout: timeout},
	}
}

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server responded %d: %s", e.Status, e.Message)
}

// CooldownHeader is the cooldown state a response carried, nil fields for
// headers the server omitted.
type CooldownHeader struct {
	PixelsAvailable uint32
	NextAvailable   *uint64
	UndoDeadline    *uint64
}

// parseCooldownHeader reads the cooldown headers of a response, nil when
// it carried none.
func parseCooldownHeader(h http.Header) *CooldownHeader {
	raw := h.Get(HeaderPixelsAvailable)
	if raw == "" {
		return nil
	}
	available, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return nil
	}

	out := &CooldownHeader{PixelsAvailable: uint32(available)}
	if v := h.Get(HeaderNextAvailable); v != "" {
		if next, err := strconv.ParseUint(v, 10, 64); err == nil {
			out.NextAvailable = &next
		}
	}
	if v := h.Get(HeaderUndoDeadline); v != "" {
		if deadline, err := strconv.ParseUint(v, 10, 64); err == nil {
			out.UndoDeadline = &deadline
		}
	}
	return out
}

// do sends one request, retrying transport failures with exponential
// backoff. The response body is fully read; non-2xx statuses come back as
// *APIError.
func (c *Client) do(ctx context.Context, method, path string, header http.Header, reqBody []byte) (http.Header, []byte, error) {
	// we always try at least once, and up to RetryCount times
	maxRetries := c.config.RetryCount
	if maxRetries < 1 {
		maxRetries = 1
	}

	var lastErr error
	backoffMs := 50

	for i := 0; i < maxRetries; i++ {
		respHeader, body, err := c.send(ctx, method, path, header, reqBody)
		if err == nil {
			return respHeader, body, nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			// the server answered, retrying would repeat the refusal
			return respHeader, body, err
		}

		lastErr = err
		log.Debugf("request attempt %d/%d failed: %v", i+1, maxRetries, err)

		if i < maxRetries-1 {
			// exponential backoff with a small random jitter (+-10%)
			jitter := float64(backoffMs) * (0.9 + 0.2*rand.Float64())
			select {
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			case <-time.After(time.Duration(jitter) * time.Millisecond):
			}
			backoffMs *= 2
		}
	}

	return nil, nil, fmt.Errorf("request failed after %d attempts: %w", maxRetries, lastErr)
}

// send performs a single attempt.
func (c *Client) send(ctx context.Context, method, path string, header http.Header, reqBody []byte) (http.Header, []byte, error) {
	var bodyReader io.Reader
	if reqBody != nil {
		bodyReader = bytes.NewReader(reqBody)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.config.Endpoint+path, bodyReader)
	if err != nil {
		return nil, nil, err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}

	if resp.StatusCode >= 400 {
		msg := strings.TrimSpace(string(body))
		var er errorResponse
		if json.Unmarshal(body, &er) == nil && er.Error != "" {
			msg = er.Error
		}
		return resp.Header, body, &APIError{Status: resp.StatusCode, Message: msg}
	}
	return resp.Header, body, nil
}

// getJSON fetches path and decodes the response body into out.
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	_, body, err := c.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

// sendJSON marshals in, sends it and decodes the response into out when
// out is non-nil.
func (c *Client) sendJSON(ctx context.Context, method, path string, in, out any) (http.Header, error) {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return nil, err
		}
	}
	header := http.Header{"Content-Type": []string{"application/json"}}
	respHeader, body, err := c.do(ctx, method, path, header, payload)
	if err != nil {
		return respHeader, err
	}
	if out != nil {
		return respHeader, json.Unmarshal(body, out)
	}
	return respHeader, nil
}

// --------------------------------------------------------------------------
// Server and Board Metadata
// --------------------------------------------------------------------------

// Info fetches the server description.
func (c *Client) Info(ctx context.Context) (ServerInfo, error) {
	var out ServerInfo
	err := c.getJSON(ctx, "/info", &out)
	return out, err
}

// Boards lists the metadata of every stored board.
func (c *Client) Boards(ctx context.Context) ([]store.BoardMeta, error) {
	var out []store.BoardMeta
	err := c.getJSON(ctx, "/boards", &out)
	return out, err
}

// Board fetches one board's metadata. Authenticated callers also get
// their cooldown state back.
func (c *Client) Board(ctx context.Context, boardID uint64) (board.Info, *CooldownHeader, error) {
	var out board.Info
	header, body, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/boards/%d", boardID), nil, nil)
	if err != nil {
		return out, nil, err
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return out, nil, err
	}
	return out, parseCooldownHeader(header), nil
}

// CreateBoard creates a board and returns it.
func (c *Client) CreateBoard(ctx context.Context, req CreateBoardRequest) (board.Info, error) {
	var out board.Info
	_, err := c.sendJSON(ctx, http.MethodPost, "/boards", req, &out)
	return out, err
}

// UpdateBoard applies a partial metadata update and returns the updated
// board.
func (c *Client) UpdateBoard(ctx context.Context, boardID uint64, patch board.InfoPatch) (board.Info, error) {
	var out board.Info
	_, err := c.sendJSON(ctx, http.MethodPatch, fmt.Sprintf("/boards/%d", boardID), patch, &out)
	return out, err
}

// DeleteBoard removes a board and all its data.
func (c *Client) DeleteBoard(ctx context.Context, boardID uint64) error {
	_, _, err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/boards/%d", boardID), nil, nil)
	return err
}

// Users fetches the board's activity stats.
func (c *Client) Users(ctx context.Context, boardID uint64) (UserStats, error) {
	var out UserStats
	err := c.getJSON(ctx, fmt.Sprintf("/boards/%d/users", boardID), &out)
	return out, err
}

// --------------------------------------------------------------------------
// Pixel Data
// --------------------------------------------------------------------------

// ReadData fetches one whole buffer of the board.
func (c *Client) ReadData(ctx context.Context, boardID uint64, kind store.BufferKind) ([]byte, error) {
	_, body, err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("/boards/%d/data/%s", boardID, kind), nil, nil)
	return body, err
}

// ReadDataRange fetches the inclusive byte range [start, end] of a buffer.
func (c *Client) ReadDataRange(ctx context.Context, boardID uint64, kind store.BufferKind, start, end uint64) ([]byte, error) {
	header := http.Header{"Range": []string{fmt.Sprintf("bytes=%d-%d", start, end)}}
	_, body, err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("/boards/%d/data/%s", boardID, kind), header, nil)
	return body, err
}

// PatchData overwrites a run of a patchable buffer starting at offset.
func (c *Client) PatchData(ctx context.Context, boardID uint64, kind store.BufferKind, offset uint64, data []byte) error {
	header := http.Header{
		"Content-Type": []string{"application/octet-stream"},
		"Content-Range": []string{
			fmt.Sprintf("bytes %d-%d/*", offset, offset+uint64(len(data))-1)},
	}
	_, _, err := c.do(ctx, http.MethodPatch,
		fmt.Sprintf("/boards/%d/data/%s", boardID, kind), header, data)
	return err
}

// --------------------------------------------------------------------------
// Placements
// --------------------------------------------------------------------------

// Place sets the color of one pixel and returns the recorded placement
// together with the refreshed cooldown state.
func (c *Client) Place(ctx context.Context, boardID, position uint64, color uint8) (store.Placement, *CooldownHeader, error) {
	var out store.Placement
	header, err := c.sendJSON(ctx, http.MethodPost,
		fmt.Sprintf("/boards/%d/pixels/%d", boardID, position),
		placementRequest{Color: color}, &out)
	return out, parseCooldownHeader(header), err
}

// Undo reverts the caller's placement at the position.
func (c *Client) Undo(ctx context.Context, boardID, position uint64) (*CooldownHeader, error) {
	header, _, err := c.do(ctx, http.MethodDelete,
		fmt.Sprintf("/boards/%d/pixels/%d", boardID, position), nil, nil)
	return parseCooldownHeader(header), err
}

// Placements fetches one page of the placement log. A zero token starts
// at the beginning.
func (c *Client) Placements(ctx context.Context, boardID, token uint64, limit int, order store.Order) (PlacementPage, error) {
	q := url.Values{}
	if token != 0 {
		q.Set("next", strconv.FormatUint(token, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if order == store.OrderReverse {
		q.Set("order", "reverse")
	}
	path := fmt.Sprintf("/boards/%d/pixels", boardID)
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out PlacementPage
	err := c.getJSON(ctx, path, &out)
	return out, err
}

// Lookup fetches the latest placement at the position.
func (c *Client) Lookup(ctx context.Context, boardID, position uint64) (store.Placement, error) {
	var out store.Placement
	err := c.getJSON(ctx, fmt.Sprintf("/boards/%d/pixels/%d", boardID, position), &out)
	return out, err
}

// --------------------------------------------------------------------------
// Live Stream
// --------------------------------------------------------------------------

// Listen opens a live stream on the board and hands every packet to
// handle until ctx is cancelled or the server closes the stream. The
// handshake authenticates with the client's token.
func (c *Client) Listen(ctx context.Context, boardID uint64, caps live.CapabilitySet, handle func(live.ServerPacket)) error {
	endpoint, err := url.Parse(c.config.Endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint: %w", err)
	}
	switch endpoint.Scheme {
	case "http":
		endpoint.Scheme = "ws"
	case "https":
		endpoint.Scheme = "wss"
	}
	endpoint.Path = fmt.Sprintf("/boards/%d/socket", boardID)
	endpoint.RawQuery = url.Values{"capabilities": []string{caps.String()}}.Encode()

	conn, _, err := websocket.Dial(ctx, endpoint.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to open socket: %w", err)
	}
	defer conn.CloseNow()

	auth := live.ClientPacket{Type: live.PacketAuthenticate}
	if c.config.Token != "" {
		auth.Token = &c.config.Token
	}
	if err := wsjson.Write(ctx, conn, auth); err != nil {
		return fmt.Errorf("handshake failed: %w", err)
	}

	for {
		var pkt live.ServerPacket
		if err := wsjson.Read(ctx, conn, &pkt); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusGoingAway || ctx.Err() != nil {
				return nil
			}
			return err
		}
		handle(pkt)
	}
}
