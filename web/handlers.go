package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/tessera-dev/tessera/lib/board"
	"github.com/tessera-dev/tessera/lib/live"
	"github.com/tessera-dev/tessera/lib/store"
)

// Cooldown state rides on response headers so every board interaction can
// refresh the client's schedule without a second request.
const (
	HeaderPixelsAvailable = "Tessera-Pixels-Available"
	HeaderNextAvailable   = "Tessera-Next-Available"
	HeaderUndoDeadline    = "Tessera-Undo-Deadline"
)

// maxBodyBytes bounds request bodies. Binary patches of whole buffers are
// the largest legitimate payloads.
const maxBodyBytes = 16 << 20

// --------------------------------------------------------------------------
// Response Helpers
// --------------------------------------------------------------------------

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Debugf("failed to write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeErr maps a board or store error onto its HTTP status. Storage
// failures are reported generically so backing-store detail never leaks
// into responses.
func writeErr(w http.ResponseWriter, err error) {
	var berr *board.Error
	if errors.As(err, &berr) {
		switch berr.Kind {
		case board.ErrOutOfBounds:
			writeError(w, http.StatusNotFound, berr.Msg)
		case board.ErrInvalidColor, board.ErrInvalidMask:
			writeError(w, http.StatusUnprocessableEntity, berr.Msg)
		case board.ErrUnplacable:
			writeError(w, http.StatusForbidden, berr.Msg)
		case board.ErrRateLimited:
			writeError(w, http.StatusTooManyRequests, berr.Msg)
		case board.ErrNoOp:
			writeError(w, http.StatusConflict, berr.Msg)
		default:
			log.Errorf("internal error: %v", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	var serr *store.Error
	if errors.As(err, &serr) {
		switch serr.Code {
		case store.RetCNotFound:
			writeError(w, http.StatusNotFound, serr.Msg)
		case store.RetCConflict:
			writeError(w, http.StatusConflict, serr.Msg)
		case store.RetCInvalidOperation, store.RetCUnsupportedOperation:
			writeError(w, http.StatusUnprocessableEntity, serr.Msg)
		default:
			log.Errorf("storage error: %v", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	if errors.Is(err, context.DeadlineExceeded) {
		writeError(w, http.StatusGatewayTimeout, "request timed out")
		return
	}
	log.Errorf("internal error: %v", err)
	writeError(w, http.StatusInternalServerError, "internal server error")
}

// setCooldownHeaders attaches the user's pixel budget to the response.
// The next arrival is omitted once the stack is full.
func setCooldownHeaders(w http.ResponseWriter, info *board.CooldownInfo) {
	h := w.Header()
	h.Set(HeaderPixelsAvailable, strconv.FormatUint(uint64(info.PixelsAvailable()), 10))
	if next, ok := info.NextAvailable(); ok {
		h.Set(HeaderNextAvailable, strconv.FormatUint(next, 10))
	}
}

// --------------------------------------------------------------------------
// Request Helpers
// --------------------------------------------------------------------------

// identity resolves the caller's bearer token, nil for the anonymous
// caller.
func (s *Server) identity(r *http.Request) (*Identity, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return nil, nil
	}
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return nil, ErrInvalidToken
	}
	return s.auth.Authenticate(r.Context(), token)
}

// require resolves the caller and checks the permission. When it reports
// false the response is already written: 401 for a bad token or an
// anonymous caller lacking the permission, 403 for an authenticated one.
func (s *Server) require(w http.ResponseWriter, r *http.Request, perm Permission) (*Identity, bool) {
	id, err := s.identity(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return nil, false
	}
	if !id.Has(perm) {
		if id == nil {
			writeError(w, http.StatusUnauthorized,
				fmt.Sprintf("authentication required for %s", perm))
		} else {
			writeError(w, http.StatusForbidden,
				fmt.Sprintf("missing permission %s", perm))
		}
		return nil, false
	}
	return id, true
}

// openBoard resolves the board path segment. When it reports false the
// response is already written.
func (s *Server) openBoard(w http.ResponseWriter, r *http.Request) (*board.Board, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "board"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid board id")
		return nil, false
	}
	b, err := s.boards.Get(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return nil, false
	}
	return b, true
}

// position resolves the position path segment.
func position(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	pos, err := strconv.ParseUint(chi.URLParam(r, "position"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid position")
		return 0, false
	}
	return pos, true
}

// decodeBody decodes a JSON request body. When it reports false the
// response is already written.
func decodeBody(w http.ResponseWriter, r *http.Request, into any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(into); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

// --------------------------------------------------------------------------
// Server Info
// --------------------------------------------------------------------------

// ServerInfo describes the server to clients: what it is, which build is
// running and which live-stream capabilities can be negotiated.
type ServerInfo struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Source       string   `json:"source"`
	Capabilities []string `json:"capabilities"`
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.require(w, r, PermInfo); !ok {
		return
	}
	caps := live.All()
	names := make([]string, len(caps))
	for i, c := range caps {
		names[i] = c.String()
	}
	writeJSON(w, http.StatusOK, ServerInfo{
		Name:         "tessera",
		Version:      s.config.Version,
		Source:       "https://github.com/tessera-dev/tessera",
		Capabilities: names,
	})
}

// --------------------------------------------------------------------------
// Board CRUD
// --------------------------------------------------------------------------

// CreateBoardRequest is the body of POST /boards.
type CreateBoardRequest struct {
	Name               string        `json:"name"`
	Shape              [][]uint64    `json:"shape"`
	Palette            store.Palette `json:"palette"`
	MaxPixelsAvailable uint32        `json:"maxPixelsAvailable"`
}

func (s *Server) handleBoardList(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.require(w, r, PermBoardsList); !ok {
		return
	}
	metas, err := s.boards.List(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	if metas == nil {
		metas = []store.BoardMeta{}
	}
	writeJSON(w, http.StatusOK, metas)
}

func (s *Server) handleBoardCreate(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.require(w, r, PermBoardsPost); !ok {
		return
	}
	var req CreateBoardRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusUnprocessableEntity, "board name must not be empty")
		return
	}
	if len(req.Palette) == 0 {
		writeError(w, http.StatusUnprocessableEntity, "palette must not be empty")
		return
	}
	if _, err := board.NewShape(req.Shape); err != nil {
		writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("invalid shape: %v", err))
		return
	}
	if req.MaxPixelsAvailable == 0 {
		req.MaxPixelsAvailable = 1
	}

	b, err := s.boards.Create(r.Context(), store.BoardMeta{
		Name:               req.Name,
		Shape:              req.Shape,
		Palette:            req.Palette,
		MaxPixelsAvailable: req.MaxPixelsAvailable,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/boards/%d", b.ID()))
	writeJSON(w, http.StatusCreated, b.Info())
}

func (s *Server) handleBoardGet(w http.ResponseWriter, r *http.Request) {
	id, ok := s.require(w, r, PermBoardsGet)
	if !ok {
		return
	}
	b, ok := s.openBoard(w, r)
	if !ok {
		return
	}
	// authenticated callers get their budget alongside the metadata
	if id != nil {
		info, err := b.UserCooldownInfo(r.Context(), id.User, time.Now())
		if err != nil {
			writeErr(w, err)
			return
		}
		setCooldownHeaders(w, &info)
	}
	writeJSON(w, http.StatusOK, b.Info())
}

func (s *Server) handleBoardPatch(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.require(w, r, PermBoardsPatch); !ok {
		return
	}
	b, ok := s.openBoard(w, r)
	if !ok {
		return
	}
	var patch board.InfoPatch
	if !decodeBody(w, r, &patch) {
		return
	}
	if err := b.UpdateInfo(r.Context(), patch); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b.Info())
}

func (s *Server) handleBoardDelete(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.require(w, r, PermBoardsDelete); !ok {
		return
	}
	id, err := strconv.ParseUint(chi.URLParam(r, "board"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid board id")
		return
	}
	if err := s.boards.Delete(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --------------------------------------------------------------------------
// Users
// --------------------------------------------------------------------------

// UserStats reports how many distinct users placed within the activity
// window.
type UserStats struct {
	Active      int    `json:"active"`
	IdleTimeout uint64 `json:"idleTimeout"`
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.require(w, r, PermBoardsUsers); !ok {
		return
	}
	b, ok := s.openBoard(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, UserStats{
		Active:      b.UserCount(time.Now()),
		IdleTimeout: uint64(b.IdleTimeout() / time.Second),
	})
}

// --------------------------------------------------------------------------
// Pixel Data
// --------------------------------------------------------------------------

func bufferKind(w http.ResponseWriter, r *http.Request) (store.BufferKind, bool) {
	kind, ok := store.ParseBufferKind(chi.URLParam(r, "buffer"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown buffer")
		return 0, false
	}
	return kind, true
}

func (s *Server) handleDataGet(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.require(w, r, PermBoardsDataGet); !ok {
		return
	}
	b, ok := s.openBoard(w, r)
	if !ok {
		return
	}
	kind, ok := bufferKind(w, r)
	if !ok {
		return
	}

	size := b.BufferLength(kind)
	width := uint64(kind.Width())
	w.Header().Set("Accept-Ranges", "bytes")

	rng, unsatisfiable := parseRange(r.Header.Get("Range"), size)
	if unsatisfiable {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		writeError(w, http.StatusRequestedRangeNotSatisfiable, "range out of bounds")
		return
	}

	if rng == nil {
		data, err := b.Read(r.Context(), kind, 0, size/width)
		if err != nil {
			writeErr(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
		return
	}

	// reads are position addressed, widen the byte range to whole pixels
	// and slice the requested bytes back out
	posStart := rng.start / width
	posEnd := rng.end/width + 1
	data, err := b.Read(r.Context(), kind, posStart, posEnd)
	if err != nil {
		writeErr(w, err)
		return
	}
	chunk := data[rng.start-posStart*width : rng.end+1-posStart*width]

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", rng.start, rng.end, size))
	w.WriteHeader(http.StatusPartialContent)
	_, _ = w.Write(chunk)
}

func (s *Server) handleDataPatch(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.require(w, r, PermBoardsDataPatch); !ok {
		return
	}
	b, ok := s.openBoard(w, r)
	if !ok {
		return
	}
	kind, ok := bufferKind(w, r)
	if !ok {
		return
	}
	// colors and timestamps change through placements only
	if kind != store.BufferInitial && kind != store.BufferMask {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, http.StatusMethodNotAllowed, "buffer is not patchable")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if len(body) == 0 {
		writeError(w, http.StatusUnprocessableEntity, "empty patch")
		return
	}

	start, ok := parseContentRange(w, r.Header.Get("Content-Range"), uint64(len(body)))
	if !ok {
		return
	}

	// initial and mask are single byte buffers, the byte offset is the
	// position
	if kind == store.BufferInitial {
		err = b.PatchInitial(r.Context(), start, body)
	} else {
		err = b.PatchMask(r.Context(), start, body)
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --------------------------------------------------------------------------
// Placements
// --------------------------------------------------------------------------

// placementRequest is the body of POST /boards/{id}/pixels/{position}.
type placementRequest struct {
	Color uint8 `json:"color"`
}

// PlacementPage is one page of the placement log. Next is the token of
// the following page, absent on the last one.
type PlacementPage struct {
	Items []store.Placement `json:"items"`
	Next  *uint64           `json:"next,omitempty"`
}

func (s *Server) handlePlacementList(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.require(w, r, PermBoardsPixelsList); !ok {
		return
	}
	b, ok := s.openBoard(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	token := uint64(0)
	if v := q.Get("next"); v != "" {
		t, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid page token")
			return
		}
		token = t
	}
	limit := 100
	if v := q.Get("limit"); v != "" {
		l, err := strconv.Atoi(v)
		if err != nil || l < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		if l > 1000 {
			l = 1000
		}
		limit = l
	}
	order := store.OrderForward
	switch q.Get("order") {
	case "", "forward":
	case "reverse":
		order = store.OrderReverse
	default:
		writeError(w, http.StatusBadRequest, "invalid order")
		return
	}

	items, next, err := b.Placements(r.Context(), token, limit, order)
	if err != nil {
		writeErr(w, err)
		return
	}
	if items == nil {
		items = []store.Placement{}
	}
	writeJSON(w, http.StatusOK, PlacementPage{Items: items, Next: next})
}

func (s *Server) handlePlace(w http.ResponseWriter, r *http.Request) {
	id, ok := s.require(w, r, PermBoardsPixelsPost)
	if !ok {
		return
	}
	b, ok := s.openBoard(w, r)
	if !ok {
		return
	}
	pos, ok := position(w, r)
	if !ok {
		return
	}
	var req placementRequest
	if !decodeBody(w, r, &req) {
		return
	}

	now := time.Now()
	placement, info, err := b.Place(r.Context(), id.User, pos, req.Color, now)
	if err != nil {
		// on a rate limit the budget is still valid, relay it so the
		// client learns when to retry
		if board.IsRateLimited(err) {
			setCooldownHeaders(w, &info)
		}
		writeErr(w, err)
		return
	}

	s.placements.Inc()
	setCooldownHeaders(w, &info)
	if deadline := b.UndoDeadline(); deadline != 0 {
		expiry := b.Epoch() + uint64(placement.Timestamp) + uint64(deadline/time.Second)
		w.Header().Set(HeaderUndoDeadline, strconv.FormatUint(expiry, 10))
	}
	writeJSON(w, http.StatusCreated, placement)
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.require(w, r, PermBoardsPixelsGet); !ok {
		return
	}
	b, ok := s.openBoard(w, r)
	if !ok {
		return
	}
	pos, ok := position(w, r)
	if !ok {
		return
	}
	placement, err := b.Lookup(r.Context(), pos)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, placement)
}

func (s *Server) handleUndo(w http.ResponseWriter, r *http.Request) {
	id, ok := s.require(w, r, PermBoardsPixelsUndo)
	if !ok {
		return
	}
	b, ok := s.openBoard(w, r)
	if !ok {
		return
	}
	pos, ok := position(w, r)
	if !ok {
		return
	}

	info, err := b.Undo(r.Context(), id.User, pos, time.Now())
	if err != nil {
		writeErr(w, err)
		return
	}

	s.undos.Inc()
	setCooldownHeaders(w, &info)
	w.WriteHeader(http.StatusNoContent)
}

// --------------------------------------------------------------------------
// Byte Ranges
// --------------------------------------------------------------------------

// byteRange is an inclusive byte range of a buffer.
type byteRange struct {
	start, end uint64
}

// parseRange interprets a Range header against a buffer of size bytes,
// following the single-range form of RFC 9110. Malformed headers, other
// units and multi-range requests are ignored and the whole buffer is
// served; a well-formed range fully past the buffer is unsatisfiable.
func parseRange(header string, size uint64) (rng *byteRange, unsatisfiable bool) {
	spec, found := strings.CutPrefix(header, "bytes=")
	if !found || strings.Contains(spec, ",") {
		return nil, false
	}
	firstStr, lastStr, found := strings.Cut(strings.TrimSpace(spec), "-")
	if !found {
		return nil, false
	}

	// suffix form: the last n bytes
	if firstStr == "" {
		n, err := strconv.ParseUint(lastStr, 10, 64)
		if err != nil {
			return nil, false
		}
		if n == 0 || size == 0 {
			return nil, true
		}
		if n > size {
			n = size
		}
		return &byteRange{start: size - n, end: size - 1}, false
	}

	first, err := strconv.ParseUint(firstStr, 10, 64)
	if err != nil {
		return nil, false
	}
	if first >= size {
		return nil, true
	}

	// open end: everything from first
	if lastStr == "" {
		return &byteRange{start: first, end: size - 1}, false
	}

	last, err := strconv.ParseUint(lastStr, 10, 64)
	if err != nil || last < first {
		return nil, false
	}
	if last > size-1 {
		last = size - 1
	}
	return &byteRange{start: first, end: last}, false
}

// parseContentRange resolves the Content-Range header of a binary patch
// to the start offset. A missing header patches from offset zero. When it
// reports false the response is already written.
func parseContentRange(w http.ResponseWriter, header string, bodyLen uint64) (uint64, bool) {
	if header == "" {
		return 0, true
	}

	spec, found := strings.CutPrefix(header, "bytes ")
	if !found {
		writeError(w, http.StatusUnprocessableEntity, "invalid Content-Range unit")
		return 0, false
	}
	rangePart, _, found := strings.Cut(spec, "/")
	if !found {
		writeError(w, http.StatusUnprocessableEntity, "invalid Content-Range header")
		return 0, false
	}
	firstStr, lastStr, found := strings.Cut(rangePart, "-")
	if !found {
		writeError(w, http.StatusUnprocessableEntity, "invalid Content-Range header")
		return 0, false
	}
	first, err := strconv.ParseUint(firstStr, 10, 64)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid Content-Range header")
		return 0, false
	}
	last, err := strconv.ParseUint(lastStr, 10, 64)
	if err != nil || last < first {
		writeError(w, http.StatusUnprocessableEntity, "invalid Content-Range header")
		return 0, false
	}
	if last-first+1 != bodyLen {
		writeError(w, http.StatusUnprocessableEntity,
			fmt.Sprintf("Content-Range spans %d bytes but the body has %d", last-first+1, bodyLen))
		return 0, false
	}
	return first, true
}
