package memstore

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/tessera-dev/tessera/lib/store"
)

// --------------------------------------------------------------------------
// Snapshot Format
// --------------------------------------------------------------------------

// Binary layout (all integers little-endian):
//
//	magic [8]byte, version u8, board count u64
//	per board:
//	  id u64, name (u16 len + bytes), createdAt u64, maxPixelsAvailable u32
//	  shape: group count u32, per group: extent count u32, extents u64...
//	  palette: entry count u32, per entry: value u32, name (u16 len + bytes)
//	  slabs: count u64, per slab: kind u8, index u64, data (u32 len + bytes)
//	  placements: count u64, per row: position u64, color u8,
//	    timestamp u32, user (u16 len + bytes)

var magicNum = [8]byte{'T', 'E', 'S', 'S', 'E', 'R', 'A', 0}

const (
	snapshotVersion = uint8(1)
	writeBufferSize = 1024 * 1024 // 1MB
)

// SaveTo writes the full store state to the writer. Each board is
// snapshotted under its own read lock, so concurrent writes to other
// boards are allowed; the result is a per-board consistent fuzzy
// snapshot.
func (s *memStore) SaveTo(w io.Writer) error {
	writer := bufio.NewWriterSize(w, writeBufferSize)

	if err := binary.Write(writer, binary.LittleEndian, magicNum); err != nil {
		return fmt.Errorf("failed to write magic number: %w", err)
	}
	if err := binary.Write(writer, binary.LittleEndian, snapshotVersion); err != nil {
		return fmt.Errorf("failed to write version: %w", err)
	}

	var boards []*boardState
	s.boards.Range(func(_ uint64, b *boardState) bool {
		boards = append(boards, b)
		return true
	})

	if err := binary.Write(writer, binary.LittleEndian, uint64(len(boards))); err != nil {
		return fmt.Errorf("failed to write board count: %w", err)
	}

	for _, b := range boards {
		if err := saveBoard(writer, b); err != nil {
			return err
		}
	}

	if err := writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush snapshot: %w", err)
	}
	return nil
}

func saveBoard(w io.Writer, b *boardState) error {
	b.mu.RLock()
	meta := b.meta.Clone()
	log := append([]store.Placement(nil), b.log...)
	b.mu.RUnlock()

	if err := binary.Write(w, binary.LittleEndian, meta.ID); err != nil {
		return fmt.Errorf("failed to write board id: %w", err)
	}
	if err := writeString(w, meta.Name); err != nil {
		return fmt.Errorf("failed to write board name: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, meta.CreatedAt); err != nil {
		return fmt.Errorf("failed to write created at: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, meta.MaxPixelsAvailable); err != nil {
		return fmt.Errorf("failed to write max pixels: %w", err)
	}

	// shape
	if err := binary.Write(w, binary.LittleEndian, uint32(len(meta.Shape))); err != nil {
		return fmt.Errorf("failed to write shape group count: %w", err)
	}
	for _, group := range meta.Shape {
		if err := binary.Write(w, binary.LittleEndian, uint32(len(group))); err != nil {
			return fmt.Errorf("failed to write shape extent count: %w", err)
		}
		for _, extent := range group {
			if err := binary.Write(w, binary.LittleEndian, extent); err != nil {
				return fmt.Errorf("failed to write shape extent: %w", err)
			}
		}
	}

	// palette, sorted for a stable byte stream
	values := make([]uint32, 0, len(meta.Palette))
	for v := range meta.Palette {
		values = append(values, v)
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	if err := binary.Write(w, binary.LittleEndian, uint32(len(values))); err != nil {
		return fmt.Errorf("failed to write palette count: %w", err)
	}
	for _, v := range values {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return fmt.Errorf("failed to write palette value: %w", err)
		}
		if err := writeString(w, meta.Palette[v].Name); err != nil {
			return fmt.Errorf("failed to write palette name: %w", err)
		}
	}

	// slabs (copied out of the concurrent map while iterating)
	type slabRow struct {
		key  slabKey
		data []byte
	}
	var slabs []slabRow
	b.slabs.Range(func(key slabKey, data []byte) bool {
		slabs = append(slabs, slabRow{key, data})
		return true
	})
	sort.Slice(slabs, func(i, j int) bool {
		if slabs[i].key.Kind != slabs[j].key.Kind {
			return slabs[i].key.Kind < slabs[j].key.Kind
		}
		return slabs[i].key.Index < slabs[j].key.Index
	})
	if err := binary.Write(w, binary.LittleEndian, uint64(len(slabs))); err != nil {
		return fmt.Errorf("failed to write slab count: %w", err)
	}
	for _, row := range slabs {
		if err := binary.Write(w, binary.LittleEndian, uint8(row.key.Kind)); err != nil {
			return fmt.Errorf("failed to write slab kind: %w", err)
		}
		if err := binary.Write(w, binary.LittleEndian, row.key.Index); err != nil {
			return fmt.Errorf("failed to write slab index: %w", err)
		}
		if err := writeBytes(w, row.data); err != nil {
			return fmt.Errorf("failed to write slab data: %w", err)
		}
	}

	// placement log
	if err := binary.Write(w, binary.LittleEndian, uint64(len(log))); err != nil {
		return fmt.Errorf("failed to write placement count: %w", err)
	}
	for _, p := range log {
		if err := binary.Write(w, binary.LittleEndian, p.Position); err != nil {
			return fmt.Errorf("failed to write placement position: %w", err)
		}
		if err := binary.Write(w, binary.LittleEndian, p.Color); err != nil {
			return fmt.Errorf("failed to write placement color: %w", err)
		}
		if err := binary.Write(w, binary.LittleEndian, p.Timestamp); err != nil {
			return fmt.Errorf("failed to write placement timestamp: %w", err)
		}
		if err := writeString(w, p.User); err != nil {
			return fmt.Errorf("failed to write placement user: %w", err)
		}
	}
	return nil
}

// LoadFrom replaces the full store state with the snapshot read from the
// reader.
//
// Thread-safety: This method is NOT thread-safe, the caller must ensure
// no other operations run while loading.
func (s *memStore) LoadFrom(r io.Reader) error {
	reader := bufio.NewReaderSize(r, writeBufferSize)

	var magic [8]byte
	if err := binary.Read(reader, binary.LittleEndian, &magic); err != nil {
		return fmt.Errorf("failed to read magic number: %w", err)
	}
	if magic != magicNum {
		return fmt.Errorf("invalid snapshot file (magic number mismatch)")
	}

	var version uint8
	if err := binary.Read(reader, binary.LittleEndian, &version); err != nil {
		return fmt.Errorf("failed to read version: %w", err)
	}
	if version != snapshotVersion {
		return fmt.Errorf("unsupported snapshot version: %d", version)
	}

	var boardCount uint64
	if err := binary.Read(reader, binary.LittleEndian, &boardCount); err != nil {
		return fmt.Errorf("failed to read board count: %w", err)
	}

	boards := xsync.NewMapOf[uint64, *boardState]()
	for i := uint64(0); i < boardCount; i++ {
		b, err := loadBoard(reader)
		if err != nil {
			return err
		}
		boards.Store(b.meta.ID, b)
	}

	s.mu.Lock()
	s.boards = boards
	s.mu.Unlock()
	return nil
}

func loadBoard(r io.Reader) (*boardState, error) {
	var meta store.BoardMeta

	if err := binary.Read(r, binary.LittleEndian, &meta.ID); err != nil {
		return nil, fmt.Errorf("failed to read board id: %w", err)
	}
	name, err := readString(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read board name: %w", err)
	}
	meta.Name = name
	if err := binary.Read(r, binary.LittleEndian, &meta.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to read created at: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &meta.MaxPixelsAvailable); err != nil {
		return nil, fmt.Errorf("failed to read max pixels: %w", err)
	}

	var groupCount uint32
	if err := binary.Read(r, binary.LittleEndian, &groupCount); err != nil {
		return nil, fmt.Errorf("failed to read shape group count: %w", err)
	}
	meta.Shape = make([][]uint64, groupCount)
	for g := range meta.Shape {
		var extentCount uint32
		if err := binary.Read(r, binary.LittleEndian, &extentCount); err != nil {
			return nil, fmt.Errorf("failed to read shape extent count: %w", err)
		}
		meta.Shape[g] = make([]uint64, extentCount)
		for e := range meta.Shape[g] {
			if err := binary.Read(r, binary.LittleEndian, &meta.Shape[g][e]); err != nil {
				return nil, fmt.Errorf("failed to read shape extent: %w", err)
			}
		}
	}

	var paletteCount uint32
	if err := binary.Read(r, binary.LittleEndian, &paletteCount); err != nil {
		return nil, fmt.Errorf("failed to read palette count: %w", err)
	}
	meta.Palette = make(store.Palette, paletteCount)
	for i := uint32(0); i < paletteCount; i++ {
		var value uint32
		if err := binary.Read(r, binary.LittleEndian, &value); err != nil {
			return nil, fmt.Errorf("failed to read palette value: %w", err)
		}
		colorName, err := readString(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read palette name: %w", err)
		}
		meta.Palette[value] = store.Color{Name: colorName, Value: value}
	}

	b := newBoardState(meta)

	var slabCount uint64
	if err := binary.Read(r, binary.LittleEndian, &slabCount); err != nil {
		return nil, fmt.Errorf("failed to read slab count: %w", err)
	}
	for i := uint64(0); i < slabCount; i++ {
		var kind uint8
		if err := binary.Read(r, binary.LittleEndian, &kind); err != nil {
			return nil, fmt.Errorf("failed to read slab kind: %w", err)
		}
		var index uint64
		if err := binary.Read(r, binary.LittleEndian, &index); err != nil {
			return nil, fmt.Errorf("failed to read slab index: %w", err)
		}
		data, err := readBytes(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read slab data: %w", err)
		}
		b.slabs.Store(slabKey{store.BufferKind(kind), index}, data)
	}

	var placementCount uint64
	if err := binary.Read(r, binary.LittleEndian, &placementCount); err != nil {
		return nil, fmt.Errorf("failed to read placement count: %w", err)
	}
	b.log = make([]store.Placement, 0, placementCount)
	for i := uint64(0); i < placementCount; i++ {
		var p store.Placement
		if err := binary.Read(r, binary.LittleEndian, &p.Position); err != nil {
			return nil, fmt.Errorf("failed to read placement position: %w", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &p.Color); err != nil {
			return nil, fmt.Errorf("failed to read placement color: %w", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &p.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to read placement timestamp: %w", err)
		}
		user, err := readString(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read placement user: %w", err)
		}
		p.User = user

		b.log = append(b.log, p)
		b.byUser[p.User] = append(b.byUser[p.User], p)
		b.byPos[p.Position] = append(b.byPos[p.Position], p)
	}

	return b, nil
}

// --------------------------------------------------------------------------
// Primitive Helpers
// --------------------------------------------------------------------------

func writeString(w io.Writer, s string) error {
	if len(s) > 0xFFFF {
		return fmt.Errorf("string too long: %d bytes", len(s))
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(len(s))); err != nil {
		return err
	}
	_, err := w.Write([]byte(s))
	return err
}

func readString(r io.Reader) (string, error) {
	var length uint16
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return "", err
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeBytes(w io.Writer, data []byte) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(data))); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readBytes(r io.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
