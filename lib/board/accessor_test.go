package board

import (
	"bytes"
	"context"
	"testing"

	"github.com/tessera-dev/tessera/lib/store"
	"github.com/tessera-dev/tessera/lib/store/memstore"
)

// newTestAccessor sets up a 16 pixel board split into 4 sectors.
func newTestAccessor(t *testing.T) *SectorAccessor {
	t.Helper()

	st := memstore.MustNew(nil)
	id, err := st.CreateBoard(context.Background(), store.BoardMeta{
		Name:               "accessor-test",
		CreatedAt:          1,
		Shape:              [][]uint64{{4}, {4}},
		Palette:            store.Palette{0: {Name: "black", Value: 0}},
		MaxPixelsAvailable: 1,
	})
	if err != nil {
		t.Fatalf("failed to create the board: %v", err)
	}

	shape := MustShape([][]uint64{{4}, {4}})
	cache := NewSectorCache(id, shape, st, &CacheOptions{MaxSectors: 16})
	t.Cleanup(func() { _ = cache.Close() })

	return NewSectorAccessor(shape, cache)
}

func TestAccessorWriteRead(t *testing.T) {
	a := newTestAccessor(t)
	ctx := context.Background()

	if err := a.Write(ctx, store.BufferColors, 5, []byte{7}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	got, err := a.Read(ctx, store.BufferColors, 4, 8)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if want := []byte{0, 7, 0, 0}; !bytes.Equal(got, want) {
		t.Errorf("Read(colors, 4, 8) = %v, want %v", got, want)
	}
}

func TestAccessorTimestampWidth(t *testing.T) {
	a := newTestAccessor(t)
	ctx := context.Background()

	value := make([]byte, 4)
	encodeTimestamp(value, 0, 0x01020304)
	if err := a.Write(ctx, store.BufferTimestamps, 5, value); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	got, err := a.Read(ctx, store.BufferTimestamps, 4, 8)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(got) != 16 {
		t.Fatalf("Read returned %d bytes for 4 timestamps, want 16", len(got))
	}
	if ts := decodeTimestamp(got, 1); ts != 0x01020304 {
		t.Errorf("timestamp at pixel 5 = %#x, want 0x01020304", ts)
	}
	if ts := decodeTimestamp(got, 0); ts != 0 {
		t.Errorf("timestamp at pixel 4 = %#x, want 0", ts)
	}

	// a value of the wrong width is rejected
	if err := a.Write(ctx, store.BufferTimestamps, 5, []byte{1}); err == nil {
		t.Errorf("Write of a 1 byte timestamp succeeded, want an error")
	}
}

func TestAccessorWriteRangeSpansSectors(t *testing.T) {
	a := newTestAccessor(t)
	ctx := context.Background()

	data := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	if err := a.WriteRange(ctx, store.BufferColors, 2, data); err != nil {
		t.Fatalf("WriteRange failed: %v", err)
	}

	got, err := a.Read(ctx, store.BufferColors, 0, 16)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	want := []byte{0, 0, 1, 2, 3, 4, 5, 6, 7, 8, 0, 0, 0, 0, 0, 0}
	if !bytes.Equal(got, want) {
		t.Errorf("board after a spanning write = %v, want %v", got, want)
	}
}

func TestAccessorBounds(t *testing.T) {
	a := newTestAccessor(t)
	ctx := context.Background()

	tests := []struct {
		name string
		op   func() error
	}{
		{"read start past end", func() error {
			_, err := a.Read(ctx, store.BufferColors, 8, 4)
			return err
		}},
		{"read past the board", func() error {
			_, err := a.Read(ctx, store.BufferColors, 0, 17)
			return err
		}},
		{"write past the board", func() error {
			return a.Write(ctx, store.BufferColors, 16, []byte{1})
		}},
		{"range write past the board", func() error {
			return a.WriteRange(ctx, store.BufferColors, 12, []byte{1, 2, 3, 4, 5})
		}},
		{"range write starting past the board", func() error {
			return a.WriteRange(ctx, store.BufferColors, 17, []byte{1})
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.op(); !IsOutOfBounds(err) {
				t.Errorf("error = %v, want an out of bounds error", err)
			}
		})
	}
}

func TestAccessorEmptyRead(t *testing.T) {
	a := newTestAccessor(t)

	got, err := a.Read(context.Background(), store.BufferColors, 8, 8)
	if err != nil {
		t.Fatalf("empty Read failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("empty Read returned %d bytes, want 0", len(got))
	}
}
