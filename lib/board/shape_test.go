package board

import (
	"encoding/json"
	"testing"
)

func TestNewShapeValidation(t *testing.T) {
	tests := []struct {
		name   string
		groups [][]uint64
		ok     bool
	}{
		{"single group", [][]uint64{{4, 4}}, true},
		{"two groups", [][]uint64{{16, 16}, {64, 64}}, true},
		{"three groups", [][]uint64{{2}, {2}, {2}}, true},
		{"no groups", [][]uint64{}, false},
		{"empty group", [][]uint64{{4}, {}}, false},
		{"zero extent", [][]uint64{{4, 0}, {4}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewShape(tt.groups)
			if tt.ok && err != nil {
				t.Errorf("NewShape(%v) failed: %v", tt.groups, err)
			}
			if !tt.ok && err == nil {
				t.Errorf("NewShape(%v) should have failed", tt.groups)
			}
		})
	}
}

func TestShapeGeometry(t *testing.T) {
	tests := []struct {
		name        string
		groups      [][]uint64
		sectorSize  uint64
		sectorCount uint64
		dims        []uint64
	}{
		{"flat 1d", [][]uint64{{4}, {4}}, 4, 4, []uint64{16}},
		{"square 2d", [][]uint64{{2, 2}, {2, 2}}, 4, 4, []uint64{4, 4}},
		{"large 2d", [][]uint64{{16, 16}, {64, 64}}, 4096, 256, []uint64{1024, 1024}},
		{"single sector", [][]uint64{{8, 8}}, 64, 1, []uint64{8, 8}},
		{"uneven axes", [][]uint64{{4}, {2, 8}}, 16, 4, []uint64{8, 8}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := MustShape(tt.groups)
			if s.SectorSize() != tt.sectorSize {
				t.Errorf("SectorSize() = %d, want %d", s.SectorSize(), tt.sectorSize)
			}
			if s.SectorCount() != tt.sectorCount {
				t.Errorf("SectorCount() = %d, want %d", s.SectorCount(), tt.sectorCount)
			}
			if s.TotalSize() != tt.sectorSize*tt.sectorCount {
				t.Errorf("TotalSize() = %d, want %d", s.TotalSize(), tt.sectorSize*tt.sectorCount)
			}
			dims := s.Dimensions()
			if len(dims) != len(tt.dims) {
				t.Fatalf("Dimensions() = %v, want %v", dims, tt.dims)
			}
			for i := range dims {
				if dims[i] != tt.dims[i] {
					t.Errorf("Dimensions()[%d] = %d, want %d", i, dims[i], tt.dims[i])
				}
			}
		})
	}
}

func TestToLocalRoundTrip(t *testing.T) {
	for _, groups := range [][][]uint64{
		{{4}, {4}},
		{{2, 2}, {2, 2}},
		{{3}, {5}},
		{{2}, {2}, {4}},
	} {
		s := MustShape(groups)

		// every position below the total maps uniquely and reconstructs
		seen := make(map[[2]uint64]bool)
		for p := uint64(0); p < s.TotalSize(); p++ {
			sector, offset, ok := s.ToLocal(p)
			if !ok {
				t.Fatalf("shape %v: ToLocal(%d) not ok", groups, p)
			}
			if offset >= s.SectorSize() {
				t.Errorf("shape %v: offset %d >= sector size %d", groups, offset, s.SectorSize())
			}
			if sector >= s.SectorCount() {
				t.Errorf("shape %v: sector %d >= sector count %d", groups, sector, s.SectorCount())
			}
			key := [2]uint64{sector, offset}
			if seen[key] {
				t.Errorf("shape %v: position %d maps to already used (%d, %d)", groups, p, sector, offset)
			}
			seen[key] = true

			if back := s.PositionOf(sector, offset); back != p {
				t.Errorf("shape %v: PositionOf(ToLocal(%d)) = %d", groups, p, back)
			}
		}

		// positions at and past the total are rejected
		for _, p := range []uint64{s.TotalSize(), s.TotalSize() + 1, s.TotalSize() * 10} {
			if _, _, ok := s.ToLocal(p); ok {
				t.Errorf("shape %v: ToLocal(%d) should not be ok", groups, p)
			}
		}
	}
}

func TestToLocalScenario(t *testing.T) {
	// a 4-sectors-of-4 board: position 5 is the second pixel of the
	// second sector, regardless of how the extents split into axes
	for _, groups := range [][][]uint64{{{4}, {4}}, {{2, 2}, {2, 2}}} {
		s := MustShape(groups)
		sector, offset, ok := s.ToLocal(5)
		if !ok {
			t.Fatalf("shape %v: ToLocal(5) not ok", groups)
		}
		if sector != 1 || offset != 1 {
			t.Errorf("shape %v: ToLocal(5) = (%d, %d), want (1, 1)", groups, sector, offset)
		}
	}
}

func TestSectorsWithin(t *testing.T) {
	s := MustShape([][]uint64{{4}, {4}}) // 4 sectors of 4, total 16

	tests := []struct {
		name        string
		start, end  uint64
		first, last uint64
	}{
		{"aligned single", 0, 4, 0, 1},
		{"aligned multi", 4, 12, 1, 3},
		{"unaligned end", 0, 5, 0, 2},
		{"unaligned both", 2, 6, 0, 2},
		{"inside one", 5, 7, 1, 2},
		{"full range", 0, 16, 0, 4},
		{"clamped end", 8, 100, 2, 4},
		{"empty", 6, 6, 0, 0},
		{"inverted", 8, 4, 0, 0},
		{"past total", 16, 32, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			first, last := s.SectorsWithin(tt.start, tt.end)
			if first != tt.first || last != tt.last {
				t.Errorf("SectorsWithin(%d, %d) = (%d, %d), want (%d, %d)",
					tt.start, tt.end, first, last, tt.first, tt.last)
			}
		})
	}
}

func TestTransform(t *testing.T) {
	small := MustShape([][]uint64{{2, 2}, {4, 4}}) // 8x8 pixels
	large := MustShape([][]uint64{{4, 4}, {4, 4}}) // 16x16 pixels

	// every position of the small board keeps its coordinate
	for p := uint64(0); p < small.TotalSize(); p++ {
		q, err := Transform(small, large, p)
		if err != nil {
			t.Fatalf("Transform(%d) failed: %v", p, err)
		}
		back, err := Transform(large, small, q)
		if err != nil {
			t.Fatalf("Transform back(%d) failed: %v", q, err)
		}
		if back != p {
			t.Errorf("Transform round trip: %d -> %d -> %d", p, q, back)
		}
	}

	// growing keeps sector-local offsets stable for the origin sector
	q, err := Transform(small, large, 0)
	if err != nil || q != 0 {
		t.Errorf("Transform(0) = (%d, %v), want (0, nil)", q, err)
	}

	// shrinking fails for positions outside the target
	if _, err := Transform(large, small, large.TotalSize()-1); err == nil {
		t.Errorf("Transform should fail for a position outside the target shape")
	}

	// mismatched group structure is rejected
	other := MustShape([][]uint64{{16}, {16}})
	if _, err := Transform(small, other, 0); err == nil {
		t.Errorf("Transform should fail for incompatible group structures")
	}

	// out of bounds source position is rejected
	if _, err := Transform(small, large, small.TotalSize()); err == nil {
		t.Errorf("Transform should fail for out of bounds positions")
	}
}

func TestShapeJSON(t *testing.T) {
	s := MustShape([][]uint64{{16, 16}, {64, 64}})

	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(data) != "[[16,16],[64,64]]" {
		t.Errorf("Marshal = %s, want raw extent groups", data)
	}

	var decoded Shape
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if !decoded.Equal(s) {
		t.Errorf("decoded shape %v differs from original %v", decoded.Groups(), s.Groups())
	}
	if decoded.SectorSize() != 4096 || decoded.SectorCount() != 256 {
		t.Errorf("decoded shape geometry not derived: size=%d count=%d",
			decoded.SectorSize(), decoded.SectorCount())
	}

	var invalid Shape
	if err := json.Unmarshal([]byte("[]"), &invalid); err == nil {
		t.Errorf("Unmarshal of an empty shape should fail")
	}
}

func TestShapeEqual(t *testing.T) {
	a := MustShape([][]uint64{{2, 2}, {4, 4}})
	b := MustShape([][]uint64{{2, 2}, {4, 4}})
	c := MustShape([][]uint64{{4, 4}, {2, 2}}) // same totals, different grouping

	if !a.Equal(b) {
		t.Errorf("identical shapes should be equal")
	}
	if a.Equal(c) {
		t.Errorf("shapes with different groupings should not be equal")
	}
}
