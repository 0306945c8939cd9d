package testing

import (
	"bytes"
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/tessera-dev/tessera/lib/store"
)

// RunBoardStoreBenchmarks runs all benchmarks for a board store
// implementation.
func RunBoardStoreBenchmarks(b *testing.B, name string, factory store.StoreFactory) {

	b.Run("StoreSector", func(b *testing.B) {
		benchmarkStoreSector(b, factory())
	})

	b.Run("LoadSector", func(b *testing.B) {
		benchmarkLoadSector(b, factory())
	})

	b.Run("RecordPlacement", func(b *testing.B) {
		benchmarkRecordPlacement(b, factory())
	})

	b.Run("GetPlacement", func(b *testing.B) {
		benchmarkGetPlacement(b, factory())
	})

	b.Run("PlacementHistory", func(b *testing.B) {
		benchmarkPlacementHistory(b, factory())
	})

	b.Run("SaveLoad", func(b *testing.B) {
		benchmarkSaveLoad(b, factory)
	})

	b.Run("MixedUsage", func(b *testing.B) {
		benchmarkMixedUsage(b, factory())
	})
}

// --------------------------------------------------------------------------
// Benchmark functions
// --------------------------------------------------------------------------

// Parallel benchmarking for StoreSector over a fixed sector range
func benchmarkStoreSector(b *testing.B, s store.IBoardStore) {
	b.Cleanup(func() {
		s.Close()
	})

	ctx := context.Background()
	id := mustCreate(b, s, "bench")
	slab := make([]byte, 4096)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		counter := 0
		for pb.Next() {
			s.StoreSector(ctx, id, store.BufferColors, uint64(counter%256), slab)
			counter++
		}
	})
}

// Parallel benchmarking for LoadSector with pre-populated slabs
func benchmarkLoadSector(b *testing.B, s store.IBoardStore) {
	b.Cleanup(func() {
		s.Close()
	})

	ctx := context.Background()
	id := mustCreate(b, s, "bench")

	numSectors := 256
	slab := make([]byte, 4096)
	for i := 0; i < numSectors; i++ {
		if err := s.StoreSector(ctx, id, store.BufferColors, uint64(i), slab); err != nil {
			b.Fatalf("StoreSector failed: %v", err)
		}
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		counter := 0
		for pb.Next() {
			s.LoadSector(ctx, id, store.BufferColors, uint64(counter%numSectors))
			counter++
		}
	})
}

// Parallel benchmarking for RecordPlacement with unique rows
func benchmarkRecordPlacement(b *testing.B, s store.IBoardStore) {
	b.Cleanup(func() {
		s.Close()
	})

	ctx := context.Background()
	id := mustCreate(b, s, "bench")

	var counter int64

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			n := atomic.AddInt64(&counter, 1)
			s.RecordPlacement(ctx, id, store.Placement{
				Position:  uint64(n),
				Color:     uint8(n % 16),
				Timestamp: uint32(n),
				User:      fmt.Sprintf("user-%d", n%64),
			})
		}
	})
}

// Parallel benchmarking for GetPlacement over a populated log
func benchmarkGetPlacement(b *testing.B, s store.IBoardStore) {
	b.Cleanup(func() {
		s.Close()
	})

	ctx := context.Background()
	id := mustCreate(b, s, "bench")

	numRows := 10000
	for i := 0; i < numRows; i++ {
		if err := s.RecordPlacement(ctx, id, store.Placement{
			Position:  uint64(i),
			Color:     uint8(i % 16),
			Timestamp: uint32(100 + i),
			User:      fmt.Sprintf("user-%d", i%64),
		}); err != nil {
			b.Fatalf("RecordPlacement failed: %v", err)
		}
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		counter := 0
		for pb.Next() {
			s.GetPlacement(ctx, id, uint64(counter%numRows))
			counter++
		}
	})
}

// Parallel benchmarking for LoadPlacementHistory
func benchmarkPlacementHistory(b *testing.B, s store.IBoardStore) {
	b.Cleanup(func() {
		s.Close()
	})

	ctx := context.Background()
	id := mustCreate(b, s, "bench")

	numRows := 10000
	numUsers := 64
	for i := 0; i < numRows; i++ {
		if err := s.RecordPlacement(ctx, id, store.Placement{
			Position:  uint64(i),
			Color:     uint8(i % 16),
			Timestamp: uint32(100 + i),
			User:      fmt.Sprintf("user-%d", i%numUsers),
		}); err != nil {
			b.Fatalf("RecordPlacement failed: %v", err)
		}
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		counter := 0
		for pb.Next() {
			s.LoadPlacementHistory(ctx, id, fmt.Sprintf("user-%d", counter%numUsers), 32)
			counter++
		}
	})
}

// Benchmark for SaveTo and LoadFrom operations
// For these operations, parallelization is not meaningful as they snapshot
// the entire store
func benchmarkSaveLoad(b *testing.B, factory store.StoreFactory) {
	s := factory()

	b.Cleanup(func() {
		s.Close()
	})

	snap, ok := s.(store.Snapshotter)
	if !ok {
		b.Skip()
	}

	ctx := context.Background()
	id := mustCreate(b, s, "bench")

	slab := make([]byte, 4096)
	for i := 0; i < 256; i++ {
		s.StoreSector(ctx, id, store.BufferColors, uint64(i), slab)
	}
	for i := 0; i < 10000; i++ {
		s.RecordPlacement(ctx, id, store.Placement{
			Position:  uint64(i),
			Color:     uint8(i % 16),
			Timestamp: uint32(100 + i),
			User:      fmt.Sprintf("user-%d", i%64),
		})
	}

	b.Run("Save", func(b *testing.B) {
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			var buf bytes.Buffer
			snap.SaveTo(&buf)
		}
	})

	var loadBuf bytes.Buffer
	snap.SaveTo(&loadBuf)
	data := loadBuf.Bytes()

	b.Run("Load", func(b *testing.B) {
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			loadStore := factory()
			defer loadStore.Close()
			loadStore.(store.Snapshotter).LoadFrom(bytes.NewReader(data))
		}
	})
}

// Benchmark for mixed usage patterns
func benchmarkMixedUsage(b *testing.B, s store.IBoardStore) {
	b.Cleanup(func() {
		s.Close()
	})

	ctx := context.Background()
	id := mustCreate(b, s, "bench")

	numSectors := 256
	slab := make([]byte, 4096)
	for i := 0; i < numSectors; i++ {
		if err := s.StoreSector(ctx, id, store.BufferColors, uint64(i), slab); err != nil {
			b.Fatalf("StoreSector failed: %v", err)
		}
	}

	var counter int64

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			n := atomic.AddInt64(&counter, 1)

			// 60% sector reads, 20% sector writes, 20% placements
			switch n % 5 {
			case 0, 1, 2:
				s.LoadSector(ctx, id, store.BufferColors, uint64(n)%uint64(numSectors))
			case 3:
				s.StoreSector(ctx, id, store.BufferColors, uint64(n)%uint64(numSectors), slab)
			case 4:
				s.RecordPlacement(ctx, id, store.Placement{
					Position:  uint64(n),
					Color:     uint8(n % 16),
					Timestamp: uint32(n),
					User:      fmt.Sprintf("user-%d", n%64),
				})
			}
		}
	})
}
