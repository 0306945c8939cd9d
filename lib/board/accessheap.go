// This file provides the eviction bookkeeping of the sector cache: a binary
// heap ordered by last-access tick, combined with a hash map for key-based
// access.
//
// The combination gives O(log n) priority operations (push, pop, fix) and
// O(1) key lookups, which is what eviction needs: pop the least recently
// used sector, but also drop or re-prioritize a specific sector when it is
// touched or removed out of order.
//
// Entries hold the access tick observed when they were queued. Sector
// accesses do not touch the heap (they only bump an atomic tick on the
// sector); instead the eviction loop detects stale entries by comparing
// the queued tick against the sector's live one and re-queues them. This
// keeps the hot path free of heap operations.
//
// Not thread-safe, the cache guards it with its own mutex.

package board

import "container/heap"

// accessEntry is one queued sector with the access tick it was queued at.
type accessEntry struct {
	key  sectorKey
	tick uint64
	pos  int // index in the heap slice, maintained by the heap package
}

// accessHeap implements heap.Interface as a min-heap over access ticks
// with key-based access.
type accessHeap struct {
	entries []*accessEntry
	byKey   map[sectorKey]*accessEntry
}

func newAccessHeap() *accessHeap {
	return &accessHeap{
		entries: make([]*accessEntry, 0),
		byKey:   make(map[sectorKey]*accessEntry),
	}
}

// Len returns the number of queued sectors (part of heap.Interface).
func (h *accessHeap) Len() int { return len(h.entries) }

// Less orders by access tick, oldest first (part of heap.Interface).
func (h *accessHeap) Less(i, j int) bool {
	return h.entries[i].tick < h.entries[j].tick
}

// Swap exchanges entries at positions i and j (part of heap.Interface).
func (h *accessHeap) Swap(i, j int) {
	h.entries[i], h.entries[j] = h.entries[j], h.entries[i]
	h.entries[i].pos = i
	h.entries[j].pos = j
}

// Push adds an entry to the heap (part of heap.Interface).
func (h *accessHeap) Push(x interface{}) {
	n := len(h.entries)
	entry := x.(*accessEntry)
	entry.pos = n
	h.entries = append(h.entries, entry)
	h.byKey[entry.key] = entry
}

// Pop removes and returns the oldest entry (part of heap.Interface).
func (h *accessHeap) Pop() interface{} {
	old := h.entries
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil // avoid memory leak
	entry.pos = -1 // for safety
	h.entries = old[:n-1]
	delete(h.byKey, entry.key)
	return entry
}

// Queue adds the key with the given tick, or re-prioritizes it if it is
// already queued.
func (h *accessHeap) Queue(key sectorKey, tick uint64) {
	if entry, exists := h.byKey[key]; exists {
		entry.tick = tick
		heap.Fix(h, entry.pos)
		return
	}
	heap.Push(h, &accessEntry{key: key, tick: tick})
}

// TakeOldest removes and returns the entry with the lowest tick.
func (h *accessHeap) TakeOldest() (*accessEntry, bool) {
	if len(h.entries) == 0 {
		return nil, false
	}
	return heap.Pop(h).(*accessEntry), true
}

// Drop removes the key from the queue if present.
func (h *accessHeap) Drop(key sectorKey) bool {
	entry, exists := h.byKey[key]
	if !exists {
		return false
	}
	heap.Remove(h, entry.pos)
	return true
}
