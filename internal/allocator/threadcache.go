package allocator

import (
	"runtime"
	"sync/atomic"
	"unsafe"
)

// ThreadCache is the thin static-dispatch front-end described in spec.md
// §4.6: it owns no state beyond a cached *Heap handle and the arena-routing
// arithmetic, and is safe to share across goroutines (every call it makes
// immediately re-enters the heap's own per-arena/per-bin locking).
type ThreadCache struct {
	heap *Heap

	// rrCounter substitutes for a per-thread CPU id: Go exposes no public
	// equivalent of runtime_procPin, so CPU affinity is approximated with a
	// round-robin atomic counter taken modulo runtime.NumCPU(), recorded as an
	// Open-Question resolution in DESIGN.md.
	rrCounter uint64
	numCPU    int
}

// NewThreadCache wraps heap with the CPU-routing front-end.
func NewThreadCache(heap *Heap) *ThreadCache {
	return &ThreadCache{
		heap:   heap,
		numCPU: runtime.NumCPU(),
	}
}

// arenaIndex computes (cpuID << 1) | containsPointers, per spec.md §4.6.
func (tc *ThreadCache) arenaIndex(containsPointers bool) int {
	cpuID := int(atomic.AddUint64(&tc.rrCounter, 1)) % tc.numCPU
	idx := (cpuID << 1)

	if containsPointers {
		idx |= 1
	}

	return idx
}

// Alloc allocates size bytes, zeroing them when zero is true;
// containsPointers only affects arena routing in this port (pointer-aware
// scanning is left to a GC collaborator).
func (tc *ThreadCache) Alloc(size uintptr, containsPointers, zero bool) unsafe.Pointer {
	ptr := tc.heap.Alloc(tc.arenaIndex(containsPointers), size)
	if ptr != nil && zero {
		zeroMemory(ptr, size)
	}

	return ptr
}

// AllocAppendable allocates size bytes with used-capacity and finalizer
// metadata attached (spec.md §4.5, §4.6).
func (tc *ThreadCache) AllocAppendable(size uintptr, containsPointers, zero bool, finalizer func(unsafe.Pointer, uintptr)) unsafe.Pointer {
	ptr := tc.heap.AllocAppendable(tc.arenaIndex(containsPointers), size, finalizer)
	if ptr != nil && zero {
		zeroMemory(ptr, size)
	}

	return ptr
}

// Free releases ptr; the owning arena is found via the emap, not CPU
// routing (spec.md §4.6).
func (tc *ThreadCache) Free(ptr unsafe.Pointer) { tc.heap.Free(ptr) }

// Destroy runs ptr's finalizer (if any) then frees it.
func (tc *ThreadCache) Destroy(ptr unsafe.Pointer) { tc.heap.Destroy(ptr) }

// Realloc resizes ptr in place when possible, otherwise allocates fresh
// storage, copies the overlapping prefix, and frees the original
// (spec.md §4.6, realloc).
func (tc *ThreadCache) Realloc(ptr unsafe.Pointer, newSize uintptr, containsPointers bool) unsafe.Pointer {
	if ptr == nil {
		return tc.Alloc(newSize, containsPointers, false)
	}

	if newSize == 0 {
		tc.Free(ptr)
		return nil
	}

	if tc.heap.Resize(ptr, newSize) {
		return ptr
	}

	newPtr := tc.Alloc(newSize, containsPointers, false)
	if newPtr == nil {
		return nil
	}

	pd, ok := tc.heap.Lookup(ptr)
	if ok {
		oldSize := pd.Extent().Size
		if pd.IsSlab() {
			oldSize = uintptr(pd.SizeClass().Info().ItemSize)
		}

		// An appendable source bounds the copy by its recorded used
		// capacity, not its slot/extent size (spec.md §6); a plain
		// allocation has no used-capacity record, so the slot/extent size
		// stands in for it.
		if used := usedCapacityOf(pd, ptr); used != 0 {
			oldSize = used
		}

		copySize := oldSize
		if newSize < copySize {
			copySize = newSize
		}

		copyMemory(newPtr, ptr, copySize)
	}

	tc.Free(ptr)

	return newPtr
}

// GetCapacity and Extend pass straight through to the heap's metadata
// protocol (spec.md §4.5); ThreadCache adds no state of its own here.
func (tc *ThreadCache) GetCapacity(s Slice) uintptr { return tc.heap.GetCapacity(s) }
func (tc *ThreadCache) Extend(s Slice, delta uintptr) bool { return tc.heap.Extend(s, delta) }

func zeroMemory(ptr unsafe.Pointer, size uintptr) {
	buf := unsafe.Slice((*byte)(ptr), int(size))
	for i := range buf {
		buf[i] = 0
	}
}

func copyMemory(dst, src unsafe.Pointer, size uintptr) {
	dstSlice := unsafe.Slice((*byte)(dst), int(size))
	srcSlice := unsafe.Slice((*byte)(src), int(size))
	copy(dstSlice, srcSlice)
}
