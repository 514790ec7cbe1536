package allocator

import (
	"github.com/bits-and-blooms/bitset"
)

// HugePageDescriptor (HPD) tracks occupancy within one huge page: which of
// its PagesInHugePage fixed-size pages are reserved, and the longest
// contiguous free run, used to key the arena's best-fit heaps (spec.md
// §3, §4.1).
type HugePageDescriptor struct {
	Base   uintptr
	used   *bitset.BitSet
	epoch  uint64

	longestFreeRange uint32

	// heap-membership bookkeeping: an HPD lives in exactly one of the
	// arena's per-alloc-class heaps (or neither, while it is the arena's
	// in-progress "donor" during Reserve/Release), or in the unused pool.
	heapIndex int

	// unused-pool linkage (singly linked, LIFO).
	poolNext *HugePageDescriptor
}

// newHPD builds a fresh, fully-free HPD for the huge page at base.
func newHPD(base uintptr, epoch uint64) *HugePageDescriptor {
	return &HugePageDescriptor{
		Base:             base,
		used:             bitset.New(PagesInHugePage),
		epoch:            epoch,
		longestFreeRange: PagesInHugePage,
		heapIndex:        -1,
	}
}

// Epoch returns the HPD's tie-break key: assigned once, at acquisition
// time, per the Open Question resolution recorded in SPEC_FULL.md.
func (h *HugePageDescriptor) Epoch() uint64 { return h.epoch }

// LongestFreeRange returns the length, in pages, of the longest contiguous
// run of free pages.
func (h *HugePageDescriptor) LongestFreeRange() uint32 { return h.longestFreeRange }

// Full reports full ⇔ longestFreeRange == 0 (invariant (a), spec.md §3).
func (h *HugePageDescriptor) Full() bool { return h.longestFreeRange == 0 }

// Empty reports empty ⇔ no pages reserved (invariant (b), spec.md §3).
func (h *HugePageDescriptor) Empty() bool { return h.used.None() }

func (h *HugePageDescriptor) HeapIndex() int     { return h.heapIndex }
func (h *HugePageDescriptor) SetHeapIndex(i int) { h.heapIndex = i }

// FindFree scans for the first free run of at least pages pages and
// returns its starting page index. Returns false if none exists.
func (h *HugePageDescriptor) FindFree(pages uint32) (uint32, bool) {
	run := uint32(0)
	start := uint32(0)

	for i := uint32(0); i < PagesInHugePage; i++ {
		if h.used.Test(uint(i)) {
			run = 0
			continue
		}

		if run == 0 {
			start = i
		}

		run++

		if run >= pages {
			return start, true
		}
	}

	return 0, false
}

// Reserve marks [index, index+pages) used and recomputes longestFreeRange.
// Reserved ranges must not overlap (invariant (c), spec.md §3); violating
// that is a programming error in the caller (the arena), so it panics.
func (h *HugePageDescriptor) Reserve(index, pages uint32) {
	for i := index; i < index+pages; i++ {
		if h.used.Test(uint(i)) {
			panic("allocator: overlapping HPD reservation")
		}

		h.used.Set(uint(i))
	}

	h.recomputeLongestFreeRange()
}

// Release marks [index, index+pages) free and recomputes longestFreeRange.
func (h *HugePageDescriptor) Release(index, pages uint32) {
	for i := index; i < index+pages; i++ {
		h.used.Clear(uint(i))
	}

	h.recomputeLongestFreeRange()
}

// GrowInPlace attempts to extend an existing reservation ending at index by
// delta pages, succeeding only if those pages are currently free
// (spec.md §4.1 grow_large). On success the reservation is extended and
// longestFreeRange recomputed.
func (h *HugePageDescriptor) GrowInPlace(index, delta uint32) bool {
	if index+delta > PagesInHugePage {
		return false
	}

	for i := index; i < index+delta; i++ {
		if h.used.Test(uint(i)) {
			return false
		}
	}

	h.Reserve(index, delta)

	return true
}

func (h *HugePageDescriptor) recomputeLongestFreeRange() {
	best := uint32(0)
	run := uint32(0)

	for i := uint32(0); i < PagesInHugePage; i++ {
		if h.used.Test(uint(i)) {
			if run > best {
				best = run
			}

			run = 0

			continue
		}

		run++
	}

	if run > best {
		best = run
	}

	h.longestFreeRange = best
}

// epochHPDCmp orders two HPDs within the same free-space class, older
// (lower epoch) first, to promote reuse of already-touched pages
// (spec.md §4.1).
func epochHPDCmp(a, b *HugePageDescriptor) bool {
	return a.epoch < b.epoch
}
