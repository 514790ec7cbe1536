package allocator

import (
	"unsafe"

	"github.com/dsm9000/coreheap/internal/collections"
)

// Bin serves alloc/free for one small size class within one arena, under
// its own mutex (spec.md §4.2).
type Bin struct {
	mu      mutex
	class   SizeClass
	arena   *Arena
	current *Extent
	partial *collections.IndexedHeap[*Extent]
}

func newBin(class SizeClass, arena *Arena) *Bin {
	return &Bin{
		class:   class,
		arena:   arena,
		partial: collections.NewIndexedHeap[*Extent](extentByAddress),
	}
}

func extentByAddress(a, b *Extent) bool { return a.Base < b.Base }

// Alloc obtains a slot from a slab with at least one free slot and returns
// its address (spec.md §4.2).
func (b *Bin) Alloc() (unsafe.Pointer, bool) {
	b.mu.Lock()

	slab := b.getSlab()
	if slab == nil {
		b.mu.Unlock()
		return nil, false
	}

	idx, ok := slab.AllocSlot()
	if !ok {
		// getSlab guarantees a free slot; a miss here would be a protocol
		// violation elsewhere in the bin.
		b.mu.Unlock()
		panic("allocator: getSlab returned a full slab")
	}

	if slab.IsFull() && slab == b.current {
		// invariant (a): current, if non-null, always has >=1 free slot.
		b.current = nil
	}

	b.mu.Unlock()

	itemSize := uintptr(b.class.Info().ItemSize)

	return unsafe.Pointer(slab.Base + uintptr(idx)*itemSize), true
}

// getSlab implements the lock-release protocol from spec.md §4.2 and §5:
// it must be called with b.mu held, and returns with b.mu held.
func (b *Bin) getSlab() *Extent {
	if b.current != nil && b.current.FreeSlots() > 0 {
		return b.current
	}

	if top, ok := b.partial.Pop(); ok {
		b.current = top
		return b.current
	}

	// Arena-scale work may block on the region provider or other arenas'
	// locks; never hold the bin mutex across it.
	b.mu.Unlock()
	fresh := b.arena.allocSlab(b.class)
	b.mu.Lock()

	if b.current != nil && b.current.FreeSlots() > 0 {
		// Another thread raced us and installed a usable current while we
		// were unlocked; feed our (possibly nil) fresh slab back.
		if fresh != nil {
			b.arena.freeSlab(fresh)
		}

		return b.current
	}

	if fresh == nil {
		return nil
	}

	b.current = fresh

	return b.current
}

// Free clears the slot for ptr (located via pd) and reports whether the
// owning extent became fully empty, so the arena can release its pages
// (spec.md §4.2).
func (b *Bin) Free(ptr unsafe.Pointer, pd PageDescriptor) bool {
	ext := pd.Extent()
	idx := slotIndexForPointer(pd, ptr)

	b.mu.Lock()
	defer b.mu.Unlock()

	wasFull := ext.IsFull()
	ext.FreeSlot(idx)

	// Drop the slot's appendable/finalizer metadata so the next allocation
	// that reuses it starts without a used-capacity record or finalizer.
	ext.slotExtra[idx] = 0
	ext.ClearSmallFinalizer(idx)

	switch {
	case ext.IsEmpty():
		if ext == b.current {
			b.current = nil
		} else if ext.SlotCount() > 1 {
			b.partial.Remove(ext)
		}

		return true

	case wasFull && ext != b.current:
		// Transitioned from full to one free slot: invariant (b) excludes
		// slots==1 slabs from the heap (they went straight to IsEmpty above).
		b.partial.Push(ext)
	}

	return false
}

// slotIndexForPointer recovers a slab slot index from a page descriptor and
// the original pointer (spec.md §4.2's magic-number formula), using the
// page's intra-extent index plus the pointer's offset within its own page
// — equivalent to, but independent of, the extent's base address.
func slotIndexForPointer(pd PageDescriptor, ptr unsafe.Pointer) uint32 {
	pageOffset := uintptr(ptr) & (PageSize - 1)
	offsetInSlab := uintptr(pd.PageIndex())*PageSize + pageOffset

	return pd.SizeClass().SlotIndex(offsetInSlab)
}
