package allocator

import (
	"unsafe"

	"github.com/bits-and-blooms/bitset"
)

// extentKind discriminates a slab extent (slots of one small size class)
// from a large extent (a single whole-page-multiple allocation).
type extentKind uint8

const (
	extentSlab extentKind = iota
	extentLarge
)

// Extent is the compact descriptor for one contiguous page-run, carved
// from a single HugePageDescriptor (or, for huge allocations, spanning
// several — see Arena.allocHuge). Fields mirror spec.md §4.3 exactly.
type Extent struct {
	ArenaIndex uint16
	Base       uintptr // page-aligned
	Size       uintptr // page-multiple
	hpd        *HugePageDescriptor
	kind       extentKind
	class      SizeClass

	// Slab-only fields.
	bitmap    *bitset.BitSet
	freeSlots uint16
	slotExtra []uint8 // appendable/finalizable flag byte, one per slot (spec.md §4.5)

	// smallFinalizers holds finalizer funcs for slab slots that have one set.
	// spec.md §4.5 describes the finalizer pointer as living in the slot's own
	// tail bytes; Go cannot have a live func value hidden inside raw memory
	// from its garbage collector's point of view (the same constraint that
	// drives PageDescriptor's packed-word/pointer split in pagemap.go), so
	// the func itself lives here and only a reservation of tail bytes (never
	// written) preserves the original size-class-fits-the-metadata budgeting.
	smallFinalizers map[uint32]func(unsafe.Pointer, uintptr)

	// Large-only fields.
	usedCapacity uintptr
	finalizer    func(ptr unsafe.Pointer, usedCapacity uintptr)

	// heap-position bookkeeping so a bin can hold this extent in an
	// IndexedHeap of partial slabs, keyed by address (spec.md §4.2).
	binHeapIndex int

	// pool-freelist linkage when this Extent sits in an arena's
	// unused-extent pool awaiting reuse or GC.
	poolNext *Extent
}

// newSlabExtent builds a slab extent of the given size class backed by hpd.
func newSlabExtent(arenaIndex uint16, base uintptr, hpd *HugePageDescriptor, class SizeClass) *Extent {
	info := class.Info()

	return &Extent{
		ArenaIndex:   arenaIndex,
		Base:         base,
		Size:         uintptr(info.NeedPages) * PageSize,
		hpd:          hpd,
		kind:         extentSlab,
		class:        class,
		bitmap:       bitset.New(uint(info.Slots)),
		freeSlots:    info.Slots,
		slotExtra:    make([]uint8, info.Slots),
		binHeapIndex: -1,
	}
}

// newLargeExtent builds a large (or huge-tail) extent of pageCount pages.
// hpd is nil for the leading pages of a huge allocation (spec.md §4.1).
func newLargeExtent(arenaIndex uint16, base uintptr, pageCount uint32, hpd *HugePageDescriptor) *Extent {
	return &Extent{
		ArenaIndex:   arenaIndex,
		Base:         base,
		Size:         uintptr(pageCount) * PageSize,
		hpd:          hpd,
		kind:         extentLarge,
		binHeapIndex: -1,
	}
}

func (e *Extent) IsSlab() bool  { return e.kind == extentSlab }
func (e *Extent) IsLarge() bool { return e.kind == extentLarge }

func (e *Extent) SizeClass() SizeClass {
	if !e.IsSlab() {
		panic("allocator: SizeClass on a non-slab extent")
	}

	return e.class
}

func (e *Extent) PageCount() uint32 { return uint32(e.Size / PageSize) }

// Contains reports whether ptr falls within this extent's byte range.
func (e *Extent) Contains(ptr uintptr) bool {
	return ptr >= e.Base && ptr < e.Base+e.Size
}

// HeapIndex / SetHeapIndex implement collections.HeapItem so an extent can
// sit in a bin's IndexedHeap of partial slabs.
func (e *Extent) HeapIndex() int       { return e.binHeapIndex }
func (e *Extent) SetHeapIndex(i int)   { e.binHeapIndex = i }

// --- slab occupancy -------------------------------------------------------

// FreeSlots returns the number of unused slots in a slab extent.
func (e *Extent) FreeSlots() uint16 { return e.freeSlots }

// SlotCount returns the total number of slots in a slab extent.
func (e *Extent) SlotCount() uint16 { return e.class.Info().Slots }

// AllocSlot sets the first free bit, decrements the free-slot count, and
// returns the slot index (spec.md §4.3).
func (e *Extent) AllocSlot() (uint32, bool) {
	if e.freeSlots == 0 {
		return 0, false
	}

	idx, ok := e.bitmap.NextClear(0)
	if !ok {
		return 0, false
	}

	e.bitmap.Set(idx)
	e.freeSlots--
	e.checkBitmapCoherent()

	return uint32(idx), true
}

// FreeSlot clears the bit for idx and increments the free-slot count,
// asserting the bit was set (spec.md §4.3).
func (e *Extent) FreeSlot(idx uint32) {
	if !e.bitmap.Test(uint(idx)) {
		panic("allocator: double free of slab slot")
	}

	e.bitmap.Clear(uint(idx))
	e.freeSlots++
	e.checkBitmapCoherent()
}

// IsSlotSet reports whether idx is currently occupied.
func (e *Extent) IsSlotSet(idx uint32) bool {
	return e.bitmap.Test(uint(idx))
}

// IsEmpty reports whether every slot in the slab is free.
func (e *Extent) IsEmpty() bool { return e.freeSlots == e.SlotCount() }

// IsFull reports whether no slot in the slab is free.
func (e *Extent) IsFull() bool { return e.freeSlots == 0 }

func (e *Extent) checkBitmapCoherent() {
	if uint16(e.bitmap.Count())+e.freeSlots != e.SlotCount() {
		panic("allocator: slab bitmap/freeSlots coherency violated")
	}
}

// SlotExtra returns the mutable per-slot appendable/finalizable side-data
// byte slice for idx's slot, sized to the item size. See metadata.go.
func (e *Extent) SlotExtra(idx uint32) []byte {
	itemSize := uintptr(e.class.Info().ItemSize)
	off := uintptr(idx) * itemSize

	return e.slotExtraBuf()[off : off+itemSize]
}

// slotExtraBuf views the extent's own pages as a byte slice: slot storage is
// the region memory at e.Base itself, so SlotExtra indexes into that rather
// than the e.slotExtra flag bytes, which only hold the per-slot
// free-space-info, finalizer and wide-length bits (spec.md §4.5).
func (e *Extent) slotExtraBuf() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(e.Base)), int(e.Size))
}

// HasFreeSpaceInfo reports and sets the 1-bit "has free-space info" flag
// for a slot (spec.md §4.5).
func (e *Extent) HasFreeSpaceInfo(idx uint32) bool {
	return e.slotExtra[idx]&1 == 1
}

func (e *Extent) SetHasFreeSpaceInfo(idx uint32, v bool) {
	if v {
		e.slotExtra[idx] |= 1
	} else {
		e.slotExtra[idx] &^= 1
	}
}

// HasFinalizer reports and sets the "has finalizer" flag for a slot.
func (e *Extent) HasFinalizer(idx uint32) bool {
	return e.slotExtra[idx]&2 == 2
}

func (e *Extent) SetHasFinalizer(idx uint32, v bool) {
	if v {
		e.slotExtra[idx] |= 2
	} else {
		e.slotExtra[idx] &^= 2
	}
}

// HasWideLength reports and sets whether a slot's free-byte-count tail field
// is 2 bytes (free count > 255) rather than 1 (spec.md §4.5's "crossing 256"
// case).
func (e *Extent) HasWideLength(idx uint32) bool {
	return e.slotExtra[idx]&4 == 4
}

func (e *Extent) SetHasWideLength(idx uint32, v bool) {
	if v {
		e.slotExtra[idx] |= 4
	} else {
		e.slotExtra[idx] &^= 4
	}
}

// SmallFinalizer returns the finalizer registered for a slab slot, if any.
func (e *Extent) SmallFinalizer(idx uint32) (func(unsafe.Pointer, uintptr), bool) {
	if e.smallFinalizers == nil {
		return nil, false
	}

	fn, ok := e.smallFinalizers[idx]

	return fn, ok
}

func (e *Extent) SetSmallFinalizer(idx uint32, fn func(unsafe.Pointer, uintptr)) {
	if e.smallFinalizers == nil {
		e.smallFinalizers = make(map[uint32]func(unsafe.Pointer, uintptr))
	}

	e.smallFinalizers[idx] = fn
}

func (e *Extent) ClearSmallFinalizer(idx uint32) {
	delete(e.smallFinalizers, idx)
}

// --- large-extent appendable/finalizable fields ---------------------------

// UsedCapacity returns the large extent's recorded used-capacity.
func (e *Extent) UsedCapacity() uintptr {
	if !e.IsLarge() {
		panic("allocator: UsedCapacity on a non-large extent")
	}

	return e.usedCapacity
}

// SetUsedCapacity records n as the large extent's used-capacity; n must not
// exceed Size (spec.md §4.3 invariant (c)).
func (e *Extent) SetUsedCapacity(n uintptr) {
	if !e.IsLarge() {
		panic("allocator: SetUsedCapacity on a non-large extent")
	}

	if n > e.Size {
		panic("allocator: usedCapacity exceeds extent size")
	}

	e.usedCapacity = n
}

func (e *Extent) Finalizer() func(unsafe.Pointer, uintptr) {
	if !e.IsLarge() {
		panic("allocator: Finalizer on a non-large extent")
	}

	return e.finalizer
}

func (e *Extent) SetFinalizer(fn func(unsafe.Pointer, uintptr)) {
	if !e.IsLarge() {
		panic("allocator: SetFinalizer on a non-large extent")
	}

	e.finalizer = fn
}
