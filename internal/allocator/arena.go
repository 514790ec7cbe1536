package allocator

import (
	"log/slog"
	"unsafe"

	"github.com/dsm9000/coreheap/internal/collections"
)

// Arena owns a region-provider handle, a pool of unused extents/HPDs, a
// set of best-fit HPD heaps keyed by free-space class, and one Bin per
// small size class (spec.md §4.1).
type Arena struct {
	Index  uint16
	region RegionProvider
	emap   *emap
	logger *slog.Logger

	mu mutex

	// allocClassHeaps[c] holds every known HPD whose longestFreeRange falls
	// in free-space class c; filter has bit c set iff that heap is
	// non-empty, so the best-fit search below takes the lowest set bit of
	// filter instead of probing every heap (spec.md §4.1).
	allocClassHeaps [numAllocClasses]*collections.IndexedHeap[*HugePageDescriptor]
	filter          uint64
	nextEpoch       uint64

	unusedHPDs    *HugePageDescriptor // LIFO pool, linked via poolNext
	unusedExtents *Extent             // LIFO pool, linked via poolNext

	bins [32]*Bin // one per smallClasses entry
}

func newArena(index uint16, region RegionProvider, em *emap, logger *slog.Logger) *Arena {
	a := &Arena{
		Index:  index,
		region: region,
		emap:   em,
		logger: logger,
	}

	for c := range a.allocClassHeaps {
		a.allocClassHeaps[c] = collections.NewIndexedHeap[*HugePageDescriptor](epochHPDCmp)
	}

	for i := range smallClasses {
		a.bins[i] = newBin(SizeClass(i), a)
	}

	return a
}

// --- best-fit HPD selection (spec.md §4.1) --------------------------------

// findHPDForPages pops the best-fit HPD able to satisfy pages, or acquires
// a fresh one from the region provider on a heap miss. Must be called with
// a.mu held; returns with a.mu held. The returned HPD is not tracked by any
// heap (callers must reinsertHPD it once they are done mutating it).
func (a *Arena) findHPDForPages(pages uint32) *HugePageDescriptor {
	class := getAllocClass(pages)
	if class > 0 && pages > (uint32(1)<<(class-1))+1 {
		// class also holds runs shorter than pages; start one class up,
		// where every HPD's longest free run is long enough.
		class++
	}

	mask := a.filter &^ ((uint64(1) << class) - 1)

	for mask != 0 {
		c := trailingZeros64(mask)
		heap := a.allocClassHeaps[c]

		hpd, ok := heap.Pop()
		if !ok {
			mask &^= uint64(1) << c
			continue
		}

		if heap.IsEmpty() {
			a.filter &^= uint64(1) << c
		}

		return hpd
	}

	if hpd := a.popUnusedHPD(); hpd != nil {
		return hpd
	}

	hpd := newHPD(0, a.nextEpoch)
	a.nextEpoch++

	if !a.region.Acquire(hpd, 0) {
		return nil
	}

	a.logger.Debug("coreheap: acquired huge page", "arena", a.Index, "base", hpd.Base)

	return hpd
}

// reinsertHPD places hpd back into its free-space-class heap, unless it is
// now fully used (tracked nowhere until it frees pages again) or fully
// free (its region is handed back to the provider). Must be called with
// a.mu held.
func (a *Arena) reinsertHPD(hpd *HugePageDescriptor) {
	if hpd.Empty() {
		a.region.Release(hpd.Base, 1)
		a.logger.Debug("coreheap: released huge page", "arena", a.Index, "base", hpd.Base)

		return
	}

	if hpd.Full() {
		return
	}

	class := getAllocClass(hpd.LongestFreeRange())
	a.allocClassHeaps[class].Push(hpd)
	a.filter |= uint64(1) << class
}

// removeHPDFromHeap removes hpd from whichever heap currently tracks it, so
// its longestFreeRange can be safely mutated before reinsertHPD recomputes
// its class. Must be called with a.mu held. No-op if hpd is untracked
// (just popped by findHPDForPages, or currently full).
func (a *Arena) removeHPDFromHeap(hpd *HugePageDescriptor) {
	if hpd.HeapIndex() < 0 {
		return
	}

	class := getAllocClass(hpd.LongestFreeRange())
	heap := a.allocClassHeaps[class]
	heap.Remove(hpd)

	if heap.IsEmpty() {
		a.filter &^= uint64(1) << class
	}
}

func (a *Arena) popUnusedHPD() *HugePageDescriptor {
	if a.unusedHPDs == nil {
		return nil
	}

	hpd := a.unusedHPDs
	a.unusedHPDs = hpd.poolNext
	hpd.poolNext = nil

	return hpd
}

func (a *Arena) popUnusedExtent() *Extent {
	if a.unusedExtents == nil {
		return nil
	}

	ext := a.unusedExtents
	a.unusedExtents = ext.poolNext

	return ext
}

func (a *Arena) pushUnusedExtent(ext *Extent) {
	*ext = Extent{poolNext: a.unusedExtents, binHeapIndex: -1}
	a.unusedExtents = ext
}

// --- slab (bin-backing) allocation -----------------------------------------

// allocSlab allocates a page-run of exactly class.Info().NeedPages pages
// and registers it in the emap, for exclusive use by the owning bin
// (spec.md §4.1, §4.2).
func (a *Arena) allocSlab(class SizeClass) *Extent {
	needPages := uint32(class.Info().NeedPages)

	a.mu.Lock()
	defer a.mu.Unlock()

	hpd := a.findHPDForPages(needPages)
	if hpd == nil {
		return nil
	}

	start, ok := hpd.FindFree(needPages)
	if !ok {
		// getAllocClass guarantees any HPD in a class >= needed class can
		// satisfy needPages; a miss here would be a bucketing bug.
		a.reinsertHPD(hpd)
		return nil
	}

	hpd.Reserve(start, needPages)
	base := hpd.Base + uintptr(start)*PageSize

	ext := a.popUnusedExtent()
	if ext == nil {
		ext = newSlabExtent(a.Index, base, hpd, class)
	} else {
		*ext = *newSlabExtent(a.Index, base, hpd, class)
	}

	if !a.emap.remap(ext, a.Index) {
		hpd.Release(start, needPages)
		a.reinsertHPD(hpd)
		a.pushUnusedExtent(ext)

		return nil
	}

	a.reinsertHPD(hpd)

	return ext
}

// freeSlab is the inverse of allocSlab: it clears the emap entries and
// returns the page-run to its HPD.
func (a *Arena) freeSlab(ext *Extent) {
	a.emap.clearRange(ext.Base, ext.PageCount())

	a.mu.Lock()
	defer a.mu.Unlock()

	hpd := ext.hpd
	a.removeHPDFromHeap(hpd)

	startPage := uint32((ext.Base - hpd.Base) / PageSize)
	hpd.Release(startPage, ext.PageCount())
	a.reinsertHPD(hpd)

	a.pushUnusedExtent(ext)
}

// --- public small/large/huge entry points ---------------------------------

// AllocSmall asserts IsSmall(size) and delegates to the owning bin
// (spec.md §4.1).
func (a *Arena) AllocSmall(size uintptr) (unsafe.Pointer, PageDescriptor) {
	class, ok := ClassForSmall(size)
	if !ok {
		panic("allocator: AllocSmall called with a non-small size")
	}

	return a.AllocSmallClass(class)
}

// AllocSmallClass allocates from a specific size class's bin directly,
// bypassing ClassForSmall(size) — used by the appendable path (metadata.go)
// once it has already bumped the class to fit the length/finalizer tail
// (spec.md §4.5).
func (a *Arena) AllocSmallClass(class SizeClass) (unsafe.Pointer, PageDescriptor) {
	ptr, ok := a.bins[class].Alloc()
	if !ok {
		return nil, emptyPageDescriptor
	}

	return ptr, a.emap.lookup(uintptr(ptr))
}

// AllocLarge allocates a whole-page extent of ceil(size/PageSize) pages,
// registers it in the emap, and returns its base address and extent
// (spec.md §4.1).
func (a *Arena) AllocLarge(size uintptr) (unsafe.Pointer, *Extent) {
	pages := PagesForLarge(size)

	var ext *Extent
	if IsHuge(pages) {
		ext = a.allocHuge(pages)
	} else {
		ext = a.allocLargePages(pages)
	}

	if ext == nil {
		return nil, nil
	}

	if !a.emap.remap(ext, a.Index) {
		a.FreeLarge(ext)
		return nil, nil
	}

	return unsafe.Pointer(ext.Base), ext
}

func (a *Arena) allocLargePages(pages uint32) *Extent {
	a.mu.Lock()
	defer a.mu.Unlock()

	hpd := a.findHPDForPages(pages)
	if hpd == nil {
		return nil
	}

	start, ok := hpd.FindFree(pages)
	if !ok {
		a.reinsertHPD(hpd)
		return nil
	}

	hpd.Reserve(start, pages)
	base := hpd.Base + uintptr(start)*PageSize

	ext := a.popUnusedExtent()
	if ext == nil {
		ext = newLargeExtent(a.Index, base, pages, hpd)
	} else {
		*ext = *newLargeExtent(a.Index, base, pages, hpd)
	}

	a.reinsertHPD(hpd)

	return ext
}

// allocHuge splits a huge allocation into extraPages = (pages-1)/PagesInHugePage
// leading whole huge pages plus a tail HPD covering the remaining
// pages - extraPages*PagesInHugePage pages (a whole huge page when pages is
// an exact multiple). The tail HPD goes straight back into the best-fit
// heaps, so its unused pages serve other allocations while this one is
// live; the leading huge pages have no HPD (spec.md §4.1).
func (a *Arena) allocHuge(pages uint32) *Extent {
	extraPages := (pages - 1) / PagesInHugePage
	tailPages := pages - extraPages*PagesInHugePage

	a.mu.Lock()
	defer a.mu.Unlock()

	tail := newHPD(0, a.nextEpoch)
	a.nextEpoch++

	if !a.region.Acquire(tail, extraPages) {
		return nil
	}

	leadingBase := tail.Base
	tailBase := leadingBase + uintptr(extraPages)*HugePageSize
	tail.Base = tailBase

	tail.Reserve(0, tailPages)
	a.reinsertHPD(tail)

	ext := newLargeExtent(a.Index, leadingBase, pages, nil)
	ext.hpd = tail // remember the tail HPD so freeHuge can find it again

	return ext
}

// FreeLarge returns a large or huge extent's pages and removes it from the
// emap.
func (a *Arena) FreeLarge(ext *Extent) {
	a.emap.clearRange(ext.Base, ext.PageCount())

	if IsHuge(ext.PageCount()) {
		a.freeHuge(ext)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	hpd := ext.hpd
	a.removeHPDFromHeap(hpd)

	startPage := uint32((ext.Base - hpd.Base) / PageSize)
	hpd.Release(startPage, ext.PageCount())
	a.reinsertHPD(hpd)

	a.pushUnusedExtent(ext)
}

func (a *Arena) freeHuge(ext *Extent) {
	pages := ext.PageCount()
	extraPages := (pages - 1) / PagesInHugePage
	tailPages := pages - extraPages*PagesInHugePage

	a.mu.Lock()
	defer a.mu.Unlock()

	tail := ext.hpd
	a.removeHPDFromHeap(tail)

	tail.Release(0, tailPages)

	if extraPages > 0 {
		a.region.Release(ext.Base, extraPages)
	}

	a.reinsertHPD(tail)
}

// ResizeLarge grows or shrinks a large, non-huge extent in place, returning
// false if there is not enough contiguous room to grow (spec.md §4.1). Huge
// extents are not resizable in place.
func (a *Arena) ResizeLarge(ext *Extent, newSize uintptr) bool {
	newPages := PagesForLarge(newSize)
	oldPages := ext.PageCount()

	if IsHuge(newPages) || IsHuge(oldPages) {
		return false
	}

	switch {
	case newPages == oldPages:
		return true
	case newPages < oldPages:
		a.shrinkLarge(ext, oldPages, newPages)
		return true
	default:
		return a.growLarge(ext, oldPages, newPages)
	}
}

func (a *Arena) shrinkLarge(ext *Extent, oldPages, newPages uint32) {
	newSizeBytes := uintptr(newPages) * PageSize
	trailingBase := ext.Base + newSizeBytes
	trailingPages := oldPages - newPages

	a.emap.clearRange(trailingBase, trailingPages)

	a.mu.Lock()

	hpd := ext.hpd
	a.removeHPDFromHeap(hpd)

	startPage := uint32((trailingBase - hpd.Base) / PageSize)
	hpd.Release(startPage, trailingPages)
	a.reinsertHPD(hpd)

	a.mu.Unlock()

	ext.Size = newSizeBytes
	if ext.usedCapacity > newSizeBytes {
		ext.usedCapacity = newSizeBytes
	}
}

func (a *Arena) growLarge(ext *Extent, oldPages, newPages uint32) bool {
	delta := newPages - oldPages

	a.mu.Lock()

	hpd := ext.hpd
	a.removeHPDFromHeap(hpd)

	startPage := uint32((ext.Base - hpd.Base) / PageSize)
	grown := hpd.GrowInPlace(startPage+oldPages, delta)

	a.reinsertHPD(hpd)
	a.mu.Unlock()

	if !grown {
		return false
	}

	growBase := ext.Base + uintptr(oldPages)*PageSize
	starting := newPageDescriptor(a.Index, ExtentClass{IsSlab: false}, oldPages, ext)

	if !a.emap.mapRange(growBase, delta, starting) {
		a.mu.Lock()
		a.removeHPDFromHeap(hpd)
		hpd.Release(startPage+oldPages, delta)
		a.reinsertHPD(hpd)
		a.mu.Unlock()

		return false
	}

	ext.Size = uintptr(newPages) * PageSize

	return true
}

// --- free --------------------------------------------------------------

// Free validates that pd names a page owned by this arena and routes the
// free to the bin layer (small) or the large/huge path (spec.md §4.1).
func (a *Arena) Free(ptr unsafe.Pointer, pd PageDescriptor) {
	ext := pd.Extent()
	if ext == nil || !ext.Contains(uintptr(ptr)) || ext.ArenaIndex != a.Index {
		panic("allocator: free of a pointer not owned by this arena")
	}

	if pd.IsSlab() {
		if a.bins[pd.SizeClass()].Free(ptr, pd) {
			a.freeSlab(ext)
		}

		return
	}

	a.FreeLarge(ext)
}

func trailingZeros64(x uint64) uint8 {
	n := uint8(0)
	for x&1 == 0 {
		x >>= 1
		n++
	}

	return n
}
