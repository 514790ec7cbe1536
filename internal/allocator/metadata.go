package allocator

import "unsafe"

const finalizerReserve = unsafe.Sizeof(uintptr(0))

// classForAppendable bumps the small size class up until a slot of size n
// bytes plus its free-byte-count length field (and, if needsFinalizer, a
// reserved pointer-size tail) fits, re-deriving the class if the resulting
// free byte count needs a wider length field (spec.md §4.5's "add one extra
// byte if crossing 256, then re-bump size class" algorithm).
func classForAppendable(n uintptr, needsFinalizer bool) (class SizeClass, wide, ok bool) {
	lengthBytes := uintptr(1)

	for {
		reserve := lengthBytes
		if needsFinalizer {
			reserve += finalizerReserve
		}

		c, found := ClassForSmall(n + reserve)
		if !found {
			return 0, false, false
		}

		itemSize := uintptr(c.Info().ItemSize)
		freeCount := itemSize - n

		if freeCount <= 255 || lengthBytes >= 2 {
			return c, lengthBytes == 2, true
		}

		lengthBytes = 2
	}
}

// writeFreeCount stores fc (a count of free bytes, up to itemSize) into the
// tail of a slot's own raw memory: spec.md §4.5's "packed length ... written
// into the last bytes of the slot itself." A reserved-but-unwritten
// pointer-size gap precedes this when the slot also carries a finalizer (see
// Extent.smallFinalizers for why the finalizer pointer itself is not stored
// here).
func writeFreeCount(buf []byte, wide bool, hasFinalizer bool, fc uintptr) {
	tail := buf
	if hasFinalizer {
		tail = tail[:len(tail)-int(finalizerReserve)]
	}

	if wide {
		off := len(tail) - 2
		tail[off] = byte(fc)
		tail[off+1] = byte(fc >> 8)

		return
	}

	tail[len(tail)-1] = byte(fc)
}

func readFreeCount(buf []byte, wide bool, hasFinalizer bool) uintptr {
	tail := buf
	if hasFinalizer {
		tail = tail[:len(tail)-int(finalizerReserve)]
	}

	if wide {
		off := len(tail) - 2
		return uintptr(tail[off]) | uintptr(tail[off+1])<<8
	}

	return uintptr(tail[len(tail)-1])
}

func usedCapacityOfSlot(ext *Extent, idx uint32) uintptr {
	itemSize := uintptr(ext.SizeClass().Info().ItemSize)

	if !ext.HasFreeSpaceInfo(idx) {
		return 0
	}

	fc := readFreeCount(ext.SlotExtra(idx), ext.HasWideLength(idx), ext.HasFinalizer(idx))

	return itemSize - fc
}

// usedCapacityOf returns ptr's recorded used-capacity if it carries
// appendable metadata, or 0 if it was never alloc_appendable'd (spec.md §6:
// realloc preserves min(size, old_used_capacity), and that bound only
// applies to allocations that actually have a used capacity on record).
func usedCapacityOf(pd PageDescriptor, ptr unsafe.Pointer) uintptr {
	ext := pd.Extent()

	if pd.IsSlab() {
		return usedCapacityOfSlot(ext, slotIndexForPointer(pd, ptr))
	}

	return ext.UsedCapacity()
}

// Slice names a contiguous byte range p[Start:End] within one allocation,
// the unit get_capacity/extend/destroy operate on (spec.md §4.5).
type Slice struct {
	Ptr   unsafe.Pointer
	Start uintptr
	End   uintptr
}

// AllocAppendable allocates size bytes and records size as the allocation's
// used capacity, optionally attaching finalizer (spec.md §4.5,
// alloc_appendable). Returns nil if the request cannot be satisfied.
func (h *Heap) AllocAppendable(arenaIndex int, size uintptr, finalizer func(unsafe.Pointer, uintptr)) unsafe.Pointer {
	arena := h.Arena(arenaIndex)
	needsFinalizer := finalizer != nil

	class, wide, ok := classForAppendable(size, needsFinalizer)
	if ok {
		ptr, pd := arena.AllocSmallClass(class)
		if ptr == nil {
			return nil
		}

		ext := pd.Extent()
		idx := slotIndexForPointer(pd, ptr)
		itemSize := uintptr(class.Info().ItemSize)

		ext.SetHasFreeSpaceInfo(idx, true)
		ext.SetHasWideLength(idx, wide)
		ext.SetHasFinalizer(idx, needsFinalizer)
		writeFreeCount(ext.SlotExtra(idx), wide, needsFinalizer, itemSize-size)

		if needsFinalizer {
			ext.SetSmallFinalizer(idx, finalizer)
		}

		h.allocCount.add(1)

		return ptr
	}

	ptr, ext := arena.AllocLarge(size)
	if ptr == nil {
		return nil
	}

	ext.SetUsedCapacity(size)

	if needsFinalizer {
		ext.SetFinalizer(finalizer)
	}

	h.allocCount.add(1)

	return ptr
}

// GetCapacity returns the remaining bytes to the end of s.Ptr's slot,
// measured from s.Start, but only when s.End equals the allocation's
// currently recorded used capacity (and that capacity is non-zero) — the
// "last-slice-wins" invariant from spec.md §4.5.
func (h *Heap) GetCapacity(s Slice) uintptr {
	pd, ok := h.Lookup(s.Ptr)
	if !ok {
		return 0
	}

	ext := pd.Extent()

	if pd.IsSlab() {
		idx := slotIndexForPointer(pd, s.Ptr)
		if !ext.HasFreeSpaceInfo(idx) {
			return 0
		}

		used := usedCapacityOfSlot(ext, idx)
		if used == 0 || s.End != used {
			return 0
		}

		return uintptr(ext.SizeClass().Info().ItemSize) - s.Start
	}

	used := ext.UsedCapacity()
	if used == 0 || s.End != used {
		return 0
	}

	return ext.Size - s.Start
}

// Extend grows s's allocation's used capacity by delta, succeeding only if s
// passes the same predicate GetCapacity does and there is room — for large
// extents, possibly by growing the extent in place via resize_large
// (spec.md §4.5, extend).
func (h *Heap) Extend(s Slice, delta uintptr) bool {
	pd, ok := h.Lookup(s.Ptr)
	if !ok {
		return false
	}

	ext := pd.Extent()

	if pd.IsSlab() {
		return h.extendSmall(pd, ext, s, delta)
	}

	return h.extendLarge(pd, ext, s, delta)
}

func (h *Heap) extendSmall(pd PageDescriptor, ext *Extent, s Slice, delta uintptr) bool {
	idx := slotIndexForPointer(pd, s.Ptr)
	if !ext.HasFreeSpaceInfo(idx) {
		return false
	}

	used := usedCapacityOfSlot(ext, idx)
	if used == 0 || s.End != used {
		return false
	}

	itemSize := uintptr(ext.SizeClass().Info().ItemSize)
	newUsed := used + delta

	hasFin := ext.HasFinalizer(idx)
	wide := ext.HasWideLength(idx)

	reserve := uintptr(1)
	if wide {
		reserve = 2
	}

	if hasFin {
		reserve += finalizerReserve
	}

	if newUsed > itemSize-reserve {
		return false
	}

	freeCount := itemSize - newUsed
	maxFree := uintptr(255)

	if wide {
		maxFree = 65535
	}

	if freeCount > maxFree {
		return false
	}

	writeFreeCount(ext.SlotExtra(idx), wide, hasFin, freeCount)

	return true
}

func (h *Heap) extendLarge(pd PageDescriptor, ext *Extent, s Slice, delta uintptr) bool {
	used := ext.UsedCapacity()
	if used == 0 || s.End != used {
		return false
	}

	newUsed := used + delta
	if newUsed <= ext.Size {
		ext.SetUsedCapacity(newUsed)
		return true
	}

	arena := h.arenas[pd.ArenaIndex()]
	if !arena.ResizeLarge(ext, newUsed) {
		return false
	}

	ext.SetUsedCapacity(newUsed)

	return true
}

// Destroy runs ptr's finalizer, if one was registered, then frees it
// (spec.md §4.5, destroy). ptr must be the exact base address returned by
// the original alloc_appendable call.
func (h *Heap) Destroy(ptr unsafe.Pointer) {
	pd, ok := h.Lookup(ptr)
	if !ok {
		panic("allocator: destroy of an untracked pointer")
	}

	ext := pd.Extent()

	if pd.IsSlab() {
		idx := slotIndexForPointer(pd, ptr)

		if fn, ok := ext.SmallFinalizer(idx); ok {
			fn(ptr, usedCapacityOfSlot(ext, idx))
			ext.ClearSmallFinalizer(idx)
		}
	} else if fn := ext.Finalizer(); fn != nil {
		fn(ptr, ext.UsedCapacity())
		ext.SetFinalizer(nil)
	}

	h.Free(ptr)
}
