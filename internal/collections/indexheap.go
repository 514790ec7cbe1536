package collections

// HeapItem is implemented by values stored in an IndexedHeap so the heap can
// track each element's current slot and support O(log n) removal of an
// arbitrary element, not just the minimum.
type HeapItem interface {
	HeapIndex() int
	SetHeapIndex(idx int)
}

// IndexedHeap is a generic binary min-heap adapted from PriorityQueue: the
// same up/down sift logic, extended with per-element index tracking so a
// caller holding a reference to a previously-pushed element can remove it
// directly (Remove) or re-seat it after its key changes (Fix). This is the
// primitive the arena's best-fit HPD heaps and a bin's partial-slab heap
// need: both must "unregister" or "remove" a specific element, which a
// pop-only priority queue cannot do.
type IndexedHeap[T HeapItem] struct {
	data []T
	less func(a, b T) bool
}

// NewIndexedHeap creates an empty heap ordered by less (a < b means a sits
// closer to the root).
func NewIndexedHeap[T HeapItem](less func(a, b T) bool) *IndexedHeap[T] {
	if less == nil {
		panic("less function required")
	}

	return &IndexedHeap[T]{less: less}
}

func (h *IndexedHeap[T]) Len() int      { return len(h.data) }
func (h *IndexedHeap[T]) IsEmpty() bool { return len(h.data) == 0 }

// Push inserts x, which must not already belong to this or another heap.
func (h *IndexedHeap[T]) Push(x T) {
	x.SetHeapIndex(len(h.data))
	h.data = append(h.data, x)
	h.up(len(h.data) - 1)
}

// Peek returns the minimum element without removing it.
func (h *IndexedHeap[T]) Peek() (T, bool) {
	if len(h.data) == 0 {
		var z T
		return z, false
	}

	return h.data[0], true
}

// Pop removes and returns the minimum element.
func (h *IndexedHeap[T]) Pop() (T, bool) {
	if len(h.data) == 0 {
		var z T
		return z, false
	}

	return h.removeAt(0), true
}

// Remove removes x from wherever it currently sits in the heap. x must have
// been returned by a prior Push to this heap and not already removed.
func (h *IndexedHeap[T]) Remove(x T) {
	idx := x.HeapIndex()
	if idx < 0 || idx >= len(h.data) {
		return
	}

	h.removeAt(idx)
}

// Fix re-seats x after its sort key changed in place.
func (h *IndexedHeap[T]) Fix(x T) {
	idx := x.HeapIndex()
	if idx < 0 || idx >= len(h.data) {
		return
	}

	h.down(idx)
	h.up(idx)
}

func (h *IndexedHeap[T]) removeAt(i int) T {
	n := len(h.data) - 1
	removed := h.data[i]
	removed.SetHeapIndex(-1)

	if i != n {
		h.data[i] = h.data[n]
		h.data[i].SetHeapIndex(i)
	}

	var zero T

	h.data[n] = zero
	h.data = h.data[:n]

	if i < n {
		h.down(i)
		h.up(i)
	}

	return removed
}

func (h *IndexedHeap[T]) up(i int) {
	for i > 0 {
		p := (i - 1) / 2
		if !h.less(h.data[i], h.data[p]) {
			break
		}

		h.swap(i, p)
		i = p
	}
}

func (h *IndexedHeap[T]) down(i int) {
	n := len(h.data)

	for {
		l := 2*i + 1
		r := l + 1
		smallest := i

		if l < n && h.less(h.data[l], h.data[smallest]) {
			smallest = l
		}

		if r < n && h.less(h.data[r], h.data[smallest]) {
			smallest = r
		}

		if smallest == i {
			return
		}

		h.swap(i, smallest)
		i = smallest
	}
}

func (h *IndexedHeap[T]) swap(i, j int) {
	h.data[i], h.data[j] = h.data[j], h.data[i]
	h.data[i].SetHeapIndex(i)
	h.data[j].SetHeapIndex(j)
}
