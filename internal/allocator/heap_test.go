package allocator

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRejectsNonPositiveArenaCount(t *testing.T) {
	_, err := New(WithArenaCount(0))
	require.Error(t, err)
}

func TestHeapAllocFreeLookupRoundTrip(t *testing.T) {
	h := newTestHeap(t)

	ptr := h.Alloc(0, 40)
	require.NotNil(t, ptr)

	pd, ok := h.Lookup(ptr)
	require.True(t, ok)
	require.True(t, pd.IsSlab())

	h.Free(ptr)

	_, ok = h.Lookup(ptr)
	require.False(t, ok)
}

func TestHeapAllocZeroReturnsNil(t *testing.T) {
	h := newTestHeap(t)
	require.Nil(t, h.Alloc(0, 0))
}

func TestHeapResizeRejectsSlabBacked(t *testing.T) {
	h := newTestHeap(t)

	ptr := h.Alloc(0, 32)
	require.NotNil(t, ptr)

	require.False(t, h.Resize(ptr, 64))
}

func TestHeapResizeGrowsLargeAllocationInPlace(t *testing.T) {
	h := newTestHeap(t)

	ptr := h.Alloc(0, 3*PageSize)
	require.NotNil(t, ptr)

	require.True(t, h.Resize(ptr, 4*PageSize))

	pd, ok := h.Lookup(ptr)
	require.True(t, ok)
	require.Equal(t, uint32(4), pd.Extent().PageCount())
}

func TestHeapStatsTracksAllocAndFreeCounts(t *testing.T) {
	h := newTestHeap(t)

	a := h.Alloc(0, 16)
	b := h.Alloc(0, 16)
	require.NotNil(t, a)
	require.NotNil(t, b)

	h.Free(a)

	stats := h.Stats()
	require.Equal(t, uint64(2), stats.AllocationCount)
	require.Equal(t, uint64(1), stats.FreeCount)
	require.Equal(t, 1, stats.ArenaCount)
}

func TestHeapArenaIndexWraps(t *testing.T) {
	h, err := New(WithArenaCount(2), WithRegionProvider(newTestRegionProvider()))
	require.NoError(t, err)

	require.Same(t, h.Arena(0), h.Arena(2))
	require.Same(t, h.Arena(1), h.Arena(3))
}

func TestHeapForEachExtentVisitsLiveLargeExtents(t *testing.T) {
	h := newTestHeap(t)

	a := h.Alloc(0, 4*PageSize)
	b := h.Alloc(0, 3*PageSize)
	require.NotNil(t, a)
	require.NotNil(t, b)

	var seen int
	h.ForEachExtent(func(ext *Extent) bool {
		seen++
		return true
	})

	require.Equal(t, 2, seen)

	h.Free(a)
	h.Free(b)

	seen = 0
	h.ForEachExtent(func(ext *Extent) bool {
		seen++
		return true
	})
	require.Equal(t, 0, seen)
}
