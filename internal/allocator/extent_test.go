package allocator

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func backingExtent(t *testing.T, class SizeClass) *Extent {
	t.Helper()

	info := class.Info()
	size := uintptr(info.NeedPages) * PageSize
	buf := make([]byte, size)
	base := uintptr(unsafe.Pointer(&buf[0]))

	ext := newSlabExtent(0, base, newHPD(base, 0), class)
	t.Cleanup(func() { _ = buf }) // keep buf alive for the extent's lifetime

	return ext
}

func TestExtentSlabAllocFreeSlot(t *testing.T) {
	class, ok := ClassForSmall(16)
	require.True(t, ok)

	ext := backingExtent(t, class)
	require.True(t, ext.IsEmpty())

	idx, ok := ext.AllocSlot()
	require.True(t, ok)
	require.False(t, ext.IsSlotSet(idx + 1))
	require.True(t, ext.IsSlotSet(idx))
	require.False(t, ext.IsEmpty())

	ext.FreeSlot(idx)
	require.True(t, ext.IsEmpty())
}

func TestExtentDoubleFreePanics(t *testing.T) {
	class, _ := ClassForSmall(16)
	ext := backingExtent(t, class)

	idx, _ := ext.AllocSlot()
	ext.FreeSlot(idx)

	require.Panics(t, func() { ext.FreeSlot(idx) })
}

func TestExtentFillsToFull(t *testing.T) {
	class, _ := ClassForSmall(16)
	ext := backingExtent(t, class)

	slots := ext.SlotCount()
	for i := uint16(0); i < slots; i++ {
		_, ok := ext.AllocSlot()
		require.True(t, ok)
	}

	require.True(t, ext.IsFull())

	_, ok := ext.AllocSlot()
	require.False(t, ok)
}

func TestExtentLargeUsedCapacity(t *testing.T) {
	ext := newLargeExtent(0, 0x2000, 4, nil)

	require.True(t, ext.IsLarge())
	ext.SetUsedCapacity(PageSize)
	require.Equal(t, uintptr(PageSize), ext.UsedCapacity())

	require.Panics(t, func() { ext.SetUsedCapacity(ext.Size + 1) })
}
