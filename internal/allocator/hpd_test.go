package allocator

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHPDReserveReleaseLongestFreeRange(t *testing.T) {
	h := newHPD(0x1000, 1)
	require.Equal(t, uint32(PagesInHugePage), h.LongestFreeRange())
	require.False(t, h.Full())
	require.True(t, h.Empty())

	start, ok := h.FindFree(10)
	require.True(t, ok)
	require.Equal(t, uint32(0), start)

	h.Reserve(0, 10)
	require.False(t, h.Empty())
	require.Equal(t, uint32(PagesInHugePage-10), h.LongestFreeRange())

	h.Release(0, 10)
	require.True(t, h.Empty())
	require.Equal(t, uint32(PagesInHugePage), h.LongestFreeRange())
}

func TestHPDFullAfterReservingEverything(t *testing.T) {
	h := newHPD(0, 1)
	h.Reserve(0, PagesInHugePage)
	require.True(t, h.Full())
	require.Equal(t, uint32(0), h.LongestFreeRange())

	_, ok := h.FindFree(1)
	require.False(t, ok)
}

func TestHPDOverlappingReservePanics(t *testing.T) {
	h := newHPD(0, 1)
	h.Reserve(0, 4)

	require.Panics(t, func() { h.Reserve(2, 4) })
}

func TestHPDGrowInPlace(t *testing.T) {
	h := newHPD(0, 1)
	h.Reserve(0, 4)

	ok := h.GrowInPlace(4, 4)
	require.True(t, ok)
	require.Equal(t, uint32(PagesInHugePage-8), h.LongestFreeRange())

	h.Reserve(8, PagesInHugePage-8)
	require.True(t, h.Full())

	ok = h.GrowInPlace(0, 1)
	require.False(t, ok, "growing into already-reserved pages must fail")
}

func TestEpochHPDCmpOrdersOlderFirst(t *testing.T) {
	older := newHPD(0, 1)
	newer := newHPD(0, 2)

	require.True(t, epochHPDCmp(older, newer))
	require.False(t, epochHPDCmp(newer, older))
}
