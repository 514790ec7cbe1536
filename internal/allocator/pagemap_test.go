package allocator

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPageDescriptorPacking(t *testing.T) {
	class, _ := ClassForSmall(16)
	ext := &Extent{}

	pd := newPageDescriptor(7, ExtentClass{IsSlab: true, SizeClass: class}, 3, ext)

	require.True(t, pd.Valid())
	require.True(t, pd.IsSlab())
	require.Equal(t, class, pd.SizeClass())
	require.Equal(t, uint32(3), pd.PageIndex())
	require.Equal(t, uint16(7), pd.ArenaIndex())
	require.Same(t, ext, pd.Extent())
}

func TestPageDescriptorNext(t *testing.T) {
	ext := &Extent{}
	pd := newPageDescriptor(1, ExtentClass{}, 0, ext)

	next := pd.Next(5)
	require.Equal(t, uint32(5), next.PageIndex())
	require.Same(t, ext, next.Extent())
}

func TestEmapMapLookupClearRange(t *testing.T) {
	e := newEmap()
	ext := &Extent{}
	starting := newPageDescriptor(2, ExtentClass{}, 0, ext)

	base := uintptr(0x10_0000_0000)
	ok := e.mapRange(base, 4, starting)
	require.True(t, ok)

	for i := uint32(0); i < 4; i++ {
		pd := e.lookup(base + uintptr(i)*PageSize)
		require.True(t, pd.Valid())
		require.Equal(t, i, pd.PageIndex())
	}

	miss := e.lookup(base + 4*PageSize)
	require.False(t, miss.Valid())

	e.clearRange(base, 4)

	for i := uint32(0); i < 4; i++ {
		pd := e.lookup(base + uintptr(i)*PageSize)
		require.False(t, pd.Valid())
	}
}

func TestEmapForEachExtentVisitsOncePerExtent(t *testing.T) {
	e := newEmap()
	extA := &Extent{}
	extB := &Extent{}

	require.True(t, e.mapRange(0x2000_0000, 3, newPageDescriptor(0, ExtentClass{}, 0, extA)))
	require.True(t, e.mapRange(0x4000_0000, 2, newPageDescriptor(0, ExtentClass{}, 0, extB)))

	var seen []*Extent
	e.forEachExtent(func(ext *Extent) bool {
		seen = append(seen, ext)
		return true
	})

	require.ElementsMatch(t, []*Extent{extA, extB}, seen)
}
