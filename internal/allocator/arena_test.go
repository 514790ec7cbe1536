package allocator

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestArenaAllocSmallRoundTrip(t *testing.T) {
	arena := newTestArena(t)

	ptr, pd := arena.AllocSmall(24)
	require.NotNil(t, ptr)
	require.True(t, pd.Valid())
	require.True(t, pd.IsSlab())

	arena.Free(ptr, pd)
}

func TestArenaAllocLargeRoundTrip(t *testing.T) {
	arena := newTestArena(t)

	ptr, ext := arena.AllocLarge(3 * PageSize)
	require.NotNil(t, ptr)
	require.NotNil(t, ext)
	require.Equal(t, uint32(3), ext.PageCount())

	pd := arena.emap.lookup(uintptr(ptr))
	require.True(t, pd.Valid())
	require.False(t, pd.IsSlab())

	arena.Free(ptr, pd)

	miss := arena.emap.lookup(uintptr(ptr))
	require.False(t, miss.Valid())
}

func TestArenaResizeLargeShrinkAndGrow(t *testing.T) {
	arena := newTestArena(t)

	ptr, ext := arena.AllocLarge(4 * PageSize)
	require.NotNil(t, ptr)

	ok := arena.ResizeLarge(ext, 2*PageSize)
	require.True(t, ok)
	require.Equal(t, uint32(2), ext.PageCount())

	ok = arena.ResizeLarge(ext, 4*PageSize)
	require.True(t, ok, "growing back into just-released pages should succeed")
	require.Equal(t, uint32(4), ext.PageCount())
}

func TestArenaResizeLargeGrowBlockedByNeighbor(t *testing.T) {
	arena := newTestArena(t)

	ptr, ext := arena.AllocLarge(2 * PageSize)
	require.NotNil(t, ptr)

	// Occupy the pages immediately after ext so growth cannot extend in place.
	_, blocker := arena.AllocLarge(1 * PageSize)
	require.NotNil(t, blocker)

	ok := arena.ResizeLarge(ext, 4*PageSize)
	require.False(t, ok)
}

func TestArenaAllocHugeSpansMultipleHugePages(t *testing.T) {
	arena := newTestArena(t)

	pages := uint32(PagesInHugePage + 10)
	ptr, ext := arena.AllocLarge(uintptr(pages) * PageSize)
	require.NotNil(t, ptr)
	require.Equal(t, pages, ext.PageCount())

	pd := arena.emap.lookup(uintptr(ptr))
	require.True(t, pd.Valid())

	arena.Free(ptr, pd)
}

func TestArenaHugeFreeReleasesLeadingWithoutCorruptingLiveTail(t *testing.T) {
	region := newTestRegionProvider()
	arena := newArena(0, region, newEmap(), slog.Default())

	pages := uint32(PagesInHugePage + 10)
	hugePtr, _ := arena.AllocLarge(uintptr(pages) * PageSize)
	require.NotNil(t, hugePtr)

	// Carve a small allocation out of the huge allocation's tail HPD before
	// freeing the huge extent, so the tail page stays live (and mapped)
	// after the free below releases only the leading whole huge page.
	tailPtr, tailPD := arena.AllocSmall(16)
	require.NotNil(t, tailPtr)

	const marker = byte(0xCD)
	*(*byte)(tailPtr) = marker

	hugePD := arena.emap.lookup(uintptr(hugePtr))
	arena.Free(hugePtr, hugePD)

	require.Equal(t, marker, *(*byte)(tailPtr),
		"freeing the huge extent's leading pages must not corrupt the still-live tail allocation")

	arena.Free(tailPtr, tailPD)
}

func TestArenaReleasesEmptyHugePageBackToRegion(t *testing.T) {
	region := newTestRegionProvider()
	arena := newArena(0, region, newEmap(), slog.Default())

	ptr, ext := arena.AllocLarge(PageSize)
	require.NotNil(t, ptr)

	pd := arena.emap.lookup(uintptr(ptr))
	arena.Free(ptr, pd)

	require.Equal(t, region.acquire, region.release, "a fully-freed huge page must be returned to the region provider")
}
