package allocator

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestThreadCacheArenaIndexRoundRobinsAndTagsPointers(t *testing.T) {
	tc := &ThreadCache{numCPU: 4}

	a := tc.arenaIndex(false)
	b := tc.arenaIndex(true)

	require.Equal(t, 0, a&1, "containsPointers=false must clear the low bit")
	require.Equal(t, 1, b&1, "containsPointers=true must set the low bit")
	require.NotEqual(t, a>>1, b>>1, "consecutive calls must route to different CPU slots")
}

func TestThreadCacheAllocZeroesMemory(t *testing.T) {
	h := newTestHeap(t)
	tc := NewThreadCache(h)

	ptr := tc.Alloc(64, false, false)
	require.NotNil(t, ptr)

	buf := unsafe.Slice((*byte)(ptr), 64)
	for i := range buf {
		buf[i] = 0xAB
	}

	tc.Free(ptr)

	ptr = tc.Alloc(64, false, true)
	require.NotNil(t, ptr)

	buf = unsafe.Slice((*byte)(ptr), 64)
	for _, b := range buf {
		require.Equal(t, byte(0), b)
	}
}

func TestThreadCacheReallocGrowsWithCopy(t *testing.T) {
	h := newTestHeap(t)
	tc := NewThreadCache(h)

	ptr := tc.Alloc(16, false, false)
	require.NotNil(t, ptr)

	buf := unsafe.Slice((*byte)(ptr), 16)
	for i := range buf {
		buf[i] = byte(i + 1)
	}

	grown := tc.Realloc(ptr, 4096, false)
	require.NotNil(t, grown)

	grownBuf := unsafe.Slice((*byte)(grown), 16)
	for i := range grownBuf {
		require.Equal(t, byte(i+1), grownBuf[i])
	}
}

func TestThreadCacheReallocNilActsAsAlloc(t *testing.T) {
	h := newTestHeap(t)
	tc := NewThreadCache(h)

	ptr := tc.Realloc(nil, 32, false)
	require.NotNil(t, ptr)
}

func TestThreadCacheReallocZeroSizeActsAsFree(t *testing.T) {
	h := newTestHeap(t)
	tc := NewThreadCache(h)

	ptr := tc.Alloc(32, false, false)
	require.NotNil(t, ptr)

	result := tc.Realloc(ptr, 0, false)
	require.Nil(t, result)

	_, ok := h.Lookup(ptr)
	require.False(t, ok)
}
