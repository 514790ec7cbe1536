package allocator

import "fmt"

// RegionProvider is the external collaborator (spec.md §6) that hands out
// huge-page-aligned regions on demand and accepts them back on release.
// The core never inspects how a region is backed; it only needs a stable
// base address and the ability to give the region back.
type RegionProvider interface {
	// Acquire hands hpd a region of 1+extraHugePages contiguous huge pages
	// and reports whether the request succeeded.
	Acquire(hpd *HugePageDescriptor, extraHugePages uint32) bool

	// Release returns a region of hugePageCount contiguous huge pages
	// starting at base.
	Release(base uintptr, hugePageCount uint32)
}

// ErrOutOfMemory names the out-of-memory condition. No code in this package
// returns it: a region provider that cannot satisfy an Acquire call reports
// false, and the arena turns that into a nil allocation result per spec.md §7.
var ErrOutOfMemory = fmt.Errorf("coreheap: out of memory")
