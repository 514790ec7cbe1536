//go:build !unix

package allocator

import (
	"log/slog"
	"sync"
	"unsafe"
)

// sliceRegionProvider is the portable fallback used on platforms without
// golang.org/x/sys/unix mmap support, mirroring the teacher's own
// platform-split pattern (e.g. zerocopy_windows_file.go alongside
// zerocopy_unix_file.go): a plain heap-backed, page-aligned byte slice
// stands in for a real huge-page mapping.
type sliceRegionProvider struct {
	mu     sync.Mutex
	owned  map[uintptr]ownedRegion // current base -> not-yet-released remainder
	logger *slog.Logger
}

// ownedRegion keeps the full backing buffer reachable (so Go's GC can't
// collect it via hpd.Base, which is only a uintptr, not a real pointer)
// for as long as any part of the mapping it came from is still live.
type ownedRegion struct {
	buf       []byte
	remaining int
}

// NewMmapRegionProvider constructs the default RegionProvider for this
// platform; the name is kept stable across build tags so callers never
// need platform-specific construction code.
func NewMmapRegionProvider(logger *slog.Logger) RegionProvider {
	if logger == nil {
		logger = slog.Default()
	}

	return &sliceRegionProvider{owned: make(map[uintptr]ownedRegion), logger: logger}
}

func (p *sliceRegionProvider) Acquire(hpd *HugePageDescriptor, extraHugePages uint32) bool {
	length := int(uintptr(extraHugePages+1) * HugePageSize)

	// Over-allocate by a full huge page, not just one page: the aligned
	// base below can advance by up to HugePageSize-1 bytes, and reserving
	// only a page of slack would let the aligned region run past buf's
	// backing array.
	buf := make([]byte, length+int(HugePageSize))
	raw := uintptr(unsafe.Pointer(&buf[0]))
	aligned := (raw + HugePageSize - 1) &^ (HugePageSize - 1)

	hpd.Base = aligned

	p.mu.Lock()
	p.owned[aligned] = ownedRegion{buf: buf, remaining: length}
	p.mu.Unlock()

	return true
}

// Release logically unmaps hugePageCount huge pages starting at base. As
// with the real mmap-backed provider, one Acquire's region can be released
// in more than one call (allocHuge's leading huge pages go first, its tail
// HPD's huge page later, once that HPD empties on its own) — the backing
// buf is only dropped, and so only eligible for collection, once every
// byte of the original mapping has been accounted for.
func (p *sliceRegionProvider) Release(base uintptr, hugePageCount uint32) {
	releaseLength := int(uintptr(hugePageCount) * HugePageSize)

	p.mu.Lock()
	defer p.mu.Unlock()

	region, ok := p.owned[base]
	if !ok {
		return
	}

	delete(p.owned, base)

	if region.remaining > releaseLength {
		p.owned[base+uintptr(releaseLength)] = ownedRegion{
			buf:       region.buf,
			remaining: region.remaining - releaseLength,
		}
	}
}
