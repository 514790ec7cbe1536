package allocator

import (
	"sync"
	"unsafe"
)

// testRegionProvider backs every acquisition with a plain heap slice,
// independent of the platform mmap path, so arena/bin tests stay
// deterministic and fast (mirrors sliceRegionProvider's approach, per
// region_other.go's own fallback design, including its remaining-length
// bookkeeping so a huge allocation's leading-pages release doesn't let the
// GC collect a still-live tail).
// testOwnedRegion is this file's own copy of the remaining-length bookkeeping
// struct: region_other.go's ownedRegion only exists on !unix builds, but this
// test double is compiled alongside the unix-tagged provider too, so it
// cannot share that type without a duplicate declaration on non-unix builds.
type testOwnedRegion struct {
	buf       []byte
	remaining int
}

type testRegionProvider struct {
	mu      sync.Mutex
	owned   map[uintptr]testOwnedRegion
	acquire int
	release int
}

func newTestRegionProvider() *testRegionProvider {
	return &testRegionProvider{owned: make(map[uintptr]testOwnedRegion)}
}

func (p *testRegionProvider) Acquire(hpd *HugePageDescriptor, extraHugePages uint32) bool {
	length := int(uintptr(extraHugePages+1) * HugePageSize)
	buf := make([]byte, length+int(HugePageSize))
	raw := uintptr(unsafe.Pointer(&buf[0]))
	aligned := (raw + HugePageSize - 1) &^ (HugePageSize - 1)

	hpd.Base = aligned

	p.mu.Lock()
	p.owned[aligned] = testOwnedRegion{buf: buf, remaining: length}
	p.acquire++
	p.mu.Unlock()

	return true
}

func (p *testRegionProvider) Release(base uintptr, hugePageCount uint32) {
	releaseLength := int(uintptr(hugePageCount) * HugePageSize)

	p.mu.Lock()
	defer func() { p.release++; p.mu.Unlock() }()

	region, ok := p.owned[base]
	if !ok {
		return
	}

	delete(p.owned, base)

	if region.remaining > releaseLength {
		p.owned[base+uintptr(releaseLength)] = testOwnedRegion{
			buf:       region.buf,
			remaining: region.remaining - releaseLength,
		}
	}
}
