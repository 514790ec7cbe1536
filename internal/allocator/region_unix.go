//go:build unix

package allocator

import (
	"log/slog"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// mmapRegionProvider backs HPDs with real anonymous mappings via
// golang.org/x/sys/unix, the way the teacher codebase reaches for
// golang.org/x/sys/unix for other platform-facing I/O (e.g.
// internal/runtime/asyncio's zerocopy_unix_file.go and
// kqueue_poller_bsd.go). It attempts MAP_HUGETLB on Linux first and falls
// back to a plain anonymous mapping when the kernel refuses (no hugetlbfs
// pages reserved is a common, non-fatal outcome).
type mmapRegionProvider struct {
	mu     sync.Mutex
	mapped map[uintptr]int // base -> length in bytes not yet released
	logger *slog.Logger
}

// NewMmapRegionProvider constructs the default production RegionProvider.
func NewMmapRegionProvider(logger *slog.Logger) RegionProvider {
	if logger == nil {
		logger = slog.Default()
	}

	return &mmapRegionProvider{
		mapped: make(map[uintptr]int),
		logger: logger,
	}
}

func (p *mmapRegionProvider) Acquire(hpd *HugePageDescriptor, extraHugePages uint32) bool {
	length := int(uintptr(extraHugePages+1) * HugePageSize)

	base, ok := p.mmapAnon(length, true)
	if !ok {
		base, ok = p.mmapAnon(length, false)
		if !ok {
			p.logger.Warn("coreheap: region acquire failed", "pages", extraHugePages+1)
			return false
		}
	}

	hpd.Base = base

	p.mu.Lock()
	p.mapped[base] = length
	p.mu.Unlock()

	return true
}

// Release unmaps exactly hugePageCount huge pages starting at base. A
// single Acquire call's mapping can outlive more than one Release: allocHuge
// splits one acquired mapping into whole leading huge pages (released
// immediately when the huge extent frees) plus a tail HPD that keeps
// serving other allocations until it empties on its own, so base here may
// name only a prefix of a larger mapping. munmap tolerates unmapping a
// sub-range of an existing mapping (it splits the VMA), so only the
// released bytes are torn down and the remainder, tracked under its new
// base, stays live and mapped.
func (p *mmapRegionProvider) Release(base uintptr, hugePageCount uint32) {
	releaseLength := int(uintptr(hugePageCount) * HugePageSize)

	p.mu.Lock()
	if remaining, ok := p.mapped[base]; ok {
		delete(p.mapped, base)

		if remaining > releaseLength {
			p.mapped[base+uintptr(releaseLength)] = remaining - releaseLength
		}
	}
	p.mu.Unlock()

	data := unsafe.Slice((*byte)(unsafe.Pointer(base)), releaseLength)
	if err := unix.Munmap(data); err != nil {
		p.logger.Warn("coreheap: munmap failed", "err", err)
	}
}

func (p *mmapRegionProvider) mmapAnon(length int, wantHuge bool) (uintptr, bool) {
	flags := unix.MAP_PRIVATE | unix.MAP_ANON

	if wantHuge {
		flags |= mapHugeTLBFlag()
	}

	data, err := unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, flags)
	if err != nil {
		return 0, false
	}

	return uintptr(unsafe.Pointer(&data[0])), true
}
