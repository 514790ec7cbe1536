// Package allocator implements coreheap's arena/bin/extent allocator core:
// size-classed slabs backed by huge-page-aligned regions, a page-to-descriptor
// radix map, and an appendable/finalizable metadata protocol layered over
// both small (slab slot) and large allocations.
package allocator

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"unsafe"
)

// Config configures a Heap.
type Config struct {
	ArenaCount int
	Logger     *slog.Logger
	Region     RegionProvider
}

type Option func(*Config)

func defaultConfig() *Config {
	return &Config{
		ArenaCount: 4,
	}
}

// WithArenaCount sets the number of independent arenas the heap routes
// allocations across.
func WithArenaCount(n int) Option {
	return func(c *Config) { c.ArenaCount = n }
}

// WithLogger overrides the heap's structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

// WithRegionProvider overrides the backing region provider, primarily for
// tests that want a deterministic, non-mmap-backed provider.
func WithRegionProvider(r RegionProvider) Option {
	return func(c *Config) { c.Region = r }
}

// Stats reports point-in-time counters for a Heap.
type Stats struct {
	ArenaCount      int
	AllocationCount uint64
	FreeCount       uint64
}

// Heap is the top-level allocator entry point (spec.md §1, §4.1): a fixed
// set of arenas plus the shared page-to-descriptor map that lets Free
// and the appendable/finalizable operations recover an allocation's
// metadata from a bare pointer.
type Heap struct {
	config *Config
	emap   *emap
	arenas []*Arena

	allocCount counter
	freeCount  counter
}

// New constructs a Heap ready to serve allocations.
func New(options ...Option) (*Heap, error) {
	config := defaultConfig()
	for _, opt := range options {
		opt(config)
	}

	if config.ArenaCount <= 0 {
		return nil, fmt.Errorf("allocator: ArenaCount must be positive, got %d", config.ArenaCount)
	}

	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	if config.Region == nil {
		config.Region = NewMmapRegionProvider(config.Logger)
	}

	h := &Heap{
		config: config,
		emap:   newEmap(),
		arenas: make([]*Arena, config.ArenaCount),
	}

	for i := range h.arenas {
		h.arenas[i] = newArena(uint16(i), config.Region, h.emap, config.Logger)
	}

	return h, nil
}

// GlobalHeap is the process-wide default Heap, lazily created by
// Initialize; direct construction via New is preferred for anything that
// needs multiple independent heaps (e.g. tests).
var GlobalHeap *Heap

// Initialize sets up GlobalHeap with the given options.
func Initialize(options ...Option) error {
	h, err := New(options...)
	if err != nil {
		return err
	}

	GlobalHeap = h

	return nil
}

// Arena returns the arena at index, wrapping around ArenaCount the way a
// thread cache's CPU-derived index does (spec.md §4.6).
func (h *Heap) Arena(index int) *Arena {
	return h.arenas[index%len(h.arenas)]
}

// ArenaCount reports how many arenas this heap routes across.
func (h *Heap) ArenaCount() int { return len(h.arenas) }

// Alloc allocates size bytes from the given arena index, choosing the
// small, large, or huge path by size (spec.md §4.1).
func (h *Heap) Alloc(arenaIndex int, size uintptr) unsafe.Pointer {
	if size == 0 {
		return nil
	}

	arena := h.Arena(arenaIndex)

	var ptr unsafe.Pointer

	if IsSmall(size) {
		ptr, _ = arena.AllocSmall(size)
	} else {
		ptr, _ = arena.AllocLarge(size)
	}

	if ptr != nil {
		h.allocCount.add(1)
	}

	return ptr
}

// Free releases ptr, looking up its owning arena and extent via the
// shared page map (spec.md §4.1, §4.4).
func (h *Heap) Free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}

	pd := h.emap.lookup(uintptr(ptr))
	if !pd.Valid() {
		panic("allocator: free of an untracked pointer")
	}

	arena := h.arenas[pd.ArenaIndex()]
	arena.Free(ptr, pd)

	h.freeCount.add(1)
}

// Lookup exposes the raw page descriptor for ptr, for the metadata layer
// and GC collaborators (spec.md §4.4, §4.5).
func (h *Heap) Lookup(ptr unsafe.Pointer) (PageDescriptor, bool) {
	pd := h.emap.lookup(uintptr(ptr))
	return pd, pd.Valid()
}

// Resize grows or shrinks a large, non-slab allocation in place. Small
// (slab-resident) allocations cannot be resized in place; callers must
// alloc-copy-free (spec.md §4.1).
func (h *Heap) Resize(ptr unsafe.Pointer, newSize uintptr) bool {
	pd := h.emap.lookup(uintptr(ptr))
	if !pd.Valid() || pd.IsSlab() {
		return false
	}

	arena := h.arenas[pd.ArenaIndex()]

	return arena.ResizeLarge(pd.Extent(), newSize)
}

// Stats reports current allocation counters.
func (h *Heap) Stats() Stats {
	return Stats{
		ArenaCount:      len(h.arenas),
		AllocationCount: h.allocCount.load(),
		FreeCount:       h.freeCount.load(),
	}
}

// ForEachExtent enumerates every live extent across all arenas, for a
// tracing garbage collector's mark pass to call; coreheap itself does no
// scanning or marking (spec.md §1, §9 — collect() is explicitly out of
// scope).
func (h *Heap) ForEachExtent(fn func(*Extent) bool) {
	h.emap.forEachExtent(fn)
}

// counter is a tiny atomic-uint64 wrapper.
type counter struct{ v uint64 }

func (c *counter) add(n uint64) { atomic.AddUint64(&c.v, n) }
func (c *counter) load() uint64 { return atomic.LoadUint64(&c.v) }
