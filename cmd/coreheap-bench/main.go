// Command coreheap-bench drives the ThreadCache entry point with a small,
// reproducible allocation workload, so the allocator core can be exercised
// end to end rather than only through unit tests.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"time"
	"unsafe"

	"github.com/dsm9000/coreheap/internal/allocator"
)

func main() {
	var (
		arenaCount = flag.Int("arenas", 4, "number of arenas")
		iterations = flag.Int("iterations", 100000, "number of alloc/free cycles")
		minSize    = flag.Int("min-size", 8, "minimum allocation size in bytes")
		maxSize    = flag.Int("max-size", 8192, "maximum allocation size in bytes")
		live       = flag.Int("live", 512, "number of allocations kept live at a time")
		appendable = flag.Bool("appendable", false, "exercise the appendable/finalizable protocol instead of plain alloc/free")
		verbose    = flag.Bool("verbose", false, "lower the log level from Warn to Info, so the final stats are printed")
		seed       = flag.Int64("seed", 1, "PRNG seed, for a reproducible workload")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "coreheap-bench exercises the allocator core with a randomized alloc/free workload.\n\n")
		fmt.Fprintf(os.Stderr, "OPTIONS:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelInfo
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	heap, err := allocator.New(
		allocator.WithArenaCount(*arenaCount),
		allocator.WithLogger(logger),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "coreheap-bench: %v\n", err)
		os.Exit(1)
	}

	tc := allocator.NewThreadCache(heap)
	rng := rand.New(rand.NewSource(*seed))

	start := time.Now()
	run(tc, rng, *iterations, *minSize, *maxSize, *live, *appendable)
	elapsed := time.Since(start)

	stats := heap.Stats()
	logger.Info("coreheap-bench finished",
		"iterations", *iterations,
		"arenas", stats.ArenaCount,
		"allocations", stats.AllocationCount,
		"frees", stats.FreeCount,
		"elapsed", elapsed,
	)
}

func run(tc *allocator.ThreadCache, rng *rand.Rand, iterations, minSize, maxSize, liveTarget int, appendable bool) {
	liveSet := make([]liveAlloc, 0, liveTarget)

	randSize := func() uintptr {
		return uintptr(minSize + rng.Intn(maxSize-minSize+1))
	}

	for i := 0; i < iterations; i++ {
		if len(liveSet) >= liveTarget {
			idx := rng.Intn(len(liveSet))
			freeOne(tc, liveSet[idx])
			liveSet[idx] = liveSet[len(liveSet)-1]
			liveSet = liveSet[:len(liveSet)-1]

			continue
		}

		size := randSize()
		containsPointers := rng.Intn(4) == 0

		if appendable {
			used := size / 2
			ptr := tc.AllocAppendable(used, containsPointers, false, nil)
			if ptr == nil {
				continue
			}

			liveSet = append(liveSet, liveAlloc{ptr: ptr, used: used, appendable: true})

			continue
		}

		ptr := tc.Alloc(size, containsPointers, true)
		if ptr == nil {
			continue
		}

		liveSet = append(liveSet, liveAlloc{ptr: ptr})
	}

	for _, a := range liveSet {
		freeOne(tc, a)
	}
}

type liveAlloc struct {
	ptr        unsafe.Pointer
	appendable bool
	used       uintptr
}

func freeOne(tc *allocator.ThreadCache, a liveAlloc) {
	if a.appendable {
		tc.Destroy(a.ptr)
		return
	}

	tc.Free(a.ptr)
}
