//go:build unix && !linux

package allocator

// MAP_HUGETLB has no portable equivalent outside Linux in golang.org/x/sys/unix;
// darwin/bsd targets fall straight through to a plain anonymous mapping.
func mapHugeTLBFlag() int { return 0 }
