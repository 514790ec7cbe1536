//go:build linux

package allocator

import "golang.org/x/sys/unix"

func mapHugeTLBFlag() int { return unix.MAP_HUGETLB }
