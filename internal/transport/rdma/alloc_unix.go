//go:build unix

package rdma

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// PageAllocator hands out page-aligned anonymous mappings outside the Go
// heap, so registered memory never moves. With Lock set the pages are
// pinned with mlock.
type PageAllocator struct {
	Lock bool
}

// Allocate maps size zero-filled bytes.
func (a PageAllocator) Allocate(size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: size %d", ErrInvalidArgument, size)
	}

	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w", size, err)
	}

	if a.Lock {
		if err := unix.Mlock(buf); err != nil {
			_ = unix.Munmap(buf)
			return nil, fmt.Errorf("mlock %d bytes: %w", size, err)
		}
	}

	return buf, nil
}

// Free unmaps memory returned by Allocate.
func (a PageAllocator) Free(buf []byte) error {
	if a.Lock {
		_ = unix.Munlock(buf)
	}

	return unix.Munmap(buf)
}
