//go:build !unix

package rdma

import (
	"fmt"
	"os"
	"unsafe"
)

// PageAllocator hands out page-aligned, zero-filled slices from the Go heap.
// Lock is ignored on platforms without mlock.
type PageAllocator struct {
	Lock bool
}

// Allocate returns size zero-filled bytes starting on a page boundary.
func (a PageAllocator) Allocate(size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: size %d", ErrInvalidArgument, size)
	}

	page := os.Getpagesize()
	raw := make([]byte, size+page)

	off := 0
	if rem := int(uintptr(unsafe.Pointer(&raw[0])) % uintptr(page)); rem != 0 {
		off = page - rem
	}

	return raw[off : off+size : off+size], nil
}

// Free drops the reference; the garbage collector reclaims the memory.
func (a PageAllocator) Free([]byte) error {
	return nil
}
