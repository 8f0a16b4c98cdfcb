package rdma

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/rdmaxfer/internal/metrics"
)

// Resource errors.
var (
	ErrAllocationFailed   = errors.New("memory allocation failed")
	ErrRegistrationFailed = errors.New("memory registration failed")
)

// Allocator provides the backing memory for registered buffers.
type Allocator interface {
	Allocate(size int) ([]byte, error)
	Free(buf []byte) error
}

// Buffer is a registered memory region owned by a ResourceSet.
type Buffer struct {
	Bytes  []byte
	Addr   uint64
	LKey   uint32
	RKey   uint32
	Access int

	mr       VerbsMR
	released bool
	cached   bool // owned by the registration cache
	inUse    bool // handed out by Get and not yet returned by Put
}

// Len returns the buffer length.
func (b *Buffer) Len() int {
	return len(b.Bytes)
}

// SGE returns a scatter/gather entry for length bytes at offset.
func (b *Buffer) SGE(offset, length int) VerbsSGE {
	return VerbsSGE{
		Addr:   b.Addr + uint64(offset),
		Length: uint32(length), //nolint:gosec // G115: bounded by buffer length
		LKey:   b.LKey,
	}
}

// CacheStats counts registration cache activity.
type CacheStats struct {
	Hits          int `json:"hits"`
	Misses        int `json:"misses"`
	Registrations int `json:"registrations"`
	Entries       int `json:"entries"`
}

// ResourceSet owns the registered buffers of one connection. Buffers from
// Acquire live until Release; buffers from Get are returned with Put and
// reused by later Gets of the same size and access.
type ResourceSet struct {
	verbs   VerbsBackend
	pd      VerbsPD
	alloc   Allocator
	mu      sync.Mutex
	buffers []*Buffer
	stats   CacheStats
}

// NewResourceSet creates a set registering against pd.
func NewResourceSet(verbs VerbsBackend, pd VerbsPD, alloc Allocator) *ResourceSet {
	if alloc == nil {
		alloc = PageAllocator{}
	}

	return &ResourceSet{verbs: verbs, pd: pd, alloc: alloc}
}

// Acquire allocates size page-aligned, zero-filled bytes and registers
// them with access. If registration fails the memory is released before
// the error is returned.
func (s *ResourceSet) Acquire(size, access int) (*Buffer, error) {
	buf, err := s.alloc.Allocate(size)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAllocationFailed, err)
	}

	mr, err := s.verbs.RegMR(s.pd, buf, access)
	if err != nil {
		if ferr := s.alloc.Free(buf); ferr != nil {
			log.Error().Err(ferr).Msg("Failed to release memory after registration failure")
		}

		return nil, fmt.Errorf("%w: %w", ErrRegistrationFailed, err)
	}

	info, err := s.verbs.QueryMR(mr)
	if err != nil {
		_ = s.verbs.DeregMR(mr)
		_ = s.alloc.Free(buf)

		return nil, fmt.Errorf("%w: %w", ErrRegistrationFailed, err)
	}

	b := &Buffer{
		Bytes:  buf,
		Addr:   info.Addr,
		LKey:   info.LKey,
		RKey:   info.RKey,
		Access: access,
		mr:     mr,
	}

	s.mu.Lock()
	s.buffers = append(s.buffers, b)
	s.mu.Unlock()

	metrics.AddRegisteredBytes(size)

	log.Debug().
		Int("size", size).
		Uint64("addr", b.Addr).
		Uint32("rkey", b.RKey).
		Msg("Registered buffer")

	return b, nil
}

// Get returns a registered buffer of size bytes with access, reusing a free
// cached one when possible. Reused buffers keep their previous contents.
func (s *ResourceSet) Get(size, access int) (*Buffer, error) {
	s.mu.Lock()
	for _, b := range s.buffers {
		if b.cached && !b.inUse && !b.released && b.Len() == size && b.Access == access {
			b.inUse = true
			s.stats.Hits++
			s.mu.Unlock()

			metrics.RecordMRCacheLookup(true)

			return b, nil
		}
	}
	s.mu.Unlock()

	b, err := s.Acquire(size, access)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	b.cached = true
	b.inUse = true
	s.stats.Misses++
	s.stats.Registrations++
	s.stats.Entries++
	s.mu.Unlock()

	metrics.RecordMRCacheLookup(false)

	return b, nil
}

// Put returns a buffer obtained from Get to the cache. The registration is
// kept until Release.
func (s *ResourceSet) Put(b *Buffer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b.cached {
		b.inUse = false
	}
}

// CacheStats returns the registration cache counters.
func (s *ResourceSet) CacheStats() CacheStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.stats
}

// Release deregisters every buffer and then frees its memory. Buffers that
// were already released are skipped, so calling Release twice is a no-op.
func (s *ResourceSet) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, b := range s.buffers {
		if b.released {
			continue
		}

		if err := s.verbs.DeregMR(b.mr); err != nil {
			errs = append(errs, fmt.Errorf("deregister %d bytes: %w", b.Len(), err))
			continue
		}

		if err := s.alloc.Free(b.Bytes); err != nil {
			errs = append(errs, fmt.Errorf("free %d bytes: %w", b.Len(), err))
		}

		metrics.AddRegisteredBytes(-b.Len())
		b.released = true
		b.Bytes = nil
		if b.cached {
			s.stats.Entries--
		}
	}

	return errors.Join(errs...)
}

// Buffers returns the number of buffers still registered.
func (s *ResourceSet) Buffers() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, b := range s.buffers {
		if !b.released {
			n++
		}
	}

	return n
}
