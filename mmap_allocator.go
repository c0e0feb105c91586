package rawbuf

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/holmberd/go-rawbuf/internal/layout"
)

var (
	// DefaultAllocator is the process-wide allocator for off-heap buffers.
	DefaultAllocator = NewMmapAllocator(DefaultMmapAllocatorConfig())

	ErrUnsupportedAlignment = errors.New("alignment exceeds page size")
)

type MmapAllocatorConfig struct {
	// Number of free mappings of each size the allocator can hold before starting to
	// release memory. A value <= 0 releases mappings as soon as they are deallocated.
	FreeThreshold int
}

func DefaultMmapAllocatorConfig() MmapAllocatorConfig {
	return MmapAllocatorConfig{
		FreeThreshold: 16,
	}
}

// MmapAllocator allocates off-heap memory from anonymous private mappings.
// It is safe for concurrent use by multiple goroutines.
//
// Every allocation is rounded up to a whole number of pages and is therefore page
// aligned. Deallocated mappings are kept on a free list per mapping size and reused
// by later allocations of the same size.
//
// Mapped memory is invisible to the garbage collector: it must not be used to
// store Go pointers.
type MmapAllocator struct {
	mu       sync.Mutex
	pageSize int
	free     map[int][][]byte // Mapping size -> free mappings.

	// freeThreshold represents the number of free mappings for each size the
	// allocator can hold before starting to release memory.
	freeThreshold int
}

// NewMmapAllocator creates a new allocator with empty free lists.
func NewMmapAllocator(config MmapAllocatorConfig) *MmapAllocator {
	return &MmapAllocator{
		pageSize:      unix.Getpagesize(),
		free:          make(map[int][][]byte),
		freeThreshold: config.FreeThreshold,
	}
}

// PageSize returns the granularity of every mapping.
func (a *MmapAllocator) PageSize() int {
	return a.pageSize
}

// mappingSize returns size rounded up to a whole number of pages.
func (a *MmapAllocator) mappingSize(size int) int {
	return (size + a.pageSize - 1) &^ (a.pageSize - 1)
}

func (a *MmapAllocator) check(l Layout) error {
	if err := l.Validate(); err != nil {
		return err
	}
	if l.Align > a.pageSize {
		return fmt.Errorf("%w: %d > %d", ErrUnsupportedAlignment, l.Align, a.pageSize)
	}
	if l.Size > layout.MaxSize-(a.pageSize-1) {
		return fmt.Errorf("%w: cannot map %d bytes: exceeds addressable range", ErrLayout, l.Size)
	}
	return nil
}

// Allocate implements Allocator. The contents of the block are unspecified.
func (a *MmapAllocator) Allocate(l Layout) ([]byte, error) {
	return a.alloc(l, false)
}

// AllocateZeroed implements Allocator.
func (a *MmapAllocator) AllocateZeroed(l Layout) ([]byte, error) {
	return a.alloc(l, true)
}

func (a *MmapAllocator) alloc(l Layout, zeroed bool) ([]byte, error) {
	if err := a.check(l); err != nil {
		return nil, err
	}
	if l.Size == 0 {
		return []byte{}, nil
	}
	size := a.mappingSize(l.Size)

	a.mu.Lock()
	var m []byte
	if n := len(a.free[size]); n > 0 {
		m = a.free[size][n-1]
		a.free[size][n-1] = nil
		a.free[size] = a.free[size][:n-1]
	}
	a.mu.Unlock()

	if m != nil {
		if zeroed {
			clear(m) // Fresh mappings are zero-filled, reused ones are not.
		}
		return m[:l.Size], nil
	}

	// Use unix.Mmap to allocate virtual memory that is not part of the Go heap.
	m, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE,
	)
	if err != nil {
		return nil, fmt.Errorf("cannot allocate %d bytes via mmap: %w", size, err)
	}
	return m[:l.Size], nil
}

// Grow implements Allocator. The block is resized in place while the new size
// fits within the pages already mapped for it.
func (a *MmapAllocator) Grow(b []byte, old, new Layout) ([]byte, error) {
	if err := a.check(new); err != nil {
		return nil, err
	}
	if old.Size > 0 {
		if mapped := a.mappingSize(old.Size); new.Size <= mapped {
			return unsafe.Slice(unsafe.SliceData(b), mapped)[:new.Size], nil
		}
	}

	nb, err := a.alloc(new, false)
	if err != nil {
		return nil, err
	}
	copy(nb, b[:old.Size])
	a.Deallocate(b, old)
	return nb, nil
}

// Deallocate implements Allocator. The mapping is put on the free list for its
// size; if the list exceeds the free threshold, part of it is unmapped.
func (a *MmapAllocator) Deallocate(b []byte, l Layout) {
	if l.Size == 0 || cap(b) == 0 {
		return
	}
	size := a.mappingSize(l.Size)
	m := unsafe.Slice(unsafe.SliceData(b), size)
	var mappingsToUnmap [][]byte

	a.mu.Lock()
	a.free[size] = append(a.free[size], m)
	a.free[size], mappingsToUnmap = releaseMappings(a.free[size], a.freeThreshold)
	a.mu.Unlock()

	// Perform unmap outside of the lock to avoid blocking other operations.
	for _, m := range mappingsToUnmap {
		a.unmap(m)
	}
}

// Purge unmaps every mapping held on the free lists.
func (a *MmapAllocator) Purge() {
	a.mu.Lock()
	free := a.free
	a.free = make(map[int][][]byte)
	a.mu.Unlock()

	for _, list := range free {
		for _, m := range list {
			a.unmap(m)
		}
	}
}

// unmap releases the memory of a mapping back to the operating system.
func (a *MmapAllocator) unmap(m []byte) {
	if err := unix.Munmap(m); err != nil {
		slog.Error("failed to unmap memory", "size", len(m), "error", err)
	}
}

// numFree returns the number of free mappings of a given mapping size.
// It is primarily intended as helper method in tests.
func (a *MmapAllocator) numFree(size int) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.free[size])
}

// releaseMappings trims the free list if it exceeds the given threshold.
// It returns the updated list and a list of any mappings that were removed and should be unmapped.
func releaseMappings(freeList [][]byte, threshold int) (newList [][]byte, toUnmap [][]byte) {
	if threshold <= 0 {
		return nil, freeList
	}
	if len(freeList) > threshold {
		// Release half of the free mappings to prevent thrashing around the threshold.
		freeCount := len(freeList) / 2
		toUnmap = freeList[:freeCount]
		newList = freeList[freeCount:]
		return newList, toUnmap
	}
	return freeList, nil
}
