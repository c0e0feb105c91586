package rawbuf

import (
	"errors"
	"fmt"
	"unsafe"
)

// ErrHeapLimit is returned by GoAllocator for blocks larger than its configured limit.
var ErrHeapLimit = errors.New("allocation exceeds heap limit")

type GoAllocatorConfig struct {
	// Largest block in bytes the allocator will request from the Go heap,
	// alignment padding included.
	MaxBytes int
}

func DefaultGoAllocatorConfig() GoAllocatorConfig {
	return GoAllocatorConfig{
		MaxBytes: 1 << 32, // 4 GiB.
	}
}

// GoAllocator allocates memory from the Go heap. Blocks are reclaimed by the
// garbage collector, so Deallocate is a no-op. It is safe for concurrent use.
//
// Blocks are byte slices and are not scanned for pointers; as with off-heap
// memory, element types must not contain Go pointers.
//
// The Go runtime terminates the process when the heap cannot be extended, and
// that failure cannot be recovered. Requests above MaxBytes fail with
// ErrHeapLimit instead; requests below it that exhaust memory remain fatal.
// Use MmapAllocator where exhaustion must surface as an error.
type GoAllocator struct {
	maxBytes int
}

func NewGoAllocator(config GoAllocatorConfig) *GoAllocator {
	return &GoAllocator{maxBytes: config.MaxBytes}
}

// MaxBytes returns the largest block the allocator will request.
func (a *GoAllocator) MaxBytes() int {
	return a.maxBytes
}

// alignOffset returns the number of bytes to skip from the start of buf
// to reach an address aligned to align.
func alignOffset(buf []byte, align int) int {
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	mask := uintptr(align - 1)
	return int((uintptr(align) - addr&mask) & mask)
}

// Allocate implements Allocator. Go memory is always zeroed.
func (a *GoAllocator) Allocate(l Layout) (b []byte, err error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	// Validate bounds Size by MaxSize-(Align-1), so the padded length cannot overflow.
	n := l.Size + l.Align - 1
	if n > a.maxBytes {
		return nil, fmt.Errorf("%w: %d > %d", ErrHeapLimit, n, a.maxBytes)
	}
	defer func() {
		// Only makeslice's length check panics; a heap that cannot grow is a fatal throw.
		if r := recover(); r != nil {
			b, err = nil, fmt.Errorf("cannot allocate %d bytes on the heap: %v", l.Size, r)
		}
	}()
	buf := make([]byte, n) // Padding for alignment.
	shift := alignOffset(buf, l.Align)
	return buf[shift : shift+l.Size : shift+l.Size], nil
}

// AllocateZeroed implements Allocator.
func (a *GoAllocator) AllocateZeroed(l Layout) ([]byte, error) {
	return a.Allocate(l)
}

// Grow implements Allocator. Growing always moves the block to a new allocation.
func (a *GoAllocator) Grow(b []byte, old, new Layout) ([]byte, error) {
	nb, err := a.Allocate(new)
	if err != nil {
		return nil, err
	}
	copy(nb, b[:old.Size])
	return nb, nil
}

// Deallocate implements Allocator.
func (a *GoAllocator) Deallocate(b []byte, l Layout) {}

var (
	_ Allocator = (*GoAllocator)(nil)
	_ Allocator = (*MmapAllocator)(nil)
)
