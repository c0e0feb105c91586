// Package rawbuf implements a growable raw memory buffer.
//
// A Buffer owns a single contiguous allocation sized for a number of elements of
// type T, its capacity, without tracking how many of those elements are initialized.
// It is meant to sit beneath a collection that keeps its own logical length and is
// responsible for constructing, reading and destroying the elements it stores.
package rawbuf

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"unsafe"

	"github.com/holmberd/go-rawbuf/internal/layout"
)

var (
	// ErrLayout reports a size or alignment that cannot describe a block of memory.
	ErrLayout = layout.ErrLayout
	// ErrCapacityOverflow reports a request larger than the configured byte limit.
	ErrCapacityOverflow = layout.ErrCapacityOverflow
	// ErrAllocation reports that the allocator failed or returned an unusable block.
	// The allocator's own error, if any, is wrapped alongside it.
	ErrAllocation = errors.New("memory allocation failed")
)

// Layout describes the size and alignment of a block of memory, in bytes.
type Layout = layout.Layout

// placeholder backs the address reported for buffers without an allocation.
// Go types are never aligned beyond 8 bytes, so its address suits any T.
var placeholder uint64

// minNonZeroCap returns the smallest capacity a growing buffer allocates for
// elements of the given size. Small elements start larger to avoid repeated tiny
// reallocations, large elements start at one to avoid over-allocating.
func minNonZeroCap(elemSize int) int {
	switch {
	case elemSize == 1:
		return 8
	case elemSize <= 1024:
		return 4
	default:
		return 1
	}
}

// Buffer is a raw, growable allocation for elements of type T, obtained from A.
//
// A Buffer has exactly one owner, the only party allowed to Release it or Take its
// allocation. It is not safe for concurrent use, and must not be copied once it holds
// an allocation; use Take to move it instead.
//
// The garbage collector does not scan memory handed out by an Allocator for
// pointers, so T must not contain Go pointers.
type Buffer[T any, A Allocator] struct {
	logger   *slog.Logger
	alloc    A
	elem     Layout // Layout of T.
	maxBytes int    // Largest allocation size accepted by the guard.

	// mem is the live allocation as returned by the allocator, or nil when there is none.
	// It is nil whenever cap is 0 or T is zero-sized.
	mem []byte
	cap int
}

// New creates an empty Buffer with capacity zero. It does not allocate.
// It panics if config is invalid.
func New[T any, A Allocator](alloc A, config Config) *Buffer[T, A] {
	if err := config.Validate(); err != nil {
		panic(err)
	}
	return &Buffer[T, A]{
		logger:   config.Logger,
		alloc:    alloc,
		elem:     layout.Of[T](),
		maxBytes: config.MaxBytes,
	}
}

// Allocate creates a Buffer with room for exactly capacity elements of T.
//
// The error wraps ErrLayout if the capacity cannot be laid out in memory,
// ErrCapacityOverflow if the allocation would exceed config.MaxBytes, and
// ErrAllocation if the allocator could not satisfy the request.
func Allocate[T any, A Allocator](capacity int, init AllocInit, alloc A, config Config) (*Buffer[T, A], error) {
	b := New[T](alloc, config)
	if err := b.allocate(capacity, init); err != nil {
		return nil, err
	}
	return b, nil
}

// WithCapacity creates a Buffer with room for exactly capacity uninitialized elements of T.
func WithCapacity[T any, A Allocator](capacity int, alloc A, config Config) (*Buffer[T, A], error) {
	return Allocate[T](capacity, Uninitialized, alloc, config)
}

// NewDefault creates an empty Buffer on DefaultAllocator with DefaultConfig.
func NewDefault[T any]() *Buffer[T, *MmapAllocator] {
	return New[T](DefaultAllocator, DefaultConfig())
}

// WithCapacityDefault is WithCapacity on DefaultAllocator with DefaultConfig.
func WithCapacityDefault[T any](capacity int) (*Buffer[T, *MmapAllocator], error) {
	return WithCapacity[T](capacity, DefaultAllocator, DefaultConfig())
}

// allocate performs the first allocation of an empty buffer.
func (b *Buffer[T, A]) allocate(capacity int, init AllocInit) error {
	if capacity < 0 {
		return fmt.Errorf("%w: negative capacity %d", ErrLayout, capacity)
	}
	if b.elem.Size == 0 || capacity == 0 {
		return nil // No-op; nothing to allocate.
	}

	l, err := layout.Array(b.elem, capacity)
	if err != nil {
		return err
	}
	if err := layout.Guard(l.Size, b.maxBytes); err != nil {
		return err
	}

	var mem []byte
	switch init {
	case Zeroed:
		mem, err = b.alloc.AllocateZeroed(l)
	default:
		mem, err = b.alloc.Allocate(l)
	}
	if err != nil {
		return fmt.Errorf("%w: %s allocation of %v: %w", ErrAllocation, init, l, err)
	}
	if len(mem) < l.Size || !layout.AlignedAddr(mem, l.Align) {
		if cap(mem) > 0 {
			b.alloc.Deallocate(mem, l)
		}
		return fmt.Errorf("%w: allocator returned a block of %d bytes not matching %v", ErrAllocation, len(mem), l)
	}

	// Only the requested capacity is advertised, even if the allocator granted more.
	b.mem = mem
	b.cap = capacity
	return nil
}

// Capacity returns the number of elements the buffer can hold without growing.
// For zero-sized T the capacity is unbounded and math.MaxInt is returned.
func (b *Buffer[T, A]) Capacity() int {
	if b.elem.Size == 0 {
		return math.MaxInt
	}
	return b.cap
}

// ElemLayout returns the layout of a single element of T.
func (b *Buffer[T, A]) ElemLayout() Layout {
	return b.elem
}

// Allocator returns the allocator backing the buffer.
func (b *Buffer[T, A]) Allocator() A {
	return b.alloc
}

// Ptr returns the address of the first element. Without a live allocation it
// returns a well-aligned placeholder address that must not be dereferenced.
func (b *Buffer[T, A]) Ptr() unsafe.Pointer {
	if b.mem == nil {
		return unsafe.Pointer(&placeholder)
	}
	return unsafe.Pointer(unsafe.SliceData(b.mem))
}

// Slice returns a view of all Capacity() element slots.
// The owning collection must only read slots it has initialized.
// The view is invalidated by Grow, Reserve, Take and Release.
func (b *Buffer[T, A]) Slice() []T {
	if b.elem.Size != 0 && b.mem == nil {
		return []T{}
	}
	return unsafe.Slice((*T)(b.Ptr()), b.Capacity())
}

// Bytes returns the raw bytes of the live allocation, or nil if there is none.
func (b *Buffer[T, A]) Bytes() []byte {
	if b.mem == nil {
		return nil
	}
	return b.mem[:b.cap*b.elem.PaddedSize()]
}

// currentMemory returns the live allocation and its layout, recomputed from
// the capacity. The ok result is false if the buffer holds no allocation.
func (b *Buffer[T, A]) currentMemory() (mem []byte, l Layout, ok bool) {
	if b.elem.Size == 0 || b.cap == 0 {
		return nil, Layout{}, false
	}
	l, err := layout.Array(b.elem, b.cap)
	if err != nil {
		// The allocation was laid out when it was made; failing now means the
		// buffer state is corrupt and any further use of it is unsound.
		b.logger.Error(
			"Live allocation has no representable layout",
			"capacity", b.cap,
			"elem", b.elem,
			"error", err,
		)
		panic(fmt.Errorf("%w: live allocation of %d elements: %w", ErrCapacityOverflow, b.cap, err))
	}
	return b.mem, l, true
}

// requiredCapacity returns length+additional, failing on negative arguments
// or on overflow.
func requiredCapacity(length, additional int) (int, error) {
	if length < 0 || additional < 0 {
		return 0, fmt.Errorf("%w: negative length %d or additional %d", ErrLayout, length, additional)
	}
	if additional > math.MaxInt-length {
		return 0, fmt.Errorf("%w: length %d + additional %d overflows", ErrAllocation, length, additional)
	}
	return length + additional, nil
}

// growthTarget returns the capacity to grow to: double the current capacity or
// the required capacity, whichever is larger, but never below the minimum
// non-zero capacity for the element size.
func growthTarget(capacity, required, elemSize int) int {
	doubled := math.MaxInt
	if capacity <= math.MaxInt/2 {
		doubled = capacity * 2
	}
	return max(doubled, required, minNonZeroCap(elemSize))
}

// Grow ensures the buffer can hold at least length+additional elements, where
// length is the number of slots the owning collection has in use.
//
// Growth at least doubles the capacity, which keeps repeated appends amortized O(1).
// Grow must only be called on a buffer that holds an allocation; use Reserve or
// Allocate for the first allocation. On error the buffer is left unchanged.
// For zero-sized T, Grow always succeeds without allocating.
func (b *Buffer[T, A]) Grow(length, additional int) error {
	if b.elem.Size == 0 {
		return nil // No-op; zero-sized elements need no storage.
	}
	required, err := requiredCapacity(length, additional)
	if err != nil {
		return err
	}
	if required <= b.cap {
		return nil
	}

	target := growthTarget(b.cap, required, b.elem.Size)
	l, err := layout.Array(b.elem, target)
	if err != nil {
		return err
	}
	if err := layout.Guard(l.Size, b.maxBytes); err != nil {
		return err
	}

	mem, old, ok := b.currentMemory()
	if !ok {
		return fmt.Errorf("%w: cannot grow a buffer without a prior allocation", ErrLayout)
	}
	newMem, err := b.alloc.Grow(mem, old, l)
	if err != nil {
		return fmt.Errorf("%w: grow from %v to %v: %w", ErrAllocation, old, l, err)
	}
	if unsafe.SliceData(newMem) != unsafe.SliceData(mem) {
		b.logger.Debug("Buffer relocated", "from", old.Size, "to", l.Size)
	}

	// The allocator owns the old block from here on; it was either reused or freed.
	b.mem = newMem
	b.cap = target
	return nil
}

// Reserve ensures the buffer can hold at least length+additional elements,
// allocating it first if it is empty. The capacity of a first allocation is
// never below the minimum non-zero capacity for the element size.
func (b *Buffer[T, A]) Reserve(length, additional int) error {
	if b.elem.Size == 0 {
		return nil
	}
	if b.mem != nil {
		return b.Grow(length, additional)
	}
	required, err := requiredCapacity(length, additional)
	if err != nil {
		return err
	}
	if required == 0 {
		return nil
	}
	return b.allocate(max(required, minNonZeroCap(b.elem.Size)), Uninitialized)
}

// Take moves the allocation into a new Buffer and leaves b empty,
// so that exactly one Buffer is responsible for releasing it.
func (b *Buffer[T, A]) Take() *Buffer[T, A] {
	nb := *b
	b.mem, b.cap = nil, 0
	return &nb
}

// Release returns the live allocation, if any, to the allocator and leaves the
// buffer empty. Calling Release on an empty buffer is a no-op, so a deferred
// Release is safe on every exit path.
func (b *Buffer[T, A]) Release() {
	if mem, l, ok := b.currentMemory(); ok {
		b.alloc.Deallocate(mem, l)
	}
	b.mem, b.cap = nil, 0
}
