package testutils

import (
	"errors"
	"sync/atomic"
	"unsafe"

	"github.com/holmberd/go-rawbuf/internal/layout"
)

// Poison fills uninitialized blocks handed out by MockAllocator.
const Poison = 0xAA

var ErrOutOfMemory = errors.New("mock: out of memory")

// MockAllocator is a heap-backed allocator that counts calls and can be told to fail.
// The configuration fields must be set before the allocator is used.
type MockAllocator struct {
	FailAllocate bool // Allocate and AllocateZeroed return ErrOutOfMemory.
	FailGrow     bool // Grow returns ErrOutOfMemory.
	Extra        int  // Extra bytes granted beyond each request.
	Short        bool // Blocks are one byte shorter than requested.

	allocateCalls       atomic.Int64
	allocateZeroedCalls atomic.Int64
	growCalls           atomic.Int64
	deallocateCalls     atomic.Int64
	liveBytes           atomic.Int64
}

func (a *MockAllocator) block(l layout.Layout) []byte {
	size := l.Size + a.Extra
	if a.Short {
		size--
	}
	buf := make([]byte, size+l.Align-1)
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	mask := uintptr(l.Align - 1)
	shift := int((uintptr(l.Align) - addr&mask) & mask)
	return buf[shift : shift+size : shift+size]
}

func (a *MockAllocator) Allocate(l layout.Layout) ([]byte, error) {
	a.allocateCalls.Add(1)
	if a.FailAllocate {
		return nil, ErrOutOfMemory
	}
	b := a.block(l)
	for i := range b {
		b[i] = Poison
	}
	a.liveBytes.Add(int64(l.Size))
	return b, nil
}

func (a *MockAllocator) AllocateZeroed(l layout.Layout) ([]byte, error) {
	a.allocateZeroedCalls.Add(1)
	if a.FailAllocate {
		return nil, ErrOutOfMemory
	}
	a.liveBytes.Add(int64(l.Size))
	return a.block(l), nil
}

func (a *MockAllocator) Grow(b []byte, old, new layout.Layout) ([]byte, error) {
	a.growCalls.Add(1)
	if a.FailGrow {
		return nil, ErrOutOfMemory
	}
	nb := a.block(new)
	copy(nb, b[:old.Size])
	for i := old.Size; i < len(nb); i++ {
		nb[i] = Poison
	}
	a.liveBytes.Add(int64(new.Size - old.Size))
	return nb, nil
}

func (a *MockAllocator) Deallocate(b []byte, l layout.Layout) {
	a.deallocateCalls.Add(1)
	a.liveBytes.Add(-int64(l.Size))
}

func (a *MockAllocator) AllocateCalls() int64 {
	return a.allocateCalls.Load()
}

func (a *MockAllocator) AllocateZeroedCalls() int64 {
	return a.allocateZeroedCalls.Load()
}

func (a *MockAllocator) GrowCalls() int64 {
	return a.growCalls.Load()
}

func (a *MockAllocator) DeallocateCalls() int64 {
	return a.deallocateCalls.Load()
}

// Calls returns the total number of calls across all operations.
func (a *MockAllocator) Calls() int64 {
	return a.AllocateCalls() + a.AllocateZeroedCalls() + a.GrowCalls() + a.DeallocateCalls()
}

// LiveBytes returns the number of bytes allocated and not yet deallocated.
func (a *MockAllocator) LiveBytes() int64 {
	return a.liveBytes.Load()
}

func (a *MockAllocator) Reset() {
	a.allocateCalls.Store(0)
	a.allocateZeroedCalls.Store(0)
	a.growCalls.Store(0)
	a.deallocateCalls.Store(0)
	a.liveBytes.Store(0)
}
