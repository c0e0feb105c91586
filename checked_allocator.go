package rawbuf

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/cespare/xxhash/v2"
)

// CheckedAllocator wraps an Allocator and verifies that it is used correctly.
// It is intended for tests and debugging. It is safe for concurrent use if the
// wrapped allocator is.
//
// It panics when a block is deallocated or grown that it did not hand out or that
// was already released, when a block is deallocated with a layout other than the one
// it was allocated with, and when the wrapped allocator loses bytes during Grow.
type CheckedAllocator[A Allocator] struct {
	mu    sync.Mutex
	inner A
	live  map[uintptr]Layout // Base address -> layout of live blocks.
	bytes int
}

// NewCheckedAllocator creates a CheckedAllocator around inner.
func NewCheckedAllocator[A Allocator](inner A) *CheckedAllocator[A] {
	return &CheckedAllocator[A]{
		inner: inner,
		live:  make(map[uintptr]Layout),
	}
}

func addressOf(b []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}

// track registers a live block. Zero-sized blocks are not tracked.
func (c *CheckedAllocator[A]) track(b []byte, l Layout) {
	if l.Size == 0 {
		return
	}
	addr := addressOf(b)
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.live[addr]; ok {
		panic(fmt.Errorf("allocator handed out live block %#x %v again as %v", addr, prev, l))
	}
	c.live[addr] = l
	c.bytes += l.Size
}

// untrack unregisters a live block, verifying it was allocated with l.
func (c *CheckedAllocator[A]) untrack(b []byte, l Layout) {
	if l.Size == 0 {
		return
	}
	addr := addressOf(b)
	c.mu.Lock()
	defer c.mu.Unlock()
	got, ok := c.live[addr]
	if !ok {
		panic(fmt.Errorf("release of unknown or already released block %#x %v", addr, l))
	}
	if got != l {
		panic(fmt.Errorf("block %#x allocated as %v released as %v", addr, got, l))
	}
	delete(c.live, addr)
	c.bytes -= l.Size
}

func (c *CheckedAllocator[A]) verify(b []byte, l Layout) {
	if l.Size == 0 {
		return
	}
	addr := addressOf(b)
	c.mu.Lock()
	defer c.mu.Unlock()
	got, ok := c.live[addr]
	if !ok {
		panic(fmt.Errorf("grow of unknown or already released block %#x %v", addr, l))
	}
	if got != l {
		panic(fmt.Errorf("block %#x allocated as %v grown as %v", addr, got, l))
	}
}

// Allocate implements Allocator.
func (c *CheckedAllocator[A]) Allocate(l Layout) ([]byte, error) {
	b, err := c.inner.Allocate(l)
	if err != nil {
		return nil, err
	}
	c.track(b, l)
	return b, nil
}

// AllocateZeroed implements Allocator. It panics if the block is not zero-filled.
func (c *CheckedAllocator[A]) AllocateZeroed(l Layout) ([]byte, error) {
	b, err := c.inner.AllocateZeroed(l)
	if err != nil {
		return nil, err
	}
	for i, v := range b[:l.Size] {
		if v != 0 {
			panic(fmt.Errorf("zeroed block %#x has byte %#x at offset %d", addressOf(b), v, i))
		}
	}
	c.track(b, l)
	return b, nil
}

// Grow implements Allocator. It panics if the first old.Size bytes differ after growing.
func (c *CheckedAllocator[A]) Grow(b []byte, old, new Layout) ([]byte, error) {
	c.verify(b, old)
	sum := xxhash.Sum64(b[:old.Size])

	nb, err := c.inner.Grow(b, old, new)
	if err != nil {
		return nil, err // b is still live.
	}
	if got := xxhash.Sum64(nb[:old.Size]); got != sum {
		panic(fmt.Errorf("grow from %v to %v lost contents: checksum %#x, want %#x", old, new, got, sum))
	}
	c.untrack(b, old)
	c.track(nb, new)
	return nb, nil
}

// Deallocate implements Allocator.
func (c *CheckedAllocator[A]) Deallocate(b []byte, l Layout) {
	c.untrack(b, l)
	c.inner.Deallocate(b, l)
}

// Live returns the number of live blocks and their total size in bytes.
func (c *CheckedAllocator[A]) Live() (blocks int, bytes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.live), c.bytes
}
