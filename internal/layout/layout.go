// Package layout computes and validates the byte layout of contiguous element arrays.
package layout

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"unsafe"
)

var (
	ErrLayout           = errors.New("invalid memory layout")
	ErrCapacityOverflow = errors.New("capacity overflow")
)

// MaxSize is the largest byte size a layout may describe.
// Sizes are kept within the signed range so offset arithmetic never wraps.
const MaxSize = math.MaxInt

// Layout describes the size and alignment of a block of memory, in bytes.
type Layout struct {
	Size  int
	Align int
}

// Of returns the layout of a single value of type T.
func Of[T any]() Layout {
	var zero T
	return Layout{
		Size:  int(unsafe.Sizeof(zero)),
		Align: int(unsafe.Alignof(zero)),
	}
}

func (l Layout) String() string {
	return fmt.Sprintf("{size: %d, align: %d}", l.Size, l.Align)
}

// Validate reports whether l is a well-formed layout.
func (l Layout) Validate() error {
	if l.Align <= 0 || l.Align&(l.Align-1) != 0 {
		return fmt.Errorf("%w: alignment %d is not a power of two", ErrLayout, l.Align)
	}
	if l.Size < 0 {
		return fmt.Errorf("%w: negative size %d", ErrLayout, l.Size)
	}
	if l.Size > MaxSize-(l.Align-1) {
		return fmt.Errorf("%w: size %d exceeds maximum for alignment %d", ErrLayout, l.Size, l.Align)
	}
	return nil
}

// PaddedSize returns the element size rounded up to a multiple of its alignment,
// i.e. the stride between consecutive elements of an array.
// The layout is assumed valid.
func (l Layout) PaddedSize() int {
	return (l.Size + l.Align - 1) &^ (l.Align - 1)
}

// Array returns the layout of n contiguous elements described by elem.
// It fails with ErrLayout if the element layout is invalid, n is negative,
// or the total size cannot be represented.
func Array(elem Layout, n int) (Layout, error) {
	if err := elem.Validate(); err != nil {
		return Layout{}, err
	}
	if n < 0 {
		return Layout{}, fmt.Errorf("%w: negative element count %d", ErrLayout, n)
	}
	hi, size := bits.Mul(uint(elem.PaddedSize()), uint(n))
	if hi != 0 || size > uint(MaxSize-(elem.Align-1)) {
		return Layout{}, fmt.Errorf("%w: %d elements of %v overflow", ErrLayout, n, elem)
	}
	return Layout{Size: int(size), Align: elem.Align}, nil
}

// Guard rejects sizes larger than limit before they are handed to an allocator.
// It has no side effects.
func Guard(size int, limit int) error {
	if size > limit {
		return fmt.Errorf("%w: %d bytes exceeds limit of %d bytes", ErrCapacityOverflow, size, limit)
	}
	return nil
}

// AlignedAddr reports whether the first byte of b is aligned to align.
// An empty b is always considered aligned.
func AlignedAddr(b []byte, align int) bool {
	if cap(b) == 0 {
		return true
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))&uintptr(align-1) == 0
}
