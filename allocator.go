package rawbuf

import "fmt"

// Allocator is the capability a Buffer uses to obtain and release raw memory.
//
// Allocate and AllocateZeroed return a block of at least l.Size bytes whose first
// byte is aligned to l.Align. Grow returns a block of at least new.Size bytes that
// holds the first old.Size bytes of b; it may resize b in place or move it, in which
// case it is responsible for freeing b. Deallocate releases a block previously
// returned by the same allocator with the layout it was requested with.
type Allocator interface {
	Allocate(l Layout) ([]byte, error)
	AllocateZeroed(l Layout) ([]byte, error)
	Grow(b []byte, old, new Layout) ([]byte, error)
	Deallocate(b []byte, l Layout)
}

// AllocInit selects whether newly allocated memory is zero-filled.
type AllocInit int

const (
	Uninitialized AllocInit = iota // Contents are unspecified.
	Zeroed                         // Every byte is zero.
)

func (i AllocInit) String() string {
	switch i {
	case Uninitialized:
		return "uninitialized"
	case Zeroed:
		return "zeroed"
	default:
		return fmt.Sprintf("AllocInit(%d)", i)
	}
}
