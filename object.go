package tcalloc

import "unsafe"

// New allocates space for one T from the shared default Allocator and
// returns a pointer to it. A reused block still holds its previous bytes
// and the free-list link, so New clears it before returning; the returned
// *T observes T's zero value — the Go realization of the source design's
// newObject<T> placement-construction wrapper.
//
// The returned pointer must be passed to Delete, not to Go's garbage
// collector: it does not point into GC-managed memory, and the GC will
// not trace pointers stored inside it.
func New[T any]() *T {
	var zero T
	size := int(unsafe.Sizeof(zero))
	p := Allocate(size)
	if p == nil {
		return nil
	}
	clear(unsafe.Slice((*byte)(p), size))
	return (*T)(p)
}

// Delete returns the memory backing p to the shared default Allocator. It
// is the realization of the source design's deleteObject<T>. Calling
// Delete more than once for the same pointer, or using p afterward, is
// undefined behavior — the same caller-misuse contract Deallocate itself
// carries.
func Delete[T any](p *T) {
	if p == nil {
		return
	}
	var zero T
	size := int(unsafe.Sizeof(zero))
	Deallocate(unsafe.Pointer(p), size)
}

// NewIn and DeleteIn are the Allocator-scoped equivalents of New and
// Delete, for callers using an explicitly constructed Allocator instead of
// the shared default.
func NewIn[T any](a *Allocator) *T {
	var zero T
	size := int(unsafe.Sizeof(zero))
	p := a.Allocate(size)
	if p == nil {
		return nil
	}
	clear(unsafe.Slice((*byte)(p), size))
	return (*T)(p)
}

func DeleteIn[T any](a *Allocator, p *T) {
	if p == nil {
		return
	}
	var zero T
	size := int(unsafe.Sizeof(zero))
	a.Deallocate(unsafe.Pointer(p), size)
}
