// Package tcalloc implements a thread-caching, tiered memory allocator for
// small and medium fixed-size objects: a per-P thread cache backed by a
// shared central cache of size-classed free lists, backed in turn by a
// page cache that maps and coalesces OS pages.
//
// It exists for callers who want manually managed, GC-invisible memory for
// short-lived fixed-size allocations — arena-style buffer pools, off-heap
// object stores, codec scratch buffers — and want to avoid both Go's GC
// scanning pressure and global-lock contention under concurrent load.
//
// tcalloc is not a drop-in replacement for Go's own allocator: Allocate and
// Deallocate trade in unsafe.Pointer, and the size passed to Deallocate
// must match the size originally passed to Allocate. It is not a
// compacting or relocating allocator, it does not return memory to the
// operating system eagerly, and it provides no allocation-failure
// recovery beyond a nil return.
package tcalloc
