// Package threadcache implements the hot-path, lock-free per-P free lists
// that sit in front of the central cache. Go gives user code no portable
// way to address "the current OS thread" the way the source design
// assumes; the idiomatic substitute — the one Go's own runtime allocator
// uses for exactly the same reason — is to shard by logical processor (P)
// instead, pinning the calling goroutine to its current P for the
// duration of one call via the same procPin/procUnpin primitives
// sync.Pool is built on. Pinning excludes the calling goroutine from
// migrating to another P mid-call, which is all the single-owner
// invariant in the design actually requires.
package threadcache

import (
	"unsafe"

	"github.com/tcalloc-go/tcalloc/internal/centralcache"
	"github.com/tcalloc-go/tcalloc/internal/sizeclass"
)

// defaultRetentionThreshold is the free-list length beyond which a class
// is drained back to the central cache, absent an override.
const defaultRetentionThreshold = 256

//go:linkname runtime_procPin sync.runtime_procPin
func runtime_procPin() int

//go:linkname runtime_procUnpin sync.runtime_procUnpin
func runtime_procUnpin()

// shard is one per-P slice of the thread cache. Only the goroutine
// currently pinned to this P ever touches it, so no synchronization is
// needed within a shard.
type shard struct {
	freeList     [sizeclass.NumClasses]uintptr
	freeListSize [sizeclass.NumClasses]int
}

// Cache is the sharded thread cache. One shard exists per value of
// GOMAXPROCS observed at construction time; it does not grow if
// GOMAXPROCS increases afterward (matching the source design's
// lazily-created, process-lifetime thread caches closely enough that a
// brief fallback is harmless — see Cache.shardFor).
type Cache struct {
	central            *centralcache.Cache
	shards             []shard
	retentionThreshold int
}

// New constructs a thread cache fronting central. n is the number of
// shards to create; callers pass runtime.GOMAXPROCS(0). retention is the
// free-list length beyond which a class drains back to central; a value
// <= 0 selects defaultRetentionThreshold.
func New(central *centralcache.Cache, n int, retention int) *Cache {
	if n < 1 {
		n = 1
	}
	if retention <= 0 {
		retention = defaultRetentionThreshold
	}
	return &Cache{central: central, shards: make([]shard, n), retentionThreshold: retention}
}

// shardFor pins the calling goroutine to its current P and returns that
// P's shard along with the unpin function the caller must defer. If the
// pinned P index is out of range for this cache's shard count (GOMAXPROCS
// grew since New), the index wraps rather than panicking.
func (c *Cache) shardFor() (*shard, func()) {
	pid := runtime_procPin()
	idx := pid % len(c.shards)
	return &c.shards[idx], runtime_procUnpin
}

// Allocate returns one block of the requested size, forwarding to fallback
// when size exceeds sizeclass.MaxBytes. fallback is called with the exact
// size requested and must behave like a general-purpose allocator.
func (c *Cache) Allocate(size uintptr, fallback func(uintptr) uintptr) uintptr {
	if size > sizeclass.MaxBytes {
		return fallback(size)
	}

	i := sizeclass.Index(size)
	s, unpin := c.shardFor()
	defer unpin()

	if head := s.freeList[i]; head != 0 {
		s.freeList[i] = loadNext(head)
		s.freeListSize[i]--
		return head
	}

	batch, ok := c.central.FetchRange(i)
	if !ok {
		return 0
	}

	rest := loadNext(batch)
	storeNext(batch, 0)

	n := 0
	for cur := rest; cur != 0; cur = loadNext(cur) {
		n++
	}
	s.freeList[i] = rest
	s.freeListSize[i] += n

	return batch
}

// Deallocate returns ptr, previously obtained from Allocate(size, ...),
// to the thread-local free list, forwarding to fallback when size exceeds
// sizeclass.MaxBytes.
func (c *Cache) Deallocate(ptr uintptr, size uintptr, fallback func(uintptr)) {
	if ptr == 0 {
		return
	}
	if size > sizeclass.MaxBytes {
		fallback(ptr)
		return
	}

	i := sizeclass.Index(size)
	s, unpin := c.shardFor()
	defer unpin()

	storeNext(ptr, s.freeList[i])
	s.freeList[i] = ptr
	s.freeListSize[i]++

	if s.freeListSize[i] > c.retentionThreshold {
		c.drain(s, i)
	}
}

// drain retains keep = max(len/4, 1) blocks at the head of class i's list
// and hands the remainder to the central cache. It is a no-op when fewer
// than two blocks are present.
func (c *Cache) drain(s *shard, i int) {
	n := s.freeListSize[i]
	if n < 2 {
		return
	}
	keep := n / 4
	if keep < 1 {
		keep = 1
	}

	splitNode := s.freeList[i]
	for j := 0; j < keep-1; j++ {
		splitNode = loadNext(splitNode)
	}

	tailHead := loadNext(splitNode)
	storeNext(splitNode, 0)
	s.freeListSize[i] = keep

	returnCount := n - keep
	classSize := sizeclass.SizeForIndex(i)
	c.central.ReturnRange(tailHead, uintptr(returnCount)*classSize, i)
}

func loadNext(addr uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(addr))
}

func storeNext(addr, n uintptr) {
	*(*uintptr)(unsafe.Pointer(addr)) = n
}
