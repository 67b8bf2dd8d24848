// Package pagecache manages page-aligned spans of memory obtained directly
// from the operating system. It is the bottom tier of the allocator: every
// byte the allocator ever hands to a caller ultimately traces back to a
// span minted here.
//
// A single Cache instance is meant to be shared process-wide and guards its
// state with one mutex. The tier above (centralcache) calls AllocateSpan and
// DeallocateSpan while holding the spin lock of the size class it is
// refilling or sweeping.
package pagecache

import (
	"fmt"
	"sort"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// PageSize is the fixed OS page size this cache maps in multiples of.
const PageSize = 4096

// span is a contiguous, page-aligned run of memory. next is only valid
// while the span is linked into a freeSpans bucket.
type span struct {
	addr     uintptr
	numPages uintptr
	next     *span
}

// Cache allocates, splits, and forward-coalesces page-aligned spans. The
// zero value is not usable; construct with New.
type Cache struct {
	mu sync.Mutex

	// freeSpans buckets free spans by exact page length. sortedLens keeps
	// the populated keys in ascending order so AllocateSpan can binary
	// search for the smallest bucket that satisfies a request, emulating
	// the ordered-map lookup the design calls for without pulling in a
	// balanced-tree dependency for what is, in practice, a handful of
	// distinct span lengths.
	freeSpans  map[uintptr]*span
	sortedLens []uintptr

	// spanMap maps a span's base address to its record, for both free and
	// in-use spans, so deallocation can find the record to coalesce or
	// requeue.
	spanMap map[uintptr]*span

	// onDeallocate, when set, is invoked after a span is accepted back
	// (after any coalescing) — primarily a test seam for observing
	// delayed-return behavior from the tier above.
	onDeallocate func(addr, numPages uintptr)

	mapFn   func(length int) ([]byte, error)
	mapped  [][]byte // retained only so the backing slices are not collected by tools that scan for leaks; the allocator itself never unmaps
}

// Option configures a Cache at construction time.
type Option func(*Cache)

// WithDeallocateHook installs a callback invoked whenever a span is handed
// back via DeallocateSpan, after coalescing. Tests use it to observe
// reclamation; tcalloc.Open installs one for debug logging.
func WithDeallocateHook(fn func(addr, numPages uintptr)) Option {
	return func(c *Cache) { c.onDeallocate = fn }
}

// withMapFn overrides the page-mapping function; used by tests to avoid
// touching the real OS mmap path.
func withMapFn(fn func(length int) ([]byte, error)) Option {
	return func(c *Cache) { c.mapFn = fn }
}

// New constructs a page cache. It performs no allocation until the first
// call to AllocateSpan.
func New(opts ...Option) *Cache {
	c := &Cache{
		freeSpans: make(map[uintptr]*span),
		spanMap:   make(map[uintptr]*span),
	}
	c.mapFn = c.mmapAnon
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) mmapAnon(length int) ([]byte, error) {
	return unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

// AllocateSpan returns the base address of a span covering exactly n pages.
// It first tries to satisfy the request from the smallest free span whose
// length is at least n, splitting off and requeuing any remainder. Failing
// that, it maps fresh pages from the OS. The second return value is false
// only when the OS mapping fails.
func (c *Cache) AllocateSpan(n uintptr) (uintptr, bool) {
	if n == 0 {
		n = 1
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if k, ok := c.smallestLenAtLeast(n); ok {
		s := c.popFree(k)

		if k > n {
			rem := &span{addr: s.addr + n*PageSize, numPages: k - n}
			c.pushFree(rem)
			c.spanMap[rem.addr] = rem
			s.numPages = n
		}

		c.spanMap[s.addr] = s
		return s.addr, true
	}

	buf, err := c.mapFn(int(n * PageSize))
	if err != nil {
		return 0, false
	}
	c.mapped = append(c.mapped, buf)

	addr := uintptr(unsafe.Pointer(&buf[0]))
	s := &span{addr: addr, numPages: n}
	c.spanMap[addr] = s
	return addr, true
}

// DeallocateSpan returns a span to the free pool, attempting forward
// coalescing with a neighboring free span immediately above it in address
// space. It is a silent no-op if ptr is not a span base address this cache
// produced (the caller-misuse case spec.md §7 leaves undefined elsewhere is
// at least made harmless here).
func (c *Cache) DeallocateSpan(addr, numPages uintptr) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.spanMap[addr]
	if !ok {
		return
	}
	s.numPages = numPages

	neighborAddr := addr + numPages*PageSize
	if neighbor, ok := c.spanMap[neighborAddr]; ok && c.unlinkIfFree(neighbor) {
		s.numPages += neighbor.numPages
		delete(c.spanMap, neighborAddr)
	}

	c.pushFree(s)

	if c.onDeallocate != nil {
		c.onDeallocate(s.addr, s.numPages)
	}
}

// smallestLenAtLeast returns the smallest populated bucket key k >= n.
func (c *Cache) smallestLenAtLeast(n uintptr) (uintptr, bool) {
	i := sort.Search(len(c.sortedLens), func(i int) bool { return c.sortedLens[i] >= n })
	if i == len(c.sortedLens) {
		return 0, false
	}
	return c.sortedLens[i], true
}

// popFree detaches and returns the head span of bucket k. k must be
// populated.
func (c *Cache) popFree(k uintptr) *span {
	s := c.freeSpans[k]
	if s.next == nil {
		delete(c.freeSpans, k)
		c.removeLen(k)
	} else {
		c.freeSpans[k] = s.next
	}
	s.next = nil
	return s
}

// pushFree links s onto the head of its own bucket.
func (c *Cache) pushFree(s *span) {
	k := s.numPages
	head, existed := c.freeSpans[k]
	s.next = head
	c.freeSpans[k] = s
	if !existed {
		c.insertLen(k)
	}
}

// unlinkIfFree removes s from its bucket's free list if it is currently
// free, reporting whether it was found there. A dummy-head walk avoids
// dereferencing an uninitialized sentinel on the first comparison.
func (c *Cache) unlinkIfFree(s *span) bool {
	head, ok := c.freeSpans[s.numPages]
	if !ok {
		return false
	}

	dummy := &span{next: head}
	prev := dummy
	for cur := dummy.next; cur != nil; prev, cur = cur, cur.next {
		if cur == s {
			prev.next = cur.next
			if dummy.next == nil {
				delete(c.freeSpans, s.numPages)
				c.removeLen(s.numPages)
			} else {
				c.freeSpans[s.numPages] = dummy.next
			}
			return true
		}
	}
	return false
}

func (c *Cache) insertLen(k uintptr) {
	i := sort.Search(len(c.sortedLens), func(i int) bool { return c.sortedLens[i] >= k })
	c.sortedLens = append(c.sortedLens, 0)
	copy(c.sortedLens[i+1:], c.sortedLens[i:])
	c.sortedLens[i] = k
}

func (c *Cache) removeLen(k uintptr) {
	i := sort.Search(len(c.sortedLens), func(i int) bool { return c.sortedLens[i] >= k })
	if i < len(c.sortedLens) && c.sortedLens[i] == k {
		c.sortedLens = append(c.sortedLens[:i], c.sortedLens[i+1:]...)
	}
}

// Stats summarizes the cache's current free pool, for diagnostics only.
type Stats struct {
	FreeSpans int
	FreePages uintptr
	LiveSpans int
}

// Stats returns a snapshot of the cache's bookkeeping.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	var st Stats
	for k, s := range c.freeSpans {
		for cur := s; cur != nil; cur = cur.next {
			st.FreeSpans++
			st.FreePages += k
		}
	}
	st.LiveSpans = len(c.spanMap)
	return st
}

func (c *Cache) String() string {
	st := c.Stats()
	return fmt.Sprintf("pagecache{freeSpans:%d freePages:%d liveSpans:%d}", st.FreeSpans, st.FreePages, st.LiveSpans)
}
