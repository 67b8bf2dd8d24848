// Package centralcache implements the per-size-class free lists shared
// across every thread cache. It is the single point of coordination
// between thread caches refilling on a miss and the page cache beneath it:
// it carves freshly minted spans into blocks, accepts batched returns, and
// decides when a span has gone fully idle and can be handed back down.
package centralcache

import (
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/tcalloc-go/tcalloc/internal/pagecache"
	"github.com/tcalloc-go/tcalloc/internal/sizeclass"
)

const (
	// defaultSpanPages is the default span length, in pages, requested for
	// size classes whose block fits within that many pages.
	defaultSpanPages = 8

	// maxDelayCount bounds how many returnRange calls accumulate before a
	// delayed-return sweep is forced regardless of elapsed time.
	maxDelayCount = 48

	// delayInterval bounds how long a class can go without a sweep
	// regardless of return volume.
	delayInterval = time.Second

	// defaultSpanTableCapacity is the default bound on tracked spans per
	// process; spec requires at least 1024.
	defaultSpanTableCapacity = 4096
)

// next reads/writes the intrusive free-list link stored in the first
// machine word of a free block. Blocks are otherwise opaque; this is the
// raw-pointer-through-interior technique spec.md §9 describes.
func next(addr uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(addr))
}

func setNext(addr, n uintptr) {
	*(*uintptr)(unsafe.Pointer(addr)) = n
}

// spanTracker is the bookkeeping record that lets the cache decide when a
// span has gone entirely free and can be returned to the page cache.
// spanAddr, numPages, and blockCount are written once at publish time and
// never change; freeCount is the only mutable field.
type spanTracker struct {
	spanAddr   uintptr
	numPages   uintptr
	blockCount uintptr
	freeCount  atomic.Int64
}

func (t *spanTracker) contains(addr uintptr) bool {
	return addr >= t.spanAddr && addr < t.spanAddr+t.numPages*pagecache.PageSize
}

// classState is the per-size-class state guarded by its own spin lock, so
// contention on one class never blocks another.
type classState struct {
	head          atomic.Uintptr
	lock          atomic.Bool
	delayCount    atomic.Int64
	lastReturnUTC atomic.Int64 // UnixNano
}

func (s *classState) acquire() {
	for !s.lock.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
}

func (s *classState) release() {
	s.lock.Store(false)
}

// SweepObserver is notified whenever the delayed-return sweep hands a span
// back to the page cache. It exists primarily as a test and metrics seam.
type SweepObserver func(class int, spanAddr uintptr, numPages uintptr)

// OverflowObserver is notified when the span table is full at publish
// time; the span proceeds unaccounted (see Cache.FetchRange).
type OverflowObserver func(class int, spanAddr uintptr)

// Cache is the process-wide central cache. Construct one with New and
// share it; all methods are safe for concurrent use.
type Cache struct {
	classes [sizeclass.NumClasses]classState

	pages *pagecache.Cache

	spanPages    uintptr
	spanTableCap int
	spanTable    []spanTracker
	spanCount    atomic.Int64

	onSweep    SweepObserver
	onOverflow OverflowObserver
}

// Option configures a Cache at construction time.
type Option func(*Cache)

// WithSpanTableCapacity overrides the number of spans this cache can track
// for delayed-return accounting. Values below 1024 are raised to 1024.
func WithSpanTableCapacity(n int) Option {
	return func(c *Cache) {
		if n < 1024 {
			n = 1024
		}
		c.spanTableCap = n
	}
}

// WithSpanPages overrides the number of pages requested per fresh span for
// size classes whose block fits within n pages. n <= 0 is ignored.
func WithSpanPages(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.spanPages = uintptr(n)
		}
	}
}

// WithSweepObserver installs a callback fired after a span is reclaimed by
// the delayed-return sweep and handed back to the page cache.
func WithSweepObserver(fn SweepObserver) Option {
	return func(c *Cache) { c.onSweep = fn }
}

// WithOverflowObserver installs a callback fired when the span table fills
// up and a freshly carved span cannot be tracked for reclamation.
func WithOverflowObserver(fn OverflowObserver) Option {
	return func(c *Cache) { c.onOverflow = fn }
}

// New constructs a central cache backed by pages. pages must not be nil.
func New(pages *pagecache.Cache, opts ...Option) *Cache {
	c := &Cache{
		pages:        pages,
		spanPages:    defaultSpanPages,
		spanTableCap: defaultSpanTableCapacity,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.spanTable = make([]spanTracker, c.spanTableCap)
	now := time.Now().UnixNano()
	for i := range c.classes {
		c.classes[i].lastReturnUTC.Store(now)
	}
	return c
}

// FetchRange returns the head of a linked batch of one or more free blocks
// of size class i, or (0, false) if the page cache is exhausted.
func (c *Cache) FetchRange(i int) (uintptr, bool) {
	cs := &c.classes[i]
	cs.acquire()
	defer cs.release()

	if head := cs.head.Load(); head != 0 {
		cs.head.Store(next(head))
		setNext(head, 0)
		if t := c.findSpan(head); t != nil {
			t.freeCount.Add(-1)
		}
		return head, true
	}

	size := sizeclass.SizeForIndex(i)
	n := c.spanPages
	if size > c.spanPages*pagecache.PageSize {
		n = (size + pagecache.PageSize - 1) / pagecache.PageSize
	}

	base, ok := c.pages.AllocateSpan(n)
	if !ok {
		return 0, false
	}

	k := (n * pagecache.PageSize) / size
	for j := uintptr(0); j < k-1; j++ {
		setNext(base+j*size, base+(j+1)*size)
	}
	if k > 0 {
		setNext(base+(k-1)*size, 0)
	}

	c.publishSpan(i, base, n, k)

	head := base
	var rest uintptr
	if k > 1 {
		rest = next(head)
	}
	setNext(head, 0)
	cs.head.Store(rest)

	return head, true
}

// publishSpan appends a tracker for a freshly carved span, accounting for
// the one block already handed to the caller (freeCount = k-1). If the
// table is full the span is still usable, just unaccounted for
// reclamation purposes.
func (c *Cache) publishSpan(class int, base, numPages, blockCount uintptr) {
	idx := c.spanCount.Add(1) - 1
	if int(idx) >= len(c.spanTable) {
		if c.onOverflow != nil {
			c.onOverflow(class, base)
		}
		return
	}
	t := &c.spanTable[idx]
	t.spanAddr = base
	t.numPages = numPages
	t.blockCount = blockCount
	t.freeCount.Store(int64(blockCount) - 1)
}

// findSpan linearly scans the published span table for the tracker whose
// address range contains addr. Returns nil if addr falls in a span that
// overflowed the table (or is otherwise untracked).
func (c *Cache) findSpan(addr uintptr) *spanTracker {
	n := int(c.spanCount.Load())
	if n > len(c.spanTable) {
		n = len(c.spanTable)
	}
	for i := 0; i < n; i++ {
		if c.spanTable[i].contains(addr) {
			return &c.spanTable[i]
		}
	}
	return nil
}

// ReturnRange accepts a linked batch of blocks of size class i, totaling
// totalBytes, and links it onto the head of the class's free list. It may
// trigger a delayed-return sweep of the whole class afterward.
func (c *Cache) ReturnRange(start uintptr, totalBytes uintptr, i int) {
	_ = totalBytes
	cs := &c.classes[i]
	cs.acquire()
	defer cs.release()

	tail := start
	for next(tail) != 0 {
		tail = next(tail)
	}

	head := cs.head.Load()
	setNext(tail, head)
	cs.head.Store(start)

	count := cs.delayCount.Add(1)
	now := time.Now()
	last := time.Unix(0, cs.lastReturnUTC.Load())

	if count >= maxDelayCount || now.Sub(last) >= delayInterval {
		c.sweepLocked(i, now)
	}
}

// sweepLocked performs the delayed-return sweep for class i. The caller
// must already hold classes[i]'s spin lock.
func (c *Cache) sweepLocked(i int, now time.Time) {
	cs := &c.classes[i]
	cs.delayCount.Store(0)
	cs.lastReturnUTC.Store(now.UnixNano())

	freeCounts := make(map[*spanTracker]int)
	for cur := cs.head.Load(); cur != 0; cur = next(cur) {
		if t := c.findSpan(cur); t != nil {
			freeCounts[t]++
		}
	}

	for t, n := range freeCounts {
		if uintptr(n) != t.blockCount {
			continue
		}

		var newHead, tail uintptr
		for cur := cs.head.Load(); cur != 0; {
			nxt := next(cur)
			if !t.contains(cur) {
				if tail == 0 {
					newHead = cur
				} else {
					setNext(tail, cur)
				}
				tail = cur
			}
			cur = nxt
		}
		if tail != 0 {
			setNext(tail, 0)
		}
		cs.head.Store(newHead)

		c.pages.DeallocateSpan(t.spanAddr, t.numPages)
		if c.onSweep != nil {
			c.onSweep(i, t.spanAddr, t.numPages)
		}
	}
}
