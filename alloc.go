package tcalloc

import (
	"runtime"
	"sync"
	"unsafe"

	"github.com/tcalloc-go/tcalloc/internal/centralcache"
	"github.com/tcalloc-go/tcalloc/internal/pagecache"
	"github.com/tcalloc-go/tcalloc/internal/sizeclass"
	"github.com/tcalloc-go/tcalloc/internal/threadcache"
)

// Align is the byte alignment every allocation is rounded up to.
const Align = sizeclass.Align

// MaxBytes is the largest request served by the tiered allocator; larger
// requests are forwarded to Go's own allocator.
const MaxBytes = sizeclass.MaxBytes

// Config carries construction-time parameters for an Allocator. The zero
// value of each field means "use the spec default."
type Config struct {
	// SpanPages is the number of pages requested per fresh span for size
	// classes whose block fits within that many pages; larger classes get
	// just enough pages for one block. Default 8.
	SpanPages int

	// RetentionThreshold is the thread-cache free-list length beyond
	// which a class drains to the central cache. Default 256.
	RetentionThreshold int

	// SpanTableCapacity bounds how many spans the central cache can track
	// for delayed-return accounting. Default 4096, minimum 1024.
	SpanTableCapacity int

	// Shards is the number of thread-cache shards. Default
	// runtime.GOMAXPROCS(0).
	Shards int
}

func (c Config) withDefaults() Config {
	if c.SpanPages == 0 {
		c.SpanPages = 8
	}
	if c.RetentionThreshold == 0 {
		c.RetentionThreshold = 256
	}
	if c.SpanTableCapacity == 0 {
		c.SpanTableCapacity = 4096
	}
	if c.Shards == 0 {
		c.Shards = runtime.GOMAXPROCS(0)
	}
	return c
}

func (c Config) validate() error {
	if c.SpanPages < 0 {
		return errInvalidSpanPages(c.SpanPages)
	}
	if c.RetentionThreshold < 0 {
		return errInvalidRetention(c.RetentionThreshold)
	}
	if c.SpanTableCapacity != 0 && c.SpanTableCapacity < 1024 {
		return errInvalidSpanTableCap(c.SpanTableCapacity)
	}
	return nil
}

// Allocator is a complete, independently constructed instance of the
// three-tier allocator. Most programs do not need one directly: the
// package-level Allocate/Deallocate/New/Delete functions share one lazily
// constructed default instance. Constructing additional instances is
// useful for tests and for isolating unrelated subsystems from each
// other's memory pressure.
type Allocator struct {
	pages   *pagecache.Cache
	central *centralcache.Cache
	threads *threadcache.Cache
}

// Open constructs an Allocator from cfg, returning an error only if cfg is
// invalid: a negative SpanPages or RetentionThreshold, or a nonzero
// SpanTableCapacity below 1024. Zero fields select their defaults.
func Open(cfg Config) (*Allocator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	pages := pagecache.New(pagecache.WithDeallocateHook(func(addr, numPages uintptr) {
		log().Debug().Uint64("addr", uint64(addr)).Uint64("pages", uint64(numPages)).Msg("tcalloc: span returned to page cache")
	}))

	central := centralcache.New(pages,
		centralcache.WithSpanTableCapacity(cfg.SpanTableCapacity),
		centralcache.WithSpanPages(cfg.SpanPages),
		centralcache.WithOverflowObserver(func(class int, spanAddr uintptr) {
			log().Warn().Int("class", class).Uint64("addr", uint64(spanAddr)).Msg("tcalloc: span table full, span is unaccounted")
		}),
		centralcache.WithSweepObserver(func(class int, spanAddr, numPages uintptr) {
			log().Debug().Int("class", class).Uint64("addr", uint64(spanAddr)).Uint64("pages", uint64(numPages)).Msg("tcalloc: delayed-return sweep reclaimed span")
		}),
	)

	threads := threadcache.New(central, cfg.Shards, cfg.RetentionThreshold)

	return &Allocator{pages: pages, central: central, threads: threads}, nil
}

// fallbackAllocate is the escape hatch for requests above MaxBytes. Go has
// no malloc/free to forward to the way the source design does; the
// nearest equivalent available to a library is the garbage-collected
// heap, so oversize requests are served from a pinned byte slice whose
// backing array's address is returned. The returned memory is ordinary
// GC-visible Go memory and must never be passed to Deallocate alongside a
// size that would route it back through the tiered path.
func fallbackAllocate(size uintptr) uintptr {
	buf := make([]byte, size)
	oversizeMu.Lock()
	oversizeLive[uintptr(unsafe.Pointer(&buf[0]))] = buf
	oversizeMu.Unlock()
	return uintptr(unsafe.Pointer(&buf[0]))
}

func fallbackDeallocate(ptr uintptr) {
	oversizeMu.Lock()
	delete(oversizeLive, ptr)
	oversizeMu.Unlock()
}

// oversizeLive retains oversize allocations so the Go garbage collector
// does not reclaim them out from under a caller that is holding only the
// raw address, mirroring the "caller owns the block until Deallocate"
// contract for the tiered path.
var (
	oversizeMu   sync.Mutex
	oversizeLive = make(map[uintptr][]byte)
)

// Allocate returns size bytes of at least Align-byte-aligned memory, or
// nil if the operating system could not supply fresh pages. size == 0 is
// treated as Align.
func (a *Allocator) Allocate(size int) unsafe.Pointer {
	if size <= 0 {
		size = Align
	}
	addr := a.threads.Allocate(uintptr(size), fallbackAllocate)
	if addr == 0 {
		log().Warn().Int("size", size).Msg("tcalloc: operating system could not supply pages")
		return nil
	}
	return unsafe.Pointer(addr)
}

// Deallocate returns ptr, previously obtained from Allocate(size), to the
// allocator. size must equal the value originally passed to Allocate.
// ptr == nil is a no-op.
func (a *Allocator) Deallocate(ptr unsafe.Pointer, size int) {
	if ptr == nil {
		return
	}
	if size <= 0 {
		size = Align
	}
	a.threads.Deallocate(uintptr(ptr), uintptr(size), fallbackDeallocate)
}

// Stats is a snapshot of the allocator's page-cache bookkeeping, exposed
// for diagnostics and for the tcallocprom subpackage. It is not on any
// allocate/deallocate hot path.
type Stats struct {
	pagecache.Stats
}

// Stats returns a snapshot of a's current page-cache bookkeeping.
func (a *Allocator) Stats() Stats {
	return Stats{a.pages.Stats()}
}

var (
	defaultOnce sync.Once
	defaultA    *Allocator
)

func defaultAllocator() *Allocator {
	defaultOnce.Do(func() {
		a, err := Open(Config{})
		if err != nil {
			// Config{} always validates; a non-nil error here would be a
			// programming error in withDefaults/validate, not a runtime
			// condition a caller can act on.
			panic(err)
		}
		defaultA = a
	})
	return defaultA
}

// Allocate is Allocate on the shared default Allocator.
func Allocate(size int) unsafe.Pointer {
	return defaultAllocator().Allocate(size)
}

// Deallocate is Deallocate on the shared default Allocator.
func Deallocate(ptr unsafe.Pointer, size int) {
	defaultAllocator().Deallocate(ptr, size)
}

// DefaultStats returns a snapshot of the shared default Allocator.
func DefaultStats() Stats {
	return defaultAllocator().Stats()
}
