package tcalloc

import (
	"context"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/tcalloc-go/tcalloc/internal/centralcache"
	"github.com/tcalloc-go/tcalloc/internal/pagecache"
	"github.com/tcalloc-go/tcalloc/internal/sizeclass"
)

// newScenarioAllocator builds an Allocator with a small span-table capacity
// so the table-overflow and delayed-return paths stay reachable without
// millions of iterations.
func newScenarioAllocator(t *testing.T) *Allocator {
	t.Helper()
	a, err := Open(Config{SpanTableCapacity: 1024})
	require.NoError(t, err)
	return a
}

// Scenario 1: single-thread churn. A million allocate/deallocate cycles of
// a fixed small size must never return nil, and each block must be
// writable.
func TestScenarioSingleThreadChurn(t *testing.T) {
	a := newScenarioAllocator(t)
	const size = 48
	for i := 0; i < 1_000_000; i++ {
		p := a.Allocate(size)
		require.NotNil(t, p, "allocation %d returned nil", i)
		*(*byte)(p) = 0xAB
		a.Deallocate(p, size)
	}
}

// Scenario 2: class isolation. Interleaved allocations of two distinct
// size classes must never hand out the same address twice while it is
// live.
func TestScenarioClassIsolation(t *testing.T) {
	a := newScenarioAllocator(t)

	const n = 2000
	small := make([]unsafe.Pointer, 0, n)
	large := make([]unsafe.Pointer, 0, n)
	live := make(map[uintptr]int)

	for i := 0; i < n; i++ {
		sp := a.Allocate(16)
		require.NotNil(t, sp)
		lp := a.Allocate(128)
		require.NotNil(t, lp)

		for _, p := range [2]unsafe.Pointer{sp, lp} {
			addr := uintptr(p)
			_, dup := live[addr]
			require.False(t, dup, "address %x handed out twice while still live", addr)
			live[addr] = 1
		}

		small = append(small, sp)
		large = append(large, lp)
	}

	for i := range small {
		delete(live, uintptr(small[i]))
		a.Deallocate(small[i], 16)
		delete(live, uintptr(large[i]))
		a.Deallocate(large[i], 128)
	}
}

// Scenario 3: cross-class forwarding. A request larger than MaxBytes must
// bypass the tiered path and still return usable, writable memory.
func TestScenarioOversizeForwarding(t *testing.T) {
	a := newScenarioAllocator(t)

	const size = 300000
	require.Greater(t, size, MaxBytes)

	p := a.Allocate(size)
	require.NotNil(t, p)

	buf := unsafe.Slice((*byte)(p), size)
	buf[0] = 1
	buf[size-1] = 2
	require.Equal(t, byte(1), buf[0])
	require.Equal(t, byte(2), buf[size-1])

	a.Deallocate(p, size)
}

// Scenario 4: delayed-return trigger. Returning enough blocks of one class
// to a central list eventually reclaims a fully-free span, observable
// through the page cache's deallocate hook.
func TestScenarioDelayedReturnReclaimsSpan(t *testing.T) {
	reclaimed := make(chan uintptr, 16)
	pages := pagecache.New(pagecache.WithDeallocateHook(func(addr, _ uintptr) {
		reclaimed <- addr
	}))
	central := centralcache.New(pages, centralcache.WithSpanTableCapacity(1024))

	const blockSize = 32
	class := sizeclass.Index(blockSize)
	blockBytes := sizeclass.SizeForIndex(class)
	blocksPerSpan := int((8 * pagecache.PageSize) / blockBytes)

	// Fetch every block the freshly minted span was carved into, then
	// return them one by one. A sweep runs on every 48th return; the last
	// one during this loop (return 1008) still sees blocks missing, and the
	// loop ends with the counter at 1024 % 48 = 16.
	fetched := make([]uintptr, 0, blocksPerSpan)
	for i := 0; i < blocksPerSpan; i++ {
		addr, ok := central.FetchRange(class)
		require.True(t, ok)
		fetched = append(fetched, addr)
	}

	for _, addr := range fetched {
		central.ReturnRange(addr, blockBytes, class)
	}

	// Cycle one block out and back until the counter reaches the threshold;
	// that sweep finds every block of the span on the list and reclaims it.
	for i := 0; i < 48 && len(reclaimed) == 0; i++ {
		addr, ok := central.FetchRange(class)
		require.True(t, ok)
		central.ReturnRange(addr, blockBytes, class)
	}

	select {
	case <-reclaimed:
	default:
		t.Fatal("delayed-return sweep did not reclaim the fully-freed span")
	}
}

// Scenario 5: multi-thread stress. Several goroutines hammering the same
// allocator with the same size class concurrently must never get nil and
// must be able to write to every block they receive.
func TestScenarioMultiThreadStress(t *testing.T) {
	a := newScenarioAllocator(t)

	const (
		goroutines = 8
		iterations = 50_000
		size       = 16
	)

	g, _ := errgroup.WithContext(context.Background())
	for i := 0; i < goroutines; i++ {
		g.Go(func() error {
			for j := 0; j < iterations; j++ {
				p := a.Allocate(size)
				if p == nil {
					t.Errorf("allocate returned nil")
					return nil
				}
				*(*byte)(p) = byte(j)
				a.Deallocate(p, size)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}

// Scenario 6: coalescing. Two adjacent spans returned to the page cache
// merge into one larger free span.
func TestScenarioSpanCoalescing(t *testing.T) {
	pages := pagecache.New()

	const n = 8
	a1, ok := pages.AllocateSpan(n)
	require.True(t, ok)
	a2, ok := pages.AllocateSpan(n)
	require.True(t, ok)

	// Only adjacent addresses exercise the coalescing path; a fresh mmap
	// from the OS is not guaranteed to hand back adjacent regions across
	// two separate calls, so this assertion is best-effort.
	if a2 != a1+n*pagecache.PageSize {
		t.Skip("OS did not hand back adjacent spans for this test run")
	}

	// Free the higher-address span first, then the lower one: coalescing is
	// forward-only, so only the lower span's check can find a free neighbor.
	pages.DeallocateSpan(a2, n)
	pages.DeallocateSpan(a1, n)

	merged, ok := pages.AllocateSpan(2 * n)
	require.True(t, ok)
	require.Equal(t, a1, merged)
}
