package tcalloc

import (
	goerrors "github.com/agilira/go-errors"
)

// Error codes returned by Open when a Config is invalid, and by Prewarm
// when a warmup allocation fails. Allocate and Deallocate themselves
// never return an error — per the allocator's design, an out-of-memory
// condition on the hot path degrades to a nil pointer, not an error
// value.
const (
	codeInvalidSpanPages    = "TCALLOC_INVALID_SPAN_PAGES"
	codeInvalidRetention    = "TCALLOC_INVALID_RETENTION_THRESHOLD"
	codeInvalidSpanTableCap = "TCALLOC_INVALID_SPAN_TABLE_CAPACITY"
	codeAllocationFailed    = "TCALLOC_ALLOCATION_FAILED"
)

func errInvalidSpanPages(n int) error {
	return goerrors.New(codeInvalidSpanPages, "span pages must be positive, got %d", n)
}

func errInvalidRetention(n int) error {
	return goerrors.New(codeInvalidRetention, "retention threshold must be positive, got %d", n)
}

func errInvalidSpanTableCap(n int) error {
	return goerrors.New(codeInvalidSpanTableCap, "span table capacity must be at least 1024, got %d", n)
}

func errAllocationFailed(size int) error {
	return goerrors.New(codeAllocationFailed, "allocate(%d) returned nil: operating system could not supply pages", size)
}
