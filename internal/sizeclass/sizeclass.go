// Package sizeclass implements the pure rounding and indexing arithmetic
// shared by every tier of the allocator. It carries no state and cannot
// fail.
package sizeclass

const (
	// Align is the byte alignment every allocation is rounded up to.
	Align = 8

	// MaxBytes is the largest request the tiered allocator will serve
	// directly. Anything bigger is forwarded by the caller to a fallback
	// allocator.
	MaxBytes = 256 * 1024

	// NumClasses is the number of distinct size classes between Align and
	// MaxBytes, inclusive.
	NumClasses = MaxBytes / Align
)

// RoundUp rounds n up to the nearest multiple of Align.
func RoundUp(n uintptr) uintptr {
	return (n + Align - 1) &^ (Align - 1)
}

// Index returns the size-class index for a request of n bytes. Requests
// smaller than Align are treated as Align.
func Index(n uintptr) int {
	if n < Align {
		n = Align
	}
	return int((n+Align-1)/Align) - 1
}

// SizeForIndex returns the block size, in bytes, of the size class at i.
func SizeForIndex(i int) uintptr {
	return uintptr(i+1) * Align
}
