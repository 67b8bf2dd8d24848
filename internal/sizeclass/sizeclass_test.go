package sizeclass

import "testing"

func TestRoundUp(t *testing.T) {
	cases := map[uintptr]uintptr{
		0:  0,
		1:  8,
		7:  8,
		8:  8,
		9:  16,
		17: 24,
	}
	for in, want := range cases {
		if got := RoundUp(in); got != want {
			t.Errorf("RoundUp(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestIndex(t *testing.T) {
	if Index(0) != Index(1) || Index(1) != Index(8) {
		t.Fatalf("requests below Align must share a size class")
	}
	if Index(8) != 0 {
		t.Fatalf("Index(8) = %d, want 0", Index(8))
	}
	if Index(9) != 1 {
		t.Fatalf("Index(9) = %d, want 1", Index(9))
	}
	if Index(MaxBytes) != NumClasses-1 {
		t.Fatalf("Index(MaxBytes) = %d, want %d", Index(MaxBytes), NumClasses-1)
	}
}

func TestSizeForIndexRoundTrip(t *testing.T) {
	for i := 0; i < NumClasses; i++ {
		size := SizeForIndex(i)
		if Index(size) != i {
			t.Fatalf("SizeForIndex(%d) = %d, but Index(%d) = %d", i, size, size, Index(size))
		}
	}
}
