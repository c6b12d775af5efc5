package api

import (
	"testing"
	"time"
)

func TestBucketCounterObserve(t *testing.T) {
	c := newBucketCounter(map[float64]int64{0.1: 0, 0.5: 0, 1: 0})

	c.observe(50 * time.Millisecond)

	snap := c.snapshot()
	if snap[0.1] != 1 {
		t.Errorf("bucket 0.1 = %d, want 1", snap[0.1])
	}
	if snap[0.5] != 1 {
		t.Errorf("bucket 0.5 = %d, want 1 (cumulative)", snap[0.5])
	}
	if snap[1] != 1 {
		t.Errorf("bucket 1 = %d, want 1 (cumulative)", snap[1])
	}
}

func TestBucketCounterObserveSkipsLowerBuckets(t *testing.T) {
	c := newBucketCounter(map[float64]int64{0.1: 0, 0.5: 0, 1: 0})

	c.observe(750 * time.Millisecond)

	snap := c.snapshot()
	if snap[0.1] != 0 {
		t.Errorf("bucket 0.1 = %d, want 0 (750ms exceeds it)", snap[0.1])
	}
	if snap[0.5] != 0 {
		t.Errorf("bucket 0.5 = %d, want 0 (750ms exceeds it)", snap[0.5])
	}
	if snap[1] != 1 {
		t.Errorf("bucket 1 = %d, want 1", snap[1])
	}
}

func TestBucketCounterSnapshotIsACopy(t *testing.T) {
	c := newBucketCounter(map[float64]int64{1: 0})
	snap := c.snapshot()
	snap[1] = 99

	if got := c.snapshot()[1]; got != 0 {
		t.Errorf("mutating a snapshot leaked into the counter: got %d, want 0", got)
	}
}
