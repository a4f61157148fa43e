package utils

import (
	"testing"
	"time"
)

func TestLatencyTrackerPercentile(t *testing.T) {
	tracker := NewLatencyTracker(100)
	for i := 1; i <= 100; i++ {
		tracker.Observe(time.Duration(i) * time.Millisecond)
	}

	if got := tracker.Percentile(50); got < 40*time.Millisecond || got > 60*time.Millisecond {
		t.Fatalf("p50 out of range: %v", got)
	}
	if got := tracker.Percentile(100); got != 100*time.Millisecond {
		t.Fatalf("p100 should be max sample, got %v", got)
	}
	if got := tracker.Percentile(0); got != time.Millisecond {
		t.Fatalf("p0 should be min sample, got %v", got)
	}
}

func TestLatencyTrackerBoundsSamples(t *testing.T) {
	tracker := NewLatencyTracker(10)
	for i := 0; i < 50; i++ {
		tracker.Observe(time.Duration(i) * time.Millisecond)
	}
	if tracker.Count() != 10 {
		t.Fatalf("expected 10 retained samples, got %d", tracker.Count())
	}
	// Oldest samples were evicted, so the minimum is from the newest window.
	if got := tracker.Percentile(0); got != 40*time.Millisecond {
		t.Fatalf("expected eviction of old samples, min %v", got)
	}
}

func TestOrNow(t *testing.T) {
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	if got := OrNow(fixed); !got.Equal(fixed) {
		t.Fatalf("non-zero time must pass through, got %v", got)
	}
	if got := OrNow(time.Time{}); got.IsZero() {
		t.Fatalf("zero time must be replaced")
	}
}
