package application

import (
	"fmt"
	"testing"
	"time"
)

func TestObserveDetectsReplayWithinWindow(t *testing.T) {
	window := NewDeduplicationWindow(5*time.Minute, 100)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	if window.Observe("evt-1", now) {
		t.Fatal("first observation reported as duplicate")
	}
	if !window.Observe("evt-1", now.Add(time.Minute)) {
		t.Fatal("replay within the window not detected")
	}
	if window.Observe("evt-2", now) {
		t.Fatal("distinct event id reported as duplicate")
	}
	if window.Hits() != 1 {
		t.Fatalf("hits = %d, want 1", window.Hits())
	}
}

func TestObserveForgetsExpiredEntries(t *testing.T) {
	window := NewDeduplicationWindow(5*time.Minute, 100)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	if window.Observe("evt-1", now) {
		t.Fatal("first observation reported as duplicate")
	}
	if window.Observe("evt-1", now.Add(6*time.Minute)) {
		t.Fatal("entry past the window must be forgotten")
	}
	if window.Hits() != 0 {
		t.Fatalf("hits = %d, want 0", window.Hits())
	}
}

func TestObserveEvictsOldestAtCapacity(t *testing.T) {
	window := NewDeduplicationWindow(time.Hour, 3)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("evt-%d", i)
		if window.Observe(id, now.Add(time.Duration(i)*time.Second)) {
			t.Fatalf("%s reported as duplicate", id)
		}
	}

	// evt-0 was evicted to make room for evt-3; the rest are still held.
	if window.Observe("evt-0", now.Add(5*time.Second)) {
		t.Fatal("evicted entry still reported as duplicate")
	}
	if !window.Observe("evt-3", now.Add(5*time.Second)) {
		t.Fatal("retained entry not reported as duplicate")
	}
}

func TestDefaultsApplyForNonPositiveArguments(t *testing.T) {
	window := NewDeduplicationWindow(0, 0)
	if window.window != defaultDedupWindow {
		t.Fatalf("window = %s", window.window)
	}
	if window.maxSize != defaultDedupMaxSize {
		t.Fatalf("max size = %d", window.maxSize)
	}
}
