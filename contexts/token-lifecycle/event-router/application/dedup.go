package application

import (
	"sync"
	"time"
)

const (
	defaultDedupWindow  = 5 * time.Minute
	defaultDedupMaxSize = 50000
)

// DeduplicationWindow remembers recently routed event ids so a replayed
// submission is absorbed instead of re-running the pipeline. Entries expire
// after the window; the oldest entries are evicted at capacity. Insertion
// order tracks observation time, so expiry sweeps from the front.
type DeduplicationWindow struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	order   []string
	window  time.Duration
	maxSize int
	hits    int
}

// NewDeduplicationWindow builds a window. Non-positive arguments select the
// defaults of 5 minutes and 50000 entries.
func NewDeduplicationWindow(window time.Duration, maxSize int) *DeduplicationWindow {
	if window <= 0 {
		window = defaultDedupWindow
	}
	if maxSize <= 0 {
		maxSize = defaultDedupMaxSize
	}
	return &DeduplicationWindow{
		seen:    make(map[string]time.Time),
		window:  window,
		maxSize: maxSize,
	}
}

// Observe records the event id and reports whether it was already seen within
// the window.
func (d *DeduplicationWindow) Observe(eventID string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.sweep(now)
	if _, ok := d.seen[eventID]; ok {
		d.hits++
		return true
	}

	d.seen[eventID] = now
	d.order = append(d.order, eventID)
	for len(d.order) > d.maxSize {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, oldest)
	}
	return false
}

// Hits returns how many duplicate submissions were absorbed.
func (d *DeduplicationWindow) Hits() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hits
}

func (d *DeduplicationWindow) sweep(now time.Time) {
	for len(d.order) > 0 {
		oldest := d.order[0]
		observedAt, ok := d.seen[oldest]
		if ok && now.Sub(observedAt) <= d.window {
			break
		}
		d.order = d.order[1:]
		delete(d.seen, oldest)
	}
}
