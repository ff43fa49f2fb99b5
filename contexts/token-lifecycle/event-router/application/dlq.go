package application

import (
	"log/slog"
	"sync"
	"time"

	"waypoint/contexts/token-lifecycle/event-router/ports"
)

// DLQEntry is one transiently-failed event awaiting retry.
type DLQEntry struct {
	Event      ports.TransitionEvent
	EnqueuedAt time.Time
	Attempts   int
	LastError  string
}

// DeadLetterQueue buffers events that failed after policy gates passed.
// FIFO with an atomic single-consumer pop so no entry is retried twice
// concurrently. Bounded: the oldest entry is dropped at capacity.
type DeadLetterQueue struct {
	mu      sync.Mutex
	entries []DLQEntry
	maxSize int
	logger  *slog.Logger
}

// NewDeadLetterQueue builds a bounded queue. maxSize <= 0 selects the default
// capacity of 1000 entries.
func NewDeadLetterQueue(maxSize int, logger *slog.Logger) *DeadLetterQueue {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &DeadLetterQueue{
		maxSize: maxSize,
		logger:  ResolveLogger(logger),
	}
}

// Enqueue appends a failed event. The entry's attempt counter is advanced by
// the caller before enqueueing on re-failure.
func (q *DeadLetterQueue) Enqueue(entry DLQEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) >= q.maxSize {
		dropped := q.entries[0]
		q.entries = q.entries[1:]
		q.logger.Warn("dead letter queue full, dropping oldest entry",
			"event", "dlq_entry_dropped",
			"module", "token-lifecycle/event-router",
			"layer", "application",
			"event_id", dropped.Event.EventID,
		)
	}
	q.entries = append(q.entries, entry)
	q.logger.Warn("event added to dead letter queue",
		"event", "dlq_entry_enqueued",
		"module", "token-lifecycle/event-router",
		"layer", "application",
		"event_id", entry.Event.EventID,
		"attempts", entry.Attempts,
		"last_error", entry.LastError,
	)
}

// Pop removes and returns the oldest entry.
func (q *DeadLetterQueue) Pop() (DLQEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return DLQEntry{}, false
	}
	entry := q.entries[0]
	q.entries = q.entries[1:]
	return entry, true
}

// Peek returns up to n oldest entries without removing them.
func (q *DeadLetterQueue) Peek(n int) []DLQEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n <= 0 || n > len(q.entries) {
		n = len(q.entries)
	}
	return append([]DLQEntry(nil), q.entries[:n]...)
}

// Size returns the current depth.
func (q *DeadLetterQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
