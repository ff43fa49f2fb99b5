package application

import (
	"fmt"
	"testing"
	"time"

	"waypoint/contexts/token-lifecycle/event-router/ports"
)

func dlqEntry(id string) DLQEntry {
	return DLQEntry{
		Event:      ports.TransitionEvent{EventID: id},
		EnqueuedAt: time.Now().UTC(),
		Attempts:   1,
		LastError:  "store fault",
	}
}

func TestDLQIsFIFO(t *testing.T) {
	q := NewDeadLetterQueue(10, nil)
	q.Enqueue(dlqEntry("a"))
	q.Enqueue(dlqEntry("b"))
	q.Enqueue(dlqEntry("c"))

	if q.Size() != 3 {
		t.Fatalf("size = %d, want 3", q.Size())
	}
	for _, want := range []string{"a", "b", "c"} {
		entry, ok := q.Pop()
		if !ok {
			t.Fatalf("Pop returned empty before %q", want)
		}
		if entry.Event.EventID != want {
			t.Fatalf("popped %q, want %q", entry.Event.EventID, want)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Fatal("Pop on empty queue should report false")
	}
}

func TestDLQDropsOldestAtCapacity(t *testing.T) {
	q := NewDeadLetterQueue(2, nil)
	q.Enqueue(dlqEntry("a"))
	q.Enqueue(dlqEntry("b"))
	q.Enqueue(dlqEntry("c"))

	if q.Size() != 2 {
		t.Fatalf("size = %d, want 2", q.Size())
	}
	entry, _ := q.Pop()
	if entry.Event.EventID != "b" {
		t.Fatalf("oldest surviving entry = %q, want b", entry.Event.EventID)
	}
}

func TestDLQPeekDoesNotRemove(t *testing.T) {
	q := NewDeadLetterQueue(10, nil)
	for i := 0; i < 5; i++ {
		q.Enqueue(dlqEntry(fmt.Sprintf("evt-%d", i)))
	}

	peeked := q.Peek(3)
	if len(peeked) != 3 {
		t.Fatalf("peeked %d entries, want 3", len(peeked))
	}
	if peeked[0].Event.EventID != "evt-0" {
		t.Fatalf("peek order wrong: %q", peeked[0].Event.EventID)
	}
	if q.Size() != 5 {
		t.Fatalf("peek mutated the queue, size = %d", q.Size())
	}

	all := q.Peek(0)
	if len(all) != 5 {
		t.Fatalf("Peek(0) returned %d entries, want all 5", len(all))
	}
}
