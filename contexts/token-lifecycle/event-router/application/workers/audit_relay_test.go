package workers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"waypoint/contexts/token-lifecycle/event-router/adapters/audit"
	"waypoint/contexts/token-lifecycle/event-router/adapters/memory"
	"waypoint/contexts/token-lifecycle/event-router/ports"
)

type publishedEvent struct {
	Topic string
	Event ports.EventEnvelope
}

// recordingBus captures publishes synchronously for assertions.
type recordingBus struct {
	mu        sync.Mutex
	Err       error
	Published []publishedEvent
}

func (b *recordingBus) Publish(_ context.Context, topic string, event ports.EventEnvelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Err != nil {
		return b.Err
	}
	b.Published = append(b.Published, publishedEvent{Topic: topic, Event: event})
	return nil
}

func emitDecisions(t *testing.T, store *memory.Store, eventIDs ...string) {
	t.Helper()
	sink := audit.NewOutboxSink(store, store)
	for _, id := range eventIDs {
		err := sink.Emit(context.Background(), ports.DecisionRecord{
			EventID:          id,
			EventType:        ports.EventTokenTransition,
			Source:           ports.SourceTokenEngine,
			TokenID:          "st-1",
			ParentShipmentID: "SHIP-001",
			Decision:         ports.DecisionProcessed,
			OccurredAt:       time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("emit decision %s: %v", id, err)
		}
	}
}

func TestAuditRelayPublishesPendingRows(t *testing.T) {
	store := memory.NewStore()
	bus := &recordingBus{}
	emitDecisions(t, store, "evt-1", "evt-2")

	relay := AuditRelay{Outbox: store, Publisher: bus, Clock: store}
	if err := relay.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if len(bus.Published) != 2 {
		t.Fatalf("published = %d, want 2", len(bus.Published))
	}
	for _, item := range bus.Published {
		if item.Topic != audit.TopicDecisions {
			t.Fatalf("topic = %q", item.Topic)
		}
		if item.Event.EventType != audit.TopicDecisions {
			t.Fatalf("envelope event type = %q", item.Event.EventType)
		}
		if item.Event.PartitionKey != "SHIP-001" {
			t.Fatalf("partition key = %q", item.Event.PartitionKey)
		}
	}

	pending, err := store.ListPendingOutbox(context.Background(), 100)
	if err != nil {
		t.Fatalf("ListPendingOutbox: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending after relay = %d, want 0", len(pending))
	}

	// A second cycle finds nothing to publish.
	if err := relay.RunOnce(context.Background()); err != nil {
		t.Fatalf("second RunOnce: %v", err)
	}
	if len(bus.Published) != 2 {
		t.Fatalf("published after second cycle = %d, want 2", len(bus.Published))
	}
}

func TestAuditRelayKeepsRowsPendingOnPublishError(t *testing.T) {
	store := memory.NewStore()
	bus := &recordingBus{Err: errors.New("bus down")}
	emitDecisions(t, store, "evt-1")

	relay := AuditRelay{Outbox: store, Publisher: bus}
	if err := relay.RunOnce(context.Background()); err == nil {
		t.Fatal("RunOnce should surface the publish error")
	}

	pending, err := store.ListPendingOutbox(context.Background(), 100)
	if err != nil {
		t.Fatalf("ListPendingOutbox: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d, row must stay pending for the next cycle", len(pending))
	}
}
