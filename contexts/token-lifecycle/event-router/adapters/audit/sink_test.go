package audit

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"waypoint/contexts/token-lifecycle/event-router/adapters/memory"
	"waypoint/contexts/token-lifecycle/event-router/ports"
)

type busRecorder struct {
	Topics    []string
	Envelopes []ports.EventEnvelope
}

func (b *busRecorder) Publish(_ context.Context, topic string, event ports.EventEnvelope) error {
	b.Topics = append(b.Topics, topic)
	b.Envelopes = append(b.Envelopes, event)
	return nil
}

func decisionRecord(eventID, shipmentID string) ports.DecisionRecord {
	return ports.DecisionRecord{
		EventID:          eventID,
		EventType:        ports.EventTokenTransition,
		Source:           ports.SourceTokenEngine,
		TokenID:          "st-1",
		ParentShipmentID: shipmentID,
		Decision:         ports.DecisionProcessed,
		OccurredAt:       time.Now().UTC(),
	}
}

func TestOutboxSinkAppendsFullEnvelope(t *testing.T) {
	store := memory.NewStore()
	sink := NewOutboxSink(store, store)

	if err := sink.Emit(context.Background(), decisionRecord("evt-1", "SHIP-001")); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	pending, err := store.ListPendingOutbox(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListPendingOutbox: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}

	var envelope ports.EventEnvelope
	if err := json.Unmarshal(pending[0].Payload, &envelope); err != nil {
		t.Fatalf("payload is not a full envelope: %v", err)
	}
	if envelope.EventType != TopicDecisions {
		t.Fatalf("envelope event type = %q", envelope.EventType)
	}
	if envelope.PartitionKey != "SHIP-001" {
		t.Fatalf("partition key = %q", envelope.PartitionKey)
	}

	var payload decisionPayload
	if err := json.Unmarshal(envelope.Data, &payload); err != nil {
		t.Fatalf("envelope data decode: %v", err)
	}
	if payload.EventID != "evt-1" || payload.Decision != "PROCESSED" {
		t.Fatalf("decision payload = %+v", payload)
	}
}

func TestPartitionKeyFallsBackToEventID(t *testing.T) {
	store := memory.NewStore()
	sink := NewOutboxSink(store, store)

	if err := sink.Emit(context.Background(), decisionRecord("evt-1", "")); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	pending, err := store.ListPendingOutbox(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListPendingOutbox: %v", err)
	}
	if pending[0].PartitionKey != "evt-1" {
		t.Fatalf("partition key = %q, want the event id", pending[0].PartitionKey)
	}
}

func TestBusSinkPublishesDirectly(t *testing.T) {
	store := memory.NewStore()
	bus := &busRecorder{}
	sink := NewBusSink(bus, store)

	if err := sink.Emit(context.Background(), decisionRecord("evt-1", "SHIP-001")); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	if len(bus.Envelopes) != 1 {
		t.Fatalf("published = %d, want 1", len(bus.Envelopes))
	}
	if bus.Topics[0] != TopicDecisions {
		t.Fatalf("topic = %q", bus.Topics[0])
	}
	if bus.Envelopes[0].PartitionKey != "SHIP-001" {
		t.Fatalf("partition key = %q", bus.Envelopes[0].PartitionKey)
	}
}
