package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"waypoint/contexts/token-lifecycle/event-router/ports"
)

// TopicDecisions is the bus topic carrying routing decision records.
const TopicDecisions = "token.audit.v1"

const sourceService = "event-router"

// decisionPayload is the wire shape of one decision record.
type decisionPayload struct {
	EventID          string `json:"event_id"`
	EventType        string `json:"event_type"`
	Source           string `json:"source"`
	TokenID          string `json:"token_id,omitempty"`
	ParentShipmentID string `json:"parent_shipment_id,omitempty"`
	Decision         string `json:"decision"`
	ErrorMessage     string `json:"error_message,omitempty"`
	RiskScore        int    `json:"risk_score"`
	PolicyVersion    string `json:"policy_version,omitempty"`
	OccurredAt       string `json:"occurred_at"`
}

func envelopeFromRecord(ctx context.Context, idGen ports.IDGenerator, record ports.DecisionRecord) (ports.EventEnvelope, error) {
	payload, err := json.Marshal(decisionPayload{
		EventID:          record.EventID,
		EventType:        string(record.EventType),
		Source:           string(record.Source),
		TokenID:          record.TokenID,
		ParentShipmentID: record.ParentShipmentID,
		Decision:         string(record.Decision),
		ErrorMessage:     record.ErrorMessage,
		RiskScore:        record.RiskScore,
		PolicyVersion:    record.PolicyVersion,
		OccurredAt:       record.OccurredAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return ports.EventEnvelope{}, fmt.Errorf("encode decision record: %w", err)
	}

	envelopeID, err := idGen.NewID(ctx)
	if err != nil {
		return ports.EventEnvelope{}, fmt.Errorf("generate envelope id: %w", err)
	}
	partitionKey := record.ParentShipmentID
	if partitionKey == "" {
		partitionKey = record.EventID
	}
	return ports.EventEnvelope{
		EventID:          envelopeID,
		EventType:        TopicDecisions,
		OccurredAt:       record.OccurredAt.UTC(),
		SourceService:    sourceService,
		SchemaVersion:    1,
		PartitionKeyPath: "parent_shipment_id",
		PartitionKey:     partitionKey,
		Data:             payload,
	}, nil
}

// OutboxSink appends decision records to the outbox for asynchronous relay.
// The write shares the store's durability, so a record survives a crash
// between routing and publication.
type OutboxSink struct {
	Outbox ports.OutboxWriter
	IDGen  ports.IDGenerator
}

func NewOutboxSink(outbox ports.OutboxWriter, idGen ports.IDGenerator) *OutboxSink {
	return &OutboxSink{Outbox: outbox, IDGen: idGen}
}

func (s *OutboxSink) Emit(ctx context.Context, record ports.DecisionRecord) error {
	envelope, err := envelopeFromRecord(ctx, s.IDGen, record)
	if err != nil {
		return err
	}
	if err := s.Outbox.AppendOutbox(ctx, envelope); err != nil {
		return fmt.Errorf("append decision to outbox: %w", err)
	}
	return nil
}

// BusSink publishes decision records straight to the bus, skipping the
// outbox. Used where the loss window of a direct publish is acceptable.
type BusSink struct {
	Publisher ports.EventPublisher
	IDGen     ports.IDGenerator
}

func NewBusSink(publisher ports.EventPublisher, idGen ports.IDGenerator) *BusSink {
	return &BusSink{Publisher: publisher, IDGen: idGen}
}

func (s *BusSink) Emit(ctx context.Context, record ports.DecisionRecord) error {
	envelope, err := envelopeFromRecord(ctx, s.IDGen, record)
	if err != nil {
		return err
	}
	if err := s.Publisher.Publish(ctx, TopicDecisions, envelope); err != nil {
		return fmt.Errorf("publish decision record: %w", err)
	}
	return nil
}
