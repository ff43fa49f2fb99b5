package ports

import (
	"context"
	"time"

	"waypoint/contexts/token-lifecycle/event-router/domain/token"
	contractsv1 "waypoint/contracts/gen/events/v1"
)

// EventType enumerates the canonical event classes the router accepts.
type EventType string

const (
	EventTokenCreated       EventType = "TOKEN_CREATED"
	EventTokenTransition    EventType = "TOKEN_TRANSITION"
	EventTokenProofAttached EventType = "TOKEN_PROOF_ATTACHED"
	EventEDIStatusUpdate    EventType = "EDI_STATUS_UPDATE"
	EventGeofenceEnter      EventType = "IOT_GEOFENCE_ENTER"
	EventGeofenceExit       EventType = "IOT_GEOFENCE_EXIT"
	EventSettlementInit     EventType = "SETTLEMENT_INITIATED"
	EventSettlementComplete EventType = "SETTLEMENT_COMPLETE"
	EventGovernanceApproval EventType = "GOVERNANCE_APPROVAL"
)

// EventSource enumerates the systems allowed to submit events.
type EventSource string

const (
	SourceIoTTelematics   EventSource = "IOT_TELEMATICS"
	SourceEDIGateway      EventSource = "EDI_GATEWAY"
	SourceTokenEngine     EventSource = "TOKEN_ENGINE"
	SourceRiskEngine      EventSource = "RISK_ENGINE"
	SourceProofService    EventSource = "PROOF_SERVICE"
	SourceSettlementRail  EventSource = "SETTLEMENT_RAIL"
	SourceGovernanceDesk  EventSource = "GOVERNANCE_DESK"
	SourceOperatorConsole EventSource = "OPERATOR_CONSOLE"
)

// KnownEventTypes is the membership set validated by the normalizer.
var KnownEventTypes = map[EventType]bool{
	EventTokenCreated:       true,
	EventTokenTransition:    true,
	EventTokenProofAttached: true,
	EventEDIStatusUpdate:    true,
	EventGeofenceEnter:      true,
	EventGeofenceExit:       true,
	EventSettlementInit:     true,
	EventSettlementComplete: true,
	EventGovernanceApproval: true,
}

// KnownEventSources is the membership set validated by the normalizer.
var KnownEventSources = map[EventSource]bool{
	SourceIoTTelematics:   true,
	SourceEDIGateway:      true,
	SourceTokenEngine:     true,
	SourceRiskEngine:      true,
	SourceProofService:    true,
	SourceSettlementRail:  true,
	SourceGovernanceDesk:  true,
	SourceOperatorConsole: true,
}

// TransitionPayload is the token mutation carried by a TransitionEvent.
type TransitionPayload struct {
	TokenID         string
	TokenType       token.Type
	PreviousState   string
	NewState        string
	ProofHash       string
	MetadataChanges map[string]any
	RelationChanges map[string]string
}

// TransitionEvent is the canonical unit of work. Produced once by the
// normalizer, consumed exactly once by the router (or once per DLQ retry).
type TransitionEvent struct {
	EventID          string
	EventType        EventType
	Source           EventSource
	Timestamp        time.Time
	ParentShipmentID string
	ActorID          string
	Payload          TransitionPayload
}

// RoutingDecision is the outward verdict of one submission.
type RoutingDecision string

const (
	DecisionProcessed RoutingDecision = "PROCESSED"
	DecisionRejected  RoutingDecision = "REJECTED"
	DecisionDeferred  RoutingDecision = "DEFERRED"
	DecisionDeduped   RoutingDecision = "DEDUPED"
)

// RoutingResult is the outward contract of one submit.
type RoutingResult struct {
	EventID              string
	Decision             RoutingDecision
	ProcessingTimeMS     float64
	ErrorMessage         string
	OCEventsEmitted      int
	SettlementTriggers   int
	ProofRequestsEmitted int
}

// TransitionOutcome is the store verdict for one ApplyTransition call.
// Applied=false with a Reason means a policy-level rejection; infra faults
// travel on the error return instead.
type TransitionOutcome struct {
	Applied bool
	Created bool
	Reason  string
	Detail  string
	Token   token.Token
}

// TokenStore owns canonical token snapshots and validates transitions.
// Mutations for one token id are linearized; distinct ids mutate in parallel.
type TokenStore interface {
	Get(ctx context.Context, tokenID string) (token.Token, bool, error)
	ListByShipment(ctx context.Context, shipmentID string) ([]token.Token, error)
	ApplyTransition(ctx context.Context, event TransitionEvent) (TransitionOutcome, error)
	RevertTransition(ctx context.Context, tokenID, fromState, toState string) error
	MergeMetadata(ctx context.Context, tokenID string, changes map[string]any) error
	Seed(ctx context.Context, tokens ...token.Token) error
}

// RiskRequest is the evaluation context handed to the risk engine.
type RiskRequest struct {
	ShipmentID        string
	EventType         EventType
	Tokens            []token.Token
	ActorID           string
	Anomalies         []string
	RequiresProofHint bool
}

// RiskResult is the risk engine verdict. Freeze is a hard stop; HaltTransition
// blocks the transition pending proof or review.
type RiskResult struct {
	RiskScore         int
	RiskLabel         string
	Confidence        float64
	RecommendedAction string
	Anomalies         []string
	RequiresProof     bool
	Freeze            bool
	HaltTransition    bool
	Message           string
}

// RiskEvaluator scores a transition before any mutation happens.
type RiskEvaluator interface {
	Evaluate(ctx context.Context, req RiskRequest) (RiskResult, error)
}

// GovernanceVerdict is a policy decision stamped with the policy version.
type GovernanceVerdict struct {
	Approved      bool
	Reason        string
	PolicyVersion string
}

// GovernanceGate approves or denies a transition that passed risk gating.
type GovernanceGate interface {
	Evaluate(ctx context.Context, event TransitionEvent, risk RiskResult) (GovernanceVerdict, error)
}

// ProofRequest asks the attestor to compute a proof for a held transition.
type ProofRequest struct {
	TokenID          string
	TokenType        token.Type
	ParentShipmentID string
	TargetState      string
	InputDataHash    string
}

// ProofAttestation is the attestor response, recorded for audit.
type ProofAttestation struct {
	ProofHash  string
	Verified   bool
	Verdict    string
	Confidence float64
	Metadata   map[string]any
}

// ProofAttestor computes cryptographic proofs for accessorial claims.
type ProofAttestor interface {
	RequestProof(ctx context.Context, req ProofRequest) (ProofAttestation, error)
}

// SettlementRequest instructs the payment rail to move funds for a PT-01
// release. IdempotencyKey is tokenID + ":" + targetState so retries can never
// double-move money.
type SettlementRequest struct {
	TokenID          string
	ParentShipmentID string
	TargetState      string
	Amount           float64
	Currency         string
	IdempotencyKey   string
}

// SettlementResult reports whether the rail accepted the movement.
type SettlementResult struct {
	Accepted        bool
	TargetState     string
	LedgerReference string
	Message         string
}

// SettlementTrigger is the payment rail client.
type SettlementTrigger interface {
	Trigger(ctx context.Context, req SettlementRequest) (SettlementResult, error)
}

// DecisionRecord is the audit trail entry emitted once per submitted event.
type DecisionRecord struct {
	EventID          string
	EventType        EventType
	Source           EventSource
	TokenID          string
	ParentShipmentID string
	Decision         RoutingDecision
	ErrorMessage     string
	RiskScore        int
	PolicyVersion    string
	OccurredAt       time.Time
}

// AuditSink receives decision records. Emission is fire-and-forget from the
// router's perspective; failures are logged, never fail the submission.
type AuditSink interface {
	Emit(ctx context.Context, record DecisionRecord) error
}

// MetricsSink receives router observability signals.
type MetricsSink interface {
	RecordProcessed(eventType EventType, latencyMS float64, ocEmitted, settlement, proofRequested int)
	RecordFailure(reason string, eventType EventType, governanceFreeze bool)
	RecordProofFailure()
	SetDLQSize(n int)
}

// QueueMetrics is the read-only snapshot exposed to ops surfaces.
type QueueMetrics struct {
	EventsProcessed int
	EventsRejected  int
	EventsDeferred  int
	EventsDeduped   int
	DLQCount        int
}

// Clock abstracts wall-clock time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator issues unique identifiers.
type IDGenerator interface {
	NewID(ctx context.Context) (string, error)
}

// EventEnvelope is the canonical audit envelope shape.
type EventEnvelope = contractsv1.Envelope

// OutboxMessage is one pending audit emission awaiting relay to the bus.
type OutboxMessage struct {
	OutboxID     string
	EventType    string
	PartitionKey string
	Payload      []byte
	CreatedAt    time.Time
}

// OutboxWriter appends an audit envelope for asynchronous publication.
type OutboxWriter interface {
	AppendOutbox(ctx context.Context, envelope EventEnvelope) error
}

// OutboxRepository is the worker-side view of pending audit emissions.
type OutboxRepository interface {
	ListPendingOutbox(ctx context.Context, limit int) ([]OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, outboxID string, publishedAt time.Time) error
}

// EventPublisher hands envelopes to the message bus.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, envelope EventEnvelope) error
}
