package stub

import (
	"context"
	"sync"

	"waypoint/contexts/token-lifecycle/event-router/ports"
)

// RiskStub returns scripted risk results, optionally keyed by shipment id.
// With no script it approves everything at a low score.
type RiskStub struct {
	mu         sync.Mutex
	Default    ports.RiskResult
	ByShipment map[string]ports.RiskResult
	Err        error
	Calls      []ports.RiskRequest
}

func (s *RiskStub) Evaluate(_ context.Context, req ports.RiskRequest) (ports.RiskResult, error) {
	s.mu.Lock()
	s.Calls = append(s.Calls, req)
	s.mu.Unlock()

	if s.Err != nil {
		return ports.RiskResult{}, s.Err
	}
	if result, ok := s.ByShipment[req.ShipmentID]; ok {
		return result, nil
	}
	if s.Default.RiskLabel == "" && !s.Default.Freeze && !s.Default.HaltTransition {
		return ports.RiskResult{
			RiskScore:         10,
			RiskLabel:         "LOW",
			Confidence:        0.9,
			RecommendedAction: "AUTO_APPROVE",
			Message:           "no anomalies detected",
		}, nil
	}
	return s.Default, nil
}

// GovernanceStub approves unless told otherwise.
type GovernanceStub struct {
	mu      sync.Mutex
	Verdict ports.GovernanceVerdict
	Err     error
	Calls   int
}

func (s *GovernanceStub) Evaluate(_ context.Context, _ ports.TransitionEvent, _ ports.RiskResult) (ports.GovernanceVerdict, error) {
	s.mu.Lock()
	s.Calls++
	s.mu.Unlock()

	if s.Err != nil {
		return ports.GovernanceVerdict{}, s.Err
	}
	if s.Verdict.PolicyVersion == "" && !s.Verdict.Approved && s.Verdict.Reason == "" {
		return ports.GovernanceVerdict{Approved: true, PolicyVersion: "stub-1"}, nil
	}
	return s.Verdict, nil
}

// ProofStub answers proof requests with a fixed attestation.
type ProofStub struct {
	mu          sync.Mutex
	Attestation ports.ProofAttestation
	Err         error
	Calls       []ports.ProofRequest
}

func (s *ProofStub) RequestProof(_ context.Context, req ports.ProofRequest) (ports.ProofAttestation, error) {
	s.mu.Lock()
	s.Calls = append(s.Calls, req)
	s.mu.Unlock()

	if s.Err != nil {
		return ports.ProofAttestation{}, s.Err
	}
	if s.Attestation.Verdict == "" {
		return ports.ProofAttestation{
			ProofHash:  "0xstubproof",
			Verified:   true,
			Verdict:    "APPROVED",
			Confidence: 0.95,
		}, nil
	}
	return s.Attestation, nil
}

// SettlementStub records idempotency keys so double triggers are visible to
// tests. Accept defaults to true.
type SettlementStub struct {
	mu       sync.Mutex
	Reject   bool
	Message  string
	Err      error
	Triggers []ports.SettlementRequest
	seenKeys map[string]ports.SettlementResult
}

func (s *SettlementStub) Trigger(_ context.Context, req ports.SettlementRequest) (ports.SettlementResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Err != nil {
		return ports.SettlementResult{}, s.Err
	}
	if s.seenKeys == nil {
		s.seenKeys = make(map[string]ports.SettlementResult)
	}
	if prior, ok := s.seenKeys[req.IdempotencyKey]; ok {
		// Replay: the rail must not move funds twice for one key.
		return prior, nil
	}

	s.Triggers = append(s.Triggers, req)
	if s.Reject {
		message := s.Message
		if message == "" {
			message = "settlement rail rejected release"
		}
		result := ports.SettlementResult{Accepted: false, TargetState: req.TargetState, Message: message}
		s.seenKeys[req.IdempotencyKey] = result
		return result, nil
	}
	result := ports.SettlementResult{
		Accepted:        true,
		TargetState:     req.TargetState,
		LedgerReference: "ledger-" + req.IdempotencyKey,
		Message:         "accepted",
	}
	s.seenKeys[req.IdempotencyKey] = result
	return result, nil
}

// TriggerCount returns how many distinct settlements the rail executed.
func (s *SettlementStub) TriggerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Triggers)
}

// AuditStub collects decision records in memory.
type AuditStub struct {
	mu      sync.Mutex
	Err     error
	Records []ports.DecisionRecord
}

func (s *AuditStub) Emit(_ context.Context, record ports.DecisionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Err != nil {
		return s.Err
	}
	s.Records = append(s.Records, record)
	return nil
}

// Count returns the number of emitted records.
func (s *AuditStub) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Records)
}

// MetricsStub counts sink calls for assertions.
type MetricsStub struct {
	mu             sync.Mutex
	Processed      int
	Failures       map[string]int
	Freezes        int
	ProofFailures  int
	LastDLQSize    int
	LastEventTypes []ports.EventType
}

func (s *MetricsStub) RecordProcessed(eventType ports.EventType, _ float64, _, _, _ int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Processed++
	s.LastEventTypes = append(s.LastEventTypes, eventType)
}

func (s *MetricsStub) RecordFailure(reason string, _ ports.EventType, governanceFreeze bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Failures == nil {
		s.Failures = make(map[string]int)
	}
	s.Failures[reason]++
	if governanceFreeze {
		s.Freezes++
	}
}

func (s *MetricsStub) RecordProofFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ProofFailures++
}

func (s *MetricsStub) SetDLQSize(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastDLQSize = n
}

// FailureCount returns the recorded count for a reason.
func (s *MetricsStub) FailureCount(reason string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Failures[reason]
}
