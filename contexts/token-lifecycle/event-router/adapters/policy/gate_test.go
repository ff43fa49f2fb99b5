package policy

import (
	"context"
	"strings"
	"testing"

	"waypoint/contexts/token-lifecycle/event-router/domain/token"
	"waypoint/contexts/token-lifecycle/event-router/ports"
)

func releaseEvent(proofHash string) ports.TransitionEvent {
	return ports.TransitionEvent{
		EventID:          "evt-1",
		EventType:        ports.EventTokenTransition,
		ParentShipmentID: "SHIP-001",
		Payload: ports.TransitionPayload{
			TokenID:       "pt-1",
			TokenType:     token.TypePayment,
			PreviousState: token.StateEscrowed,
			NewState:      token.StatePartialRelease,
			ProofHash:     proofHash,
		},
	}
}

func TestGateDeniesComplianceEscalation(t *testing.T) {
	gate := NewGate(0)
	verdict, err := gate.Evaluate(context.Background(), releaseEvent(""), ports.RiskResult{
		RiskScore:         20,
		RecommendedAction: "ESCALATE_COMPLIANCE",
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if verdict.Approved {
		t.Fatal("compliance escalation must be denied")
	}
	if !strings.Contains(verdict.Reason, "compliance escalation") {
		t.Fatalf("reason = %q", verdict.Reason)
	}
	if verdict.PolicyVersion != Version {
		t.Fatalf("policy version = %q", verdict.PolicyVersion)
	}
}

func TestGateDeniesRiskyReleaseWithoutProof(t *testing.T) {
	gate := NewGate(0)
	verdict, err := gate.Evaluate(context.Background(), releaseEvent(""), ports.RiskResult{RiskScore: 85})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if verdict.Approved {
		t.Fatal("release above the ceiling without proof must be denied")
	}
	if !strings.Contains(verdict.Reason, "exceeds ceiling 70") {
		t.Fatalf("reason = %q", verdict.Reason)
	}
}

func TestGateAllowsRiskyReleaseWithProof(t *testing.T) {
	gate := NewGate(0)
	verdict, err := gate.Evaluate(context.Background(), releaseEvent("0xproof"), ports.RiskResult{RiskScore: 85})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !verdict.Approved {
		t.Fatalf("proofed release should pass: %s", verdict.Reason)
	}
}

func TestGateHonorsConfiguredCeiling(t *testing.T) {
	gate := NewGate(90)
	verdict, err := gate.Evaluate(context.Background(), releaseEvent(""), ports.RiskResult{RiskScore: 85})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !verdict.Approved {
		t.Fatalf("score below the configured ceiling should pass: %s", verdict.Reason)
	}
}

func TestGateApprovesOrdinaryTransitions(t *testing.T) {
	gate := NewGate(0)
	event := ports.TransitionEvent{
		EventID:   "evt-1",
		EventType: ports.EventTokenTransition,
		Payload: ports.TransitionPayload{
			TokenID:       "st-1",
			TokenType:     token.TypeShipment,
			PreviousState: token.StateDispatched,
			NewState:      token.StateInTransit,
		},
	}
	// High score alone is not a denial outside payment releases.
	verdict, err := gate.Evaluate(context.Background(), event, ports.RiskResult{RiskScore: 99})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !verdict.Approved {
		t.Fatalf("shipment transition should pass: %s", verdict.Reason)
	}
	if verdict.PolicyVersion != Version {
		t.Fatalf("policy version = %q", verdict.PolicyVersion)
	}
}
