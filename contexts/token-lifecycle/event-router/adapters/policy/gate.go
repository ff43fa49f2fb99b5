package policy

import (
	"context"
	"fmt"

	"waypoint/contexts/token-lifecycle/event-router/domain/token"
	"waypoint/contexts/token-lifecycle/event-router/ports"
)

// Version identifies the rule set below. Bump it whenever a rule changes so
// audit records stay attributable.
const Version = "gate-2026.2"

// Gate is the in-process governance gate. It encodes the standing compliance
// rules that do not need a human desk:
//
//   - an ESCALATE_COMPLIANCE recommendation is always denied
//   - a payment release above the risk score ceiling is denied unless the
//     transition carries a proof hash
//   - everything else passes
type Gate struct {
	// RiskScoreCeiling is the highest score a release may carry without
	// proof. Zero selects the default of 70.
	RiskScoreCeiling int
}

func NewGate(riskScoreCeiling int) *Gate {
	if riskScoreCeiling <= 0 {
		riskScoreCeiling = 70
	}
	return &Gate{RiskScoreCeiling: riskScoreCeiling}
}

func (g *Gate) Evaluate(_ context.Context, event ports.TransitionEvent, risk ports.RiskResult) (ports.GovernanceVerdict, error) {
	if risk.RecommendedAction == "ESCALATE_COMPLIANCE" {
		return ports.GovernanceVerdict{
			Approved:      false,
			Reason:        "compliance escalation pending, transition blocked",
			PolicyVersion: Version,
		}, nil
	}

	payload := event.Payload
	if payload.TokenType == token.TypePayment && token.IsReleaseState(payload.NewState) {
		if risk.RiskScore > g.RiskScoreCeiling && payload.ProofHash == "" {
			return ports.GovernanceVerdict{
				Approved: false,
				Reason: fmt.Sprintf("release denied: risk score %d exceeds ceiling %d without proof",
					risk.RiskScore, g.RiskScoreCeiling),
				PolicyVersion: Version,
			}, nil
		}
	}

	return ports.GovernanceVerdict{Approved: true, PolicyVersion: Version}, nil
}
