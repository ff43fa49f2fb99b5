package workers

import (
	"context"
	"errors"
	"testing"

	eventrouter "waypoint/contexts/token-lifecycle/event-router"
	"waypoint/contexts/token-lifecycle/event-router/domain/token"
	"waypoint/contexts/token-lifecycle/event-router/ports"
)

func deferredReleaseModule(t *testing.T) eventrouter.Module {
	t.Helper()
	module := eventrouter.NewInMemoryModule(nil)
	ctx := context.Background()
	if err := module.Router.Start(ctx); err != nil {
		t.Fatalf("router start: %v", err)
	}
	err := module.Store.Seed(ctx, token.Token{
		TokenID:          "pt-1",
		Type:             token.TypePayment,
		ParentShipmentID: "SHIP-001",
		State:            token.StateEscrowed,
		Metadata:         map[string]any{"amount": 500.0, "currency": "EUR"},
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	module.SettlementStub.Err = errors.New("rail timeout")
	result := module.Router.ProcessEvent(ctx, map[string]any{
		"event_id":           "evt-1",
		"event_type":         "TOKEN_TRANSITION",
		"source":             "TOKEN_ENGINE",
		"timestamp":          "2026-03-01T10:00:00Z",
		"parent_shipment_id": "SHIP-001",
		"actor_id":           "token-engine",
		"payload": map[string]any{
			"token_id":       "pt-1",
			"token_type":     "PT-01",
			"previous_state": "ESCROWED",
			"new_state":      "PARTIAL_RELEASE",
		},
	})
	if result.Decision != ports.DecisionDeferred {
		t.Fatalf("setup decision = %s (%s)", result.Decision, result.ErrorMessage)
	}
	return module
}

func TestDLQDrainerReplaysBacklog(t *testing.T) {
	module := deferredReleaseModule(t)
	module.SettlementStub.Err = nil

	drainer := DLQDrainer{Router: module.Router}
	if err := drainer.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if module.Router.QueueMetrics().DLQCount != 0 {
		t.Fatalf("dlq count = %d, want 0", module.Router.QueueMetrics().DLQCount)
	}
	item, found, err := module.Store.Get(context.Background(), "pt-1")
	if err != nil || !found {
		t.Fatalf("token lookup: found=%v err=%v", found, err)
	}
	if item.State != token.StatePartialRelease {
		t.Fatalf("state = %s, want PARTIAL_RELEASE", item.State)
	}
}

func TestDLQDrainerDoesNotLoopOnPoisonedEntry(t *testing.T) {
	module := deferredReleaseModule(t)
	// Rail still down: the entry re-defers and must be retried exactly once
	// this cycle, not spun on until the batch size is exhausted.
	drainer := DLQDrainer{Router: module.Router, BatchSize: 50}
	if err := drainer.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if module.Router.QueueMetrics().DLQCount != 1 {
		t.Fatalf("dlq count = %d, want 1", module.Router.QueueMetrics().DLQCount)
	}
	if module.SettlementStub.TriggerCount() != 0 {
		t.Fatalf("rail executions = %d, want 0 while the rail errors", module.SettlementStub.TriggerCount())
	}
}
