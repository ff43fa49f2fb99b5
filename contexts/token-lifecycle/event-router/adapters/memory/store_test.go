package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	domainerrors "waypoint/contexts/token-lifecycle/event-router/domain/errors"
	"waypoint/contexts/token-lifecycle/event-router/domain/token"
	"waypoint/contexts/token-lifecycle/event-router/ports"
)

func transitionEvent(tokenID string, tokenType token.Type, previous, next string) ports.TransitionEvent {
	return ports.TransitionEvent{
		EventID:          "evt-" + tokenID + "-" + next,
		EventType:        ports.EventTokenTransition,
		Source:           ports.SourceTokenEngine,
		Timestamp:        time.Now().UTC(),
		ParentShipmentID: "SHIP-001",
		ActorID:          "tester",
		Payload: ports.TransitionPayload{
			TokenID:       tokenID,
			TokenType:     tokenType,
			PreviousState: previous,
			NewState:      next,
		},
	}
}

func TestGenesisCreatesToken(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	outcome, err := store.ApplyTransition(ctx, transitionEvent("st-1", token.TypeShipment, "", token.StateDispatched))
	if err != nil {
		t.Fatalf("ApplyTransition error: %v", err)
	}
	if !outcome.Applied || !outcome.Created {
		t.Fatalf("genesis outcome = %+v, want applied and created", outcome)
	}
	if outcome.Token.State != token.StateDispatched {
		t.Fatalf("state = %s", outcome.Token.State)
	}
	if outcome.Token.Version != 1 {
		t.Fatalf("version = %d, want 1", outcome.Token.Version)
	}

	got, found, err := store.Get(ctx, "st-1")
	if err != nil || !found {
		t.Fatalf("Get after genesis: found=%v err=%v", found, err)
	}
	if got.ParentShipmentID != "SHIP-001" {
		t.Fatalf("shipment id = %s", got.ParentShipmentID)
	}
}

func TestGenesisRejectedForNonGenesisState(t *testing.T) {
	store := NewStore()
	outcome, err := store.ApplyTransition(context.Background(),
		transitionEvent("st-1", token.TypeShipment, "", token.StateInTransit))
	if err != nil {
		t.Fatalf("ApplyTransition error: %v", err)
	}
	if outcome.Applied {
		t.Fatal("IN_TRANSIT genesis should be rejected")
	}
	if outcome.Reason != domainerrors.ReasonStaleState {
		t.Fatalf("reason = %s, want %s", outcome.Reason, domainerrors.ReasonStaleState)
	}
}

func TestStaleStateRejected(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	if _, err := store.ApplyTransition(ctx, transitionEvent("st-1", token.TypeShipment, "", token.StateDispatched)); err != nil {
		t.Fatalf("genesis: %v", err)
	}
	if _, err := store.ApplyTransition(ctx, transitionEvent("st-1", token.TypeShipment, token.StateDispatched, token.StateInTransit)); err != nil {
		t.Fatalf("first transition: %v", err)
	}

	// Replay of the first transition must lose the compare-and-swap.
	outcome, err := store.ApplyTransition(ctx, transitionEvent("st-1", token.TypeShipment, token.StateDispatched, token.StateInTransit))
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if outcome.Applied {
		t.Fatal("replayed transition should be rejected")
	}
	if outcome.Reason != domainerrors.ReasonStaleState {
		t.Fatalf("reason = %s", outcome.Reason)
	}
	if outcome.Token.State != token.StateInTransit {
		t.Fatalf("snapshot state = %s, want IN_TRANSIT", outcome.Token.State)
	}
}

func TestIllegalTransitionRejected(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	if _, err := store.ApplyTransition(ctx, transitionEvent("st-1", token.TypeShipment, "", token.StateDispatched)); err != nil {
		t.Fatalf("genesis: %v", err)
	}
	outcome, err := store.ApplyTransition(ctx, transitionEvent("st-1", token.TypeShipment, token.StateDispatched, token.StateDelivered))
	if err != nil {
		t.Fatalf("skip transition: %v", err)
	}
	if outcome.Applied {
		t.Fatal("state skip should be rejected")
	}
	if outcome.Reason != domainerrors.ReasonIllegalTransition {
		t.Fatalf("reason = %s", outcome.Reason)
	}
}

func TestProofRequiredForAccessorialStates(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	if _, err := store.ApplyTransition(ctx, transitionEvent("at-1", token.TypeAccessorial, "", token.StateProposed)); err != nil {
		t.Fatalf("genesis: %v", err)
	}

	bare := transitionEvent("at-1", token.TypeAccessorial, token.StateProposed, token.StateProofAttached)
	outcome, err := store.ApplyTransition(ctx, bare)
	if err != nil {
		t.Fatalf("bare transition: %v", err)
	}
	if outcome.Applied {
		t.Fatal("PROOF_ATTACHED without proof hash should be rejected")
	}
	if outcome.Reason != domainerrors.ReasonMissingProof {
		t.Fatalf("reason = %s", outcome.Reason)
	}

	withProof := bare
	withProof.Payload.ProofHash = "0xproof"
	outcome, err = store.ApplyTransition(ctx, withProof)
	if err != nil {
		t.Fatalf("proof transition: %v", err)
	}
	if !outcome.Applied {
		t.Fatalf("transition with proof rejected: %s %s", outcome.Reason, outcome.Detail)
	}
	if outcome.Token.Proof == nil || outcome.Token.Proof.Hash != "0xproof" {
		t.Fatal("proof not recorded on token")
	}

	// The attached proof satisfies the next proof-bearing state too.
	verified := transitionEvent("at-1", token.TypeAccessorial, token.StateProofAttached, token.StateVerified)
	outcome, err = store.ApplyTransition(ctx, verified)
	if err != nil {
		t.Fatalf("verified transition: %v", err)
	}
	if !outcome.Applied {
		t.Fatalf("VERIFIED with existing proof rejected: %s", outcome.Reason)
	}
}

func TestRevertTransition(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	if _, err := store.ApplyTransition(ctx, transitionEvent("pt-1", token.TypePayment, "", token.StateEscrowed)); err != nil {
		t.Fatalf("genesis: %v", err)
	}
	if _, err := store.ApplyTransition(ctx, transitionEvent("pt-1", token.TypePayment, token.StateEscrowed, token.StatePartialRelease)); err != nil {
		t.Fatalf("release: %v", err)
	}

	if err := store.RevertTransition(ctx, "pt-1", token.StatePartialRelease, token.StateEscrowed); err != nil {
		t.Fatalf("RevertTransition: %v", err)
	}
	got, _, _ := store.Get(ctx, "pt-1")
	if got.State != token.StateEscrowed {
		t.Fatalf("state after revert = %s", got.State)
	}

	// A second revert no longer matches the from-state.
	err := store.RevertTransition(ctx, "pt-1", token.StatePartialRelease, token.StateEscrowed)
	if !errors.Is(err, domainerrors.ErrRevertConflict) {
		t.Fatalf("err = %v, want ErrRevertConflict", err)
	}

	err = store.RevertTransition(ctx, "missing", token.StatePartialRelease, token.StateEscrowed)
	if !errors.Is(err, domainerrors.ErrTokenNotFound) {
		t.Fatalf("err = %v, want ErrTokenNotFound", err)
	}
}

func TestMergeMetadata(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	if _, err := store.ApplyTransition(ctx, transitionEvent("pt-1", token.TypePayment, "", token.StateEscrowed)); err != nil {
		t.Fatalf("genesis: %v", err)
	}
	if err := store.MergeMetadata(ctx, "pt-1", map[string]any{"ledger_reference": "ledger-9"}); err != nil {
		t.Fatalf("MergeMetadata: %v", err)
	}
	got, _, _ := store.Get(ctx, "pt-1")
	if got.Metadata["ledger_reference"] != "ledger-9" {
		t.Fatal("metadata not merged")
	}

	if err := store.MergeMetadata(ctx, "missing", map[string]any{"k": "v"}); !errors.Is(err, domainerrors.ErrTokenNotFound) {
		t.Fatalf("err = %v, want ErrTokenNotFound", err)
	}
}

func TestSeedRejectsDuplicates(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	seed := token.Token{TokenID: "st-1", Type: token.TypeShipment, ParentShipmentID: "SHIP-001", State: token.StateArrived}
	if err := store.Seed(ctx, seed); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if err := store.Seed(ctx, seed); !errors.Is(err, domainerrors.ErrTokenExists) {
		t.Fatalf("err = %v, want ErrTokenExists", err)
	}
}

func TestListByShipmentReturnsClones(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	if _, err := store.ApplyTransition(ctx, transitionEvent("st-1", token.TypeShipment, "", token.StateDispatched)); err != nil {
		t.Fatalf("genesis st-1: %v", err)
	}
	if _, err := store.ApplyTransition(ctx, transitionEvent("pt-1", token.TypePayment, "", token.StateEscrowed)); err != nil {
		t.Fatalf("genesis pt-1: %v", err)
	}

	items, err := store.ListByShipment(ctx, "SHIP-001")
	if err != nil {
		t.Fatalf("ListByShipment: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("listed %d tokens, want 2", len(items))
	}

	items[0].Metadata["tampered"] = true
	fresh, _, _ := store.Get(ctx, items[0].TokenID)
	if _, ok := fresh.Metadata["tampered"]; ok {
		t.Fatal("ListByShipment leaked a mutable reference")
	}
}

func TestConcurrentTransitionsOnlyOneWins(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	if _, err := store.ApplyTransition(ctx, transitionEvent("st-1", token.TypeShipment, "", token.StateDispatched)); err != nil {
		t.Fatalf("genesis: %v", err)
	}

	const writers = 16
	var wg sync.WaitGroup
	applied := make(chan bool, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := store.ApplyTransition(ctx,
				transitionEvent("st-1", token.TypeShipment, token.StateDispatched, token.StateInTransit))
			if err != nil {
				t.Errorf("ApplyTransition: %v", err)
				return
			}
			applied <- outcome.Applied
		}()
	}
	wg.Wait()
	close(applied)

	wins := 0
	for ok := range applied {
		if ok {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("%d writers won the compare-and-swap, want exactly 1", wins)
	}

	got, _, _ := store.Get(ctx, "st-1")
	if got.State != token.StateInTransit {
		t.Fatalf("state = %s", got.State)
	}
	if got.Version != 2 {
		t.Fatalf("version = %d, want 2", got.Version)
	}
}

func TestOutboxLifecycle(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	envelope := ports.EventEnvelope{
		EventID:      "out-1",
		EventType:    "token.audit.v1",
		OccurredAt:   time.Now().UTC(),
		PartitionKey: "SHIP-001",
		Data:         []byte(`{"decision":"PROCESSED"}`),
	}
	if err := store.AppendOutbox(ctx, envelope); err != nil {
		t.Fatalf("AppendOutbox: %v", err)
	}
	// Duplicate appends are absorbed.
	if err := store.AppendOutbox(ctx, envelope); err != nil {
		t.Fatalf("duplicate AppendOutbox: %v", err)
	}

	pending, err := store.ListPendingOutbox(ctx, 10)
	if err != nil {
		t.Fatalf("ListPendingOutbox: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}

	if err := store.MarkOutboxPublished(ctx, "out-1", time.Now().UTC()); err != nil {
		t.Fatalf("MarkOutboxPublished: %v", err)
	}
	pending, _ = store.ListPendingOutbox(ctx, 10)
	if len(pending) != 0 {
		t.Fatalf("pending after publish = %d, want 0", len(pending))
	}

	if err := store.MarkOutboxPublished(ctx, "missing", time.Now().UTC()); !errors.Is(err, domainerrors.ErrOutboxNotFound) {
		t.Fatalf("err = %v, want ErrOutboxNotFound", err)
	}
}
