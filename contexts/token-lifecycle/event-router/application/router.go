package application

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	domainerrors "waypoint/contexts/token-lifecycle/event-router/domain/errors"
	"waypoint/contexts/token-lifecycle/event-router/domain/token"
	"waypoint/contexts/token-lifecycle/event-router/ports"
)

// Failure reasons reported to the metrics sink.
const (
	failureDispatchValidation = "dispatch_validation"
	failureGovernanceFreeze   = "governance_freeze"
	failureRiskHold           = "risk_hold"
	failureRiskHoldProof      = "risk_hold_proof"
	failureGovernanceRejected = "governance_rejected"
	failureStoreFault         = "store_fault"
	failureSettlementRejected = "settlement_rejected"
	failureSettlementFault    = "settlement_fault"
	failureRouterStopped      = "router_stopped"
	failureDuplicateEvent     = "duplicate_event"
)

// Router composes risk, governance, proof, store mutation, and settlement
// into one decision per event. Every submission yields exactly one
// RoutingResult and exactly one audit emission; it never panics outward.
type Router struct {
	Store      ports.TokenStore
	Risk       ports.RiskEvaluator
	Governance ports.GovernanceGate
	Proof      ports.ProofAttestor
	Settlement ports.SettlementTrigger
	Audit      ports.AuditSink
	Metrics    ports.MetricsSink
	DLQ        *DeadLetterQueue
	Dedup      *DeduplicationWindow
	Normalizer Normalizer
	Clock      ports.Clock
	IDGen      ports.IDGenerator
	Logger     *slog.Logger

	// CollaboratorTimeout bounds every external call. Zero disables the bound.
	CollaboratorTimeout time.Duration
	// DrainOnStart replays the DLQ backlog before accepting new traffic.
	DrainOnStart bool

	stopped  atomic.Bool
	inflight sync.WaitGroup

	mu        sync.Mutex
	processed int
	rejected  int
	deferred  int
	deduped   int
}

// Start warms the pipeline and optionally drains the DLQ backlog.
func (r *Router) Start(ctx context.Context) error {
	r.stopped.Store(false)
	logger := ResolveLogger(r.Logger)

	drained := 0
	if r.DrainOnStart && r.DLQ != nil {
		backlog := r.DLQ.Size()
		for i := 0; i < backlog; i++ {
			if _, ok := r.RetryDLQEntry(ctx); !ok {
				break
			}
			drained++
		}
	}

	logger.Info("event router started",
		"event", "router_started",
		"module", "token-lifecycle/event-router",
		"layer", "application",
		"dlq_drained", drained,
	)
	return nil
}

// Stop refuses new submissions and waits for in-flight work, bounded by ctx.
func (r *Router) Stop(ctx context.Context) error {
	r.stopped.Store(true)

	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("stop event router: %w", ctx.Err())
	}

	ResolveLogger(r.Logger).Info("event router stopped",
		"event", "router_stopped",
		"module", "token-lifecycle/event-router",
		"layer", "application",
	)
	return nil
}

// ProcessEvent normalizes a raw payload and submits it through the pipeline.
// It always returns a RoutingResult, never an error or panic.
func (r *Router) ProcessEvent(ctx context.Context, raw map[string]any) ports.RoutingResult {
	event, err := r.Normalizer.Normalize(raw)
	if err != nil {
		result := ports.RoutingResult{
			EventID:      rawEventID(raw),
			Decision:     ports.DecisionRejected,
			ErrorMessage: err.Error(),
		}
		rawType := ports.EventType(rawString(raw, "event_type"))
		if r.Metrics != nil {
			r.Metrics.RecordFailure(failureDispatchValidation, rawType, false)
		}
		r.emitAudit(ctx, ports.TransitionEvent{
			EventID:   result.EventID,
			EventType: rawType,
		}, &result)
		r.count(result.Decision)
		return result
	}
	return r.Submit(ctx, event)
}

// ProcessEvents submits a batch sequentially with no internal fan-out.
func (r *Router) ProcessEvents(ctx context.Context, raws []map[string]any) []ports.RoutingResult {
	results := make([]ports.RoutingResult, 0, len(raws))
	for _, raw := range raws {
		results = append(results, r.ProcessEvent(ctx, raw))
	}
	return results
}

// Submit runs a canonical event through the full routing pipeline.
func (r *Router) Submit(ctx context.Context, event ports.TransitionEvent) ports.RoutingResult {
	return r.submit(ctx, event, 0)
}

// RetryDLQEntry pops the oldest DLQ entry and re-runs the full pipeline on
// it, returning the terminal result. The second return is false when the
// queue is empty.
func (r *Router) RetryDLQEntry(ctx context.Context) (ports.RoutingResult, bool) {
	if r.DLQ == nil {
		return ports.RoutingResult{}, false
	}
	entry, ok := r.DLQ.Pop()
	if !ok {
		return ports.RoutingResult{}, false
	}
	result := r.submit(ctx, entry.Event, entry.Attempts)
	return result, true
}

// QueueMetrics returns a read-only snapshot for ops surfaces.
func (r *Router) QueueMetrics() ports.QueueMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()

	metrics := ports.QueueMetrics{
		EventsProcessed: r.processed,
		EventsRejected:  r.rejected,
		EventsDeferred:  r.deferred,
		EventsDeduped:   r.deduped,
	}
	if r.DLQ != nil {
		metrics.DLQCount = r.DLQ.Size()
	}
	return metrics
}

func (r *Router) submit(ctx context.Context, event ports.TransitionEvent, priorAttempts int) ports.RoutingResult {
	start := time.Now()
	r.inflight.Add(1)
	defer r.inflight.Done()

	if event.EventID == "" {
		if id, err := r.IDGen.NewID(ctx); err == nil {
			event.EventID = id
		}
	}

	var result ports.RoutingResult
	switch {
	case r.stopped.Load():
		result = ports.RoutingResult{
			EventID:      event.EventID,
			Decision:     ports.DecisionRejected,
			ErrorMessage: domainerrors.ErrRouterStopped.Error(),
		}
		if r.Metrics != nil {
			r.Metrics.RecordFailure(failureRouterStopped, event.EventType, false)
		}
	// DLQ retries carry the id of their first pass and must not self-collide.
	case r.Dedup != nil && priorAttempts == 0 && r.Dedup.Observe(event.EventID, r.now()):
		result = ports.RoutingResult{
			EventID:      event.EventID,
			Decision:     ports.DecisionDeduped,
			ErrorMessage: fmt.Sprintf("duplicate event %s within deduplication window", event.EventID),
		}
		if r.Metrics != nil {
			r.Metrics.RecordFailure(failureDuplicateEvent, event.EventType, false)
		}
	default:
		result = r.route(ctx, event, priorAttempts)
	}
	result.ProcessingTimeMS = float64(time.Since(start)) / float64(time.Millisecond)

	r.emitAudit(ctx, event, &result)
	r.count(result.Decision)
	if r.Metrics != nil {
		if result.Decision == ports.DecisionProcessed {
			r.Metrics.RecordProcessed(event.EventType, result.ProcessingTimeMS,
				result.OCEventsEmitted, result.SettlementTriggers, result.ProofRequestsEmitted)
		}
		if r.DLQ != nil {
			r.Metrics.SetDLQSize(r.DLQ.Size())
		}
	}
	return result
}

// route implements the gate sequence. It fills every field of the result
// except ProcessingTimeMS and OCEventsEmitted, which submit owns.
func (r *Router) route(ctx context.Context, event ports.TransitionEvent, priorAttempts int) ports.RoutingResult {
	logger := ResolveLogger(r.Logger)
	payload := event.Payload
	result := ports.RoutingResult{EventID: event.EventID}

	// Risk context: tokens already minted for the shipment plus anomaly hints.
	tokens, err := r.Store.ListByShipment(ctx, event.ParentShipmentID)
	if err != nil {
		logger.Warn("token context lookup failed, evaluating risk without context",
			"event", "router_context_lookup_failed",
			"module", "token-lifecycle/event-router",
			"layer", "application",
			"event_id", event.EventID,
			"error", err.Error(),
		)
		tokens = nil
	}
	anomalies := deriveAnomalies(event, r.now())
	proofHint := (payload.TokenType == token.TypeAccessorial || payload.TokenType == token.TypePayment) &&
		token.ApproachesTerminal(payload.TokenType, payload.NewState)

	risk := r.evaluateRisk(ctx, ports.RiskRequest{
		ShipmentID:        event.ParentShipmentID,
		EventType:         event.EventType,
		Tokens:            tokens,
		ActorID:           event.ActorID,
		Anomalies:         anomalies,
		RequiresProofHint: proofHint,
	}, event)

	// Gate A: a freeze is a hard stop bypassing every later gate.
	if risk.Freeze {
		result.Decision = ports.DecisionRejected
		result.ErrorMessage = fmt.Sprintf("governance freeze blocked transition: %s (anomalies: %s)",
			risk.Message, strings.Join(risk.Anomalies, ", "))
		if r.Metrics != nil {
			r.Metrics.RecordFailure(failureGovernanceFreeze, event.EventType, true)
		}
		return result
	}

	// Gate B: hold pending proof. The store is never mutated this cycle.
	if risk.HaltTransition {
		result.Decision = ports.DecisionRejected
		if risk.RequiresProof {
			attestation, proofErr := r.requestProof(ctx, event)
			result.ProofRequestsEmitted++
			if proofErr != nil {
				if r.Metrics != nil {
					r.Metrics.RecordProofFailure()
				}
				logger.Error("proof request failed",
					"event", "router_proof_request_failed",
					"module", "token-lifecycle/event-router",
					"layer", "application",
					"event_id", event.EventID,
					"error", proofErr.Error(),
				)
			} else {
				logger.Info("proof request recorded",
					"event", "router_proof_requested",
					"module", "token-lifecycle/event-router",
					"layer", "application",
					"event_id", event.EventID,
					"token_id", payload.TokenID,
					"verdict", attestation.Verdict,
					"verified", attestation.Verified,
				)
			}
			result.ErrorMessage = fmt.Sprintf("transition held pending proof: %s", risk.Message)
			if r.Metrics != nil {
				r.Metrics.RecordFailure(failureRiskHoldProof, event.EventType, false)
			}
			return result
		}
		result.ErrorMessage = fmt.Sprintf("transition held by risk policy: %s", risk.Message)
		if r.Metrics != nil {
			r.Metrics.RecordFailure(failureRiskHold, event.EventType, false)
		}
		return result
	}

	// Gate C: governance. An erroring gate counts as a denial, never a pass.
	verdict, err := r.evaluateGovernance(ctx, event, risk)
	if err != nil {
		result.Decision = ports.DecisionRejected
		result.ErrorMessage = fmt.Sprintf("governance gate unavailable, transition denied: %v", err)
		if r.Metrics != nil {
			r.Metrics.RecordFailure(failureGovernanceRejected, event.EventType, false)
		}
		return result
	}
	if !verdict.Approved {
		result.Decision = ports.DecisionRejected
		result.ErrorMessage = fmt.Sprintf("governance rejection: %s (policy %s)", verdict.Reason, verdict.PolicyVersion)
		if r.Metrics != nil {
			r.Metrics.RecordFailure(failureGovernanceRejected, event.EventType, false)
		}
		return result
	}

	// Apply the transition. Store errors past this point are infra faults:
	// the gates already passed, so the event is deferred, not dropped.
	outcome, err := r.Store.ApplyTransition(ctx, event)
	if err != nil {
		r.enqueueRetry(event, priorAttempts, err)
		result.Decision = ports.DecisionDeferred
		result.ErrorMessage = fmt.Sprintf("token store fault, queued for retry: %v", err)
		if r.Metrics != nil {
			r.Metrics.RecordFailure(failureStoreFault, event.EventType, false)
		}
		return result
	}
	if !outcome.Applied {
		result.Decision = ports.DecisionRejected
		result.ErrorMessage = outcome.Reason
		if outcome.Detail != "" {
			result.ErrorMessage = fmt.Sprintf("%s: %s", outcome.Reason, outcome.Detail)
		}
		if r.Metrics != nil {
			r.Metrics.RecordFailure(strings.ToLower(outcome.Reason), event.EventType, false)
		}
		return result
	}

	// Settlement: only PT-01 transitions into a release state move money.
	if outcome.Token.Type == token.TypePayment && token.IsReleaseState(payload.NewState) {
		return r.settle(ctx, event, outcome, priorAttempts, result)
	}

	result.Decision = ports.DecisionProcessed
	return result
}

// settle triggers the payment rail and resolves the partial-failure cases: a
// transient fault rolls the mutation back and defers the event, an explicit
// rejection parks the token in ERROR pending manual reconciliation. A token
// must never be left implying funds moved when they did not.
func (r *Router) settle(
	ctx context.Context,
	event ports.TransitionEvent,
	outcome ports.TransitionOutcome,
	priorAttempts int,
	result ports.RoutingResult,
) ports.RoutingResult {
	logger := ResolveLogger(r.Logger)
	payload := event.Payload

	request := ports.SettlementRequest{
		TokenID:          payload.TokenID,
		ParentShipmentID: event.ParentShipmentID,
		TargetState:      payload.NewState,
		Amount:           metadataFloat(outcome.Token.Metadata, "amount"),
		Currency:         metadataString(outcome.Token.Metadata, "currency"),
		IdempotencyKey:   payload.TokenID + ":" + payload.NewState,
	}

	callCtx, cancel := r.boundCall(ctx)
	settlement, err := r.Settlement.Trigger(callCtx, request)
	cancel()

	if err != nil {
		// Transient rail fault: settlement success must never be assumed.
		// Roll the mutation back so the DLQ retry can re-apply it.
		if revertErr := r.Store.RevertTransition(ctx, payload.TokenID, payload.NewState, payload.PreviousState); revertErr != nil {
			logger.Error("settlement rollback failed, token needs manual reconciliation",
				"event", "router_settlement_rollback_failed",
				"module", "token-lifecycle/event-router",
				"layer", "application",
				"event_id", event.EventID,
				"token_id", payload.TokenID,
				"error", revertErr.Error(),
			)
		}
		r.enqueueRetry(event, priorAttempts, err)
		result.Decision = ports.DecisionDeferred
		result.ErrorMessage = fmt.Sprintf("settlement trigger unreachable, queued for retry: %v", err)
		if r.Metrics != nil {
			r.Metrics.RecordFailure(failureSettlementFault, event.EventType, false)
		}
		return result
	}

	if !settlement.Accepted {
		// Explicit rejection: park the token in ERROR so no state implies
		// money moved without rail confirmation.
		r.parkInError(ctx, event, settlement.Message)
		result.Decision = ports.DecisionRejected
		result.ErrorMessage = fmt.Sprintf("settlement failure: %s", settlement.Message)
		if r.Metrics != nil {
			r.Metrics.RecordFailure(failureSettlementRejected, event.EventType, false)
		}
		return result
	}

	result.SettlementTriggers++
	if err := r.Store.MergeMetadata(ctx, payload.TokenID, map[string]any{
		"ledger_reference": settlement.LedgerReference,
		"settled_state":    settlement.TargetState,
		"settled_at":       r.now().Format(time.RFC3339),
	}); err != nil {
		logger.Error("ledger reference not recorded on token",
			"event", "router_ledger_reference_failed",
			"module", "token-lifecycle/event-router",
			"layer", "application",
			"token_id", payload.TokenID,
			"ledger_reference", settlement.LedgerReference,
			"error", err.Error(),
		)
	}
	result.Decision = ports.DecisionProcessed
	return result
}

func (r *Router) parkInError(ctx context.Context, event ports.TransitionEvent, reason string) {
	payload := event.Payload

	// ERROR is unreachable from a terminal release state, so a rejected
	// FINAL_RELEASE is undone instead. Either way the token never sits in a
	// release state the rail did not confirm.
	if !token.IsLegalTransition(payload.TokenType, payload.NewState, token.StateError) {
		logger := ResolveLogger(r.Logger)
		if err := r.Store.RevertTransition(ctx, payload.TokenID, payload.NewState, payload.PreviousState); err != nil {
			logger.Error("rejected settlement rollback failed, token needs manual reconciliation",
				"event", "router_settlement_rollback_failed",
				"module", "token-lifecycle/event-router",
				"layer", "application",
				"token_id", payload.TokenID,
				"error", err.Error(),
			)
			return
		}
		if err := r.Store.MergeMetadata(ctx, payload.TokenID, map[string]any{
			"settlement_failure": reason,
			"failed_release":     payload.NewState,
		}); err != nil {
			logger.Error("settlement failure reason not recorded on token",
				"event", "router_settlement_failure_record_failed",
				"module", "token-lifecycle/event-router",
				"layer", "application",
				"token_id", payload.TokenID,
				"error", err.Error(),
			)
		}
		return
	}

	errorEvent := event
	errorEvent.Payload.PreviousState = event.Payload.NewState
	errorEvent.Payload.NewState = token.StateError
	errorEvent.Payload.MetadataChanges = map[string]any{
		"settlement_failure": reason,
		"failed_release":     event.Payload.NewState,
	}
	errorEvent.Payload.RelationChanges = nil

	if outcome, err := r.Store.ApplyTransition(ctx, errorEvent); err != nil || !outcome.Applied {
		detail := ""
		if err != nil {
			detail = err.Error()
		} else {
			detail = outcome.Reason
		}
		ResolveLogger(r.Logger).Error("failed to park payment token in ERROR state",
			"event", "router_error_state_failed",
			"module", "token-lifecycle/event-router",
			"layer", "application",
			"token_id", event.Payload.TokenID,
			"detail", detail,
		)
	}
}

// evaluateRisk calls the risk engine with a bounded context and falls back to
// a conservative hold when the collaborator errors or times out. Fail-closed,
// never fail-open.
func (r *Router) evaluateRisk(ctx context.Context, req ports.RiskRequest, event ports.TransitionEvent) ports.RiskResult {
	callCtx, cancel := r.boundCall(ctx)
	defer cancel()

	risk, err := r.Risk.Evaluate(callCtx, req)
	if err == nil {
		return risk
	}
	ResolveLogger(r.Logger).Warn("risk evaluator unavailable, applying conservative hold",
		"event", "router_risk_fallback",
		"module", "token-lifecycle/event-router",
		"layer", "application",
		"event_id", event.EventID,
		"error", err.Error(),
	)
	return ports.RiskResult{
		RiskScore:         100,
		RiskLabel:         "CRITICAL",
		Confidence:        0,
		RecommendedAction: "HOLD_PAYMENT",
		Anomalies:         req.Anomalies,
		RequiresProof:     true,
		HaltTransition:    true,
		Message:           "risk evaluator unreachable, holding transition",
	}
}

func (r *Router) evaluateGovernance(ctx context.Context, event ports.TransitionEvent, risk ports.RiskResult) (ports.GovernanceVerdict, error) {
	callCtx, cancel := r.boundCall(ctx)
	defer cancel()
	return r.Governance.Evaluate(callCtx, event, risk)
}

func (r *Router) requestProof(ctx context.Context, event ports.TransitionEvent) (ports.ProofAttestation, error) {
	callCtx, cancel := r.boundCall(ctx)
	defer cancel()
	return r.Proof.RequestProof(callCtx, ports.ProofRequest{
		TokenID:          event.Payload.TokenID,
		TokenType:        event.Payload.TokenType,
		ParentShipmentID: event.ParentShipmentID,
		TargetState:      event.Payload.NewState,
		InputDataHash:    event.Payload.ProofHash,
	})
}

func (r *Router) emitAudit(ctx context.Context, event ports.TransitionEvent, result *ports.RoutingResult) {
	record := ports.DecisionRecord{
		EventID:          result.EventID,
		EventType:        event.EventType,
		Source:           event.Source,
		TokenID:          event.Payload.TokenID,
		ParentShipmentID: event.ParentShipmentID,
		Decision:         result.Decision,
		ErrorMessage:     result.ErrorMessage,
		OccurredAt:       r.now(),
	}
	result.OCEventsEmitted++
	if r.Audit == nil {
		return
	}
	if err := r.Audit.Emit(ctx, record); err != nil {
		ResolveLogger(r.Logger).Error("audit emission failed",
			"event", "router_audit_emit_failed",
			"module", "token-lifecycle/event-router",
			"layer", "application",
			"event_id", record.EventID,
			"error", err.Error(),
		)
	}
}

func (r *Router) enqueueRetry(event ports.TransitionEvent, priorAttempts int, cause error) {
	if r.DLQ == nil {
		return
	}
	r.DLQ.Enqueue(DLQEntry{
		Event:      event,
		EnqueuedAt: r.now(),
		Attempts:   priorAttempts + 1,
		LastError:  cause.Error(),
	})
}

func (r *Router) count(decision ports.RoutingDecision) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch decision {
	case ports.DecisionProcessed:
		r.processed++
	case ports.DecisionRejected:
		r.rejected++
	case ports.DecisionDeferred:
		r.deferred++
	case ports.DecisionDeduped:
		r.deduped++
	}
}

func (r *Router) boundCall(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.CollaboratorTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.CollaboratorTimeout)
}

func (r *Router) now() time.Time {
	if r.Clock == nil {
		return time.Now().UTC()
	}
	return r.Clock.Now().UTC()
}

// deriveAnomalies collects anomaly hints from the event payload plus the
// staleness of the event itself.
func deriveAnomalies(event ports.TransitionEvent, now time.Time) []string {
	var anomalies []string
	if raw, ok := event.Payload.MetadataChanges["anomaly_flags"]; ok {
		switch flags := raw.(type) {
		case []string:
			anomalies = append(anomalies, flags...)
		case []any:
			for _, flag := range flags {
				if text, ok := flag.(string); ok {
					anomalies = append(anomalies, text)
				}
			}
		}
	}
	if !event.Timestamp.IsZero() && now.Sub(event.Timestamp) > 24*time.Hour {
		anomalies = append(anomalies, "STALE_TIMESTAMP")
	}
	return anomalies
}

func metadataFloat(metadata map[string]any, key string) float64 {
	if value, ok := metadata[key]; ok {
		switch v := value.(type) {
		case float64:
			return v
		case int:
			return float64(v)
		}
	}
	return 0
}

func metadataString(metadata map[string]any, key string) string {
	if value, ok := metadata[key]; ok {
		if text, ok := value.(string); ok {
			return text
		}
	}
	return ""
}

func rawEventID(raw map[string]any) string {
	return rawString(raw, "event_id")
}

func rawString(raw map[string]any, field string) string {
	if raw == nil {
		return ""
	}
	if value, ok := raw[field]; ok {
		if text, ok := value.(string); ok {
			return text
		}
	}
	return ""
}
