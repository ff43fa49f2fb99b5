package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"waypoint/contexts/token-lifecycle/event-router/ports"
)

const defaultTimeout = 5 * time.Second

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("call %s: unexpected status %d: %s", url, resp.StatusCode, string(raw))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s: %w", url, err)
	}
	return nil
}

// RiskClient calls the risk engine's shipment scoring endpoint.
type RiskClient struct {
	BaseURL string
	client  *http.Client
}

func NewRiskClient(baseURL string, timeout time.Duration) *RiskClient {
	return &RiskClient{BaseURL: baseURL, client: newHTTPClient(timeout)}
}

type riskRequestDTO struct {
	ShipmentID        string      `json:"shipment_id"`
	EventType         string      `json:"event_type"`
	ActorID           string      `json:"actor_id,omitempty"`
	Anomalies         []string    `json:"anomalies,omitempty"`
	RequiresProofHint bool        `json:"requires_proof_hint"`
	Tokens            []riskToken `json:"tokens"`
}

type riskToken struct {
	TokenID string `json:"token_id"`
	Type    string `json:"token_type"`
	State   string `json:"state"`
}

type riskResultDTO struct {
	RiskScore         int      `json:"risk_score"`
	RiskLabel         string   `json:"risk_label"`
	Confidence        float64  `json:"confidence"`
	RecommendedAction string   `json:"recommended_action"`
	Anomalies         []string `json:"anomalies"`
	RequiresProof     bool     `json:"requires_proof"`
	Freeze            bool     `json:"freeze"`
	HaltTransition    bool     `json:"halt_transition"`
	Message           string   `json:"message"`
}

func (c *RiskClient) Evaluate(ctx context.Context, req ports.RiskRequest) (ports.RiskResult, error) {
	dto := riskRequestDTO{
		ShipmentID:        req.ShipmentID,
		EventType:         string(req.EventType),
		ActorID:           req.ActorID,
		Anomalies:         req.Anomalies,
		RequiresProofHint: req.RequiresProofHint,
		Tokens:            make([]riskToken, 0, len(req.Tokens)),
	}
	for _, item := range req.Tokens {
		dto.Tokens = append(dto.Tokens, riskToken{
			TokenID: item.TokenID,
			Type:    string(item.Type),
			State:   item.State,
		})
	}

	var out riskResultDTO
	if err := postJSON(ctx, c.client, c.BaseURL+"/v1/risk/evaluate", nil, dto, &out); err != nil {
		return ports.RiskResult{}, err
	}
	return ports.RiskResult{
		RiskScore:         out.RiskScore,
		RiskLabel:         out.RiskLabel,
		Confidence:        out.Confidence,
		RecommendedAction: out.RecommendedAction,
		Anomalies:         out.Anomalies,
		RequiresProof:     out.RequiresProof,
		Freeze:            out.Freeze,
		HaltTransition:    out.HaltTransition,
		Message:           out.Message,
	}, nil
}

// ProofClient calls the proof service to attest a held transition.
type ProofClient struct {
	BaseURL string
	client  *http.Client
}

func NewProofClient(baseURL string, timeout time.Duration) *ProofClient {
	return &ProofClient{BaseURL: baseURL, client: newHTTPClient(timeout)}
}

type proofRequestDTO struct {
	TokenID          string `json:"token_id"`
	TokenType        string `json:"token_type"`
	ParentShipmentID string `json:"parent_shipment_id"`
	TargetState      string `json:"target_state"`
	InputDataHash    string `json:"input_data_hash,omitempty"`
}

type proofResultDTO struct {
	ProofHash  string         `json:"proof_hash"`
	Verified   bool           `json:"verified"`
	Verdict    string         `json:"verdict"`
	Confidence float64        `json:"confidence"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

func (c *ProofClient) RequestProof(ctx context.Context, req ports.ProofRequest) (ports.ProofAttestation, error) {
	dto := proofRequestDTO{
		TokenID:          req.TokenID,
		TokenType:        string(req.TokenType),
		ParentShipmentID: req.ParentShipmentID,
		TargetState:      req.TargetState,
		InputDataHash:    req.InputDataHash,
	}
	var out proofResultDTO
	if err := postJSON(ctx, c.client, c.BaseURL+"/v1/proofs/request", nil, dto, &out); err != nil {
		return ports.ProofAttestation{}, err
	}
	return ports.ProofAttestation{
		ProofHash:  out.ProofHash,
		Verified:   out.Verified,
		Verdict:    out.Verdict,
		Confidence: out.Confidence,
		Metadata:   out.Metadata,
	}, nil
}

// SettlementClient calls the payment rail. The idempotency key rides both in
// the body and in the Idempotency-Key header so intermediaries can dedupe.
type SettlementClient struct {
	BaseURL string
	client  *http.Client
}

func NewSettlementClient(baseURL string, timeout time.Duration) *SettlementClient {
	return &SettlementClient{BaseURL: baseURL, client: newHTTPClient(timeout)}
}

type settlementRequestDTO struct {
	TokenID          string  `json:"token_id"`
	ParentShipmentID string  `json:"parent_shipment_id"`
	TargetState      string  `json:"target_state"`
	Amount           float64 `json:"amount"`
	Currency         string  `json:"currency"`
	IdempotencyKey   string  `json:"idempotency_key"`
}

type settlementResultDTO struct {
	Accepted        bool   `json:"accepted"`
	TargetState     string `json:"target_state"`
	LedgerReference string `json:"ledger_reference"`
	Message         string `json:"message"`
}

func (c *SettlementClient) Trigger(ctx context.Context, req ports.SettlementRequest) (ports.SettlementResult, error) {
	dto := settlementRequestDTO{
		TokenID:          req.TokenID,
		ParentShipmentID: req.ParentShipmentID,
		TargetState:      req.TargetState,
		Amount:           req.Amount,
		Currency:         req.Currency,
		IdempotencyKey:   req.IdempotencyKey,
	}
	headers := map[string]string{"Idempotency-Key": req.IdempotencyKey}
	var out settlementResultDTO
	if err := postJSON(ctx, c.client, c.BaseURL+"/v1/settlements/trigger", headers, dto, &out); err != nil {
		return ports.SettlementResult{}, err
	}
	return ports.SettlementResult{
		Accepted:        out.Accepted,
		TargetState:     out.TargetState,
		LedgerReference: out.LedgerReference,
		Message:         out.Message,
	}, nil
}
