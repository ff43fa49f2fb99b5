package http

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type RoutingResultDTO struct {
	EventID              string  `json:"event_id"`
	Decision             string  `json:"decision"`
	ProcessingTimeMS     float64 `json:"processing_time_ms"`
	ErrorMessage         string  `json:"error_message,omitempty"`
	OCEventsEmitted      int     `json:"oc_events_emitted"`
	SettlementTriggers   int     `json:"settlement_triggers"`
	ProofRequestsEmitted int     `json:"proof_requests_emitted"`
}

type ProcessEventResponse struct {
	Status string           `json:"status"`
	Data   RoutingResultDTO `json:"data"`
}

type ProcessBatchRequest struct {
	Events []map[string]any `json:"events"`
}

type ProcessBatchResponse struct {
	Status string             `json:"status"`
	Data   []RoutingResultDTO `json:"data"`
}

type ProofDTO struct {
	Hash       string `json:"hash"`
	Source     string `json:"source"`
	AttachedAt string `json:"attached_at"`
}

type TokenDTO struct {
	TokenID          string            `json:"token_id"`
	TokenType        string            `json:"token_type"`
	ParentShipmentID string            `json:"parent_shipment_id"`
	State            string            `json:"state"`
	Metadata         map[string]any    `json:"metadata"`
	Relations        map[string]string `json:"relations"`
	Proof            *ProofDTO         `json:"proof,omitempty"`
	CreatedAt        string            `json:"created_at"`
	UpdatedAt        string            `json:"updated_at"`
	Version          int               `json:"version"`
}

type GetTokenResponse struct {
	Status string   `json:"status"`
	Data   TokenDTO `json:"data"`
}

type RouterMetricsDTO struct {
	EventsProcessed int `json:"events_processed"`
	EventsRejected  int `json:"events_rejected"`
	EventsDeferred  int `json:"events_deferred"`
	EventsDeduped   int `json:"events_deduped"`
	DLQCount        int `json:"dlq_count"`
}

type RouterMetricsResponse struct {
	Status string           `json:"status"`
	Data   RouterMetricsDTO `json:"data"`
}

type DLQRetryRequest struct {
	MaxEntries int `json:"max_entries,omitempty"`
}

type DLQRetryResponse struct {
	Status string             `json:"status"`
	Data   []RoutingResultDTO `json:"data"`
}
