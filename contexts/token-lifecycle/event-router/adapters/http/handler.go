package httpadapter

import (
	"context"
	"log/slog"
	"time"

	"waypoint/contexts/token-lifecycle/event-router/application"
	domainerrors "waypoint/contexts/token-lifecycle/event-router/domain/errors"
	"waypoint/contexts/token-lifecycle/event-router/domain/token"
	"waypoint/contexts/token-lifecycle/event-router/ports"
	httptransport "waypoint/contexts/token-lifecycle/event-router/transport/http"
)

type Handler struct {
	Router *application.Router
	Logger *slog.Logger
}

func (h Handler) ProcessEventHandler(
	ctx context.Context,
	raw map[string]any,
) (httptransport.ProcessEventResponse, error) {
	result := h.Router.ProcessEvent(ctx, raw)
	return httptransport.ProcessEventResponse{
		Status: "success",
		Data:   toResultDTO(result),
	}, nil
}

func (h Handler) ProcessBatchHandler(
	ctx context.Context,
	req httptransport.ProcessBatchRequest,
) (httptransport.ProcessBatchResponse, error) {
	if len(req.Events) == 0 {
		return httptransport.ProcessBatchResponse{}, domainerrors.ErrInvalidInput
	}
	results := h.Router.ProcessEvents(ctx, req.Events)
	resp := httptransport.ProcessBatchResponse{
		Status: "success",
		Data:   make([]httptransport.RoutingResultDTO, 0, len(results)),
	}
	for _, result := range results {
		resp.Data = append(resp.Data, toResultDTO(result))
	}
	return resp, nil
}

func (h Handler) GetTokenHandler(
	ctx context.Context,
	tokenID string,
) (httptransport.GetTokenResponse, error) {
	item, found, err := h.Router.Store.Get(ctx, tokenID)
	if err != nil {
		return httptransport.GetTokenResponse{}, err
	}
	if !found {
		return httptransport.GetTokenResponse{}, domainerrors.ErrTokenNotFound
	}
	return httptransport.GetTokenResponse{
		Status: "success",
		Data:   toTokenDTO(item),
	}, nil
}

func (h Handler) RouterMetricsHandler(
	_ context.Context,
) (httptransport.RouterMetricsResponse, error) {
	metrics := h.Router.QueueMetrics()
	return httptransport.RouterMetricsResponse{
		Status: "success",
		Data: httptransport.RouterMetricsDTO{
			EventsProcessed: metrics.EventsProcessed,
			EventsRejected:  metrics.EventsRejected,
			EventsDeferred:  metrics.EventsDeferred,
			EventsDeduped:   metrics.EventsDeduped,
			DLQCount:        metrics.DLQCount,
		},
	}, nil
}

func (h Handler) RetryDLQHandler(
	ctx context.Context,
	req httptransport.DLQRetryRequest,
) (httptransport.DLQRetryResponse, error) {
	limit := req.MaxEntries
	if limit <= 0 {
		limit = 50
	}

	resp := httptransport.DLQRetryResponse{
		Status: "success",
		Data:   make([]httptransport.RoutingResultDTO, 0, limit),
	}
	for i := 0; i < limit; i++ {
		result, ok := h.Router.RetryDLQEntry(ctx)
		if !ok {
			break
		}
		resp.Data = append(resp.Data, toResultDTO(result))
	}
	return resp, nil
}

func toResultDTO(result ports.RoutingResult) httptransport.RoutingResultDTO {
	return httptransport.RoutingResultDTO{
		EventID:              result.EventID,
		Decision:             string(result.Decision),
		ProcessingTimeMS:     result.ProcessingTimeMS,
		ErrorMessage:         result.ErrorMessage,
		OCEventsEmitted:      result.OCEventsEmitted,
		SettlementTriggers:   result.SettlementTriggers,
		ProofRequestsEmitted: result.ProofRequestsEmitted,
	}
}

func toTokenDTO(item token.Token) httptransport.TokenDTO {
	dto := httptransport.TokenDTO{
		TokenID:          item.TokenID,
		TokenType:        string(item.Type),
		ParentShipmentID: item.ParentShipmentID,
		State:            item.State,
		Metadata:         item.Metadata,
		Relations:        item.Relations,
		CreatedAt:        item.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:        item.UpdatedAt.UTC().Format(time.RFC3339),
		Version:          item.Version,
	}
	if item.Proof != nil {
		dto.Proof = &httptransport.ProofDTO{
			Hash:       item.Proof.Hash,
			Source:     item.Proof.Source,
			AttachedAt: item.Proof.AttachedAt.UTC().Format(time.RFC3339),
		}
	}
	return dto
}
