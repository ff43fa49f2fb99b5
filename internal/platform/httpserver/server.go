package httpserver

import (
	_ "embed"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	eventrouter "waypoint/contexts/token-lifecycle/event-router"
	routererrors "waypoint/contexts/token-lifecycle/event-router/domain/errors"
	routerhttp "waypoint/contexts/token-lifecycle/event-router/transport/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"
)

//go:embed doc.json
var openAPIDoc []byte

type Server struct {
	mux    *http.ServeMux
	logger *slog.Logger
	addr   string
	router eventrouter.Module
}

func New(router eventrouter.Module, logger *slog.Logger, addr string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if addr == "" {
		addr = ":8080"
	}

	s := &Server{
		mux:    http.NewServeMux(),
		logger: logger,
		addr:   addr,
		router: router,
	}
	s.registerRoutes()
	return s
}

func (s *Server) Start() error {
	s.logger.Info("http server starting",
		"event", "http_server_starting",
		"module", "internal/platform/httpserver",
		"layer", "platform",
		"addr", s.addr,
	)
	return http.ListenAndServe(s.addr, s.mux)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /swagger/doc.json", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(openAPIDoc)
	})
	s.mux.Handle("/swagger/", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))
	s.mux.Handle("GET /metrics", promhttp.Handler())

	s.mux.HandleFunc("POST /v1/events", s.handleProcessEvent)
	s.mux.HandleFunc("POST /v1/events/batch", s.handleProcessBatch)
	s.mux.HandleFunc("GET /v1/tokens/{token_id}", s.handleGetToken)
	s.mux.HandleFunc("GET /v1/router/metrics", s.handleRouterMetrics)
	s.mux.HandleFunc("POST /v1/dlq/retry", s.handleRetryDLQ)
}

func (s *Server) handleProcessEvent(w http.ResponseWriter, r *http.Request) {
	var raw map[string]any
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeRouterError(w, http.StatusBadRequest, "invalid_json", "request body must be a JSON object")
		return
	}

	resp, err := s.router.Handler.ProcessEventHandler(r.Context(), raw)
	if err != nil {
		writeRouterDomainError(w, err)
		return
	}
	// The routing decision is in the body; the submission itself succeeded.
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleProcessBatch(w http.ResponseWriter, r *http.Request) {
	var req routerhttp.ProcessBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRouterError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
		return
	}

	resp, err := s.router.Handler.ProcessBatchHandler(r.Context(), req)
	if err != nil {
		writeRouterDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetToken(w http.ResponseWriter, r *http.Request) {
	tokenID := r.PathValue("token_id")
	resp, err := s.router.Handler.GetTokenHandler(r.Context(), tokenID)
	if err != nil {
		writeRouterDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRouterMetrics(w http.ResponseWriter, r *http.Request) {
	resp, err := s.router.Handler.RouterMetricsHandler(r.Context())
	if err != nil {
		writeRouterDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRetryDLQ(w http.ResponseWriter, r *http.Request) {
	req := routerhttp.DLQRetryRequest{}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeRouterError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
			return
		}
	}

	resp, err := s.router.Handler.RetryDLQHandler(r.Context(), req)
	if err != nil {
		writeRouterDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeRouterDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, routererrors.ErrTokenNotFound):
		writeRouterError(w, http.StatusNotFound, "token_not_found", err.Error())
	case errors.Is(err, routererrors.ErrInvalidInput):
		writeRouterError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, routererrors.ErrRouterStopped):
		writeRouterError(w, http.StatusServiceUnavailable, "router_stopped", err.Error())
	case errors.Is(err, routererrors.ErrDLQEmpty):
		writeRouterError(w, http.StatusConflict, "dlq_empty", err.Error())
	default:
		writeRouterError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func writeRouterError(w http.ResponseWriter, status int, code string, message string) {
	writeJSON(w, status, routerhttp.ErrorResponse{
		Code:    code,
		Message: message,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
