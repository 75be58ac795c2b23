package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-payguard/internal/domain"
	"github.com/xela07ax/spaceai-payguard/internal/settlement"
)

// HealthCheck проверка зависимостей для /health (ping БД и т.п.)
type HealthCheck func(ctx context.Context) error

// Handler HTTP-адаптер PaymentGateway.
type Handler struct {
	gw      *PaymentGateway
	health  HealthCheck
	timeout time.Duration
	logger  *zap.Logger
}

func NewHandler(gw *PaymentGateway, health HealthCheck, timeout time.Duration, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{gw: gw, health: health, timeout: timeout, logger: logger.Named("http")}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(TracingMiddleware)
	r.Use(RequestLogger(h.logger))

	r.Get("/health", h.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		if h.timeout > 0 {
			r.Use(middleware.Timeout(h.timeout))
		}
		r.Post("/transactions/validate", h.handleValidate)
		r.Post("/transactions", h.handleProcess)
		r.Get("/agents/{id}/spend", h.handleSpend)
	})
	return r
}

func (h *Handler) handleValidate(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeRequest(w, r)
	if !ok {
		return
	}
	result, err := h.gw.Check(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleProcess(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeRequest(w, r)
	if !ok {
		return
	}
	res, err := h.gw.Process(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	status := http.StatusOK
	if res.Validation.Approved {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

func (h *Handler) handleSpend(w http.ResponseWriter, r *http.Request) {
	report, err := h.gw.DailySpend(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.health(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) decodeRequest(w http.ResponseWriter, r *http.Request) (domain.TransactionRequest, bool) {
	var req domain.TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_input", Message: "malformed JSON body"})
		return req, false
	}
	return req, true
}

type errorBody struct {
	Error   string `json:"error"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// writeError маппинг ошибок ядра на HTTP. Детали инфраструктурных сбоев клиенту не отдаем.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var invalid *domain.InvalidInputError
	switch {
	case errors.As(err, &invalid):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_input", Field: invalid.Field, Message: invalid.Error()})
	case errors.Is(err, settlement.ErrSettlementFailed):
		writeJSON(w, http.StatusBadGateway, errorBody{Error: "settlement_failed", Message: "settlement provider unavailable"})
	case errors.Is(err, domain.ErrStorage):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "storage_unavailable", Message: "storage unavailable, retry later"})
	case errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusGatewayTimeout, errorBody{Error: "timeout", Message: "request timed out"})
	default:
		h.logger.Error("unhandled error",
			zap.String("trace_id", extractTraceID(r.Context())),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal", Message: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
