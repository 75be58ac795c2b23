package handler

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-payguard/internal/console/service"
	"github.com/xela07ax/spaceai-payguard/internal/domain"
)

type AuditHandler struct {
	service *service.AuditService
	logger  *zap.Logger
}

func NewAuditHandler(s *service.AuditService, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{service: s, logger: logger.Named("audit-handler")}
}

// GetLogs возвращает список событий аудита с поддержкой фильтрации
// GET /v1/audit?agent_id=...&limit=...
func (h *AuditHandler) GetLogs(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	logs, err := h.service.FetchLogs(r.Context(), r.URL.Query().Get("agent_id"), limit)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

// ListTransactions GET /v1/transactions?agent_id=...&status=...&limit=...
func (h *AuditHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	txs, err := h.service.ListTransactions(r.Context(), domain.TransactionFilter{
		AgentID: q.Get("agent_id"),
		Status:  domain.TxStatus(q.Get("status")),
		Limit:   limit,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		writeError(w, nil, &domain.InvalidInputError{Field: "limit", Message: "must be a non-negative integer"})
		return 0, false
	}
	return limit, true
}
