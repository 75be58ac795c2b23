package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-payguard/internal/console/service"
	"github.com/xela07ax/spaceai-payguard/internal/domain"
)

type PolicyHandler struct {
	service *service.PolicyService
	logger  *zap.Logger
}

func NewPolicyHandler(s *service.PolicyService, logger *zap.Logger) *PolicyHandler {
	return &PolicyHandler{service: s, logger: logger.Named("policy-handler")}
}

// Update заменяет политику агента.
// PUT /v1/agents/{id}/policy
func (h *PolicyHandler) Update(w http.ResponseWriter, r *http.Request) {
	var p domain.Policy
	if !decodeJSON(w, r, &p) {
		return
	}
	// ID агента берется только из пути
	p.AgentID = chi.URLParam(r, "id")

	if err := h.service.Update(r.Context(), &p); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, &p)
}
