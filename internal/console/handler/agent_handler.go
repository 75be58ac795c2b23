package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-payguard/internal/console/service"
	"github.com/xela07ax/spaceai-payguard/internal/domain"
)

type AgentHandler struct {
	service *service.AgentService
	logger  *zap.Logger
}

func NewAgentHandler(s *service.AgentService, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{service: s, logger: logger.Named("agent-handler")}
}

// List GET /v1/agents
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	agents, err := h.service.ListAgents(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

// Get GET /v1/agents/{id}
func (h *AgentHandler) Get(w http.ResponseWriter, r *http.Request) {
	agent, err := h.service.GetAgent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

// Create POST /v1/agents
func (h *AgentHandler) Create(w http.ResponseWriter, r *http.Request) {
	var a domain.Agent
	if !decodeJSON(w, r, &a) {
		return
	}
	if err := h.service.CreateAgent(r.Context(), &a); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, &a)
}

// Freeze POST /v1/agents/{id}/freeze. Мгновенная блокировка (Kill-switch).
func (h *AgentHandler) Freeze(w http.ResponseWriter, r *http.Request) {
	h.changeStatus(w, r, h.service.Freeze)
}

func (h *AgentHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.changeStatus(w, r, h.service.Pause)
}

func (h *AgentHandler) Activate(w http.ResponseWriter, r *http.Request) {
	h.changeStatus(w, r, h.service.Activate)
}

// Frozen GET /v1/agents/frozen
func (h *AgentHandler) Frozen(w http.ResponseWriter, r *http.Request) {
	ids, err := h.service.FrozenAgents(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ids)
}

func (h *AgentHandler) changeStatus(w http.ResponseWriter, r *http.Request, apply func(context.Context, string) error) {
	// Ждем и БД, и сигнала, чтобы ответ означал "шлюзы уведомлены"
	if err := apply(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
