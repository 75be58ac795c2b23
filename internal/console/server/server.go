package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-payguard/internal/console/handler"
)

// HealthCheck проверка хранилища для /health.
type HealthCheck func(ctx context.Context) error

type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger
	health HealthCheck

	// Обработчики бизнес-доменов
	agentHandler  *handler.AgentHandler  // /v1/agents
	policyHandler *handler.PolicyHandler // /v1/agents/{id}/policy
	auditHandler  *handler.AuditHandler  // /v1/transactions, /v1/audit
}

// NewConsoleServer инициализирует сервер админки со всеми зависимостями
func NewConsoleServer(
	logger *zap.Logger,
	health HealthCheck,
	agentH *handler.AgentHandler,
	policyH *handler.PolicyHandler,
	auditH *handler.AuditHandler,
) *ConsoleServer {
	s := &ConsoleServer{
		router:        chi.NewRouter(),
		logger:        logger.Named("console-api"),
		health:        health,
		agentHandler:  agentH,
		policyHandler: policyH,
		auditHandler:  auditH,
	}

	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/health", s.handleHealth)

	// --- 2. Управление Агентами (Status, Kill-Switch) ---
	r.Route("/v1/agents", func(r chi.Router) {
		r.Get("/", s.agentHandler.List)
		r.Post("/", s.agentHandler.Create)
		r.Get("/frozen", s.agentHandler.Frozen)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.agentHandler.Get)
			r.Post("/freeze", s.agentHandler.Freeze)
			r.Post("/pause", s.agentHandler.Pause)
			r.Post("/activate", s.agentHandler.Activate)
			r.Put("/policy", s.policyHandler.Update)
		})
	})

	// --- 3. История (Observability) ---
	r.Get("/v1/transactions", s.auditHandler.ListTransactions)
	r.Get("/v1/audit", s.auditHandler.GetLogs)
}

func (s *ConsoleServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			s.logger.Warn("health check failed", zap.Error(err))
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

// ServeHTTP позволяет использовать ConsoleServer как стандартный http.Handler
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
