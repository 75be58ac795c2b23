package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-payguard/internal/domain"
	"github.com/xela07ax/spaceai-payguard/internal/infra"
)

// ErrAgentExists агент с таким ID уже зарегистрирован.
var ErrAgentExists = errors.New("agent already exists")

// AgentRepository описывает требования к хранилищу данных об агентах
type AgentRepository interface {
	GetAgent(ctx context.Context, id string) (*domain.Agent, error)
	ListAgents(ctx context.Context) ([]*domain.Agent, error)
	CreateAgent(ctx context.Context, a *domain.Agent) error
	UpdateAgentStatus(ctx context.Context, id string, status domain.AgentStatus) error
}

type AgentService struct {
	repo   AgentRepository
	rdb    *redis.Client // nil: одиночный инстанс, сигналы не рассылаются
	logger *zap.Logger
}

func NewAgentService(rdb *redis.Client, repo AgentRepository, logger *zap.Logger) *AgentService {
	return &AgentService{
		repo:   repo,
		rdb:    rdb,
		logger: logger.Named("agent-service"),
	}
}

// CreateAgent регистрирует агента. Политика при создании необязательна,
// но если передана, то должна быть валидной.
func (s *AgentService) CreateAgent(ctx context.Context, a *domain.Agent) error {
	a.ID = strings.TrimSpace(a.ID)
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = domain.StatusActive
	}
	st, err := domain.ParseAgentStatus(string(a.Status))
	if err != nil {
		return &domain.InvalidInputError{Field: "status", Message: err.Error()}
	}
	a.Status = st
	if a.Policy != nil {
		if err := a.Policy.Check(); err != nil {
			return err
		}
	}

	_, err = s.repo.GetAgent(ctx, a.ID)
	switch {
	case err == nil:
		return fmt.Errorf("%w: %s", ErrAgentExists, a.ID)
	case !errors.Is(err, domain.ErrAgentNotFound):
		return err
	}

	if err := s.repo.CreateAgent(ctx, a); err != nil {
		s.logger.Error("failed to create agent", zap.String("agent_id", a.ID), zap.Error(err))
		return err
	}
	s.logger.Info("agent registered",
		zap.String("agent_id", a.ID),
		zap.String("status", string(a.Status)),
		zap.Bool("has_policy", a.Policy != nil))
	return nil
}

// SetStatus унифицированный механизм переключения состояний.
// Обновляет БД и транслирует сигнал в Redis; сбой сигнала не откатывает БД,
// шлюзы догонят изменение по TTL кэша агентов.
func (s *AgentService) SetStatus(ctx context.Context, agentID string, status domain.AgentStatus) error {
	// 1. Persistence Layer
	if err := s.repo.UpdateAgentStatus(ctx, agentID, status); err != nil {
		if !errors.Is(err, domain.ErrAgentNotFound) {
			s.logger.Error("failed to update agent status in DB",
				zap.String("agent_id", agentID),
				zap.String("status", string(status)),
				zap.Error(err))
		}
		return err
	}

	// 2. Real-time Signaling
	if s.rdb != nil {
		if err := s.signal(ctx, agentID, status); err != nil {
			s.logger.Warn("runtime signal delivery failed",
				zap.String("agent_id", agentID),
				zap.String("channel", infra.RedisChanAgentStatus),
				zap.Error(err))
		}
	}

	s.logger.Info("agent state updated",
		zap.String("agent_id", agentID),
		zap.String("new_status", string(status)))
	return nil
}

func (s *AgentService) signal(ctx context.Context, agentID string, status domain.AgentStatus) error {
	pipe := s.rdb.Pipeline()
	if status == domain.StatusFrozen {
		pipe.SAdd(ctx, infra.RedisKeyFrozenAgents, agentID)
	} else {
		pipe.SRem(ctx, infra.RedisKeyFrozenAgents, agentID)
	}
	pipe.Publish(ctx, infra.RedisChanAgentStatus, infra.StatusSignal(agentID, status))
	_, err := pipe.Exec(ctx)
	return err
}

func (s *AgentService) Freeze(ctx context.Context, id string) error {
	return s.SetStatus(ctx, id, domain.StatusFrozen)
}

func (s *AgentService) Pause(ctx context.Context, id string) error {
	return s.SetStatus(ctx, id, domain.StatusPaused)
}

func (s *AgentService) Activate(ctx context.Context, id string) error {
	return s.SetStatus(ctx, id, domain.StatusActive)
}

func (s *AgentService) GetAgent(ctx context.Context, agentID string) (*domain.Agent, error) {
	agent, err := s.repo.GetAgent(ctx, agentID)
	if err != nil {
		if !errors.Is(err, domain.ErrAgentNotFound) {
			s.logger.Error("failed to fetch agent details", zap.String("id", agentID), zap.Error(err))
		}
		return nil, err
	}
	return agent, nil
}

// ListAgents возвращает список всех зарегистрированных агентов.
func (s *AgentService) ListAgents(ctx context.Context) ([]*domain.Agent, error) {
	agents, err := s.repo.ListAgents(ctx)
	if err != nil {
		s.logger.Error("failed to list agents from repository", zap.Error(err))
		return nil, fmt.Errorf("service: could not fetch agents: %w", err)
	}

	// Фронтенд получает пустой массив [], а не null
	if agents == nil {
		return []*domain.Agent{}, nil
	}
	return agents, nil
}

// FrozenAgents множество замороженных агентов из Redis (для дашбордов).
func (s *AgentService) FrozenAgents(ctx context.Context) ([]string, error) {
	if s.rdb == nil {
		return []string{}, nil
	}
	return s.rdb.SMembers(ctx, infra.RedisKeyFrozenAgents).Result()
}
