package service

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-payguard/internal/domain"
	"github.com/xela07ax/spaceai-payguard/internal/infra"
)

// PolicyRepository описывает требования сервиса к хранилищу политик
type PolicyRepository interface {
	UpsertPolicy(ctx context.Context, p *domain.Policy) error
}

type PolicyService struct {
	repo   PolicyRepository
	rdb    *redis.Client
	logger *zap.Logger
}

func NewPolicyService(repo PolicyRepository, rdb *redis.Client, logger *zap.Logger) *PolicyService {
	return &PolicyService{
		repo:   repo,
		rdb:    rdb,
		logger: logger.Named("policy-service"),
	}
}

// Update заменяет политику агента целиком и уведомляет шлюзы.
func (s *PolicyService) Update(ctx context.Context, p *domain.Policy) error {
	if err := p.Check(); err != nil {
		return err
	}
	if err := s.repo.UpsertPolicy(ctx, p); err != nil {
		if !errors.Is(err, domain.ErrAgentNotFound) {
			s.logger.Error("failed to upsert policy", zap.String("agent_id", p.AgentID), zap.Error(err))
		}
		return err
	}

	s.logger.Info("policy updated",
		zap.String("agent_id", p.AgentID),
		zap.String("daily_limit", p.DailyLimit.String()),
		zap.String("per_tx_limit", p.PerTxLimit.String()),
		zap.Int("whitelist", len(p.Whitelist)))
	s.notifyUpdate(ctx, p.AgentID)
	return nil
}

// notifyUpdate шлет ID агента в Redis: шлюзы выбрасывают его из кэша агентов.
func (s *PolicyService) notifyUpdate(ctx context.Context, agentID string) {
	if s.rdb == nil {
		return
	}
	if err := s.rdb.Publish(ctx, infra.RedisChanPolicyUpdate, agentID).Err(); err != nil {
		s.logger.Warn("policy update signal failed", zap.String("agent_id", agentID), zap.Error(err))
	}
}
