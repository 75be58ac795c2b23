package policy

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-payguard/internal/domain"
)

type cachedAgent struct {
	agent    *domain.Agent
	cachedAt time.Time
}

// CachedRegistry L1 (RAM) кэш агентов вместе с политиками поверх реестра в БД.
// Живет не дольше ttl; сигналы смены статуса из Redis (kill-switch) выбивают запись
// мгновенно, так что freeze применяется на всех инстансах без ожидания TTL.
// Промахи "not found" не кэшируются: только что созданный агент виден сразу.
type CachedRegistry struct {
	mu     sync.RWMutex
	agents map[string]cachedAgent
	// gen растет при каждом Evict/Purge: чтение из БД, начатое до сброса, в кэш не попадает
	gen uint64

	repo   AgentRegistry
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger
}

func NewCachedRegistry(repo AgentRegistry, ttl time.Duration, logger *zap.Logger) *CachedRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedRegistry{
		agents: make(map[string]cachedAgent),
		repo:   repo,
		ttl:    ttl,
		now:    time.Now,
		logger: logger.Named("registry-cache"),
	}
}

// GetAgent реализует AgentRegistry. При ttl <= 0 кэш выключен.
func (c *CachedRegistry) GetAgent(ctx context.Context, agentID string) (*domain.Agent, error) {
	if c.ttl <= 0 {
		return c.repo.GetAgent(ctx, agentID)
	}

	c.mu.RLock()
	e, ok := c.agents[agentID]
	gen := c.gen
	c.mu.RUnlock()
	if ok && c.now().Sub(e.cachedAt) < c.ttl {
		return e.agent, nil
	}

	agent, err := c.repo.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.gen == gen {
		c.agents[agentID] = cachedAgent{agent: agent, cachedAt: c.now()}
	}
	c.mu.Unlock()
	return agent, nil
}

// Evict выбрасывает агента из кэша (сигнал смены статуса или политики).
func (c *CachedRegistry) Evict(agentID string) {
	c.mu.Lock()
	delete(c.agents, agentID)
	c.gen++
	c.mu.Unlock()
	c.logger.Debug("agent evicted", zap.String("agent_id", agentID))
}

// Purge полная очистка. Вызывается при переподключении к Redis: сигналы,
// пришедшие пока подписка лежала, потеряны.
func (c *CachedRegistry) Purge() {
	c.mu.Lock()
	n := len(c.agents)
	c.agents = make(map[string]cachedAgent)
	c.gen++
	c.mu.Unlock()
	c.logger.Info("agent cache purged", zap.Int("count", n))
}
