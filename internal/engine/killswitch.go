package engine

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-payguard/internal/domain"
	"github.com/xela07ax/spaceai-payguard/internal/events"
	"github.com/xela07ax/spaceai-payguard/internal/infra"
)

// RegistryEvictor кэш агентов, который нужно сбрасывать по сигналам консоли.
type RegistryEvictor interface {
	Evict(agentID string)
	Purge()
}

// KillSwitchManager слушает сигналы смены статуса и политики из Console API
// и выбивает агента из L1 кэша шлюза: следующий запрос читает свежий статус из БД.
// Каждое примененное изменение уходит в observer как LogEvent (журнал аудита агента).
type KillSwitchManager struct {
	rdb      *redis.Client
	cache    RegistryEvictor
	observer events.Observer
	logger   *zap.Logger
	now      func() time.Time
}

// observer может быть nil.
func NewKillSwitchManager(rdb *redis.Client, cache RegistryEvictor, observer events.Observer, logger *zap.Logger) *KillSwitchManager {
	if observer == nil {
		observer = events.Nop{}
	}
	return &KillSwitchManager{
		rdb:      rdb,
		cache:    cache,
		observer: observer,
		logger:   logger.Named("kill-switch"),
		now:      time.Now,
	}
}

// Run блокируется до отмены ctx.
func (m *KillSwitchManager) Run(ctx context.Context) {
	m.logger.Info("status listener started")
	ListenStateResilient(ctx, m.rdb, m.logger,
		[]string{infra.RedisChanAgentStatus, infra.RedisChanPolicyUpdate},
		m.resync,
		m.handle,
	)
	m.logger.Info("status listener stopped")
}

func (m *KillSwitchManager) resync() error {
	m.cache.Purge()
	return nil
}

func (m *KillSwitchManager) emit(agentID, level, message string) {
	m.observer.OnLog(context.Background(), events.LogEvent{
		AgentID:   agentID,
		Level:     level,
		Message:   message,
		Timestamp: m.now(),
	})
}

func (m *KillSwitchManager) handle(channel, payload string) {
	switch channel {
	case infra.RedisChanAgentStatus:
		// Разбор формата "agent_id:status"
		idx := strings.LastIndex(payload, ":")
		if idx <= 0 {
			m.logger.Error("invalid signal format", zap.String("payload", payload))
			return
		}
		agentID := payload[:idx]
		status, err := domain.ParseAgentStatus(payload[idx+1:])
		if err != nil {
			m.logger.Error("invalid signal status", zap.String("payload", payload), zap.Error(err))
			return
		}
		m.cache.Evict(agentID)
		if status == domain.StatusFrozen {
			m.logger.Warn("agent frozen", zap.String("agent_id", agentID))
			m.emit(agentID, "warn", "kill switch: agent frozen, new payments are blocked")
		} else {
			m.logger.Info("agent status changed", zap.String("agent_id", agentID), zap.String("status", string(status)))
			m.emit(agentID, "info", "agent status changed to "+string(status))
		}
	case infra.RedisChanPolicyUpdate:
		m.cache.Evict(payload)
		m.logger.Info("policy updated", zap.String("agent_id", payload))
		m.emit(payload, "info", "policy updated, cached agent evicted")
	}
}
