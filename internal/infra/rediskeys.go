package infra

import (
	"fmt"

	"github.com/xela07ax/spaceai-payguard/internal/domain"
)

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "payguard"
)

// Ключи для Sets (состояние)
const (
	// RedisKeyFrozenAgents множество замороженных агентов (для операторов и дашбордов)
	RedisKeyFrozenAgents = RedisNamespace + ":agents:frozen_set"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanAgentStatus: сигналы смены статуса, формат "agent_id:status".
	RedisChanAgentStatus = RedisNamespace + ":agents:status-signal"
	// RedisChanPolicyUpdate: политика агента изменилась, payload = agent_id.
	RedisChanPolicyUpdate = RedisNamespace + ":agents:policy-update"
	// RedisChanTransactions: JSON каждого записанного решения.
	RedisChanTransactions = RedisNamespace + ":transactions"
)

// StatusSignal формирует payload для RedisChanAgentStatus.
func StatusSignal(agentID string, status domain.AgentStatus) string {
	return fmt.Sprintf("%s:%s", agentID, status)
}
