package domain

import (
	"fmt"
	"strings"
	"time"
)

type AgentStatus string

const (
	StatusActive AgentStatus = "active" // Может тратить в рамках политики
	StatusPaused AgentStatus = "paused" // Временно остановлен оператором
	StatusFrozen AgentStatus = "frozen" // Kill-switch: все платежи блокируются
)

// ParseAgentStatus приводит внешнее значение (URL, Redis-сигнал, БД) к статусу.
func ParseAgentStatus(s string) (AgentStatus, error) {
	switch st := AgentStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusActive, StatusPaused, StatusFrozen:
		return st, nil
	default:
		return "", fmt.Errorf("unknown agent status %q", s)
	}
}

type Agent struct {
	ID     string      `json:"id"`     // UUID
	Name   string      `json:"name"`   // Человекочитаемое имя (например, "Research-Buyer-Bot")
	Status AgentStatus `json:"status"` // Текущее состояние в Control Plane

	// Policy ровно одна на агента. nil: отдельная ошибка конфигурации,
	// а не "без ограничений".
	Policy *Policy `json:"policy,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (a *Agent) IsActive() bool {
	return a != nil && a.Status == StatusActive
}
