package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Policy набор ограничений расходов одного агента.
type Policy struct {
	AgentID string `json:"agent_id"`

	DailyLimit decimal.Decimal `json:"daily_limit"`  // Лимит одобренных трат за календарный день
	PerTxLimit decimal.Decimal `json:"per_tx_limit"` // Лимит одной транзакции

	// Whitelist разрешенных сервисов. Пустой список = разрешено всё.
	Whitelist []string `json:"whitelist"`

	// KillSwitch информационный флаг для консоли. Блокирует не он, а статус агента (frozen).
	KillSwitch bool `json:"kill_switch"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Check проверяет, что политика пригодна к сохранению: оба лимита строго положительны,
// записи whitelist непустые. Пробелы по краям записей обрезаются на месте.
func (p *Policy) Check() error {
	if p == nil {
		return &InvalidInputError{Field: "policy", Message: "policy is required"}
	}
	if !p.DailyLimit.IsPositive() {
		return &InvalidInputError{Field: "daily_limit", Message: "must be positive"}
	}
	if !p.PerTxLimit.IsPositive() {
		return &InvalidInputError{Field: "per_tx_limit", Message: "must be positive"}
	}
	// Пустая запись совпала бы с любым сервисом
	for i, w := range p.Whitelist {
		w = strings.TrimSpace(w)
		if w == "" {
			return &InvalidInputError{Field: "whitelist", Message: fmt.Sprintf("entry %d is empty", i)}
		}
		p.Whitelist[i] = w
	}
	return nil
}
