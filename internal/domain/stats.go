package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SpendReport ответ на запрос "сколько агент потратил сегодня".
type SpendReport struct {
	AgentID    string          `json:"agentId"`
	SpentToday decimal.Decimal `json:"spentToday"`
	Since      time.Time       `json:"since"` // Начало текущих суток (локальная полночь сервера)
}
