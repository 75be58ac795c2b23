// Package settlement расчеты по одобренным платежам. Реальной работы с блокчейном
// здесь нет: MockSettler возвращает симулированный хеш.
package settlement

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type Request struct {
	TransactionID string
	AgentID       string
	Service       string
	Amount        decimal.Decimal
}

type Receipt struct {
	Hash      string
	SettledAt time.Time
}

// Settler вызывается только для одобренных транзакций.
type Settler interface {
	Settle(ctx context.Context, req Request) (Receipt, error)
}
