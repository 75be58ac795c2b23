package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type TxStatus string

const (
	TxApproved TxStatus = "approved"
	TxBlocked  TxStatus = "blocked"
)

// TransactionRequest входящий запрос агента на платеж (эфемерный).
type TransactionRequest struct {
	AgentID string          `json:"agentId"`
	Service string          `json:"service"`
	Amount  decimal.Decimal `json:"amount"`
	Type    string          `json:"type"` // информационное поле (api_call, subscription, ...)
}

// Validate отсекает мусор до валидатора политик. Валидатор считает вход корректным.
func (r *TransactionRequest) Validate() error {
	if strings.TrimSpace(r.AgentID) == "" {
		return &InvalidInputError{Field: "agentId", Message: "is required"}
	}
	if strings.TrimSpace(r.Service) == "" {
		return &InvalidInputError{Field: "service", Message: "is required"}
	}
	if !r.Amount.IsPositive() {
		return &InvalidInputError{Field: "amount", Message: "must be positive"}
	}
	return nil
}

// Transaction персистентная запись решения. Создается вызывающим кодом, не валидатором.
type Transaction struct {
	ID             string          `json:"id"`
	AgentID        string          `json:"agent_id"`
	Service        string          `json:"service"`
	Type           string          `json:"type"`
	Amount         decimal.Decimal `json:"amount"`
	Status         TxStatus        `json:"status"`
	Reason         string          `json:"reason"`
	SettlementHash *string         `json:"settlement_hash,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// TransactionFilter фильтр выборки для консоли.
type TransactionFilter struct {
	AgentID string
	Status  TxStatus
	Limit   int
}

const DefaultListLimit = 100

func (f TransactionFilter) EffectiveLimit() int {
	if f.Limit <= 0 || f.Limit > 1000 {
		return DefaultListLimit
	}
	return f.Limit
}
