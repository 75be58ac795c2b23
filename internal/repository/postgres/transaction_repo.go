package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xela07ax/spaceai-payguard/internal/domain"
)

// SumApprovedSince источник истины для spend.Accumulator.
// Сумма считается в NUMERIC и отдается текстом: никакого float64 на пути.
func (s *Store) SumApprovedSince(ctx context.Context, agentID string, since time.Time) (decimal.Decimal, error) {
	query := `
		SELECT COALESCE(SUM(amount), 0)::text
		FROM transactions
		WHERE agent_id = $1 AND status = $2 AND created_at >= $3`

	var raw string
	if err := s.pool.QueryRow(ctx, query, agentID, string(domain.TxApproved), since).Scan(&raw); err != nil {
		return decimal.Zero, domain.NewStorageError("sum approved", err)
	}
	sum, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, domain.NewStorageError("sum approved", err)
	}
	return sum, nil
}

// CreateTransaction фиксирует решение валидатора (approved/blocked).
func (s *Store) CreateTransaction(ctx context.Context, t *domain.Transaction) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	query := `
		INSERT INTO transactions (id, agent_id, service, type, amount, status, reason, settlement_hash, created_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9)`

	_, err := s.pool.Exec(ctx, query,
		t.ID, t.AgentID, t.Service, t.Type, t.Amount.String(),
		string(t.Status), t.Reason, t.SettlementHash, t.CreatedAt,
	)
	if err != nil {
		return domain.NewStorageError("create transaction", err)
	}
	return nil
}

// ListTransactions выборка для консоли, свежие сверху.
func (s *Store) ListTransactions(ctx context.Context, f domain.TransactionFilter) ([]*domain.Transaction, error) {
	query := `
		SELECT id::text, agent_id, service, type, amount::text, status, reason, settlement_hash, created_at
		FROM transactions
		WHERE ($1::text = '' OR agent_id = $1) AND ($2::text = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3`

	rows, err := s.pool.Query(ctx, query, f.AgentID, string(f.Status), f.EffectiveLimit())
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query transactions: %w", err)
	}
	defer rows.Close()

	results := make([]*domain.Transaction, 0)
	for rows.Next() {
		var (
			t      domain.Transaction
			amount string
			status string
		)
		if err := rows.Scan(&t.ID, &t.AgentID, &t.Service, &t.Type, &amount, &status, &t.Reason, &t.SettlementHash, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan transaction: %w", err)
		}
		if t.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("postgres: bad amount %q: %w", amount, err)
		}
		t.Status = domain.TxStatus(status)
		results = append(results, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return results, nil
}
