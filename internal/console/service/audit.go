package service

import (
	"context"
	"fmt"

	"github.com/xela07ax/spaceai-payguard/internal/audit"
	"github.com/xela07ax/spaceai-payguard/internal/domain"
)

// AuditLogProvider описывает контракт для чтения истории: журнала решений и транзакций.
type AuditLogProvider interface {
	FetchLogs(ctx context.Context, agentID string, limit int) ([]audit.AuditEvent, error)
	ListTransactions(ctx context.Context, f domain.TransactionFilter) ([]*domain.Transaction, error)
}

type AuditService struct {
	repo AuditLogProvider
}

func NewAuditService(repo AuditLogProvider) *AuditService {
	return &AuditService{
		repo: repo,
	}
}

// FetchLogs запрашивает журнал с фильтрацией по агенту.
func (s *AuditService) FetchLogs(ctx context.Context, agentID string, limit int) ([]audit.AuditEvent, error) {
	logs, err := s.repo.FetchLogs(ctx, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("audit_service: failed to fetch logs: %w", err)
	}
	return logs, nil
}

func (s *AuditService) ListTransactions(ctx context.Context, f domain.TransactionFilter) ([]*domain.Transaction, error) {
	if f.Status != "" && f.Status != domain.TxApproved && f.Status != domain.TxBlocked {
		return nil, &domain.InvalidInputError{Field: "status", Message: "must be approved or blocked"}
	}
	txs, err := s.repo.ListTransactions(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("audit_service: failed to list transactions: %w", err)
	}
	return txs, nil
}
