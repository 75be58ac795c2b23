// Package repository выбирает хранилище по database.driver.
package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-payguard/internal/audit"
	"github.com/xela07ax/spaceai-payguard/internal/domain"
	"github.com/xela07ax/spaceai-payguard/internal/infra"
	"github.com/xela07ax/spaceai-payguard/internal/repository/postgres"
	"github.com/xela07ax/spaceai-payguard/internal/repository/sqlite"
)

// Store общий контракт postgres.Store и sqlite.Store.
type Store interface {
	Ping(ctx context.Context) error
	Close()

	GetAgent(ctx context.Context, id string) (*domain.Agent, error)
	ListAgents(ctx context.Context) ([]*domain.Agent, error)
	CreateAgent(ctx context.Context, a *domain.Agent) error
	UpdateAgentStatus(ctx context.Context, id string, status domain.AgentStatus) error
	UpsertPolicy(ctx context.Context, p *domain.Policy) error

	SumApprovedSince(ctx context.Context, agentID string, since time.Time) (decimal.Decimal, error)
	CreateTransaction(ctx context.Context, tx *domain.Transaction) error
	ListTransactions(ctx context.Context, f domain.TransactionFilter) ([]*domain.Transaction, error)

	WriteBatch(ctx context.Context, events []audit.AuditEvent) error
	FetchLogs(ctx context.Context, agentID string, limit int) ([]audit.AuditEvent, error)
}

var (
	_ Store = (*postgres.Store)(nil)
	_ Store = (*sqlite.Store)(nil)
)

// Open подключается к хранилищу и применяет миграции.
func Open(ctx context.Context, cfg infra.DatabaseConfig, logger *zap.Logger) (Store, error) {
	switch cfg.Driver {
	case "postgres":
		pg, err := postgres.NewStore(ctx, cfg.URL, cfg.MaxConns, cfg.MinConns)
		if err != nil {
			return nil, err
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := pg.Ping(pingCtx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("database unreachable: %w", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		logger.Info("storage ready", zap.String("driver", "postgres"))
		return pg, nil

	case "sqlite":
		lite, err := sqlite.Open(cfg.Path)
		if err != nil {
			return nil, err
		}
		if err := lite.Migrate(ctx); err != nil {
			lite.Close()
			return nil, err
		}
		logger.Info("storage ready", zap.String("driver", "sqlite"), zap.String("path", cfg.Path))
		return lite, nil

	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}
