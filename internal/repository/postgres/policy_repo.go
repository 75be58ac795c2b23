package postgres

/*
Файл policy_repo.go отвечает за хранение политик расходов.
Политика одна на агента (agent_id является первичным ключом), поэтому запись делается через UPSERT.
*/

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/xela07ax/spaceai-payguard/internal/domain"
)

// UpsertPolicy создает или заменяет политику агента.
func (s *Store) UpsertPolicy(ctx context.Context, p *domain.Policy) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := upsertPolicy(ctx, tx, p); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func upsertPolicy(ctx context.Context, tx pgx.Tx, p *domain.Policy) error {
	whitelist := p.Whitelist
	if whitelist == nil {
		whitelist = []string{}
	}

	query := `
		INSERT INTO policies (agent_id, daily_limit, per_tx_limit, whitelist, kill_switch, updated_at)
		VALUES ($1, $2::numeric, $3::numeric, $4, $5, NOW())
		ON CONFLICT (agent_id) DO UPDATE
		SET daily_limit  = EXCLUDED.daily_limit,
		    per_tx_limit = EXCLUDED.per_tx_limit,
		    whitelist    = EXCLUDED.whitelist,
		    kill_switch  = EXCLUDED.kill_switch,
		    updated_at   = NOW()
		RETURNING updated_at`

	err := tx.QueryRow(ctx, query,
		p.AgentID, p.DailyLimit.String(), p.PerTxLimit.String(), whitelist, p.KillSwitch,
	).Scan(&p.UpdatedAt)
	if err != nil {
		// Нарушение FK: агента с таким id нет
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return domain.ErrAgentNotFound
		}
		return fmt.Errorf("postgres: failed to upsert policy: %w", err)
	}
	return nil
}
