package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xela07ax/spaceai-payguard/internal/domain"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store реестр агентов, политик и журнал транзакций в PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore создает пул соединений. Доступность базы проверяется через Ping в main.
func NewStore(ctx context.Context, connString string, maxConns, minConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("postgres: invalid connection string: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns > 0 {
		cfg.MinConns = minConns
	}
	cfg.MaxConnLifetime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to create pool: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Ping проверяет доступность базы при старте
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() {
	s.pool.Close()
}

// Migrate применяет встроенные SQL-миграции по порядку имен. Все миграции идемпотентны.
func (s *Store) Migrate(ctx context.Context) error {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		body, err := migrations.ReadFile(name)
		if err != nil {
			return err
		}
		if _, err := s.pool.Exec(ctx, string(body)); err != nil {
			return fmt.Errorf("postgres: migration %s failed: %w", name, err)
		}
	}
	return nil
}

const agentColumns = `
	a.id, a.name, a.status, a.created_at, a.updated_at,
	p.daily_limit::text, p.per_tx_limit::text, p.whitelist, p.kill_switch, p.updated_at`

// GetAgent реализует policy.AgentRegistry: агент вместе с политикой (LEFT JOIN, политики может не быть).
func (s *Store) GetAgent(ctx context.Context, id string) (*domain.Agent, error) {
	query := `SELECT` + agentColumns + `
		FROM agents a
		LEFT JOIN policies p ON p.agent_id = a.id
		WHERE a.id = $1`

	agent, err := scanAgent(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrAgentNotFound
		}
		return nil, domain.NewStorageError("get agent", err)
	}
	return agent, nil
}

// ListAgents возвращает всех агентов для таблицы в Console API.
func (s *Store) ListAgents(ctx context.Context) ([]*domain.Agent, error) {
	query := `SELECT` + agentColumns + `
		FROM agents a
		LEFT JOIN policies p ON p.agent_id = a.id
		ORDER BY a.created_at DESC`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query agents: %w", err)
	}
	defer rows.Close()

	// Инициализируем пустой слайс, чтобы в JSON был [] вместо null
	agents := make([]*domain.Agent, 0)
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return agents, nil
}

// CreateAgent регистрирует агента и (опционально) его политику одной транзакцией.
func (s *Store) CreateAgent(ctx context.Context, a *domain.Agent) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx,
		`INSERT INTO agents (id, name, status) VALUES ($1, $2, $3) RETURNING created_at, updated_at`,
		a.ID, a.Name, string(a.Status),
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: failed to create agent: %w", err)
	}

	if a.Policy != nil {
		a.Policy.AgentID = a.ID
		if err := upsertPolicy(ctx, tx, a.Policy); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// UpdateAgentStatus меняет статус (Kill-switch, пауза, активация)
func (s *Store) UpdateAgentStatus(ctx context.Context, id string, status domain.AgentStatus) error {
	query := `UPDATE agents SET status = $1, updated_at = NOW() WHERE id = $2`

	ct, err := s.pool.Exec(ctx, query, string(status), id)
	if err != nil {
		return fmt.Errorf("postgres: failed to update status: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrAgentNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*domain.Agent, error) {
	var (
		a               domain.Agent
		status          string
		daily, perTx    *string
		whitelist       []string
		killSwitch      *bool
		policyUpdatedAt *time.Time
	)
	err := row.Scan(
		&a.ID, &a.Name, &status, &a.CreatedAt, &a.UpdatedAt,
		&daily, &perTx, &whitelist, &killSwitch, &policyUpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Status = domain.AgentStatus(status)

	// Политики нет: LEFT JOIN вернул NULL
	if daily == nil || perTx == nil {
		return &a, nil
	}

	p := &domain.Policy{AgentID: a.ID, Whitelist: whitelist}
	if p.DailyLimit, err = decimal.NewFromString(*daily); err != nil {
		return nil, fmt.Errorf("daily_limit: %w", err)
	}
	if p.PerTxLimit, err = decimal.NewFromString(*perTx); err != nil {
		return nil, fmt.Errorf("per_tx_limit: %w", err)
	}
	if killSwitch != nil {
		p.KillSwitch = *killSwitch
	}
	if policyUpdatedAt != nil {
		p.UpdatedAt = *policyUpdatedAt
	}
	a.Policy = p
	return &a, nil
}
