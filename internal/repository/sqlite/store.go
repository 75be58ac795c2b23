// Package sqlite встроенное хранилище с тем же контрактом, что и postgres.Store.
// Используется для локального запуска (database.driver=sqlite) и в тестах сервисов.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite" // Драйвер SQLite без cgo

	"github.com/xela07ax/spaceai-payguard/internal/audit"
	"github.com/xela07ax/spaceai-payguard/internal/domain"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open открывает (или создает) файл базы. busy_timeout и одно соединение
// снимают "database is locked" при конкурентной записи.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() {
	_ = s.db.Close()
}

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
		if _, err := s.db.ExecContext(ctx, string(body)); err != nil {
			return fmt.Errorf("sqlite: migration %s failed: %w", name, err)
		}
	}
	return nil
}

const agentColumns = `
	a.id, a.name, a.status, a.created_at, a.updated_at,
	p.daily_limit, p.per_tx_limit, p.whitelist, p.kill_switch, p.updated_at`

func (s *Store) GetAgent(ctx context.Context, id string) (*domain.Agent, error) {
	query := `SELECT` + agentColumns + `
		FROM agents a
		LEFT JOIN policies p ON p.agent_id = a.id
		WHERE a.id = ?`

	agent, err := scanAgent(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrAgentNotFound
		}
		return nil, domain.NewStorageError("get agent", err)
	}
	return agent, nil
}

func (s *Store) ListAgents(ctx context.Context) ([]*domain.Agent, error) {
	query := `SELECT` + agentColumns + `
		FROM agents a
		LEFT JOIN policies p ON p.agent_id = a.id
		ORDER BY a.created_at DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to query agents: %w", err)
	}
	defer rows.Close()

	agents := make([]*domain.Agent, 0)
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: rows iteration error: %w", err)
	}
	return agents, nil
}

func (s *Store) CreateAgent(ctx context.Context, a *domain.Agent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	now := s.now()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO agents (id, name, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.Name, string(a.Status), now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: failed to create agent: %w", err)
	}
	a.CreatedAt, a.UpdatedAt = now, now

	if a.Policy != nil {
		a.Policy.AgentID = a.ID
		if err := s.upsertPolicy(ctx, tx, a.Policy); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) UpdateAgentStatus(ctx context.Context, id string, status domain.AgentStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), s.now().UnixNano(), id,
	)
	if err != nil {
		return fmt.Errorf("sqlite: failed to update status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrAgentNotFound
	}
	return nil
}

func (s *Store) UpsertPolicy(ctx context.Context, p *domain.Policy) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM agents WHERE id = ?`, p.AgentID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrAgentNotFound
	}
	if err != nil {
		return fmt.Errorf("sqlite: failed to check agent: %w", err)
	}

	if err := s.upsertPolicy(ctx, tx, p); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) upsertPolicy(ctx context.Context, tx *sql.Tx, p *domain.Policy) error {
	whitelist := p.Whitelist
	if whitelist == nil {
		whitelist = []string{}
	}
	wl, err := json.Marshal(whitelist)
	if err != nil {
		return fmt.Errorf("sqlite: marshal whitelist: %w", err)
	}

	now := s.now()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO policies (agent_id, daily_limit, per_tx_limit, whitelist, kill_switch, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (agent_id) DO UPDATE
		SET daily_limit  = excluded.daily_limit,
		    per_tx_limit = excluded.per_tx_limit,
		    whitelist    = excluded.whitelist,
		    kill_switch  = excluded.kill_switch,
		    updated_at   = excluded.updated_at`,
		p.AgentID, p.DailyLimit.String(), p.PerTxLimit.String(), string(wl), p.KillSwitch, now.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: failed to upsert policy: %w", err)
	}
	p.UpdatedAt = now
	return nil
}

// SumApprovedSince складывает суммы в decimal на стороне Go:
// SUM() в SQLite работает в REAL и теряет копейки.
func (s *Store) SumApprovedSince(ctx context.Context, agentID string, since time.Time) (decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT amount FROM transactions WHERE agent_id = ? AND status = ? AND created_at >= ?`,
		agentID, string(domain.TxApproved), since.UnixNano(),
	)
	if err != nil {
		return decimal.Zero, domain.NewStorageError("sum approved", err)
	}
	defer rows.Close()

	sum := decimal.Zero
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return decimal.Zero, domain.NewStorageError("sum approved", err)
		}
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Zero, domain.NewStorageError("sum approved", err)
		}
		sum = sum.Add(amount)
	}
	if err := rows.Err(); err != nil {
		return decimal.Zero, domain.NewStorageError("sum approved", err)
	}
	return sum, nil
}

func (s *Store) CreateTransaction(ctx context.Context, t *domain.Transaction) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions (id, agent_id, service, type, amount, status, reason, settlement_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.AgentID, t.Service, t.Type, t.Amount.String(),
		string(t.Status), t.Reason, t.SettlementHash, t.CreatedAt.UnixNano(),
	)
	if err != nil {
		return domain.NewStorageError("create transaction", err)
	}
	return nil
}

func (s *Store) ListTransactions(ctx context.Context, f domain.TransactionFilter) ([]*domain.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, service, type, amount, status, reason, settlement_hash, created_at
		FROM transactions
		WHERE (? = '' OR agent_id = ?) AND (? = '' OR status = ?)
		ORDER BY created_at DESC
		LIMIT ?`,
		f.AgentID, f.AgentID, string(f.Status), string(f.Status), f.EffectiveLimit(),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to query transactions: %w", err)
	}
	defer rows.Close()

	results := make([]*domain.Transaction, 0)
	for rows.Next() {
		var (
			t         domain.Transaction
			amount    string
			status    string
			hash      sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&t.ID, &t.AgentID, &t.Service, &t.Type, &amount, &status, &t.Reason, &hash, &createdAt); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan transaction: %w", err)
		}
		if t.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("sqlite: bad amount %q: %w", amount, err)
		}
		if hash.Valid {
			h := hash.String
			t.SettlementHash = &h
		}
		t.Status = domain.TxStatus(status)
		t.CreatedAt = time.Unix(0, createdAt)
		results = append(results, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: rows iteration error: %w", err)
	}
	return results, nil
}

// WriteBatch реализует audit.StorageInterface.
func (s *Store) WriteBatch(ctx context.Context, events []audit.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}

	const numFields = 11
	placeholders := make([]string, 0, len(events))
	vals := make([]any, 0, len(events)*numFields)
	for _, e := range events {
		placeholders = append(placeholders, "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")

		var checks sql.NullString
		if e.Checks != nil {
			b, _ := json.Marshal(e.Checks)
			checks = sql.NullString{String: string(b), Valid: true}
		}
		vals = append(vals,
			e.ID, e.TraceID, e.AgentID, e.Service, e.Amount,
			e.Event, e.Reason, checks, e.Error, e.DurationMs, e.Timestamp.UnixNano(),
		)
	}

	query := "INSERT INTO audit_logs (id, trace_id, agent_id, service, amount, event, reason, checks, error, duration_ms, timestamp) VALUES " +
		strings.Join(placeholders, ",")
	if _, err := s.db.ExecContext(ctx, query, vals...); err != nil {
		return fmt.Errorf("sqlite: audit batch insert failed: %w", err)
	}
	return nil
}

// FetchLogs последние события журнала, новые первыми. Пустой agentID = все агенты.
func (s *Store) FetchLogs(ctx context.Context, agentID string, limit int) ([]audit.AuditEvent, error) {
	limit = domain.TransactionFilter{Limit: limit}.EffectiveLimit()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trace_id, agent_id, service, amount, event, reason, checks, error, duration_ms, timestamp
		FROM audit_logs
		WHERE (? = '' OR agent_id = ?)
		ORDER BY timestamp DESC
		LIMIT ?`, agentID, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to query audit logs: %w", err)
	}
	defer rows.Close()

	logs := make([]audit.AuditEvent, 0)
	for rows.Next() {
		var (
			e      audit.AuditEvent
			checks sql.NullString
			ts     int64
		)
		if err := rows.Scan(&e.ID, &e.TraceID, &e.AgentID, &e.Service, &e.Amount,
			&e.Event, &e.Reason, &checks, &e.Error, &e.DurationMs, &ts); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan audit event: %w", err)
		}
		if checks.Valid {
			var pc domain.PolicyChecks
			if err := json.Unmarshal([]byte(checks.String), &pc); err == nil {
				e.Checks = &pc
			}
		}
		e.Timestamp = time.Unix(0, ts)
		logs = append(logs, e)
	}
	return logs, rows.Err()
}

func scanAgent(row interface{ Scan(dest ...any) error }) (*domain.Agent, error) {
	var (
		a                    domain.Agent
		status               string
		createdAt, updatedAt int64
		daily, perTx, wl     sql.NullString
		killSwitch           sql.NullBool
		policyUpdatedAt      sql.NullInt64
	)
	err := row.Scan(
		&a.ID, &a.Name, &status, &createdAt, &updatedAt,
		&daily, &perTx, &wl, &killSwitch, &policyUpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Status = domain.AgentStatus(status)
	a.CreatedAt = time.Unix(0, createdAt)
	a.UpdatedAt = time.Unix(0, updatedAt)

	if !daily.Valid || !perTx.Valid {
		return &a, nil
	}

	p := &domain.Policy{AgentID: a.ID, KillSwitch: killSwitch.Bool}
	if p.DailyLimit, err = decimal.NewFromString(daily.String); err != nil {
		return nil, fmt.Errorf("daily_limit: %w", err)
	}
	if p.PerTxLimit, err = decimal.NewFromString(perTx.String); err != nil {
		return nil, fmt.Errorf("per_tx_limit: %w", err)
	}
	if wl.Valid && wl.String != "" {
		if err := json.Unmarshal([]byte(wl.String), &p.Whitelist); err != nil {
			return nil, fmt.Errorf("whitelist: %w", err)
		}
	}
	if policyUpdatedAt.Valid {
		p.UpdatedAt = time.Unix(0, policyUpdatedAt.Int64)
	}
	a.Policy = p
	return &a, nil
}
