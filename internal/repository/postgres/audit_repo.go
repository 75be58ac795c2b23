package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xela07ax/spaceai-payguard/internal/audit"
	"github.com/xela07ax/spaceai-payguard/internal/domain"
)

// WriteBatch реализует audit.StorageInterface: одна многострочная вставка на пачку.
func (s *Store) WriteBatch(ctx context.Context, events []audit.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}

	// Количество колонок в таблице audit_logs
	const numFields = 11
	var placeholders strings.Builder
	vals := make([]any, 0, len(events)*numFields)

	for i, e := range events {
		p := i * numFields
		if i > 0 {
			placeholders.WriteString(",")
		}
		fmt.Fprintf(&placeholders, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			p+1, p+2, p+3, p+4, p+5, p+6, p+7, p+8, p+9, p+10, p+11)

		var checks []byte
		if e.Checks != nil {
			checks, _ = json.Marshal(e.Checks)
		}

		vals = append(vals,
			e.ID, e.TraceID, e.AgentID, e.Service, e.Amount,
			e.Event, e.Reason, checks, e.Error, e.DurationMs, e.Timestamp,
		)
	}

	query := "INSERT INTO audit_logs (id, trace_id, agent_id, service, amount, event, reason, checks, error, duration_ms, timestamp) VALUES " +
		placeholders.String()

	if _, err := s.pool.Exec(ctx, query, vals...); err != nil {
		return fmt.Errorf("postgres: audit batch insert failed: %w", err)
	}
	return nil
}

// FetchLogs последние события журнала, новые первыми. Пустой agentID = все агенты.
func (s *Store) FetchLogs(ctx context.Context, agentID string, limit int) ([]audit.AuditEvent, error) {
	limit = domain.TransactionFilter{Limit: limit}.EffectiveLimit()
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, trace_id, agent_id, service, amount, event, reason, checks, error, duration_ms, timestamp
		FROM audit_logs
		WHERE ($1::text = '' OR agent_id = $1)
		ORDER BY timestamp DESC
		LIMIT $2`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query audit logs: %w", err)
	}
	defer rows.Close()

	logs := make([]audit.AuditEvent, 0)
	for rows.Next() {
		var (
			e      audit.AuditEvent
			checks []byte
		)
		if err := rows.Scan(&e.ID, &e.TraceID, &e.AgentID, &e.Service, &e.Amount,
			&e.Event, &e.Reason, &checks, &e.Error, &e.DurationMs, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan audit event: %w", err)
		}
		if len(checks) > 0 {
			var pc domain.PolicyChecks
			if err := json.Unmarshal(checks, &pc); err == nil {
				e.Checks = &pc
			}
		}
		logs = append(logs, e)
	}
	return logs, rows.Err()
}
