package audit

import (
	"time"

	"github.com/xela07ax/spaceai-payguard/internal/domain"
)

// Типы событий журнала решений
const (
	EventApproved         = "APPROVED"
	EventBlocked          = "BLOCKED"
	EventStorageError     = "STORAGE_ERROR"
	EventSettlementFailed = "SETTLEMENT_FAILED"
	EventLog              = "LOG"
)

type AuditEvent struct {
	ID      string `json:"id"`       // UUID события
	TraceID string `json:"trace_id"` // Сквозной ID запроса
	AgentID string `json:"agent_id"` // Кто платил
	Service string `json:"service"`  // Кому
	Amount  string `json:"amount"`   // Сколько (decimal строкой, без потери точности)

	// Результат
	Event      string               `json:"event"` // APPROVED, BLOCKED, STORAGE_ERROR, ...
	Reason     string               `json:"reason"`
	Checks     *domain.PolicyChecks `json:"checks,omitempty"`
	Error      string               `json:"error,omitempty"`
	Timestamp  time.Time            `json:"timestamp"`
	DurationMs int64                `json:"duration_ms"`
}
