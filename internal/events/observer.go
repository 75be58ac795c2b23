// Package events жизненный цикл решений шлюза: явный интерфейс наблюдателя
// вместо неявной шины событий. Наблюдатели вызываются синхронно в порядке регистрации
// и не должны блокировать горячий путь (публикация и запись в БД делаются асинхронно или с таймаутом).
package events

import (
	"context"
	"time"

	"github.com/xela07ax/spaceai-payguard/internal/domain"
)

// Классы ошибок в ErrorEvent.Kind
const (
	KindStorage    = "storage"
	KindSettlement = "settlement"
	KindInput      = "input"
)

// TransactionEvent решение по запросу. Transaction == nil для dry-run проверки.
type TransactionEvent struct {
	TraceID     string
	Request     domain.TransactionRequest
	Result      domain.ValidationResult
	Transaction *domain.Transaction
	Duration    time.Duration
	Timestamp   time.Time
}

type LogEvent struct {
	TraceID   string
	AgentID   string
	Level     string // debug, info, warn, error
	Message   string
	Timestamp time.Time
}

type ErrorEvent struct {
	TraceID   string
	AgentID   string
	Kind      string
	Err       error
	Timestamp time.Time
}

type Observer interface {
	OnTransaction(ctx context.Context, ev TransactionEvent)
	OnLog(ctx context.Context, ev LogEvent)
	OnError(ctx context.Context, ev ErrorEvent)
}

// Nop пустой наблюдатель по умолчанию.
type Nop struct{}

func (Nop) OnTransaction(context.Context, TransactionEvent) {}
func (Nop) OnLog(context.Context, LogEvent) {}
func (Nop) OnError(context.Context, ErrorEvent) {}

// Multi раздает событие всем наблюдателям по порядку.
type Multi []Observer

func (m Multi) OnTransaction(ctx context.Context, ev TransactionEvent) {
	for _, o := range m {
		o.OnTransaction(ctx, ev)
	}
}

func (m Multi) OnLog(ctx context.Context, ev LogEvent) {
	for _, o := range m {
		o.OnLog(ctx, ev)
	}
}

func (m Multi) OnError(ctx context.Context, ev ErrorEvent) {
	for _, o := range m {
		o.OnError(ctx, ev)
	}
}

// TransactionMessage формат публикации во внешние шины (Redis, RabbitMQ).
type TransactionMessage struct {
	TraceID     string                  `json:"traceId"`
	Transaction *domain.Transaction     `json:"transaction"`
	Validation  domain.ValidationResult `json:"validation"`
}

func newTransactionMessage(ev TransactionEvent) TransactionMessage {
	return TransactionMessage{
		TraceID:     ev.TraceID,
		Transaction: ev.Transaction,
		Validation:  ev.Result,
	}
}
