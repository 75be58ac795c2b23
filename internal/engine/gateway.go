package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-payguard/internal/domain"
	"github.com/xela07ax/spaceai-payguard/internal/events"
	"github.com/xela07ax/spaceai-payguard/internal/policy"
	"github.com/xela07ax/spaceai-payguard/internal/settlement"
	"github.com/xela07ax/spaceai-payguard/internal/spend"
)

// recordTimeout верхняя граница записи рассчитанной транзакции.
const recordTimeout = 5 * time.Second

// Validator пайплайн проверок политики (policy.Validator).
type Validator interface {
	Validate(ctx context.Context, req domain.TransactionRequest) (domain.ValidationResult, error)
}

// SpendCache кэш трат (spend.Accumulator).
type SpendCache interface {
	GetDailySpend(ctx context.Context, agentID string) (decimal.Decimal, error)
	Invalidate(agentID string)
}

// TransactionRecorder журнал транзакций.
type TransactionRecorder interface {
	CreateTransaction(ctx context.Context, tx *domain.Transaction) error
}

// ProcessResult ответ POST /v1/transactions.
type ProcessResult struct {
	Transaction *domain.Transaction     `json:"transaction"`
	Validation  domain.ValidationResult `json:"validation"`
}

// PaymentGateway вызывающий контекст валидатора: проверка -> расчет -> запись -> инвалидация кэша.
type PaymentGateway struct {
	validator Validator
	spend     SpendCache
	recorder  TransactionRecorder
	settler   settlement.Settler
	metrics   *Metrics
	logger    *zap.Logger

	observer events.Observer
	locks    *KeyedMutex // nil: параллельные заявки одного агента не сериализуются
	now      func() time.Time
}

type GatewayOption func(*PaymentGateway)

func WithObserver(o events.Observer) GatewayOption {
	return func(g *PaymentGateway) {
		if o != nil {
			g.observer = o
		}
	}
}

// WithPerAgentSerialization закрывает гонку "две заявки читают одну сумму".
// Меняет исходы под нагрузкой, поэтому включается явно (engine.serialize_per_agent).
func WithPerAgentSerialization() GatewayOption {
	return func(g *PaymentGateway) { g.locks = NewKeyedMutex() }
}

func WithGatewayClock(now func() time.Time) GatewayOption {
	return func(g *PaymentGateway) { g.now = now }
}

func NewPaymentGateway(
	validator Validator,
	spendCache SpendCache,
	recorder TransactionRecorder,
	settler settlement.Settler,
	metrics *Metrics,
	logger *zap.Logger,
	opts ...GatewayOption,
) *PaymentGateway {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &PaymentGateway{
		validator: validator,
		spend:     spendCache,
		recorder:  recorder,
		settler:   settler,
		metrics:   metrics,
		logger:    logger.Named("gateway"),
		observer:  events.Nop{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check dry-run: решение без записи, расчета и инвалидации.
func (g *PaymentGateway) Check(ctx context.Context, req domain.TransactionRequest) (domain.ValidationResult, error) {
	start := g.now()
	traceID := extractTraceID(ctx)
	outcome := "error"
	defer func() {
		g.metrics.RequestDuration.WithLabelValues("check", outcome).Observe(time.Since(start).Seconds())
	}()

	if err := req.Validate(); err != nil {
		g.fail(ctx, traceID, req.AgentID, events.KindInput, err)
		return domain.ValidationResult{}, err
	}

	result, err := g.validate(ctx, req)
	if err != nil {
		g.fail(ctx, traceID, req.AgentID, events.KindStorage, err)
		return domain.ValidationResult{}, err
	}
	outcome = string(result.TxStatus())

	g.observer.OnTransaction(ctx, events.TransactionEvent{
		TraceID:   traceID,
		Request:   req,
		Result:    result,
		Duration:  time.Since(start),
		Timestamp: start,
	})
	return result, nil
}

// Process полный цикл. Политический отказ не ошибка: транзакция пишется со статусом blocked.
// Ошибка возвращается только при сбое хранилища, расчетов или некорректном вводе.
func (g *PaymentGateway) Process(ctx context.Context, req domain.TransactionRequest) (*ProcessResult, error) {
	start := g.now()
	traceID := extractTraceID(ctx)
	outcome := "error"
	defer func() {
		g.metrics.RequestDuration.WithLabelValues("process", outcome).Observe(time.Since(start).Seconds())
	}()

	if err := req.Validate(); err != nil {
		g.fail(ctx, traceID, req.AgentID, events.KindInput, err)
		return nil, err
	}

	if g.locks != nil {
		unlock := g.locks.Lock(req.AgentID)
		defer unlock()
	}

	result, err := g.validate(ctx, req)
	if err != nil {
		g.fail(ctx, traceID, req.AgentID, events.KindStorage, err)
		return nil, err
	}

	tx := &domain.Transaction{
		ID:        uuid.NewString(),
		AgentID:   req.AgentID,
		Service:   req.Service,
		Type:      req.Type,
		Amount:    req.Amount,
		Status:    result.TxStatus(),
		Reason:    result.Reason,
		CreatedAt: g.now(),
	}

	// Расчет только для одобренных. Провал расчета ничего не пишет: трата не состоялась.
	if result.Approved {
		receipt, err := g.settler.Settle(ctx, settlement.Request{
			TransactionID: tx.ID,
			AgentID:       tx.AgentID,
			Service:       tx.Service,
			Amount:        tx.Amount,
		})
		if err != nil {
			err = fmt.Errorf("%w: %w", settlement.ErrSettlementFailed, err)
			g.fail(ctx, traceID, req.AgentID, events.KindSettlement, err)
			return nil, err
		}
		tx.SettlementHash = &receipt.Hash
	}

	err = g.record(ctx, tx)
	// Blocked не меняет сумму трат. После расчета сбрасываем кэш даже при сбое записи.
	if result.Approved {
		g.spend.Invalidate(req.AgentID)
	}
	if err != nil {
		if tx.SettlementHash != nil {
			// Деньги ушли, а записи нет: нужна ручная сверка
			g.logger.Error("settled transaction not recorded",
				zap.String("trace_id", traceID),
				zap.String("tx_id", tx.ID),
				zap.String("settlement_hash", *tx.SettlementHash),
				zap.Error(err),
			)
			g.observer.OnLog(ctx, events.LogEvent{
				TraceID:   traceID,
				AgentID:   req.AgentID,
				Level:     "error",
				Message:   fmt.Sprintf("settled transaction %s (%s, hash %s) not recorded, manual reconciliation required", tx.ID, tx.Amount, *tx.SettlementHash),
				Timestamp: g.now(),
			})
		}
		g.fail(ctx, traceID, req.AgentID, events.KindStorage, err)
		return nil, err
	}
	outcome = string(tx.Status)

	g.observer.OnTransaction(ctx, events.TransactionEvent{
		TraceID:     traceID,
		Request:     req,
		Result:      result,
		Transaction: tx,
		Duration:    time.Since(start),
		Timestamp:   tx.CreatedAt,
	})
	return &ProcessResult{Transaction: tx, Validation: result}, nil
}

// record пишет транзакцию. Рассчитанная транзакция пишется в отвязанном от запроса контексте:
// отмена клиентом или таймаут после расчета не должны терять уже ушедшие деньги.
func (g *PaymentGateway) record(ctx context.Context, tx *domain.Transaction) error {
	if tx.SettlementHash == nil {
		return g.recorder.CreateTransaction(ctx, tx)
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	return g.recorder.CreateTransaction(rctx, tx)
}

// DailySpend текущая сумма одобренных трат агента за сутки.
func (g *PaymentGateway) DailySpend(ctx context.Context, agentID string) (domain.SpendReport, error) {
	amount, err := g.spend.GetDailySpend(ctx, agentID)
	if err != nil {
		return domain.SpendReport{}, err
	}
	return domain.SpendReport{
		AgentID:    agentID,
		SpentToday: amount,
		Since:      spend.StartOfDay(g.now()),
	}, nil
}

func (g *PaymentGateway) validate(ctx context.Context, req domain.TransactionRequest) (domain.ValidationResult, error) {
	start := time.Now()
	result, err := g.validator.Validate(ctx, req)
	g.metrics.ValidationDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return result, err
	}

	if result.Approved {
		g.metrics.Decisions.WithLabelValues("approved", "").Inc()
	} else {
		g.metrics.Decisions.WithLabelValues("blocked", failedCheckLabel(result)).Inc()
	}
	return result, nil
}

// failedCheckLabel отличает "агента/политики нет" (все флаги false) от отказа по статусу.
func failedCheckLabel(r domain.ValidationResult) string {
	switch r.Reason {
	case policy.ReasonAgentNotFound:
		return "agent_not_found"
	case policy.ReasonNoPolicy:
		return "no_policy"
	}
	return r.PolicyChecks.FailedCheck()
}

func (g *PaymentGateway) fail(ctx context.Context, traceID, agentID, kind string, err error) {
	label := kind
	switch {
	case kind == events.KindInput:
		label = "invalid_input"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		label = "timeout"
	}
	g.metrics.ErrorTotal.WithLabelValues(label).Inc()

	g.observer.OnError(ctx, events.ErrorEvent{
		TraceID:   traceID,
		AgentID:   agentID,
		Kind:      kind,
		Err:       err,
		Timestamp: g.now(),
	})
}
