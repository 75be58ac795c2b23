package policy

/*
Файл validator.go: Policy Decision Point для платежей агентов.

Порядок проверок фиксирован и важен:
 1. агент существует            -> "Agent not found"
 2. у агента есть политика      -> "No policy configured for agent"
 3. статус агента active        -> "Agent is {status}"
 4. сервис в whitelist          -> "Service \"{service}\" is not whitelisted"
 5. сумма <= perTxLimit         -> "Amount ${amount} exceeds per-transaction limit of ${perTxLimit}"
 6. потрачено + сумма <= daily  -> "Transaction would exceed daily limit of ${dailyLimit}"

Первая неудача выигрывает (short-circuit). Флаги policyChecks для непроверенных
шагов выставляются в false (fail closed). Замороженный агент не должен "светить",
что whitelist пройден, а единственная дорогая проверка (агрегация трат) идет последней.

Валидатор ничего не пишет. Запись транзакции и инвалидацию кэша делает вызывающий.
*/

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-payguard/internal/domain"
)

const (
	ReasonAgentNotFound = "Agent not found"
	ReasonNoPolicy      = "No policy configured for agent"
	ReasonApproved      = "All policy checks passed"
)

// AgentRegistry чтение агента вместе с политикой. Если агента нет, domain.ErrAgentNotFound.
type AgentRegistry interface {
	GetAgent(ctx context.Context, agentID string) (*domain.Agent, error)
}

// SpendReader сумма одобренных трат за сутки (spend.Accumulator).
type SpendReader interface {
	GetDailySpend(ctx context.Context, agentID string) (decimal.Decimal, error)
}

type Validator struct {
	registry AgentRegistry
	spend    SpendReader
	logger   *zap.Logger
}

func NewValidator(registry AgentRegistry, spend SpendReader, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{
		registry: registry,
		spend:    spend,
		logger:   logger.Named("validator"),
	}
}

// Validate прогоняет конвейер проверок. Ошибка возвращается только при сбое инфраструктуры
// (*domain.StorageError); любой отказ политики: это обычный результат с Approved=false.
func (v *Validator) Validate(ctx context.Context, req domain.TransactionRequest) (domain.ValidationResult, error) {
	agent, err := v.registry.GetAgent(ctx, req.AgentID)
	switch {
	case errors.Is(err, domain.ErrAgentNotFound):
		return blocked(ReasonAgentNotFound, domain.PolicyChecks{}), nil
	case errors.Is(err, domain.ErrPolicyNotConfigured):
		return blocked(ReasonNoPolicy, domain.PolicyChecks{}), nil
	case err != nil:
		return domain.ValidationResult{}, asStorageError("get agent", err)
	case agent == nil:
		return blocked(ReasonAgentNotFound, domain.PolicyChecks{}), nil
	case agent.Policy == nil:
		return blocked(ReasonNoPolicy, domain.PolicyChecks{}), nil
	}

	p := agent.Policy
	var checks domain.PolicyChecks

	if agent.Status != domain.StatusActive {
		return blocked(fmt.Sprintf("Agent is %s", agent.Status), checks), nil
	}
	checks.AgentStatusCheck = true

	if !IsServiceAllowed(p.Whitelist, req.Service) {
		return blocked(fmt.Sprintf("Service \"%s\" is not whitelisted", req.Service), checks), nil
	}
	checks.WhitelistCheck = true

	if req.Amount.GreaterThan(p.PerTxLimit) {
		return blocked(fmt.Sprintf("Amount $%s exceeds per-transaction limit of $%s", req.Amount, p.PerTxLimit), checks), nil
	}
	checks.PerTxLimitCheck = true

	spent, err := v.spend.GetDailySpend(ctx, req.AgentID)
	if err != nil {
		v.logger.Error("daily limit check aborted", zap.String("agent_id", req.AgentID), zap.Error(err))
		return domain.ValidationResult{}, asStorageError("daily spend", err)
	}
	if spent.Add(req.Amount).GreaterThan(p.DailyLimit) {
		v.logger.Debug("daily limit reached",
			zap.String("agent_id", req.AgentID),
			zap.Stringer("spent", spent),
			zap.Stringer("amount", req.Amount),
			zap.Stringer("daily_limit", p.DailyLimit))
		return blocked(fmt.Sprintf("Transaction would exceed daily limit of $%s", p.DailyLimit), checks), nil
	}
	checks.DailyLimitCheck = true

	return domain.ValidationResult{Approved: true, Reason: ReasonApproved, PolicyChecks: checks}, nil
}

func blocked(reason string, checks domain.PolicyChecks) domain.ValidationResult {
	return domain.ValidationResult{Approved: false, Reason: reason, PolicyChecks: checks}
}

// asStorageError гарантирует, что наружу уходит именно StorageError, даже если
// реестр вернул "сырую" ошибку драйвера.
func asStorageError(op string, err error) error {
	if errors.Is(err, domain.ErrStorage) {
		return err
	}
	return domain.NewStorageError(op, err)
}
