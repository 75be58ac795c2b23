package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-payguard/internal/domain"
	"github.com/xela07ax/spaceai-payguard/internal/events"
	"github.com/xela07ax/spaceai-payguard/internal/policy"
	"github.com/xela07ax/spaceai-payguard/internal/settlement"
	"github.com/xela07ax/spaceai-payguard/internal/spend"
)

// memStore реестр + журнал транзакций в памяти с инъекцией сбоев.
type memStore struct {
	mu        sync.Mutex
	agents    map[string]*domain.Agent
	txs       []*domain.Transaction
	sumCalls  int
	getErr    error
	sumErr    error
	createErr error
}

func newMemStore(agents ...*domain.Agent) *memStore {
	s := &memStore{agents: make(map[string]*domain.Agent)}
	for _, a := range agents {
		s.agents[a.ID] = a
	}
	return s
}

func (s *memStore) GetAgent(_ context.Context, id string) (*domain.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, domain.NewStorageError("get agent", s.getErr)
	}
	a, ok := s.agents[id]
	if !ok {
		return nil, domain.ErrAgentNotFound
	}
	return a, nil
}

func (s *memStore) SumApprovedSince(_ context.Context, agentID string, since time.Time) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sumCalls++
	if s.sumErr != nil {
		return decimal.Zero, s.sumErr
	}
	sum := decimal.Zero
	for _, tx := range s.txs {
		if tx.AgentID == agentID && tx.Status == domain.TxApproved && !tx.CreatedAt.Before(since) {
			sum = sum.Add(tx.Amount)
		}
	}
	return sum, nil
}

// CreateTransaction как настоящий драйвер не пишет в отмененном контексте.
func (s *memStore) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return domain.NewStorageError("create transaction", s.createErr)
	}
	if err := ctx.Err(); err != nil {
		return domain.NewStorageError("create transaction", err)
	}
	s.txs = append(s.txs, tx)
	return nil
}

func (s *memStore) recorded() []*domain.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*domain.Transaction(nil), s.txs...)
}

type countingSettler struct {
	mu    sync.Mutex
	calls int
	err   error
	after func() // вызывается после успешного расчета
}

func (c *countingSettler) Settle(ctx context.Context, req settlement.Request) (settlement.Receipt, error) {
	c.mu.Lock()
	c.calls++
	err := c.err
	c.mu.Unlock()
	if err != nil {
		return settlement.Receipt{}, err
	}
	receipt, err := (&settlement.MockSettler{}).Settle(ctx, req)
	if err == nil && c.after != nil {
		c.after()
	}
	return receipt, err
}

type capturingObserver struct {
	mu   sync.Mutex
	txs  []events.TransactionEvent
	logs []events.LogEvent
	errs []events.ErrorEvent
}

func (c *capturingObserver) OnTransaction(_ context.Context, ev events.TransactionEvent) {
	c.mu.Lock()
	c.txs = append(c.txs, ev)
	c.mu.Unlock()
}

func (c *capturingObserver) OnLog(_ context.Context, ev events.LogEvent) {
	c.mu.Lock()
	c.logs = append(c.logs, ev)
	c.mu.Unlock()
}

func (c *capturingObserver) OnError(_ context.Context, ev events.ErrorEvent) {
	c.mu.Lock()
	c.errs = append(c.errs, ev)
	c.mu.Unlock()
}

func activeAgent(id string) *domain.Agent {
	return &domain.Agent{
		ID:     id,
		Status: domain.StatusActive,
		Policy: &domain.Policy{
			AgentID:    id,
			DailyLimit: decimal.NewFromInt(50),
			PerTxLimit: decimal.NewFromInt(10),
			Whitelist:  []string{"api.openai.com"},
		},
	}
}

type fixture struct {
	store    *memStore
	settler  *countingSettler
	observer *capturingObserver
	spend    *spend.Accumulator
	metrics  *Metrics
	gw       *PaymentGateway
}

func newFixture(t *testing.T, opts ...GatewayOption) *fixture {
	t.Helper()
	f := &fixture{
		store:    newMemStore(activeAgent("agent-1"), activeAgent("agent-2")),
		settler:  &countingSettler{},
		observer: &capturingObserver{},
		metrics:  NewMetrics(prometheus.NewRegistry()),
	}
	f.spend = spend.NewAccumulator(f.store, spend.WithCacheCounter(f.metrics.SpendCacheRequests))
	validator := policy.NewValidator(f.store, f.spend, zap.NewNop())
	opts = append([]GatewayOption{WithObserver(f.observer)}, opts...)
	f.gw = NewPaymentGateway(validator, f.spend, f.store, f.settler, f.metrics, zap.NewNop(), opts...)
	return f
}

func req(agentID, service, amount string) domain.TransactionRequest {
	return domain.TransactionRequest{
		AgentID: agentID,
		Service: service,
		Amount:  decimal.RequireFromString(amount),
		Type:    "api_call",
	}
}

func TestProcess_ApprovedIsSettledRecordedAndInvalidates(t *testing.T) {
	f := newFixture(t)
	ctx := WithTraceID(context.Background(), "trace-1")

	// Прогреваем кэш суммой 0
	_, err := f.spend.GetDailySpend(ctx, "agent-1")
	require.NoError(t, err)

	res, err := f.gw.Process(ctx, req("agent-1", "api.openai.com", "5"))
	require.NoError(t, err)
	assert.True(t, res.Validation.Approved)
	assert.Equal(t, domain.TxApproved, res.Transaction.Status)
	require.NotNil(t, res.Transaction.SettlementHash)
	assert.Equal(t, 1, f.settler.calls)
	assert.Len(t, f.store.recorded(), 1)

	// Кэш сброшен: следующая оценка видит свежую сумму без ожидания TTL
	spent, err := f.spend.GetDailySpend(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "5", spent.String())

	require.Len(t, f.observer.txs, 1)
	assert.Equal(t, "trace-1", f.observer.txs[0].TraceID)
	assert.Same(t, res.Transaction, f.observer.txs[0].Transaction)
}

func TestProcess_DailyLimitAcrossRequests(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res, err := f.gw.Process(ctx, req("agent-1", "api.openai.com", "10"))
		require.NoError(t, err)
		require.True(t, res.Validation.Approved, "request %d", i)
	}

	res, err := f.gw.Process(ctx, req("agent-1", "api.openai.com", "0.01"))
	require.NoError(t, err)
	assert.False(t, res.Validation.Approved)
	assert.Equal(t, "Transaction would exceed daily limit of $50", res.Validation.Reason)
	assert.Equal(t, domain.TxBlocked, res.Transaction.Status)

	// Другой агент не затронут
	res, err = f.gw.Process(ctx, req("agent-2", "api.openai.com", "10"))
	require.NoError(t, err)
	assert.True(t, res.Validation.Approved)
}

func TestProcess_BlockedIsRecordedWithoutSettlement(t *testing.T) {
	f := newFixture(t)

	res, err := f.gw.Process(context.Background(), req("agent-1", "malicious.xyz", "5"))
	require.NoError(t, err)
	assert.False(t, res.Validation.Approved)
	assert.Equal(t, `Service "malicious.xyz" is not whitelisted`, res.Transaction.Reason)
	assert.Nil(t, res.Transaction.SettlementHash)
	assert.Equal(t, 0, f.settler.calls)
	assert.Len(t, f.store.recorded(), 1)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Decisions.WithLabelValues("blocked", "whitelist")))
}

func TestProcess_UnknownAgentIsBlockedNotError(t *testing.T) {
	f := newFixture(t)

	res, err := f.gw.Process(context.Background(), req("ghost", "api.openai.com", "1"))
	require.NoError(t, err)
	assert.Equal(t, "Agent not found", res.Validation.Reason)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Decisions.WithLabelValues("blocked", "agent_not_found")))
}

func TestProcess_SettlementFailureRecordsNothing(t *testing.T) {
	f := newFixture(t)
	f.settler.err = &settlement.ThrottleError{RetryAfter: time.Millisecond, Cause: errors.New("provider down")}

	_, err := f.gw.Process(context.Background(), req("agent-1", "api.openai.com", "5"))
	require.Error(t, err)
	assert.ErrorIs(t, err, settlement.ErrSettlementFailed)
	assert.Empty(t, f.store.recorded())

	require.Len(t, f.observer.errs, 1)
	assert.Equal(t, events.KindSettlement, f.observer.errs[0].Kind)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ErrorTotal.WithLabelValues("settlement")))
}

func TestProcess_StorageFailureIsNotAPolicyBlock(t *testing.T) {
	t.Run("aggregation", func(t *testing.T) {
		f := newFixture(t)
		f.store.sumErr = errors.New("connection refused")

		res, err := f.gw.Process(context.Background(), req("agent-1", "api.openai.com", "5"))
		assert.Nil(t, res)
		assert.ErrorIs(t, err, domain.ErrStorage)
		assert.Empty(t, f.store.recorded())
		assert.Equal(t, 0, f.settler.calls)
	})

	t.Run("registry", func(t *testing.T) {
		f := newFixture(t)
		f.store.getErr = errors.New("timeout")

		_, err := f.gw.Check(context.Background(), req("agent-1", "api.openai.com", "5"))
		assert.ErrorIs(t, err, domain.ErrStorage)
	})

	t.Run("record", func(t *testing.T) {
		f := newFixture(t)
		f.store.createErr = errors.New("disk full")

		_, err := f.gw.Process(context.Background(), req("agent-1", "api.openai.com", "5"))
		assert.ErrorIs(t, err, domain.ErrStorage)
		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ErrorTotal.WithLabelValues("storage")))
	})
}

func TestProcess_SettledIsRecordedAfterClientCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// Клиент отвалился ровно после списания денег
	f.settler.after = cancel

	res, err := f.gw.Process(ctx, req("agent-1", "api.openai.com", "10"))
	require.NoError(t, err)
	require.NotNil(t, res.Transaction.SettlementHash)

	recorded := f.store.recorded()
	require.Len(t, recorded, 1)
	assert.Equal(t, domain.TxApproved, recorded[0].Status)

	report, err := f.gw.DailySpend(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "10", report.SpentToday.String())
}

func TestProcess_UnrecordedSettlementIsReported(t *testing.T) {
	f := newFixture(t)
	ctx := WithTraceID(context.Background(), "trace-lost")

	// Прогреваем кэш, чтобы увидеть инвалидацию
	_, err := f.spend.GetDailySpend(ctx, "agent-1")
	require.NoError(t, err)
	require.Equal(t, 1, f.store.sumCalls)

	f.store.createErr = errors.New("disk full")
	_, err = f.gw.Process(ctx, req("agent-1", "api.openai.com", "5"))
	assert.ErrorIs(t, err, domain.ErrStorage)
	assert.Equal(t, 1, f.settler.calls)

	// Кэш сброшен несмотря на сбой записи
	_, err = f.spend.GetDailySpend(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 2, f.store.sumCalls)

	f.observer.mu.Lock()
	defer f.observer.mu.Unlock()
	require.Len(t, f.observer.logs, 1)
	ev := f.observer.logs[0]
	assert.Equal(t, "error", ev.Level)
	assert.Equal(t, "trace-lost", ev.TraceID)
	assert.Equal(t, "agent-1", ev.AgentID)
	assert.Contains(t, ev.Message, "not recorded")
	require.Len(t, f.observer.errs, 1)
	assert.Equal(t, events.KindStorage, f.observer.errs[0].Kind)
}

func TestProcess_InvalidInputSkipsValidator(t *testing.T) {
	f := newFixture(t)

	cases := []domain.TransactionRequest{
		{Service: "api.openai.com", Amount: decimal.NewFromInt(1)},
		{AgentID: "agent-1", Amount: decimal.NewFromInt(1)},
		{AgentID: "agent-1", Service: "api.openai.com", Amount: decimal.Zero},
		{AgentID: "agent-1", Service: "api.openai.com", Amount: decimal.NewFromInt(-3)},
	}
	for _, c := range cases {
		_, err := f.gw.Process(context.Background(), c)
		var invalid *domain.InvalidInputError
		assert.ErrorAs(t, err, &invalid)
	}
	assert.Equal(t, 0, f.store.sumCalls)
	assert.Empty(t, f.store.recorded())
	assert.Equal(t, 4.0, testutil.ToFloat64(f.metrics.ErrorTotal.WithLabelValues("invalid_input")))
}

func TestCheck_IsDryRun(t *testing.T) {
	f := newFixture(t)

	result, err := f.gw.Check(context.Background(), req("agent-1", "API.OpenAI.com", "10"))
	require.NoError(t, err)
	assert.True(t, result.Approved)
	assert.True(t, result.PolicyChecks.AllPassed())

	assert.Empty(t, f.store.recorded())
	assert.Equal(t, 0, f.settler.calls)
	require.Len(t, f.observer.txs, 1)
	assert.Nil(t, f.observer.txs[0].Transaction)
}

func TestProcess_SerializedPerAgentHoldsDailyLimit(t *testing.T) {
	f := newFixture(t, WithPerAgentSerialization())

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		approved int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.gw.Process(context.Background(), req("agent-1", "api.openai.com", "10"))
			if !assert.NoError(t, err) {
				return
			}
			if res.Validation.Approved {
				mu.Lock()
				approved++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, approved)
	spent, err := f.store.SumApprovedSince(context.Background(), "agent-1", spend.StartOfDay(time.Now()))
	require.NoError(t, err)
	assert.Equal(t, "50", spent.String())
	assert.Zero(t, f.gw.locks.size())
}

func TestDailySpend(t *testing.T) {
	now := time.Date(2026, 5, 1, 15, 30, 0, 0, time.Local)
	f := newFixture(t, WithGatewayClock(func() time.Time { return now }))
	f.store.txs = append(f.store.txs, &domain.Transaction{
		AgentID: "agent-1", Amount: decimal.RequireFromString("12.5"), Status: domain.TxApproved, CreatedAt: time.Now(),
	})

	report, err := f.gw.DailySpend(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "agent-1", report.AgentID)
	assert.Equal(t, "12.5", report.SpentToday.String())
	assert.Equal(t, time.Date(2026, 5, 1, 0, 0, 0, 0, time.Local), report.Since)
}
