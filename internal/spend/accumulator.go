package spend

/*
Файл accumulator.go реализует Spend Accumulator: кэш суммы одобренных трат агента
за текущие сутки.

- Source of Truth: сумма считается в хранилище по транзакциям со статусом approved
  и created_at >= начала суток (локальная полночь сервера).
- L1 (RAM) кэш с коротким TTL (по умолчанию 5s) снимает нагрузку повторных агрегаций
  с БД в Hot Path валидатора.
- Инвалидация: вызывающий код обязан вызвать Invalidate(agentID) сразу после записи
  одобренной транзакции. Без этого кэш недосчитывает траты до TTL секунд.
- Известные окна устаревания (приняты осознанно):
  1. Две параллельные заявки одного агента читают одну и ту же сумму и обе могут быть
     одобрены сверх лимита. Закрывается только сериализацией на уровне вызывающего
     (см. engine.KeyedMutex), не здесь.
  2. Запись, закэшированная в 23:59:58, может вернуть вчерашнюю сумму в 00:00:02
     (не дольше TTL).
*/

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-payguard/internal/domain"
)

const DefaultTTL = 5 * time.Second

// Source источник истины: сумма approved-транзакций агента начиная с since.
type Source interface {
	SumApprovedSince(ctx context.Context, agentID string, since time.Time) (decimal.Decimal, error)
}

type entry struct {
	amount   decimal.Decimal
	cachedAt time.Time
}

type Accumulator struct {
	source Source
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger
	cache  *prometheus.CounterVec // label: result=hit|miss|error

	mu      sync.Mutex
	entries map[string]entry
	// gen растет при каждой инвалидации. Агрегация, начатая до инвалидации,
	// не имеет права положить свой результат в кэш. Счетчик один на весь кэш,
	// поэтому память не растет с числом агентов.
	gen uint64
}

type Option func(*Accumulator)

// WithTTL задает срок жизни записи. ttl <= 0 выключает кэш: каждое чтение идет в хранилище.
func WithTTL(ttl time.Duration) Option {
	return func(a *Accumulator) {
		if ttl < 0 {
			ttl = 0
		}
		a.ttl = ttl
	}
}

// WithClock подменяет часы (тесты, переход через полночь).
func WithClock(now func() time.Time) Option {
	return func(a *Accumulator) { a.now = now }
}

func WithLogger(logger *zap.Logger) Option {
	return func(a *Accumulator) { a.logger = logger.With(zap.String("mod", "spend")) }
}

// WithCacheCounter подключает счетчик попаданий в кэш (engine.Metrics.SpendCacheRequests).
func WithCacheCounter(c *prometheus.CounterVec) Option {
	return func(a *Accumulator) { a.cache = c }
}

func NewAccumulator(source Source, opts ...Option) *Accumulator {
	a := &Accumulator{
		source:  source,
		ttl:     DefaultTTL,
		now:     time.Now,
		logger:  zap.NewNop(),
		entries: make(map[string]entry),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// TTL текущий срок жизни записи.
func (a *Accumulator) TTL() time.Duration { return a.ttl }

// GetDailySpend возвращает сумму одобренных трат агента с начала суток.
// Ошибка источника возвращается как *domain.StorageError и никогда не превращается в 0:
// ноль читался бы как "трат еще не было" и раздувал бы дневной остаток.
func (a *Accumulator) GetDailySpend(ctx context.Context, agentID string) (decimal.Decimal, error) {
	now := a.now()

	a.mu.Lock()
	if e, ok := a.entries[agentID]; ok && now.Sub(e.cachedAt) < a.ttl {
		a.mu.Unlock()
		a.count("hit")
		return e.amount, nil
	}
	gen := a.gen
	a.mu.Unlock()

	a.count("miss")
	since := StartOfDay(now)
	sum, err := a.source.SumApprovedSince(ctx, agentID, since)
	if err != nil {
		a.count("error")
		a.logger.Error("daily spend aggregation failed",
			zap.String("agent_id", agentID),
			zap.Time("since", since),
			zap.Error(err))
		return decimal.Zero, domain.NewStorageError("sum approved spend", err)
	}

	if a.ttl > 0 {
		a.mu.Lock()
		if a.gen == gen {
			a.entries[agentID] = entry{amount: sum, cachedAt: now}
		}
		a.mu.Unlock()
	}

	return sum, nil
}

// Invalidate сбрасывает запись агента. Следующее чтение пойдет в хранилище.
func (a *Accumulator) Invalidate(agentID string) {
	a.mu.Lock()
	delete(a.entries, agentID)
	a.gen++
	a.mu.Unlock()
}

// InvalidateAll сбрасывает весь кэш (админка, тесты).
func (a *Accumulator) InvalidateAll() {
	a.mu.Lock()
	a.entries = make(map[string]entry)
	a.gen++
	a.mu.Unlock()
	a.logger.Info("spend cache flushed")
}

// Len количество закэшированных агентов.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

func (a *Accumulator) count(result string) {
	if a.cache != nil {
		a.cache.WithLabelValues(result).Inc()
	}
}

// StartOfDay начало календарных суток t в его локации.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
