package audit

/*
Файл agentfs.go реализует журнал решений (Audit Trail) шлюза платежей.

- Non-blocking Logging: события из горячего пути уходят в буферизированный канал,
  задержки записи в БД не влияют на время ответа.
- Batching: пакетная запись по таймеру или при достижении BatchSize.
- Drain Pattern: Stop закрывает вход, воркер вычитывает остатки и делает финальный flush.
- AgentFS реализует events.Observer и подключается к шлюзу как обычный наблюдатель.
*/

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-payguard/internal/events"
	"github.com/xela07ax/spaceai-payguard/internal/settlement"
)

// StorageInterface определяет, куда физически будут сохраняться события
type StorageInterface interface {
	// WriteBatch сохраняет пачку событий за один раз
	WriteBatch(ctx context.Context, events []AuditEvent) error
}

type Config struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	// BufferGauge заполненность буфера (backpressure), опционально
	BufferGauge prometheus.Gauge
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 10000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 500 * time.Millisecond
	}
	return c
}

type AgentFS struct {
	ch     chan AuditEvent
	repo   StorageInterface
	cfg    Config
	logger *zap.Logger
	wg     sync.WaitGroup

	// mu защищает закрытие канала от конкурентной отправки из Log
	mu     sync.RWMutex
	closed bool
}

func NewAgentFS(repo StorageInterface, cfg Config, logger *zap.Logger) *AgentFS {
	cfg = cfg.withDefaults()
	return &AgentFS{
		ch:     make(chan AuditEvent, cfg.BufferSize),
		repo:   repo,
		cfg:    cfg,
		logger: logger.With(zap.String("mod", "agentfs")),
	}
}

func (fs *AgentFS) Start() {
	fs.wg.Add(1)
	go fs.worker()
}

// Stop «запирает» вход в канал и ждет, пока воркер всё допишет.
func (fs *AgentFS) Stop() {
	fs.mu.Lock()
	if fs.closed {
		fs.mu.Unlock()
		return
	}
	fs.closed = true
	fs.logger.Info("stopping auditor: closing channel and flushing buffer...")
	close(fs.ch)
	fs.mu.Unlock()

	fs.wg.Wait()
	fs.logger.Info("auditor stopped gracefully")
}

// Log ставит событие в очередь. При переполнении событие сбрасывается (load shedding).
func (fs *AgentFS) Log(event AuditEvent) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	fs.mu.RLock()
	defer fs.mu.RUnlock()
	if fs.closed {
		fs.logger.Warn("audit event dropped: auditor is stopping", zap.String("id", event.ID))
		return
	}

	select {
	case fs.ch <- event:
		if fs.cfg.BufferGauge != nil {
			fs.cfg.BufferGauge.Set(float64(len(fs.ch)))
		}
	default:
		fs.logger.Error("audit_buffer_overflow",
			zap.String("agent_id", event.AgentID),
			zap.String("trace_id", event.TraceID),
			zap.String("event", event.Event),
		)
	}
}

// OnTransaction реализует events.Observer. Dry-run проверки не журналируются.
func (fs *AgentFS) OnTransaction(_ context.Context, ev events.TransactionEvent) {
	if ev.Transaction == nil {
		return
	}
	checks := ev.Result.PolicyChecks
	kind := EventBlocked
	if ev.Result.Approved {
		kind = EventApproved
	}
	fs.Log(AuditEvent{
		TraceID:    ev.TraceID,
		AgentID:    ev.Request.AgentID,
		Service:    ev.Request.Service,
		Amount:     ev.Request.Amount.String(),
		Event:      kind,
		Reason:     ev.Result.Reason,
		Checks:     &checks,
		Timestamp:  ev.Timestamp,
		DurationMs: ev.Duration.Milliseconds(),
	})
}

func (fs *AgentFS) OnLog(_ context.Context, ev events.LogEvent) {
	fs.Log(AuditEvent{
		TraceID:   ev.TraceID,
		AgentID:   ev.AgentID,
		Event:     EventLog,
		Reason:    ev.Message,
		Timestamp: ev.Timestamp,
	})
}

func (fs *AgentFS) OnError(_ context.Context, ev events.ErrorEvent) {
	kind := EventStorageError
	switch {
	case ev.Kind == events.KindSettlement, errors.Is(ev.Err, settlement.ErrSettlementFailed):
		kind = EventSettlementFailed
	case ev.Kind == events.KindInput:
		// Мусорный ввод не попадает в журнал решений
		return
	}

	msg := ""
	if ev.Err != nil {
		msg = ev.Err.Error()
	}
	fs.Log(AuditEvent{
		TraceID:   ev.TraceID,
		AgentID:   ev.AgentID,
		Event:     kind,
		Error:     msg,
		Timestamp: ev.Timestamp,
	})
}

func (fs *AgentFS) worker() {
	defer fs.wg.Done()

	batch := make([]AuditEvent, 0, fs.cfg.BatchSize)
	ticker := time.NewTicker(fs.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Используем Background, так как основной контекст может быть уже закрыт
		if err := fs.repo.WriteBatch(context.Background(), batch); err != nil {
			fs.logger.Error("audit flush failed", zap.Int("events", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
		if fs.cfg.BufferGauge != nil {
			fs.cfg.BufferGauge.Set(float64(len(fs.ch)))
		}
	}

	for {
		select {
		case event, ok := <-fs.ch:
			if !ok {
				// Канал закрыт в Stop(): остатки уже вычитаны, финальный сброс
				flush()
				fs.logger.Info("audit worker finished")
				return
			}
			batch = append(batch, event)
			if len(batch) >= fs.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
