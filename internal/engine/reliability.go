package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xela07ax/spaceai-payguard/internal/settlement"
)

// ReliabilityConfig параметры защиты провайдера расчетов.
type ReliabilityConfig struct {
	MaxFailures uint32        // подряд, после чего CB открывается
	OpenTimeout time.Duration // через сколько CB пробует полуоткрыться
	Attempts    uint
	BaseDelay   time.Duration // 0 = экспоненциальный бэкофф retry-go по умолчанию
	CallTimeout time.Duration
	RPS         float64
	Burst       int
}

func DefaultReliabilityConfig() ReliabilityConfig {
	return ReliabilityConfig{
		MaxFailures: 5,
		OpenTimeout: 30 * time.Second,
		Attempts:    3,
		CallTimeout: 10 * time.Second,
		RPS:         100,
		Burst:       20,
	}
}

// ReliabilityWrapper оборачивает Settler: rate limiter -> circuit breaker -> retry.
type ReliabilityWrapper struct {
	next    settlement.Settler
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	cfg     ReliabilityConfig
}

func NewReliabilityWrapper(next settlement.Settler, cfg ReliabilityConfig, metrics *Metrics, logger *zap.Logger) *ReliabilityWrapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = 1
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "settlement",
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     cfg.OpenTimeout, // Время, через которое CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			if metrics != nil {
				v := 0.0
				if to == gobreaker.StateOpen {
					v = 1
				}
				metrics.CircuitBreakerState.WithLabelValues(name).Set(v)
			}
		},
	})

	return &ReliabilityWrapper{
		next:    next,
		cb:      cb,
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		cfg:     cfg,
	}
}

// Settle реализует settlement.Settler.
func (w *ReliabilityWrapper) Settle(ctx context.Context, req settlement.Request) (settlement.Receipt, error) {
	// 1. Rate Limiter
	if err := w.limiter.Wait(ctx); err != nil {
		return settlement.Receipt{}, fmt.Errorf("rate limit exceeded: %w", err)
	}

	var receipt settlement.Receipt

	// 2. Circuit Breaker
	_, err := w.cb.Execute(func() (interface{}, error) {
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(w.cfg.Attempts),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				// Провайдер сам сказал, сколько ждать
				var tErr *settlement.ThrottleError
				if errors.As(err, &tErr) {
					return tErr.RetryAfter
				}
				if w.cfg.BaseDelay > 0 {
					return w.cfg.BaseDelay << n
				}
				return retry.BackOffDelay(n, err, config)
			}),
		)

		return nil, r.Do(func() error {
			tCtx, cancel := context.WithTimeout(ctx, w.cfg.CallTimeout)
			defer cancel()

			var callErr error
			receipt, callErr = w.next.Settle(tCtx, req)
			return callErr
		})
	})
	if err != nil {
		return settlement.Receipt{}, err
	}
	return receipt, nil
}

// State текущее состояние предохранителя (для /health).
func (w *ReliabilityWrapper) State() gobreaker.State {
	return w.cb.State()
}
