package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Latency: сколько времени заняла обработка (включая расчеты)
	RequestDuration *prometheus.HistogramVec

	// Decisions: решения валидатора, check = первая не пройденная проверка
	Decisions *prometheus.CounterVec

	// ValidationDuration только пайплайн проверок (реестр + агрегация трат)
	ValidationDuration prometheus.Histogram

	// SpendCacheRequests попадания/промахи кэша трат
	SpendCacheRequests *prometheus.CounterVec

	// Errors: классификация отказов (storage, settlement, invalid_input)
	ErrorTotal *prometheus.CounterVec

	// Saturation: состояние Circuit Breaker (0 - ок, 1 - выбило)
	CircuitBreakerState *prometheus.GaugeVec

	// Audit: заполненность буфера (backpressure)
	AuditBufferFill prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		RequestDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "payguard_request_duration_seconds",
			Help:    "Histogram of request latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"op", "outcome"}),

		Decisions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "payguard_decisions_total",
			Help: "Policy decisions by outcome and failed check.",
		}, []string{"outcome", "check"}),

		ValidationDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "payguard_validation_duration_seconds",
			Help:    "Time spent in the policy check pipeline.",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		}),

		SpendCacheRequests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "payguard_spend_cache_requests_total",
			Help: "Spend accumulator lookups by result (hit, miss, error).",
		}, []string{"result"}),

		ErrorTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "payguard_errors_total",
			Help: "Total number of errors by type.",
		}, []string{"type"}),

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "payguard_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=open).",
		}, []string{"name"}),

		AuditBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "payguard_audit_buffer_utilization",
			Help: "Current number of events in audit buffer.",
		}),
	}
}
