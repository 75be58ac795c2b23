package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-payguard/internal/audit"
	"github.com/xela07ax/spaceai-payguard/internal/engine"
	"github.com/xela07ax/spaceai-payguard/internal/events"
	"github.com/xela07ax/spaceai-payguard/internal/infra"
	"github.com/xela07ax/spaceai-payguard/internal/policy"
	"github.com/xela07ax/spaceai-payguard/internal/repository"
	"github.com/xela07ax/spaceai-payguard/internal/settlement"
	"github.com/xela07ax/spaceai-payguard/internal/spend"
)

func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// Контекст для управления жизненным циклом фоновых горутин
	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Инфраструктура и ресурсы
	store, err := repository.Open(appCtx, cfg.Database, logger)
	if err != nil {
		logger.Fatal("storage init failed", zap.Error(err))
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := engine.NewMetrics(reg)

	// Журнал решений: данные полетят в базу пачками
	agentFS := audit.NewAgentFS(store, audit.Config{
		BufferSize:    cfg.Engine.AuditBufferSize,
		FlushInterval: cfg.Engine.AuditFlushInterval,
		BufferGauge:   metrics.AuditBufferFill,
	}, logger)
	agentFS.Start()
	defer agentFS.Stop()

	observers := events.Multi{events.NewLogObserver(logger), agentFS}

	// 2. Control Plane: кэш агентов + сигналы статуса из консоли
	registry := policy.NewCachedRegistry(store, cfg.Engine.AgentCacheTTL, logger)

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		// Примененные сигналы пишутся в журнал аудита агента
		ksm := engine.NewKillSwitchManager(rdb, registry, agentFS, logger)
		go ksm.Run(appCtx)

		observers = append(observers, events.NewRedisPublisher(rdb, infra.RedisChanTransactions, logger))
	} else {
		logger.Warn("redis disabled: status changes propagate only via agent cache TTL")
	}

	if cfg.AMQP.URL != "" {
		pub, err := events.NewAMQPPublisher(events.AMQPConfig{URL: cfg.AMQP.URL, Exchange: cfg.AMQP.Exchange}, logger)
		if err != nil {
			logger.Fatal("amqp init failed", zap.Error(err))
		}
		defer pub.Close()
		observers = append(observers, pub)
	}

	// 3. Core: кэш трат -> валидатор
	accumulator := spend.NewAccumulator(store,
		spend.WithTTL(cfg.Engine.SpendCacheTTL),
		spend.WithLogger(logger),
		spend.WithCacheCounter(metrics.SpendCacheRequests),
	)
	validator := policy.NewValidator(registry, accumulator, logger)

	// 4. Execution Layer: расчеты, обернутые в Reliability (Retries, Circuit Breaker)
	settler := engine.NewReliabilityWrapper(
		&settlement.MockSettler{Latency: cfg.Engine.SettlementLatency},
		engine.ReliabilityConfig{
			MaxFailures: cfg.Engine.CBMaxFailures,
			OpenTimeout: cfg.Engine.CBTimeout,
			Attempts:    cfg.Engine.SettlementAttempts,
			CallTimeout: cfg.Engine.SettlementTimeout,
			RPS:         cfg.Engine.SettlementRPS,
			Burst:       cfg.Engine.SettlementBurst,
		},
		metrics, logger,
	)

	opts := []engine.GatewayOption{engine.WithObserver(observers)}
	if cfg.Engine.SerializePerAgent {
		opts = append(opts, engine.WithPerAgentSerialization())
	}
	gw := engine.NewPaymentGateway(validator, accumulator, store, settler, metrics, logger, opts...)

	// 5. HTTP
	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      engine.NewHandler(gw, store.Ping, cfg.Engine.RequestTimeout, logger).Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	go func() {
		logger.Info("payment gateway started",
			zap.String("addr", srv.Addr),
			zap.String("driver", cfg.Database.Driver),
			zap.Bool("serialize_per_agent", cfg.Engine.SerializePerAgent))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen failed", zap.Error(err))
		}
	}()

	// 6. Graceful Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	logger.Info("payment gateway stopping...")

	// Даем 5 секунд на завершение запросов
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	cancel()
	logger.Info("payment gateway exited properly")
}
