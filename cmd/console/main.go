package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-payguard/internal/console/handler"
	"github.com/xela07ax/spaceai-payguard/internal/console/server"
	"github.com/xela07ax/spaceai-payguard/internal/console/service"
	"github.com/xela07ax/spaceai-payguard/internal/infra"
	"github.com/xela07ax/spaceai-payguard/internal/repository"
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

	// 1. Инициализация ресурсов
	store, err := repository.Open(context.Background(), cfg.Database, logger)
	if err != nil {
		logger.Fatal("storage init failed", zap.Error(err))
	}
	defer store.Close()

	// Без Redis консоль работает, но шлюзы узнают о смене статуса только по TTL кэша
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
	}

	// 2. Инициализация слоев (Dependency Injection)
	agentService := service.NewAgentService(rdb, store, logger)
	policyService := service.NewPolicyService(store, rdb, logger)
	auditService := service.NewAuditService(store)

	consoleSrv := server.NewConsoleServer(logger, store.Ping,
		handler.NewAgentHandler(agentService, logger),
		handler.NewPolicyHandler(policyService, logger),
		handler.NewAuditHandler(auditService, logger),
	)

	// 3. Запуск сервера
	srv := &http.Server{
		Addr:         cfg.Console.Addr(),
		Handler:      consoleSrv,
		ReadTimeout:  cfg.Console.ReadTimeout,
		WriteTimeout: cfg.Console.WriteTimeout,
	}

	go func() {
		logger.Info("console API started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("console shutdown failed", zap.Error(err))
	}
	logger.Info("console API exited properly")
}
