package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/skillgate/internal/console/handler"
	"github.com/xela07ax/skillgate/internal/console/server"
	"github.com/xela07ax/skillgate/internal/console/service"
	"github.com/xela07ax/skillgate/internal/infra"
	"github.com/xela07ax/skillgate/internal/infra/auth"
	"github.com/xela07ax/skillgate/internal/policy"
	"github.com/xela07ax/skillgate/internal/repository/postgres"
)

// statsTTL: сколько дашборд живет в кэше Redis.
const statsTTL = 30 * time.Second

func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Инициализация ресурсов
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()

	// Проверяем соединение с таймаутом
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	db, err := postgres.Open(pingCtx, cfg.Database.URL, postgres.PoolConfig{
		MaxOpenConns:    int(cfg.Database.MaxConns),
		MaxIdleConns:    int(cfg.Database.MinConns),
		ConnMaxLifetime: 30 * time.Minute,
	})
	cancel()
	if err != nil {
		logger.Fatal("database unreachable", zap.Error(err))
	}
	defer db.Close()

	privKey, err := auth.ParseRSAPrivateKey(cfg.Auth.PrivateKey)
	if err != nil {
		logger.Fatal("auth private key", zap.Error(err))
	}
	celEngine, err := policy.NewEngine()
	if err != nil {
		logger.Fatal("policy engine", zap.Error(err))
	}

	// 2. Инициализация слоев (Dependency Injection)
	auditSvc := service.NewAuditService(postgres.NewAuditRepo(db))
	handlers := server.Handlers{
		Auth: handler.NewAuthHandler(service.NewAuthService(
			postgres.NewUserRepo(db), auth.NewSigner(privKey, cfg.Auth.TokenTTL), logger)),
		Skills: handler.NewSkillHandler(postgres.NewSkillRepo(db)),
		Agents: handler.NewAgentHandler(service.NewAgentService(rdb, logger), auditSvc),
		Policies: handler.NewPolicyHandler(service.NewPolicyService(
			postgres.NewPolicyRepo(db), celEngine, rdb, logger)),
		Approvals: handler.NewApprovalHandler(service.NewApprovalService(
			postgres.NewApprovalRepo(db), rdb, logger)),
		Dashboard: handler.NewDashboardHandler(service.NewDashboardService(
			postgres.NewStatsRepo(db), rdb, statsTTL, logger)),
		Audit: handler.NewAuditHandler(auditSvc),
	}
	// Консоль проверяет токены своим же открытым ключом
	validator := auth.NewBaseValidator(&privKey.PublicKey)

	// 3. Запуск сервера
	srv := &http.Server{
		Addr:         cfg.Console.Addr(),
		Handler:      server.NewConsoleServer(validator, handlers, logger),
		ReadTimeout:  cfg.Console.ReadTimeout,
		WriteTimeout: cfg.Console.WriteTimeout,
	}
	go func() {
		logger.Info("console API started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("console shutdown failed", zap.Error(err))
	}
	logger.Info("console exited properly")
}
