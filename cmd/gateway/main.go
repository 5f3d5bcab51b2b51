package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
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
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/xela07ax/skillgate/internal/approval"
	"github.com/xela07ax/skillgate/internal/audit"
	"github.com/xela07ax/skillgate/internal/credentials"
	"github.com/xela07ax/skillgate/internal/domain"
	"github.com/xela07ax/skillgate/internal/engine"
	"github.com/xela07ax/skillgate/internal/infra"
	"github.com/xela07ax/skillgate/internal/infra/auth"
	"github.com/xela07ax/skillgate/internal/lifecycle"
	"github.com/xela07ax/skillgate/internal/policy"
	"github.com/xela07ax/skillgate/internal/registry"
	"github.com/xela07ax/skillgate/internal/repository/postgres"
	"github.com/xela07ax/skillgate/internal/risk"
	"github.com/xela07ax/skillgate/internal/safety"
	"github.com/xela07ax/skillgate/internal/sandbox"
	"github.com/xela07ax/skillgate/internal/source"
)

// expireEvery: как часто шлюз закрывает запросы подтверждения, брошенные упавшими репликами.
const expireEvery = 30 * time.Second

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

	// Контекст для управления жизненным циклом фоновых горутин:
	// SIGTERM остановит слушателей Redis и периодические задачи
	appCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Инфраструктура и ресурсы
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()
	if err := rdb.Ping(appCtx).Err(); err != nil {
		logger.Fatal("redis unreachable", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
	}

	db, err := postgres.Open(appCtx, cfg.Database.URL, postgres.PoolConfig{
		MaxOpenConns:    int(cfg.Database.MaxConns),
		MaxIdleConns:    int(cfg.Database.MinConns),
		ConnMaxLifetime: 30 * time.Minute,
	})
	if err != nil {
		logger.Fatal("database unreachable", zap.Error(err))
	}
	defer db.Close()
	if err := postgres.Migrate(appCtx, db); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	pubKey, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
	if err != nil {
		logger.Fatal("auth public key", zap.Error(err))
	}

	// 2. Метрики
	prom := prometheus.NewRegistry()
	prom.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := engine.NewMetrics(prom)

	// 3. Аудит: события летят в базу пачками
	writer := audit.NewWriter(postgres.NewAuditRepo(db), audit.WriterConfig{
		BufferSize:    cfg.Audit.BufferSize,
		BatchSize:     cfg.Audit.BatchSize,
		FlushInterval: cfg.Audit.FlushInterval,
	}, logger)
	writer.Start()
	metrics.WatchAuditBuffer(writer.Len)
	metrics.WatchAuditLoss(writer)

	// 4. Реестр + deny-set карантина в Redis
	signaler := registry.NewRedisSignaler(rdb, logger)
	reg := registry.New(postgres.NewSkillRepo(db), writer, logger, registry.WithSignaler(signaler))
	if err := signaler.Sync(appCtx, reg); err != nil {
		logger.Warn("quarantine warmup failed, relying on store state", zap.Error(err))
	}
	go signaler.Listen(appCtx, reg)

	// 5. Исполнители: WASM локально, остальное на удаленном хосте
	wasm := sandbox.NewWasmRuntime(cfg.Runtime.MemoryPages, logger)
	defer func() { _ = wasm.Close(context.Background()) }()
	var remote sandbox.Runtime
	if cfg.Runtime.RemoteAddr != "" {
		conn, err := grpc.NewClient(cfg.Runtime.RemoteAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			logger.Fatal("remote sandbox client", zap.Error(err))
		}
		defer conn.Close()
		remote = sandbox.NewRemoteRuntime(conn, cfg.Runtime.Token, sandbox.BreakerSettings{
			MaxRequests:   cfg.Runtime.CBMaxRequests,
			Interval:      cfg.Runtime.CBInterval,
			Timeout:       cfg.Runtime.CBTimeout,
			OnStateChange: metrics.ObserveBreaker,
		}, logger)
	}
	runtime := sandbox.NewRouter(wasm, remote)

	// 6. Источник бандлов, обернутый в Reliability (rate limit, retries, circuit breaker)
	origin, err := newSource(appCtx, cfg.Source)
	if err != nil {
		logger.Fatal("skill source", zap.Error(err))
	}
	rcfg := source.DefaultReliableConfig()
	rcfg.Rate = cfg.Source.Rate
	rcfg.Attempts = cfg.Source.Attempts
	rcfg.OnStateChange = metrics.ObserveBreaker
	bundles := source.NewReliable(origin, rcfg, logger)

	// 7. Safety Gate
	gate := safety.NewGate(reg,
		safety.NewStaticAnalyzer(safety.Limits{MaxFiles: cfg.Safety.MaxFiles, MaxBytes: cfg.Safety.MaxBytes}),
		runtime, writer, logger,
		safety.WithTrialTimeout(cfg.Safety.TrialTimeout),
		safety.WithObserver(metrics.ObserveVerdict))

	// 8. Политики: кэш в памяти, обновление по сигналу консоли и по таймеру
	celEngine, err := policy.NewEngine()
	if err != nil {
		logger.Fatal("policy engine", zap.Error(err))
	}
	rules, err := ruleRepository(appCtx, cfg.Policy, db, logger)
	if err != nil {
		logger.Fatal("policy rules", zap.Error(err))
	}
	policies := policy.NewStore(celEngine, rules, logger)
	if err := policies.Refresh(appCtx); err != nil {
		logger.Fatal("initial policy load failed", zap.Error(err))
	}
	go policies.Listen(appCtx, rdb)
	go every(appCtx, cfg.Policy.RefreshInterval, logger, "policy refresh", policies.Refresh)

	// 9. Human-in-the-loop: Inbox + сигналы консоли
	verifier, err := approval.NewPINVerifier(cfg.Approval.PinHash)
	if err != nil {
		logger.Fatal("approval pin hash", zap.Error(err))
	}
	if cfg.Approval.PinHash == "" {
		logger.Warn("approval.pin_hash is empty, every secret will be rejected")
	}
	approvalStore := postgres.NewApprovalRepo(db)
	inbox := approval.NewInbox(approval.NewRedisNotifier(rdb), approvalStore.Get, logger)
	approvals := approval.NewGate(approvalStore, inbox, verifier, writer, logger, approval.Config{
		ConfirmTTL:        cfg.Approval.ConfirmTTL,
		SecretTTL:         cfg.Approval.SecretTTL,
		MaxSecretAttempts: cfg.Approval.MaxSecretAttempts,
	}, approval.WithPairLock(approval.NewRedisPairLock(rdb)))
	inbox.OnDeny(approvals.Deny)
	go inbox.ListenDecisions(appCtx, rdb)
	go every(appCtx, expireEvery, logger, "approval expiry", func(ctx context.Context) error {
		n, err := approvals.ExpireStale(ctx)
		if n > 0 {
			logger.Info("stale approvals expired", zap.Int("count", n))
		}
		return err
	})

	// 10. Агенты: токены, слоты, kill-switch
	vault, err := credentials.NewTokenVault([]byte(cfg.Vault.SigningKey), logger,
		credentials.WithRedis(rdb),
		credentials.WithIssuer(cfg.Vault.Issuer),
		credentials.WithTTLCap(cfg.Lifecycle.CredentialTTLCap),
		credentials.WithAudit(writer))
	if err != nil {
		logger.Fatal("credential vault", zap.Error(err))
	}
	pool := lifecycle.NewPool(cfg.Lifecycle.MaxAgents, cfg.Lifecycle.QueueTimeout, cfg.Lifecycle.SpawnRate)
	agents := lifecycle.NewManager(reg, runtime, vault, pool, writer, logger, lifecycle.Config{
		DefaultDeadline: cfg.Lifecycle.DefaultDeadline,
		Grace:           cfg.Lifecycle.Grace,
		ScratchDir:      cfg.Lifecycle.ScratchDir,
		ArtifactDir:     cfg.Lifecycle.ArtifactDir,
		RetainArtifacts: cfg.Lifecycle.RetainArtifacts,
	}, lifecycle.WithObserver(metrics.ObserveAgent))
	go lifecycle.NewKillSwitch(rdb, agents, logger).Listen(appCtx)

	// 11. Core
	contexts := engine.NewContextProvider(pool, engine.NewRedisLedger(rdb), cfg.Lifecycle.DailyCostLimit, time.Now)
	gw := engine.NewGateway(reg, bundles, policies, risk.NewAnalyzer(logger), approvals, agents, contexts, writer, metrics, logger)
	onboarding := engine.NewOnboarding(reg, bundles, gate, logger)

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      engine.NewServer(gw, onboarding, inbox, auth.NewBaseValidator(pubKey), logger).WithRunWriteBudget(cfg.RunWriteBudget()),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler: promhttp.HandlerFor(prom, promhttp.HandlerOpts{Registry: prom}),
	}

	go serve(metricsSrv, logger, "metrics")
	go serve(srv, logger, "gateway")

	<-appCtx.Done()
	logger.Info("gateway stopping")

	// Даем 5 секунд на завершение запросов, затем добиваем агентов
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	agents.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
	writer.Stop()
	logger.Info("gateway exited properly")
}

func serve(srv *http.Server, logger *zap.Logger, name string) {
	logger.Info("listening", zap.String("server", name), zap.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("listen failed", zap.String("server", name), zap.Error(err))
	}
}

func newSource(ctx context.Context, cfg infra.SourceConfig) (source.Source, error) {
	if cfg.Kind == "s3" {
		return source.NewS3Source(ctx, source.S3Config{
			Bucket:   cfg.Bucket,
			Region:   cfg.Region,
			Endpoint: cfg.Endpoint,
		}, source.DefaultLimits())
	}
	return source.NewDirSource(cfg.Dir, source.DefaultLimits()), nil
}

// ruleRepository: правила из файла, если он задан, иначе из таблицы policy_rules.
// Пустая таблица засевается встроенным набором.
func ruleRepository(ctx context.Context, cfg infra.PolicyConfig, db *sql.DB, logger *zap.Logger) (policy.RuleRepository, error) {
	if cfg.RulesFile != "" {
		rules, err := policy.LoadRulesFile(cfg.RulesFile)
		if err != nil {
			return nil, err
		}
		logger.Info("policy rules loaded from file", zap.String("path", cfg.RulesFile), zap.Int("count", len(rules)))
		return policy.StaticRules(rules), nil
	}

	repo := postgres.NewPolicyRepo(db)
	existing, err := repo.ListRules(ctx)
	if err != nil {
		return nil, err
	}
	if len(existing) == 0 {
		for _, r := range policy.DefaultRules() {
			rule := r
			if err := repo.CreateRule(ctx, &rule); err != nil && !errors.Is(err, domain.ErrDuplicateRule) {
				return nil, err
			}
		}
		logger.Info("policy_rules seeded with defaults")
	}
	return repo, nil
}

// every запускает задачу по таймеру до отмены ctx.
func every(ctx context.Context, d time.Duration, logger *zap.Logger, name string, f func(context.Context) error) {
	if d <= 0 {
		return
	}
	t := time.NewTicker(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := f(ctx); err != nil {
				logger.Warn("periodic task failed", zap.String("task", name), zap.Error(err))
			}
		}
	}
}
