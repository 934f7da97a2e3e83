package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/exchange/bourse/internal/api"
	"github.com/exchange/bourse/internal/config"
	"github.com/exchange/bourse/internal/engine"
	"github.com/exchange/bourse/internal/handler"
	"github.com/exchange/bourse/internal/marketdata"
	"github.com/exchange/bourse/internal/metrics"
	"github.com/exchange/bourse/internal/notify"
	"github.com/exchange/bourse/internal/repository"
	"github.com/exchange/bourse/internal/scheduler"
	"github.com/exchange/bourse/pkg/health"
	"github.com/exchange/bourse/pkg/logger"
	pkgredis "github.com/exchange/bourse/pkg/redis"
	"github.com/exchange/bourse/pkg/snowflake"
	"github.com/exchange/bourse/pkg/tracing"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.ServiceName, os.Stdout).SetLevel(cfg.LogLevel)

	log.Infof("starting", logger.Fields{"env": cfg.AppEnv, "port": cfg.HTTPPort})
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Error("invalid config")
		os.Exit(1)
	}

	shutdownTracing, err := tracing.Init(tracing.Config{
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.TracingEndpoint,
		Enabled:     cfg.TracingEnabled,
		SampleRate:  cfg.TracingSampleRate,
	})
	if err != nil {
		log.WithError(err).Error("failed to init tracing")
		os.Exit(1)
	}
	metrics.Init()

	ids, err := snowflake.New(cfg.WorkerID)
	if err != nil {
		log.WithError(err).Error("failed to init snowflake")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 连接 Redis
	redisClient, err := pkgredis.NewClient(ctx, pkgredis.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		log.WithError(err).Error("failed to connect to redis")
		os.Exit(1)
	}
	log.WithField("addr", cfg.RedisAddr).Info("connected to redis")

	// 连接 PostgreSQL
	db, err := repository.Open(ctx, repository.DBConfig{
		DSN:             cfg.DBDSN,
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	})
	if err != nil {
		log.WithError(err).Error("failed to connect to postgres")
		os.Exit(1)
	}

	orders := repository.NewOrderRepository(db)
	transactions := repository.NewTransactionRepository(db)
	history := repository.NewHistoryRepository(db,
		repository.WithQueueSize(cfg.HistoryQueueSize),
		repository.WithWorkers(cfg.HistoryWorkers),
		repository.WithErrorHandler(func(err error) {
			metrics.IncSideEffectError("audit")
			log.WithError(err).Warn("history write failed")
		}),
	)

	// 行情：先恢复持久化汇总，再为未初始化的证券设置参考价
	market := marketdata.NewService(redisClient, log)
	restored, err := market.Initialize(ctx)
	if err != nil {
		log.WithError(err).Warn("market summary restore failed")
	}
	seeded := 0
	for _, symbol := range cfg.Symbols {
		ok, err := market.EnsureReferencePrice(ctx, symbol, cfg.ReferencePrice)
		if err != nil {
			log.WithError(err).WithField("symbol", symbol).Warn("reference price init failed")
			continue
		}
		if ok {
			seeded++
		}
	}
	log.Infof("market data initialized", logger.Fields{"restored": restored, "seeded": seeded})

	publisher := notify.NewPublisher(redisClient, notify.Config{
		UserChannel:      cfg.UserEventChannel,
		TradeStream:      cfg.TradeStream,
		SettlementStream: cfg.SettlementStream,
	})

	eng := engine.New(engine.Deps{
		Store:      orders,
		Executions: transactions,
		Audit:      history,
		Market:     market,
		Notifier:   publisher,
		Settlement: publisher,
		IDs:        ids,
	},
		engine.WithLogger(log),
		engine.WithFees(engine.FeeSchedule{
			CommissionRate: cfg.CommissionRate,
			TaxRate:        cfg.TaxRate,
			MinCommission:  cfg.MinCommission,
		}),
	)
	for _, symbol := range cfg.Symbols {
		eng.InitializeOrderBook(symbol)
	}

	// 在消费新指令之前恢复挂单
	stats, err := eng.LoadPendingOrders(ctx)
	if err != nil {
		log.WithError(err).Warn("pending order recovery failed")
	}
	log.Infof("pending orders recovered", logger.Fields{"loaded": stats.Loaded, "rejected": stats.Rejected})

	h := handler.NewHandler(redisClient, eng, &handler.Config{
		OrderStream: cfg.OrderStream,
		Group:       cfg.ConsumerGroup,
		Consumer:    cfg.ConsumerName,
		DedupeTTL:   cfg.DedupeTTL,
		Logger:      log,
	})
	if err := h.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start handler")
		os.Exit(1)
	}
	log.WithField("stream", cfg.OrderStream).Info("handler started")

	sched := scheduler.New(eng, market, scheduler.Config{
		StopCheckInterval: cfg.StopCheckInterval,
		DailyResetCron:    cfg.DailyResetCron,
		StatsLogInterval:  cfg.StatsLogInterval,
		Locker:            redisClient,
		Logger:            log,
	})
	if err := sched.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start scheduler")
		os.Exit(1)
	}

	hc := health.New()
	hc.Register(health.NewPingChecker("redis", func(ctx context.Context) error {
		return redisClient.Ping(ctx).Err()
	}))
	hc.Register(health.NewPingChecker("postgres", db.PingContext))
	hc.Register(health.NewLoopChecker("orderStreamConsumer", h.Monitor(), 45*time.Second))
	hc.Register(health.NewLoopChecker("stopScheduler", sched.Monitor(), 3*cfg.StopCheckInterval+10*time.Second))

	srv := api.NewServer(eng, market, sched, api.Config{
		InternalToken:      cfg.InternalToken,
		MetricsToken:       cfg.MetricsToken,
		AllowInternalReset: cfg.AllowInternalReset,
		DepthLevels:        cfg.DepthLevels,
		Health:             hc,
		Logger:             log,
	})
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           srv.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		log.Infof("http server listening", logger.Fields{"port": cfg.HTTPPort})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("http server error")
			cancel()
		}
	}()
	hc.SetReady(true)

	// 等待退出信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	log.Info("shutting down")
	hc.SetReady(false)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown error")
	}
	sched.Stop()
	h.Wait()
	history.Close()
	if err := db.Close(); err != nil {
		log.WithError(err).Warn("postgres close error")
	}
	if err := redisClient.Close(); err != nil {
		log.WithError(err).Warn("redis close error")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.WithError(err).Warn("tracing shutdown error")
	}
	log.Info("shutdown complete")
}
