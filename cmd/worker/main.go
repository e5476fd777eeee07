package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	mqcontracts "mailpilot/contracts/mq"
	"mailpilot/internal/api"
	"mailpilot/internal/config"
	"mailpilot/internal/httpserver"
	"mailpilot/internal/mailbox"
	"mailpilot/internal/mqhandler"
	"mailpilot/internal/repository"
	"mailpilot/internal/service/action"
	"mailpilot/internal/service/inference"
	"mailpilot/internal/service/processor"
	"mailpilot/internal/service/relationship"
	"mailpilot/internal/service/rules"
	"mailpilot/internal/service/spam"
	"mailpilot/pkg/db"
	"mailpilot/pkg/logger"
	"mailpilot/pkg/mq"
	"mailpilot/pkg/otel"
	"mailpilot/pkg/outbox"
	"mailpilot/pkg/redis"
	"mailpilot/pkg/util"

	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()
	logger := logger.New(cfg.ServiceName, cfg.LogLevel)
	defer logger.Sync()

	logger.Info("Starting mailpilot worker...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// OpenTelemetry
	shutdownOtel, err := otel.Init(ctx, otel.Config{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: "1.0.0",
		Endpoint:       cfg.Otel.Endpoint,
		Enabled:        cfg.Otel.Enabled,
		SampleRatio:    cfg.Otel.SampleRatio,
		Insecure:       cfg.Otel.Insecure,
	}, logger)
	if err != nil {
		logger.Fatal("OpenTelemetry init failed", zap.Error(err))
	}
	defer shutdownOtel()

	// Redis
	rdb, err := redis.NewRedisClient(cfg.Redis)
	if err != nil {
		logger.Fatal("Redis connection failed", zap.Error(err))
	}
	defer rdb.Close()

	// DB
	dbConn, err := db.NewConnection(ctx, cfg.DB, logger)
	if err != nil {
		logger.Fatal("DB connection failed", zap.Error(err))
	}
	defer dbConn.Close()

	logger.Info("DB ready")

	// MQ
	publisher, err := mq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		logger.Fatal("Publisher init failed", zap.Error(err))
	}
	defer publisher.Close()

	// 推理客户端按 provider 缓存，经 context 传给处理流程
	clients := inference.NewClientCache(cfg.Inference.Providers, cfg.Inference.Timeout)
	defer clients.Close()
	ctx = inference.WithClientCache(ctx, clients)

	// repositories & services
	store := repository.NewStore(dbConn)
	store.Actions.WithReplayGrace(cfg.Worker.ReplayGrace)
	resolver := relationship.NewResolver(logger)
	determiner := action.NewDeterminer(
		rules.NewEvaluator(store, logger),
		spam.NewGate(rdb, store, cfg.Worker.SpamCacheTTL, logger),
		resolver,
		logger,
	)
	proc := processor.New(
		store,
		mailbox.NewIMAPOpener(),
		determiner,
		resolver,
		mailbox.NewEffector(),
		processor.FromContextCache,
		processor.Config{
			BatchSize:    cfg.Worker.BatchSize,
			Concurrency:  cfg.Worker.Concurrency,
			HistoryLimit: cfg.Worker.HistoryLimit,
		},
		logger,
	)

	// Outbox dispatcher
	dispatcher := outbox.NewDispatcher(dbConn, publisher, logger).
		WithMaxRetries(cfg.Outbox.MaxRetries).
		WithInterval(cfg.Outbox.Interval).
		WithBatchSize(cfg.Outbox.BatchSize)
	go dispatcher.Start(ctx)

	// Inbox job consumer
	retryCounter := util.NewRetryCounter(rdb, cfg.Worker.RetryTTL)
	jobHandler := mqhandler.NewInboxJobHandler(proc, publisher, retryCounter, cfg.Worker.MaxRetries, logger)

	logger.Info("Init consumer", zap.String("queue", cfg.Worker.Queue))
	consumer, err := mq.NewConsumer(
		cfg.MQ.URL,
		cfg.Worker.Queue,
		mqcontracts.RoutingKeyInboxProcess,
		cfg.Worker.Prefetch,
		logger,
	)
	if err != nil {
		logger.Fatal("Inbox consumer init failed", zap.Error(err))
	}
	defer consumer.Close()
	consumer.SetHandler(jobHandler.Handle)

	go func() {
		if err := consumer.StartConsuming(ctx); err != nil {
			logger.Error("Inbox consumer crashed", zap.Error(err))
			stop()
		}
	}()

	// HTTP
	router := httpserver.NewRouter(
		api.NewInboxHandler(proc, publisher, logger),
		api.NewAdminHandler(outbox.NewReplayService(store.Outbox, publisher, cfg.Outbox.MaxRetries), logger),
		map[string]httpserver.ReadinessCheck{
			"db":    store.Ping,
			"redis": func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
			"mq": func(context.Context) error {
				if !publisher.IsConnected() || !consumer.IsConnected() {
					return errors.New("mq connection closed")
				}
				return nil
			},
		},
		logger,
	)
	srv := router.Server(cfg.Server.Port)
	srv.BaseContext = func(net.Listener) context.Context { return ctx }

	go func() {
		logger.Info("HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", zap.Error(err))
			stop()
		}
	}()

	logger.Info("Worker running")
	<-ctx.Done()

	logger.Info("Shutting down...")
	consumer.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown", zap.Error(err))
	}
}
