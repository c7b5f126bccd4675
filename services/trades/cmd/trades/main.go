package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/McodesM/Trade-Approval-Process/libs/health"
	"github.com/McodesM/Trade-Approval-Process/libs/httpmiddleware"
	"github.com/McodesM/Trade-Approval-Process/libs/kafka"
	"github.com/McodesM/Trade-Approval-Process/libs/logging"
	"github.com/McodesM/Trade-Approval-Process/libs/metrics"
	"github.com/McodesM/Trade-Approval-Process/libs/ratelimit"
	"github.com/McodesM/Trade-Approval-Process/libs/trace"
	"github.com/McodesM/Trade-Approval-Process/services/trades/internal/config"
	"github.com/McodesM/Trade-Approval-Process/services/trades/internal/consumer"
	"github.com/McodesM/Trade-Approval-Process/services/trades/internal/handlers"
	"github.com/McodesM/Trade-Approval-Process/services/trades/internal/service"
	"github.com/McodesM/Trade-Approval-Process/services/trades/internal/storage"
	"github.com/McodesM/Trade-Approval-Process/services/trades/internal/storage/migrations"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.App.LogLevel, cfg.App.LogFormat, cfg.App.ServiceName, cfg.App.Env)
	shutdownTracer, err := trace.InitTracer(context.Background(), cfg.App.ServiceName, cfg.App.Env)
	if err != nil {
		logger.Error("tracer init failed", "error", err)
	} else {
		defer func() {
			_ = shutdownTracer(context.Background())
		}()
	}

	if cfg.App.Env == "dev" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := metrics.NewRegistry()
	tradeMetrics := service.NewMetrics(registry)
	ready := health.NewManager(false)

	if cfg.DB.AutoMigrate {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := migrations.Apply(ctx, cfg.DB.DSN(), logger)
		cancel()
		if err != nil {
			logger.Error("database migration failed", "error", err)
			os.Exit(1)
		}
	}

	pool, err := connectDB(cfg.DB)
	if err != nil {
		logger.Error("db connection failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	store := storage.NewPostgres(pool)
	ready.AddCheck("postgres", store.Ping)

	var (
		publisher     kafka.Publisher
		consumerGroup *kafka.Consumer
	)
	if cfg.Kafka.Enabled {
		producer, err := kafka.NewSyncProducer(cfg.Kafka.Brokers, logger, kafka.NewProducerMetrics(registry))
		if err != nil {
			logger.Error("kafka producer init failed", "error", err)
			os.Exit(1)
		}
		defer producer.Close()
		publisher = kafka.NewDLQPublisher(producer, producer, cfg.Kafka.Topics.DeadLetter, logger)

		consumerGroup, err = kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, logger,
			kafka.WithDeadLetter(producer, cfg.Kafka.Topics.DeadLetter),
			kafka.WithRetry(cfg.Kafka.RetryAttempts, cfg.Kafka.RetryBackoff),
		)
		if err != nil {
			logger.Error("kafka consumer init failed", "error", err)
			os.Exit(1)
		}
		defer consumerGroup.Close()
	}

	tradeSvc := service.NewTradeService(store, publisher, logger, tradeMetrics, service.Topics{
		Lifecycle: cfg.Kafka.Topics.Lifecycle,
	})

	handler := handlers.New(tradeSvc, logger)
	if cfg.RateLimit.Enabled {
		limiter, closeLimiter := newLimiter(cfg.RateLimit, logger)
		defer closeLimiter()
		handler.WithLimiter(limiter)
	}

	router := gin.New()
	router.Use(httpmiddleware.RequestID())
	router.Use(httpmiddleware.Logger(logger))
	router.Use(httpmiddleware.Recovery(logger))
	router.Use(trace.Middleware(cfg.App.ServiceName))

	router.GET("/healthz", health.LivenessHandler)
	router.GET("/readyz", health.ReadinessHandler(ready))
	router.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(registry)))

	handler.Register(router, []byte(cfg.JWTSecret))

	httpServer := &http.Server{
		Addr:         cfg.App.HTTP.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}

	consumerCtx, consumerCancel := context.WithCancel(context.Background())
	defer consumerCancel()

	ready.SetReady(true)

	go func() {
		logger.Info("trades http starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	if consumerGroup != nil {
		bookings := consumer.NewBookingConsumer(tradeSvc, logger, tradeMetrics)
		go func() {
			logger.Info("trades consumer starting", "topic", cfg.Kafka.Topics.BookingConfirmations)
			if err := consumerGroup.Consume(consumerCtx, []string{cfg.Kafka.Topics.BookingConfirmations}, bookings); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("kafka consumer error", "error", err)
			}
		}()
	}

	waitForShutdown(httpServer, ready, consumerCancel, cfg.App.HTTP.ShutdownTimeout, logger)
}

func connectDB(cfg config.DBConfig) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, err
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// newLimiter builds the configured limiter. A redis limiter falls back to
// an in-process one while redis is unreachable.
func newLimiter(cfg config.RateLimitConfig, logger *slog.Logger) (ratelimit.Limiter, func()) {
	memory := ratelimit.NewMemory(cfg.Limit, cfg.Window)
	if cfg.Backend != "redis" {
		return memory, func() {}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	limiter := ratelimit.NewRedis(client, cfg.Limit, cfg.Window, cfg.Redis.Prefix)
	return ratelimit.NewFallback(limiter, memory, logger), func() { _ = client.Close() }
}

func waitForShutdown(httpServer *http.Server, ready *health.Manager, cancel context.CancelFunc, timeout time.Duration, logger *slog.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutdown started")
	ready.SetReady(false)
	cancel()

	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancelTimeout := context.WithTimeout(context.Background(), timeout)
	defer cancelTimeout()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	logger.Info("shutdown complete")
}
