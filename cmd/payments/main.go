package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/anoop387/event-driven-order-payment-system/internal/app/payments"
	"github.com/anoop387/event-driven-order-payment-system/internal/config"
	payments_http "github.com/anoop387/event-driven-order-payment-system/internal/handler/http/payments"
	kafka_handler "github.com/anoop387/event-driven-order-payment-system/internal/handler/kafka"
	"github.com/anoop387/event-driven-order-payment-system/internal/idempotency"
	"github.com/anoop387/event-driven-order-payment-system/internal/infrastructure/database"
	kafka_infra "github.com/anoop387/event-driven-order-payment-system/internal/infrastructure/kafka"
	"github.com/anoop387/event-driven-order-payment-system/internal/metrics"
	"github.com/anoop387/event-driven-order-payment-system/internal/repository/payments_repo"
	"github.com/anoop387/event-driven-order-payment-system/internal/tracing"
)

func main() {
	cfg, err := config.LoadPaymentsConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	zapConfig := zap.NewProductionConfig()
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapConfig.EncoderConfig.TimeKey = "timestamp"

	appLogger, err := zapConfig.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create zap logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()
	appLogger = appLogger.With(zap.String("service", cfg.ServiceName))
	appLogger.Info("Payments Service starting...")

	tracing.Setup()
	appMetrics := metrics.New(prometheus.DefaultRegisterer)

	ctxMain, cancelMain := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancelMain()

	appLogger.Info("Waiting for database to be available...")
	db, err := database.ConnectWithRetry(ctxMain, appLogger, 10, 5*time.Second,
		func(ctx context.Context) (*sql.DB, error) {
			return database.NewPostgresDB(ctx, cfg.DB.ConnectionString())
		})
	if err != nil {
		appLogger.Fatal("Could not connect to database. Exiting.", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			appLogger.Error("Error closing database connection", zap.Error(err))
		} else {
			appLogger.Info("Database connection closed.")
		}
	}()

	appLogger.Info("Running database migrations...")
	if err := database.RunMigrations(cfg.MigrationsPath, cfg.DB.URL(), appLogger); err != nil {
		appLogger.Fatal("Failed to run database migrations", zap.Error(err))
	}

	topicsCtx, cancelTopics := context.WithTimeout(ctxMain, 10*time.Second)
	err = kafka_infra.EnsureTopics(topicsCtx, cfg.Kafka.Brokers(), []kafka_infra.TopicSpec{
		{Name: cfg.Kafka.OrderEventsTopic, Partitions: cfg.Kafka.TopicPartitions, ReplicationFactor: cfg.Kafka.ReplicationFactor},
		{Name: cfg.Kafka.DeadLetterTopic, Partitions: 1, ReplicationFactor: cfg.Kafka.ReplicationFactor},
	}, appLogger)
	cancelTopics()
	if err != nil {
		appLogger.Fatal("Failed to ensure Kafka topics", zap.Error(err))
	}

	paymentRepository := payments_repo.NewPaymentRepository(db)
	paymentService := payments.NewService(
		paymentRepository,
		payments.NewSimulatedGateway(cfg.GatewayDeclineAbove),
		cfg.StoreTimeout,
		appLogger.With(zap.String("component", "PaymentService")),
		appMetrics,
	)
	appLogger.Info("Payment Service initialized.")

	deadLetters := kafka_infra.NewDeadLetterWriter(cfg.Kafka.Brokers(), cfg.Kafka.DeadLetterTopic,
		appLogger.With(zap.String("component", "DeadLetterWriter")))
	defer func() {
		if err := deadLetters.Close(); err != nil {
			appLogger.Error("Error closing dead letter writer", zap.Error(err))
		}
	}()

	var consumerOpts []kafka_infra.ConsumerOption
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()

		pingCtx, cancelPing := context.WithTimeout(ctxMain, 5*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			appLogger.Warn("Redis unavailable, continuing without event deduplication", zap.Error(err))
		} else {
			consumerOpts = append(consumerOpts, kafka_infra.WithDeduplicator(
				idempotency.NewStore(rdb, cfg.ConsumerGroup, cfg.DedupTTL)))
			appLogger.Info("Event deduplication enabled", zap.String("redis_addr", cfg.RedisAddr))
		}
		cancelPing()
	}

	orderEventsConsumer, err := kafka_infra.NewEventConsumer(
		kafka_infra.ConsumerConfig{
			Brokers:         cfg.Kafka.Brokers(),
			Topic:           cfg.Kafka.OrderEventsTopic,
			GroupID:         cfg.ConsumerGroup,
			ProcessTimeout:  cfg.ConsumerProcessTimeout,
			RetryBackoffMin: cfg.ConsumerRetryBackoffMin,
			RetryBackoffMax: cfg.ConsumerRetryBackoffMax,
			PartitionBuffer: cfg.ConsumerPartitionBuffer,
		},
		kafka_handler.OrderEventHandler(paymentService, appLogger.With(zap.String("component", "OrderEventHandler"))),
		deadLetters,
		appLogger.With(zap.String("component", "OrderEventsConsumer")),
		appMetrics,
		consumerOpts...,
	)
	if err != nil {
		appLogger.Fatal("Failed to create order events consumer", zap.Error(err))
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Handle("/metrics", promhttp.Handler())
	payments_http.RegisterRoutes(router, paymentService, appLogger)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		appLogger.Info("Starting HTTP server", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		appLogger.Info("Starting Order Events Kafka Consumer...")
		if err := orderEventsConsumer.Run(ctxMain); err != nil && !errors.Is(err, context.Canceled) {
			appLogger.Error("Order Events Kafka Consumer failed", zap.Error(err))
			cancelMain()
		}
		appLogger.Info("Order Events Kafka Consumer stopped.")
	}()

	<-ctxMain.Done()
	appLogger.Info("Shutting down application...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ConsumerProcessTimeout+5*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("HTTP server graceful shutdown failed", zap.Error(err))
	} else {
		appLogger.Info("HTTP server gracefully shut down.")
	}

	// In-flight events finish and commit before the consumer returns.
	select {
	case <-consumerDone:
	case <-shutdownCtx.Done():
		appLogger.Warn("Order Events Kafka Consumer did not stop before the shutdown deadline.")
	}

	appLogger.Info("Application gracefully shut down.")
}
