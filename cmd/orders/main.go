package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/anoop387/event-driven-order-payment-system/internal/app/orders"
	"github.com/anoop387/event-driven-order-payment-system/internal/config"
	orders_http "github.com/anoop387/event-driven-order-payment-system/internal/handler/http/orders"
	"github.com/anoop387/event-driven-order-payment-system/internal/infrastructure/database"
	kafka_infra "github.com/anoop387/event-driven-order-payment-system/internal/infrastructure/kafka"
	"github.com/anoop387/event-driven-order-payment-system/internal/metrics"
	"github.com/anoop387/event-driven-order-payment-system/internal/outbox"
	"github.com/anoop387/event-driven-order-payment-system/internal/repository/order_repo"
	"github.com/anoop387/event-driven-order-payment-system/internal/repository/outbox_repo"
	"github.com/anoop387/event-driven-order-payment-system/internal/tracing"
)

func main() {
	cfg, err := config.LoadOrdersConfig()
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
	appLogger.Info("Order Service starting...")

	tracing.Setup()
	appMetrics := metrics.New(prometheus.DefaultRegisterer)

	ctxMain, cancelMain := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancelMain()

	appLogger.Info("Waiting for database to be available...")
	pool, err := database.ConnectWithRetry(ctxMain, appLogger, 10, 5*time.Second,
		func(ctx context.Context) (*pgxpool.Pool, error) {
			return database.NewPostgresPool(ctx, cfg.DB.URL())
		})
	if err != nil {
		appLogger.Fatal("Could not connect to database. Exiting.", zap.Error(err))
	}
	defer func() {
		pool.Close()
		appLogger.Info("Database connection closed.")
	}()

	appLogger.Info("Running database migrations...")
	if err := database.RunMigrations(cfg.MigrationsPath, cfg.DB.URL(), appLogger); err != nil {
		appLogger.Fatal("Failed to run database migrations", zap.Error(err))
	}

	topicsCtx, cancelTopics := context.WithTimeout(ctxMain, 10*time.Second)
	err = kafka_infra.EnsureTopics(topicsCtx, cfg.Kafka.Brokers(), []kafka_infra.TopicSpec{{
		Name:              cfg.Kafka.OrderEventsTopic,
		Partitions:        cfg.Kafka.TopicPartitions,
		ReplicationFactor: cfg.Kafka.ReplicationFactor,
	}}, appLogger)
	cancelTopics()
	if err != nil {
		appLogger.Fatal("Failed to ensure Kafka topics", zap.Error(err))
	}

	producer := kafka_infra.NewEventProducer(kafka_infra.ProducerConfig{
		Brokers:         cfg.Kafka.Brokers(),
		Topic:           cfg.Kafka.OrderEventsTopic,
		MaxAttempts:     cfg.ProducerMaxAttempts,
		BackoffMin:      cfg.ProducerBackoffMin,
		BackoffMax:      cfg.ProducerBackoffMax,
		BatchSize:       cfg.ProducerBatchSize,
		BatchTimeout:    cfg.ProducerBatchTimeout,
		WriteTimeout:    cfg.ProducerWriteTimeout,
		DeliveryTimeout: cfg.ProducerDeliveryTimeout,
	}, appLogger.With(zap.String("component", "KafkaProducer")), appMetrics)
	defer func() {
		if err := producer.Close(); err != nil {
			appLogger.Error("Error closing Kafka producer", zap.Error(err))
		} else {
			appLogger.Info("Kafka producer closed.")
		}
	}()

	orderRepository := order_repo.NewOrderRepository(pool)
	outboxRepository := outbox_repo.NewOutboxRepository(pool)

	orderService := orders.NewOrderService(
		orderRepository,
		producer,
		outboxRepository,
		cfg.ServiceName,
		appLogger.With(zap.String("component", "OrderService")),
	)
	appLogger.Info("Order Service initialized.")

	outboxProcessor := outbox.NewProcessor(
		outboxRepository,
		producer,
		cfg.OutboxPollInterval,
		cfg.OutboxPollTimeout,
		cfg.OutboxBatchSize,
		appLogger.With(zap.String("component", "OutboxProcessor")),
		appMetrics,
	)

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Handle("/metrics", promhttp.Handler())
	orders_http.RegisterRoutes(router, orderService, appLogger)

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

	outboxDone := make(chan struct{})
	go func() {
		defer close(outboxDone)
		appLogger.Info("Starting Outbox Processor...")
		outboxProcessor.Start(ctxMain)
		appLogger.Info("Outbox Processor stopped.")
	}()

	<-ctxMain.Done()
	appLogger.Info("Shutting down application...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("HTTP server graceful shutdown failed", zap.Error(err))
	} else {
		appLogger.Info("HTTP server gracefully shut down.")
	}

	select {
	case <-outboxDone:
	case <-shutdownCtx.Done():
		appLogger.Warn("Outbox Processor did not stop before the shutdown deadline.")
	}

	appLogger.Info("Application gracefully shut down.")
}
