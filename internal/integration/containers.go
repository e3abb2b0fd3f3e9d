//go:build integration

// Package integration runs the repositories and the order event pipeline
// against real Postgres and Kafka containers.
package integration

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/kafka"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/anoop387/event-driven-order-payment-system/internal/infrastructure/database"
)

type Env struct {
	PG    *postgres.PostgresContainer
	Kafka *kafka.KafkaContainer
	PGURL string
	KAddr []string
}

func startPostgres(ctx context.Context, t *testing.T) (*postgres.PostgresContainer, string) {
	t.Helper()
	pgC, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("orderflow"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgC.Terminate(context.Background()) })

	pgURL, err := pgC.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return pgC, pgURL
}

func startKafka(ctx context.Context, t *testing.T) (*kafka.KafkaContainer, []string) {
	t.Helper()
	kafkaC, err := kafka.Run(ctx,
		"confluentinc/confluent-local:7.5.0",
		kafka.WithClusterID("order-events-test"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = kafkaC.Terminate(context.Background()) })

	brokers, err := kafkaC.Brokers(ctx)
	require.NoError(t, err)
	return kafkaC, brokers
}

// SetupPostgres starts Postgres and applies both migration sets, each with its
// own migrations table so they can share one database.
func SetupPostgres(ctx context.Context, t *testing.T) *Env {
	t.Helper()
	pgC, pgURL := startPostgres(ctx, t)
	migrate(t, pgURL)
	return &Env{PG: pgC, PGURL: pgURL}
}

func Setup(ctx context.Context, t *testing.T) *Env {
	t.Helper()
	env := SetupPostgres(ctx, t)
	env.Kafka, env.KAddr = startKafka(ctx, t)
	return env
}

func migrate(t *testing.T, pgURL string) {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	require.True(t, ok)
	root := filepath.Join(filepath.Dir(file), "..", "..", "migrations")

	for _, set := range []string{"orders", "payments"} {
		source := "file://" + filepath.Join(root, set)
		dbURL := fmt.Sprintf("%s&x-migrations-table=%s_schema_migrations", pgURL, set)
		require.NoError(t, database.RunMigrations(source, dbURL, zap.NewNop()))
	}
}
