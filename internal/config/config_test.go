package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadPaymentsConfig_Defaults(t *testing.T) {
	cfg, err := LoadPaymentsConfig()
	require.NoError(t, err)

	assert.Equal(t, "payments-order-events-group", cfg.ConsumerGroup)
	assert.Equal(t, "order_events", cfg.Kafka.OrderEventsTopic)
	assert.Equal(t, "order_events.dlq", cfg.Kafka.DeadLetterTopic)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers())
	assert.Equal(t, 25*time.Second, cfg.ConsumerProcessTimeout)
	assert.Equal(t, "payments_db", cfg.DB.Name)
	assert.Empty(t, cfg.RedisAddr)
}

func TestLoadPaymentsConfig_FromEnv(t *testing.T) {
	t.Setenv("KAFKA_BROKER_URL", "k1:9092, k2:9092,")
	t.Setenv("KAFKA_CONSUMER_GROUP", "group-x")
	t.Setenv("STORE_TIMEOUT", "750ms")
	t.Setenv("PAYMENTS_DB_PORT", "6543")
	t.Setenv("GATEWAY_DECLINE_ABOVE", "250.5")

	cfg, err := LoadPaymentsConfig()
	require.NoError(t, err)

	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers())
	assert.Equal(t, "group-x", cfg.ConsumerGroup)
	assert.Equal(t, 750*time.Millisecond, cfg.StoreTimeout)
	assert.Equal(t, 6543, cfg.DB.Port)
	assert.Equal(t, 250.5, cfg.GatewayDeclineAbove)
}

func TestLoadPaymentsConfig_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("STORE_TIMEOUT", "soon")
	t.Setenv("PAYMENTS_DB_PORT", "port")

	cfg, err := LoadPaymentsConfig()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.StoreTimeout)
	assert.Equal(t, 5432, cfg.DB.Port)
}

func TestLoadPaymentsConfig_RequiresBrokers(t *testing.T) {
	t.Setenv("KAFKA_BROKER_URL", " , ")
	_, err := LoadPaymentsConfig()
	assert.Error(t, err)
}

func TestLoadOrdersConfig_RejectsZeroAttempts(t *testing.T) {
	t.Setenv("PRODUCER_MAX_ATTEMPTS", "0")
	_, err := LoadOrdersConfig()
	assert.Error(t, err)
}

func TestDBConfig_DSNs(t *testing.T) {
	db := DBConfig{Host: "db", Port: 5432, User: "u", Password: "p", Name: "orders_db", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=orders_db sslmode=disable", db.ConnectionString())
	assert.Equal(t, "postgres://u:p@db:5432/orders_db?sslmode=disable", db.URL())
}

func TestLoadGatewayConfig(t *testing.T) {
	t.Setenv("GATEWAY_PORT", "8080")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := LoadGatewayConfig()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.GatewayPort)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, "http://localhost:8081", cfg.OrdersServiceURL)
	assert.Equal(t, int64(100), cfg.RateLimit)
	assert.Equal(t, time.Second, cfg.RateLimitPeriod)
}

func TestLoadGatewayConfig_RejectsNegativeRateLimit(t *testing.T) {
	t.Setenv("GATEWAY_RATE_LIMIT", "-1")

	_, err := LoadGatewayConfig()
	assert.Error(t, err)
}
