package config

import (
	"fmt"
	"time"
)

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
}

func loadDBConfig(prefix, defaultName string) DBConfig {
	return DBConfig{
		Host:     getEnvOrDefault(prefix+"_DB_HOST", "localhost"),
		Port:     getEnvAsInt(prefix+"_DB_PORT", 5432),
		User:     getEnvOrDefault(prefix+"_DB_USER", "postgres"),
		Password: getEnvOrDefault(prefix+"_DB_PASSWORD", "postgres"),
		Name:     getEnvOrDefault(prefix+"_DB_NAME", defaultName),
		SSLMode:  getEnvOrDefault(prefix+"_DB_SSLMODE", "disable"),
	}
}

// ConnectionString is the key/value DSN understood by lib/pq.
func (c DBConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

// URL is the postgres:// DSN used by pgx and golang-migrate.
func (c DBConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type KafkaConfig struct {
	BrokerURL         string
	OrderEventsTopic  string
	DeadLetterTopic   string
	TopicPartitions   int
	ReplicationFactor int
}

func loadKafkaConfig() KafkaConfig {
	return KafkaConfig{
		BrokerURL:         getEnvOrDefault("KAFKA_BROKER_URL", "localhost:9092"),
		OrderEventsTopic:  getEnvOrDefault("KAFKA_ORDER_EVENTS_TOPIC", "order_events"),
		DeadLetterTopic:   getEnvOrDefault("KAFKA_DEAD_LETTER_TOPIC", "order_events.dlq"),
		TopicPartitions:   getEnvAsInt("KAFKA_TOPIC_PARTITIONS", 3),
		ReplicationFactor: getEnvAsInt("KAFKA_REPLICATION_FACTOR", 1),
	}
}

func (c KafkaConfig) Brokers() []string {
	return splitList(c.BrokerURL)
}

type OrdersConfig struct {
	ServiceName    string
	HTTPPort       int
	DB             DBConfig
	MigrationsPath string
	Kafka          KafkaConfig

	ProducerMaxAttempts     int
	ProducerBackoffMin      time.Duration
	ProducerBackoffMax      time.Duration
	ProducerBatchSize       int
	ProducerBatchTimeout    time.Duration
	ProducerWriteTimeout    time.Duration
	ProducerDeliveryTimeout time.Duration

	OutboxPollInterval time.Duration
	OutboxPollTimeout  time.Duration
	OutboxBatchSize    int
}

func LoadOrdersConfig() (*OrdersConfig, error) {
	cfg := &OrdersConfig{
		ServiceName:    getEnvOrDefault("SERVICE_NAME", "orders-service"),
		HTTPPort:       getEnvAsInt("ORDERS_HTTP_PORT", 8081),
		DB:             loadDBConfig("ORDERS", "orders_db"),
		MigrationsPath: getEnvOrDefault("MIGRATIONS_PATH", "file:///app/migrations/orders"),
		Kafka:          loadKafkaConfig(),

		ProducerMaxAttempts:     getEnvAsInt("PRODUCER_MAX_ATTEMPTS", 5),
		ProducerBackoffMin:      getEnvAsDuration("PRODUCER_BACKOFF_MIN", 100*time.Millisecond),
		ProducerBackoffMax:      getEnvAsDuration("PRODUCER_BACKOFF_MAX", time.Second),
		ProducerBatchSize:       getEnvAsInt("PRODUCER_BATCH_SIZE", 100),
		ProducerBatchTimeout:    getEnvAsDuration("PRODUCER_BATCH_TIMEOUT", 10*time.Millisecond),
		ProducerWriteTimeout:    getEnvAsDuration("PRODUCER_WRITE_TIMEOUT", 10*time.Second),
		ProducerDeliveryTimeout: getEnvAsDuration("PRODUCER_DELIVERY_TIMEOUT", 30*time.Second),

		OutboxPollInterval: getEnvAsDuration("OUTBOX_POLL_INTERVAL", 5*time.Second),
		OutboxPollTimeout:  getEnvAsDuration("OUTBOX_POLL_TIMEOUT", 30*time.Second),
		OutboxBatchSize:    getEnvAsInt("OUTBOX_BATCH_SIZE", 50),
	}
	if len(cfg.Kafka.Brokers()) == 0 {
		return nil, fmt.Errorf("KAFKA_BROKER_URL must list at least one broker")
	}
	if cfg.ProducerMaxAttempts < 1 {
		return nil, fmt.Errorf("invalid PRODUCER_MAX_ATTEMPTS %d", cfg.ProducerMaxAttempts)
	}
	return cfg, nil
}

type PaymentsConfig struct {
	ServiceName    string
	HTTPPort       int
	DB             DBConfig
	MigrationsPath string
	Kafka          KafkaConfig

	ConsumerGroup           string
	ConsumerProcessTimeout  time.Duration
	ConsumerRetryBackoffMin time.Duration
	ConsumerRetryBackoffMax time.Duration
	ConsumerPartitionBuffer int
	StoreTimeout            time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	DedupTTL      time.Duration

	GatewayDeclineAbove float64
}

func LoadPaymentsConfig() (*PaymentsConfig, error) {
	cfg := &PaymentsConfig{
		ServiceName:    getEnvOrDefault("SERVICE_NAME", "payments-service"),
		HTTPPort:       getEnvAsInt("PAYMENTS_HTTP_PORT", 8082),
		DB:             loadDBConfig("PAYMENTS", "payments_db"),
		MigrationsPath: getEnvOrDefault("MIGRATIONS_PATH", "file:///app/migrations/payments"),
		Kafka:          loadKafkaConfig(),

		ConsumerGroup:           getEnvOrDefault("KAFKA_CONSUMER_GROUP", "payments-order-events-group"),
		ConsumerProcessTimeout:  getEnvAsDuration("CONSUMER_PROCESS_TIMEOUT", 25*time.Second),
		ConsumerRetryBackoffMin: getEnvAsDuration("CONSUMER_RETRY_BACKOFF_MIN", 200*time.Millisecond),
		ConsumerRetryBackoffMax: getEnvAsDuration("CONSUMER_RETRY_BACKOFF_MAX", 30*time.Second),
		ConsumerPartitionBuffer: getEnvAsInt("CONSUMER_PARTITION_BUFFER", 64),
		StoreTimeout:            getEnvAsDuration("STORE_TIMEOUT", 5*time.Second),

		RedisAddr:     getEnvOrDefault("REDIS_ADDR", ""),
		RedisPassword: getEnvOrDefault("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),
		DedupTTL:      getEnvAsDuration("DEDUP_TTL", 24*time.Hour),

		GatewayDeclineAbove: getEnvAsFloat("GATEWAY_DECLINE_ABOVE", 10000),
	}
	if len(cfg.Kafka.Brokers()) == 0 {
		return nil, fmt.Errorf("KAFKA_BROKER_URL must list at least one broker")
	}
	if cfg.ConsumerGroup == "" {
		return nil, fmt.Errorf("KAFKA_CONSUMER_GROUP must not be empty")
	}
	return cfg, nil
}

type GatewayConfig struct {
	GatewayPort        int
	OrdersServiceURL   string
	PaymentsServiceURL string
	AllowedOrigins     []string

	// RateLimit is the number of requests one client IP may send per
	// RateLimitPeriod. Zero disables limiting.
	RateLimit       int64
	RateLimitPeriod time.Duration
}

func LoadGatewayConfig() (*GatewayConfig, error) {
	cfg := &GatewayConfig{
		GatewayPort:        getEnvAsInt("GATEWAY_PORT", 80),
		OrdersServiceURL:   getEnvOrDefault("ORDERS_SERVICE_HOST", "http://localhost:8081"),
		PaymentsServiceURL: getEnvOrDefault("PAYMENTS_SERVICE_HOST", "http://localhost:8082"),
		AllowedOrigins:     splitList(getEnvOrDefault("CORS_ALLOWED_ORIGINS", "*")),
		RateLimit:          int64(getEnvAsInt("GATEWAY_RATE_LIMIT", 100)),
		RateLimitPeriod:    getEnvAsDuration("GATEWAY_RATE_LIMIT_PERIOD", time.Second),
	}
	if cfg.GatewayPort <= 0 {
		return nil, fmt.Errorf("invalid GATEWAY_PORT %d", cfg.GatewayPort)
	}
	if cfg.RateLimit < 0 || cfg.RateLimitPeriod <= 0 {
		return nil, fmt.Errorf("invalid gateway rate limit %d per %s", cfg.RateLimit, cfg.RateLimitPeriod)
	}
	return cfg, nil
}

type DLQConfig struct {
	Kafka       KafkaConfig
	ReadTimeout time.Duration
}

func LoadDLQConfig() (*DLQConfig, error) {
	cfg := &DLQConfig{
		Kafka:       loadKafkaConfig(),
		ReadTimeout: getEnvAsDuration("DLQ_READ_TIMEOUT", 3*time.Second),
	}
	if len(cfg.Kafka.Brokers()) == 0 {
		return nil, fmt.Errorf("KAFKA_BROKER_URL must list at least one broker")
	}
	return cfg, nil
}
