package kafka_infra

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/anoop387/event-driven-order-payment-system/internal/domain"
	"github.com/anoop387/event-driven-order-payment-system/internal/event"
	"github.com/anoop387/event-driven-order-payment-system/internal/metrics"
	"github.com/anoop387/event-driven-order-payment-system/internal/tracing"
)

// Handler processes one decoded order event. A nil return lets the consumer
// commit the message. Any error leaves it uncommitted and it is retried.
type Handler interface {
	Process(ctx context.Context, e domain.DomainEvent) error
}

type HandlerFunc func(ctx context.Context, e domain.DomainEvent) error

func (f HandlerFunc) Process(ctx context.Context, e domain.DomainEvent) error { return f(ctx, e) }

type DeadLetterSink interface {
	Send(ctx context.Context, dlm DeadLetterMessage) error
}

// Deduplicator short-circuits redeliveries of events that were already
// processed. It is an optimisation. Handlers stay idempotent without it.
type Deduplicator interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, eventID string) error
}

// consumerGroup hands out partition assignments one generation at a time.
type consumerGroup interface {
	Next(ctx context.Context) (generation, error)
	Close() error
}

// generation is one group membership period. Functions passed to Start are
// cancelled when the group rebalances.
type generation interface {
	Partitions() []kafka.PartitionAssignment
	Start(fn func(ctx context.Context))
	CommitOffset(partition int, offset int64) error
}

type partitionReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type ConsumerConfig struct {
	Brokers         []string
	Topic           string
	GroupID         string
	ProcessTimeout  time.Duration
	RetryBackoffMin time.Duration
	RetryBackoffMax time.Duration
	// PartitionBuffer is the prefetch queue of each partition reader.
	PartitionBuffer int
}

func (c ConsumerConfig) withDefaults() ConsumerConfig {
	if c.ProcessTimeout <= 0 {
		c.ProcessTimeout = 25 * time.Second
	}
	if c.RetryBackoffMin <= 0 {
		c.RetryBackoffMin = 200 * time.Millisecond
	}
	if c.RetryBackoffMax < c.RetryBackoffMin {
		c.RetryBackoffMax = 30 * time.Second
	}
	if c.PartitionBuffer <= 0 {
		c.PartitionBuffer = 64
	}
	return c
}

type ConsumerOption func(*EventConsumer)

func WithDeduplicator(d Deduplicator) ConsumerOption {
	return func(c *EventConsumer) { c.dedup = d }
}

// EventConsumer reads order events as part of a consumer group with
// at-least-once semantics. Every assigned partition has its own reader and
// worker, so a partition stuck on a failing message stops only itself, while
// messages within one partition are handled strictly in offset order.
type EventConsumer struct {
	group       consumerGroup
	openReader  func(partition int, offset int64) partitionReader
	handler     Handler
	deadLetters DeadLetterSink
	dedup       Deduplicator
	cfg         ConsumerConfig
	logger      *zap.Logger
	metrics     *metrics.Metrics
	tracer      trace.Tracer
	now         func() time.Time
}

func NewEventConsumer(cfg ConsumerConfig, handler Handler, deadLetters DeadLetterSink, logger *zap.Logger, m *metrics.Metrics, opts ...ConsumerOption) (*EventConsumer, error) {
	cfg = cfg.withDefaults()
	group, err := kafka.NewConsumerGroup(kafka.ConsumerGroupConfig{
		ID:          cfg.GroupID,
		Brokers:     cfg.Brokers,
		Topics:      []string{cfg.Topic},
		StartOffset: kafka.FirstOffset,
		Logger:      kafka.LoggerFunc(logger.Sugar().Debugf),
		ErrorLogger: kafka.LoggerFunc(logger.Sugar().Errorf),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group %s: %w", cfg.GroupID, err)
	}

	openReader := func(partition int, offset int64) partitionReader {
		r := kafka.NewReader(kafka.ReaderConfig{
			Brokers:       cfg.Brokers,
			Topic:         cfg.Topic,
			Partition:     partition,
			MinBytes:      10e3,
			MaxBytes:      10e6,
			MaxWait:       500 * time.Millisecond,
			QueueCapacity: cfg.PartitionBuffer,
			Logger:        kafka.LoggerFunc(logger.Sugar().Debugf),
			ErrorLogger:   kafka.LoggerFunc(logger.Sugar().Errorf),
		})
		if err := r.SetOffset(offset); err != nil {
			logger.Error("Failed to set partition offset", zap.Int("partition", partition), zap.Int64("offset", offset), zap.Error(err))
		}
		return r
	}
	return newEventConsumer(kafkaGroup{group: group, topic: cfg.Topic}, openReader, cfg, handler, deadLetters, logger, m, opts...), nil
}

func newEventConsumer(
	group consumerGroup,
	openReader func(partition int, offset int64) partitionReader,
	cfg ConsumerConfig,
	handler Handler,
	deadLetters DeadLetterSink,
	logger *zap.Logger,
	m *metrics.Metrics,
	opts ...ConsumerOption,
) *EventConsumer {
	c := &EventConsumer{
		group:       group,
		openReader:  openReader,
		handler:     handler,
		deadLetters: deadLetters,
		cfg:         cfg.withDefaults(),
		logger:      logger,
		metrics:     m,
		tracer:      otel.Tracer(tracing.TracerName),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run consumes until ctx is cancelled. On cancellation no new message is
// started, in-flight handlers run to completion and commit, and then the
// group is left so the partitions can be reassigned.
func (c *EventConsumer) Run(ctx context.Context) error {
	c.logger.Info("Kafka consumer starting message consumption",
		zap.String("topic", c.cfg.Topic),
		zap.String("group_id", c.cfg.GroupID),
	)

	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		if err := c.group.Close(); err != nil {
			c.logger.Error("Failed to close Kafka consumer group", zap.Error(err), zap.String("topic", c.cfg.Topic))
		}
		c.logger.Info("Kafka consumer stopped.", zap.String("topic", c.cfg.Topic))
	}()

	for {
		gen, err := c.group.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, kafka.ErrGroupClosed) {
				c.logger.Info("Consumer stopping due to context cancellation or group closure.", zap.Error(err))
				return nil
			}
			c.logger.Error("Error joining consumer group", zap.Error(err), zap.String("topic", c.cfg.Topic))
			if !sleepContext(ctx, time.Second) {
				return nil
			}
			continue
		}

		assigned := gen.Partitions()
		ids := make([]int, 0, len(assigned))
		for _, a := range assigned {
			ids = append(ids, a.ID)
		}
		c.logger.Info("Partitions assigned", zap.Ints("partitions", ids))

		for _, a := range assigned {
			a := a
			wg.Add(1)
			gen.Start(func(genCtx context.Context) {
				defer wg.Done()
				c.consumePartition(ctx, genCtx, gen, a)
			})
		}
	}
}

// consumePartition reads one partition until shutdown or until the group
// rebalances. The reader only fetches as fast as this worker handles
// messages.
func (c *EventConsumer) consumePartition(ctx, genCtx context.Context, gen generation, a kafka.PartitionAssignment) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(genCtx, cancel)
	defer stop()

	logger := c.logger.With(zap.Int("partition", a.ID))
	r := c.openReader(a.ID, a.Offset)
	defer func() {
		if err := r.Close(); err != nil {
			logger.Error("Failed to close partition reader", zap.Error(err))
		}
	}()

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				logger.Info("Partition released")
				return
			}
			logger.Error("Error fetching message from Kafka", zap.Error(err))
			if !sleepContext(ctx, time.Second) {
				return
			}
			continue
		}
		c.handleWithRetry(ctx, logger, gen, m)
	}
}

func (c *EventConsumer) handleWithRetry(ctx context.Context, logger *zap.Logger, gen generation, m kafka.Message) {
	backoff := c.cfg.RetryBackoffMin
	for attempt := 1; ; attempt++ {
		err := c.handleMessage(ctx, gen, m)
		if err == nil {
			return
		}
		logger.Warn("Failed to handle Kafka message, will retry",
			zap.Int64("offset", m.Offset),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		c.metrics.Consumed("retry")

		if !sleepContext(ctx, backoff) {
			logger.Info("Releasing partition with message uncommitted", zap.Int64("offset", m.Offset))
			return
		}
		backoff *= 2
		if backoff > c.cfg.RetryBackoffMax {
			backoff = c.cfg.RetryBackoffMax
		}
	}
}

// handleMessage makes one attempt at a message and commits it on success.
func (c *EventConsumer) handleMessage(ctx context.Context, gen generation, m kafka.Message) error {
	// In-flight work survives shutdown, bounded by the process timeout.
	msgCtx := tracing.ExtractKafkaHeaders(context.WithoutCancel(ctx), m.Headers)
	msgCtx, cancel := context.WithTimeout(msgCtx, c.cfg.ProcessTimeout)
	defer cancel()

	e, err := event.Decode(m.Value)
	if err != nil {
		if err := c.deadLetters.Send(msgCtx, NewDeadLetterMessage(m, err, c.now())); err != nil {
			return fmt.Errorf("dead-letter message at offset %d: %w", m.Offset, err)
		}
		c.metrics.DeadLettered()
		c.metrics.Consumed("dead_lettered")
		return c.commit(gen, m)
	}

	msgCtx, span := c.tracer.Start(msgCtx, "order_events process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination.name", m.Topic),
			attribute.Int("messaging.kafka.partition", m.Partition),
			attribute.Int64("messaging.kafka.offset", m.Offset),
			attribute.String("order.event_id", e.EventID),
			attribute.String("order.event_type", string(e.EventType)),
		),
	)
	defer span.End()

	if c.dedup != nil {
		seen, err := c.dedup.Seen(msgCtx, e.EventID)
		if err != nil {
			c.logger.Warn("Dedupe lookup failed, processing anyway", zap.String("event_id", e.EventID), zap.Error(err))
		} else if seen {
			c.logger.Debug("Skipping already processed event", zap.String("event_id", e.EventID))
			c.metrics.Consumed("duplicate")
			return c.commit(gen, m)
		}
	}

	if err := c.handler.Process(msgCtx, e); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("process event %s: %w", e.EventID, err)
	}

	if c.dedup != nil {
		if err := c.dedup.MarkProcessed(msgCtx, e.EventID); err != nil {
			c.logger.Warn("Failed to record processed event", zap.String("event_id", e.EventID), zap.Error(err))
		}
	}
	c.metrics.Consumed("processed")
	return c.commit(gen, m)
}

// commit stores the offset after m, the next one the group reads.
func (c *EventConsumer) commit(gen generation, m kafka.Message) error {
	if err := gen.CommitOffset(m.Partition, m.Offset+1); err != nil {
		return fmt.Errorf("commit offset %d: %w", m.Offset, err)
	}
	return nil
}

type kafkaGroup struct {
	group *kafka.ConsumerGroup
	topic string
}

func (g kafkaGroup) Next(ctx context.Context) (generation, error) {
	gen, err := g.group.Next(ctx)
	if err != nil {
		return nil, err
	}
	return kafkaGeneration{gen: gen, topic: g.topic}, nil
}

func (g kafkaGroup) Close() error { return g.group.Close() }

type kafkaGeneration struct {
	gen   *kafka.Generation
	topic string
}

func (g kafkaGeneration) Partitions() []kafka.PartitionAssignment { return g.gen.Assignments[g.topic] }

func (g kafkaGeneration) Start(fn func(ctx context.Context)) { g.gen.Start(fn) }

func (g kafkaGeneration) CommitOffset(partition int, offset int64) error {
	return g.gen.CommitOffsets(map[string]map[int]int64{g.topic: {partition: offset}})
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
