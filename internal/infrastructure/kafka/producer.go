package kafka_infra

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/anoop387/event-driven-order-payment-system/internal/domain"
	"github.com/anoop387/event-driven-order-payment-system/internal/event"
	"github.com/anoop387/event-driven-order-payment-system/internal/metrics"
	"github.com/anoop387/event-driven-order-payment-system/internal/tracing"
)

// HeaderEventID is stable across republishes and is what consumers
// deduplicate on. HeaderPublishID is minted per Publish call and only pairs a
// writer completion with its Delivery; it says nothing about duplicates.
const (
	HeaderEventID   = "event-id"
	HeaderEventType = "event-type"
	HeaderPublishID = "publish-id"
)

var (
	// ErrDeliveryFailed means the broker did not durably accept the event
	// within the retry budget or the delivery timeout.
	ErrDeliveryFailed  = errors.New("event delivery failed")
	ErrDeliveryTimeout = errors.New("delivery timed out")
	ErrProducerClosed  = errors.New("event producer closed")
)

type DeliveryResult struct {
	EventID      string
	AggregateKey string
	EventType    domain.EventType
	Topic        string
	Partition    int
	Offset       int64
	Err          error
}

// Delivery is the pending outcome of one Publish call. It is resolved exactly
// once, from a writer goroutine or the delivery timer.
type Delivery struct {
	done   chan struct{}
	once   sync.Once
	result DeliveryResult
}

func newDelivery(initial DeliveryResult) *Delivery {
	return &Delivery{done: make(chan struct{}), result: initial}
}

// ResolvedDelivery returns a Delivery that is already settled with res.
func ResolvedDelivery(res DeliveryResult) *Delivery {
	d := newDelivery(res)
	d.resolve(res)
	return d
}

func (d *Delivery) resolve(res DeliveryResult) {
	d.once.Do(func() {
		d.result = res
		close(d.done)
	})
}

func (d *Delivery) Done() <-chan struct{} { return d.done }

// Result returns the outcome. It must only be called after Done is closed.
func (d *Delivery) Result() DeliveryResult {
	<-d.done
	return d.result
}

// Wait blocks until the delivery resolves or ctx ends. A ctx error does not
// change the delivery outcome, which is still reported later through Done.
func (d *Delivery) Wait(ctx context.Context) (DeliveryResult, error) {
	select {
	case <-d.done:
		return d.result, d.result.Err
	case <-ctx.Done():
		return DeliveryResult{}, ctx.Err()
	}
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type ProducerConfig struct {
	Brokers         []string
	Topic           string
	MaxAttempts     int
	BackoffMin      time.Duration
	BackoffMax      time.Duration
	BatchSize       int
	BatchTimeout    time.Duration
	WriteTimeout    time.Duration
	DeliveryTimeout time.Duration
}

type pendingDelivery struct {
	delivery *Delivery
	timer    *time.Timer
}

// EventProducer publishes order domain events keyed by aggregate key.
// It is safe for concurrent use.
type EventProducer struct {
	writer          messageWriter
	topic           string
	deliveryTimeout time.Duration
	logger          *zap.Logger
	metrics         *metrics.Metrics

	mu      sync.Mutex
	pending map[string]*pendingDelivery
	closed  bool
}

func NewEventProducer(cfg ProducerConfig, logger *zap.Logger, m *metrics.Metrics) *EventProducer {
	p := newEventProducer(nil, cfg.Topic, cfg.DeliveryTimeout, logger, m)
	p.writer = &kafka.Writer{
		Addr:     kafka.TCP(cfg.Brokers...),
		Topic:    cfg.Topic,
		Balancer: &kafka.Hash{},
		// All in-sync replicas must have the batch before it counts as delivered.
		RequiredAcks:    kafka.RequireAll,
		MaxAttempts:     cfg.MaxAttempts,
		WriteBackoffMin: cfg.BackoffMin,
		WriteBackoffMax: cfg.BackoffMax,
		BatchSize:       cfg.BatchSize,
		BatchTimeout:    cfg.BatchTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		Async:           true,
		Completion:      p.complete,
		Logger:          kafka.LoggerFunc(logger.Sugar().Debugf),
		ErrorLogger:     kafka.LoggerFunc(logger.Sugar().Errorf),
	}
	return p
}

func newEventProducer(w messageWriter, topic string, deliveryTimeout time.Duration, logger *zap.Logger, m *metrics.Metrics) *EventProducer {
	if deliveryTimeout <= 0 {
		deliveryTimeout = 30 * time.Second
	}
	return &EventProducer{
		writer:          w,
		topic:           topic,
		deliveryTimeout: deliveryTimeout,
		logger:          logger,
		metrics:         m,
		pending:         make(map[string]*pendingDelivery),
	}
}

// Publish encodes e and hands it to the writer before returning, so a nil
// error means the event is on its way. The broker outcome arrives later
// through the returned Delivery.
func (p *EventProducer) Publish(ctx context.Context, e domain.DomainEvent) (*Delivery, error) {
	payload, err := event.Encode(e)
	if err != nil {
		p.logger.Error("Failed to encode order event",
			zap.String("event_id", e.EventID),
			zap.String("aggregate_key", e.AggregateKey),
			zap.Error(err),
		)
		p.metrics.Published(string(e.EventType), "encode_error")
		return nil, err
	}

	publishID := uuid.NewString()
	headers := []kafka.Header{
		{Key: HeaderEventID, Value: []byte(e.EventID)},
		{Key: HeaderEventType, Value: []byte(e.EventType)},
		{Key: HeaderPublishID, Value: []byte(publishID)},
	}
	msg := kafka.Message{
		Key:     []byte(e.AggregateKey),
		Value:   payload,
		Headers: tracing.InjectKafkaHeaders(ctx, headers),
	}

	d := newDelivery(DeliveryResult{
		EventID:      e.EventID,
		AggregateKey: e.AggregateKey,
		EventType:    e.EventType,
		Topic:        p.topic,
		Partition:    -1,
		Offset:       -1,
	})

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrProducerClosed
	}
	entry := &pendingDelivery{delivery: d}
	p.pending[publishID] = entry
	entry.timer = time.AfterFunc(p.deliveryTimeout, func() { p.expire(publishID) })
	p.mu.Unlock()

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.take(publishID)
		p.logger.Error("Failed to hand order event to Kafka writer",
			zap.String("event_id", e.EventID),
			zap.String("aggregate_key", e.AggregateKey),
			zap.Error(err),
		)
		p.metrics.Published(string(e.EventType), "failed")
		return nil, fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}

	p.logger.Debug("Order event handed to Kafka writer",
		zap.String("event_id", e.EventID),
		zap.String("aggregate_key", e.AggregateKey),
		zap.String("event_type", string(e.EventType)),
	)
	return d, nil
}

// PublishAndWait publishes e and waits for the broker outcome.
func (p *EventProducer) PublishAndWait(ctx context.Context, e domain.DomainEvent) (DeliveryResult, error) {
	d, err := p.Publish(ctx, e)
	if err != nil {
		return DeliveryResult{EventID: e.EventID, AggregateKey: e.AggregateKey, EventType: e.EventType, Err: err}, err
	}
	return d.Wait(ctx)
}

func (p *EventProducer) take(publishID string) *Delivery {
	p.mu.Lock()
	entry, ok := p.pending[publishID]
	if ok {
		delete(p.pending, publishID)
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}
	entry.timer.Stop()
	return entry.delivery
}

// complete is the kafka-go Completion callback. It runs on writer goroutines.
func (p *EventProducer) complete(messages []kafka.Message, err error) {
	for _, msg := range messages {
		d := p.take(tracing.HeaderValue(msg.Headers, HeaderPublishID))
		if d == nil {
			// Already resolved by the delivery timer.
			continue
		}
		res := d.result
		if err != nil {
			res.Err = fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
			p.logger.Error("Failed to deliver order event to Kafka",
				zap.String("event_id", res.EventID),
				zap.String("aggregate_key", res.AggregateKey),
				zap.Error(err),
			)
			p.metrics.Published(string(res.EventType), "failed")
		} else {
			res.Partition = msg.Partition
			res.Offset = msg.Offset
			p.logger.Debug("Order event delivered to Kafka",
				zap.String("event_id", res.EventID),
				zap.String("aggregate_key", res.AggregateKey),
				zap.Int("partition", msg.Partition),
			)
			p.metrics.Published(string(res.EventType), "delivered")
		}
		d.resolve(res)
	}
}

func (p *EventProducer) expire(publishID string) {
	p.mu.Lock()
	entry, ok := p.pending[publishID]
	if ok {
		delete(p.pending, publishID)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	res := entry.delivery.result
	res.Err = fmt.Errorf("%w: %w after %s", ErrDeliveryFailed, ErrDeliveryTimeout, p.deliveryTimeout)
	p.logger.Error("Order event delivery timed out",
		zap.String("event_id", res.EventID),
		zap.String("aggregate_key", res.AggregateKey),
		zap.Duration("timeout", p.deliveryTimeout),
	)
	p.metrics.Published(string(res.EventType), "timeout")
	entry.delivery.resolve(res)
}

// Close flushes buffered events and fails deliveries that are still pending.
func (p *EventProducer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	closeErr := p.writer.Close()

	p.mu.Lock()
	leftovers := p.pending
	p.pending = make(map[string]*pendingDelivery)
	p.mu.Unlock()
	for _, entry := range leftovers {
		entry.timer.Stop()
		res := entry.delivery.result
		res.Err = fmt.Errorf("%w: %w", ErrDeliveryFailed, ErrProducerClosed)
		entry.delivery.resolve(res)
	}

	if closeErr != nil {
		p.logger.Error("Failed to close Kafka producer", zap.Error(closeErr))
		return fmt.Errorf("failed to close Kafka producer: %w", closeErr)
	}
	p.logger.Info("Kafka producer closed.", zap.Int("abandoned_deliveries", len(leftovers)))
	return nil
}
