package outbox

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/anoop387/event-driven-order-payment-system/internal/domain"
	"github.com/anoop387/event-driven-order-payment-system/internal/event"
	kafka_infra "github.com/anoop387/event-driven-order-payment-system/internal/infrastructure/kafka"
	"github.com/anoop387/event-driven-order-payment-system/internal/metrics"
)

type OutboxRepository interface {
	ProcessPending(ctx context.Context, limit int, publish func(context.Context, domain.OutboxMessage) error) (sent, failed int, err error)
}

type EventPublisher interface {
	PublishAndWait(ctx context.Context, e domain.DomainEvent) (kafka_infra.DeliveryResult, error)
}

// Processor republishes order events that could not be delivered when their
// change was committed. The stored bytes are decoded and sent again, so the
// event keeps its original id and consumers can recognise duplicates.
type Processor struct {
	outboxRepo   OutboxRepository
	publisher    EventPublisher
	pollInterval time.Duration
	pollTimeout  time.Duration
	batchSize    int
	logger       *zap.Logger
	metrics      *metrics.Metrics
}

func NewProcessor(
	outboxRepo OutboxRepository,
	publisher EventPublisher,
	pollInterval time.Duration,
	pollTimeout time.Duration,
	batchSize int,
	logger *zap.Logger,
	m *metrics.Metrics,
) *Processor {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Processor{
		outboxRepo:   outboxRepo,
		publisher:    publisher,
		pollInterval: pollInterval,
		pollTimeout:  pollTimeout,
		batchSize:    batchSize,
		logger:       logger,
		metrics:      m,
	}
}

// Start polls until ctx is cancelled.
func (p *Processor) Start(ctx context.Context) {
	p.logger.Info("Starting outbox processor...", zap.Duration("poll_interval", p.pollInterval))
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Outbox processor stopped.")
			return
		case <-ticker.C:
			if _, _, err := p.ProcessOnce(ctx); err != nil {
				p.logger.Error("Failed to process outbox messages", zap.Error(err))
			}
		}
	}
}

// ProcessOnce republishes one batch of pending messages.
func (p *Processor) ProcessOnce(ctx context.Context) (sent, failed int, err error) {
	pollCtx, cancel := context.WithTimeout(ctx, p.pollTimeout)
	defer cancel()

	sent, failed, err = p.outboxRepo.ProcessPending(pollCtx, p.batchSize, p.republish)
	if err != nil {
		return 0, 0, err
	}
	if sent+failed > 0 {
		p.logger.Info("Processed outbox messages", zap.Int("sent", sent), zap.Int("failed", failed))
	}
	return sent, failed, nil
}

func (p *Processor) republish(ctx context.Context, msg domain.OutboxMessage) error {
	e, err := event.Decode(msg.Payload)
	if err != nil {
		p.logger.Error("Stored outbox event is unreadable",
			zap.String("message_id", msg.ID),
			zap.String("event_id", msg.EventID),
			zap.Error(err))
		p.metrics.Republished("failed")
		return fmt.Errorf("decode stored event: %w", err)
	}

	if _, err := p.publisher.PublishAndWait(ctx, e); err != nil {
		p.logger.Warn("Failed to republish order event",
			zap.String("message_id", msg.ID),
			zap.String("event_id", e.EventID),
			zap.Int("previous_attempts", msg.Attempts),
			zap.Error(err))
		p.metrics.Republished("failed")
		return err
	}

	p.logger.Info("Order event republished",
		zap.String("message_id", msg.ID),
		zap.String("event_id", e.EventID),
		zap.String("aggregate_key", e.AggregateKey))
	p.metrics.Republished("sent")
	return nil
}
