package kafka

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/anoop387/event-driven-order-payment-system/internal/domain"
	kafka_infra "github.com/anoop387/event-driven-order-payment-system/internal/infrastructure/kafka"
)

type OrderEventService interface {
	HandleOrderEvent(ctx context.Context, e domain.DomainEvent) error
}

// OrderEventHandler feeds decoded order events into the payment service.
// A returned error leaves the offset uncommitted so the event is retried.
func OrderEventHandler(paymentService OrderEventService, logger *zap.Logger) kafka_infra.HandlerFunc {
	return func(ctx context.Context, e domain.DomainEvent) error {
		logger.Debug("Received order event",
			zap.String("event_id", e.EventID),
			zap.String("event_type", string(e.EventType)),
			zap.String("order_key", e.AggregateKey),
			zap.String("order_status", string(e.Payload.Status)),
		)

		if err := paymentService.HandleOrderEvent(ctx, e); err != nil {
			return fmt.Errorf("failed to process %s event for order %s: %w", e.EventType, e.AggregateKey, err)
		}
		return nil
	}
}
