package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/anoop387/event-driven-order-payment-system/internal/domain"
	"github.com/anoop387/event-driven-order-payment-system/internal/metrics"
	"github.com/anoop387/event-driven-order-payment-system/internal/tracing"
	"github.com/anoop387/event-driven-order-payment-system/internal/util"
)

// PaymentStore persists payment records with optimistic concurrency.
type PaymentStore interface {
	Get(ctx context.Context, orderKey string) (*domain.Payment, error)
	Create(ctx context.Context, p *domain.Payment) error
	Put(ctx context.Context, p *domain.Payment, expectedVersion int64) error
	List(ctx context.Context, filter domain.PaymentFilter) ([]*domain.Payment, error)
}

// A plan decides which actions to apply given the freshly loaded record
// (nil when the order has no payment yet). It runs again after a conflict.
type plan func(current *domain.Payment) ([]domain.PaymentAction, error)

// Service drives payment records from order events and operator commands.
// Every change goes through domain.ApplyPaymentAction.
type Service struct {
	store        PaymentStore
	gateway      PaymentGateway
	storeTimeout time.Duration
	logger       *zap.Logger
	metrics      *metrics.Metrics
	tracer       trace.Tracer

	now              func() time.Time
	newPaymentID     func() string
	newPaymentNumber func() string
}

func NewService(store PaymentStore, gateway PaymentGateway, storeTimeout time.Duration, logger *zap.Logger, m *metrics.Metrics) *Service {
	if storeTimeout <= 0 {
		storeTimeout = 5 * time.Second
	}
	return &Service{
		store:            store,
		gateway:          gateway,
		storeTimeout:     storeTimeout,
		logger:           logger,
		metrics:          m,
		tracer:           otel.Tracer(tracing.TracerName),
		now:              time.Now,
		newPaymentID:     util.GenerateUUID,
		newPaymentNumber: util.NewPaymentNumber,
	}
}

// HandleOrderEvent applies one order event to the payment of its order.
// It returns nil once the outcome is durable, including when the event
// carries nothing new. A non-nil error means the event must be redelivered.
func (s *Service) HandleOrderEvent(ctx context.Context, e domain.DomainEvent) error {
	ctx, span := s.tracer.Start(ctx, "payments.HandleOrderEvent", trace.WithAttributes(
		attribute.String("order.key", e.AggregateKey),
		attribute.String("order.event_id", e.EventID),
		attribute.String("order.event_type", string(e.EventType)),
	))
	defer span.End()

	logger := s.logger.With(
		zap.String("event_id", e.EventID),
		zap.String("order_key", e.AggregateKey),
		zap.String("event_type", string(e.EventType)),
	)

	p, err := s.mutate(ctx, e.AggregateKey, s.planForEvent(e))
	if err != nil {
		var rejected *domain.RejectedTransitionError
		if errors.As(err, &rejected) {
			logger.Info("Order event carries no applicable payment change",
				zap.String("action", rejected.Action),
				zap.String("payment_status", string(rejected.From)),
				zap.String("reason", rejected.Reason))
			return nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("Failed to apply order event to payment", zap.Error(err))
		return err
	}

	logger.Info("Order event applied to payment",
		zap.String("payment_id", p.ID),
		zap.String("payment_status", string(p.Status)),
		zap.Int64("version", p.Version))
	return nil
}

func (s *Service) planForEvent(e domain.DomainEvent) plan {
	return func(current *domain.Payment) ([]domain.PaymentAction, error) {
		if current == nil {
			actions := []domain.PaymentAction{domain.OpenPayment{
				PaymentID:     s.newPaymentID(),
				PaymentNumber: s.newPaymentNumber(),
				OrderKey:      e.AggregateKey,
				CustomerID:    e.Payload.CustomerID,
				Amount:        e.Payload.Amount,

				SourceUpdatedAt: e.Payload.UpdatedAt,
			}}
			if e.EventType == domain.EventOrderCancelled {
				actions = append(actions, domain.CancelPayment{})
			}
			return actions, nil
		}
		if e.EventType == domain.EventOrderCancelled {
			return []domain.PaymentAction{domain.CancelPayment{}}, nil
		}
		return []domain.PaymentAction{domain.AmendPayment{
			CustomerID:      e.Payload.CustomerID,
			Amount:          e.Payload.Amount,
			SourceUpdatedAt: e.Payload.UpdatedAt,
		}}, nil
	}
}

// ProcessPayment moves a pending payment to PROCESSING, charges it through
// the gateway and records the outcome. When the gateway cannot be reached the
// payment stays PROCESSING and a transient error is returned; an operator
// then completes or fails it explicitly.
func (s *Service) ProcessPayment(ctx context.Context, orderKey string) (*domain.Payment, error) {
	processing, err := s.mutate(ctx, orderKey, existing(domain.BeginProcessing{}))
	if err != nil {
		return nil, err
	}

	outcome, err := s.gateway.Charge(ctx, processing)
	if err != nil {
		s.logger.Warn("Payment gateway unavailable, payment left processing",
			zap.String("order_key", orderKey),
			zap.String("payment_id", processing.ID),
			zap.Error(err))
		return nil, fmt.Errorf("%w: payment gateway: %w", domain.ErrProcessingTransient, err)
	}
	if !outcome.Approved {
		return s.mutate(ctx, orderKey, existing(domain.FailPayment{Reason: outcome.DeclineReason}))
	}

	completed, err := s.mutate(ctx, orderKey, existing(domain.CompletePayment{TransactionID: outcome.TransactionID}))
	if err != nil {
		// The customer was charged; the transaction id must not be lost.
		s.logger.Error("Charge approved but payment could not be completed",
			zap.String("order_key", orderKey),
			zap.String("payment_id", processing.ID),
			zap.String("transaction_id", outcome.TransactionID),
			zap.Error(err))
		return nil, fmt.Errorf("charge %s approved for order %s: %w", outcome.TransactionID, orderKey, err)
	}
	return completed, nil
}

func (s *Service) CompletePayment(ctx context.Context, orderKey, transactionID string) (*domain.Payment, error) {
	return s.mutate(ctx, orderKey, existing(domain.CompletePayment{TransactionID: transactionID}))
}

func (s *Service) FailPayment(ctx context.Context, orderKey, reason string) (*domain.Payment, error) {
	return s.mutate(ctx, orderKey, existing(domain.FailPayment{Reason: reason}))
}

func (s *Service) RefundPayment(ctx context.Context, orderKey string) (*domain.Payment, error) {
	return s.mutate(ctx, orderKey, existing(domain.RefundPayment{}))
}

func (s *Service) CancelPayment(ctx context.Context, orderKey string) (*domain.Payment, error) {
	return s.mutate(ctx, orderKey, existing(domain.CancelPayment{}))
}

func (s *Service) GetPayment(ctx context.Context, orderKey string) (*domain.Payment, error) {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	return s.store.Get(ctx, orderKey)
}

func (s *Service) ListPayments(ctx context.Context, filter domain.PaymentFilter) ([]*domain.Payment, error) {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	return s.store.List(ctx, filter)
}

func existing(action domain.PaymentAction) plan {
	return func(current *domain.Payment) ([]domain.PaymentAction, error) {
		if current == nil {
			return nil, domain.ErrPaymentNotFound
		}
		return []domain.PaymentAction{action}, nil
	}
}

// mutate loads the record, applies the planned actions and writes the result
// conditionally on the loaded version. A lost race is retried once from a
// fresh read; a second loss is reported as transient.
func (s *Service) mutate(ctx context.Context, orderKey string, p plan) (*domain.Payment, error) {
	for attempt := 1; attempt <= 2; attempt++ {
		current, err := s.load(ctx, orderKey)
		if err != nil {
			return nil, err
		}
		actions, err := p(current)
		if err != nil {
			return nil, err
		}

		next := current
		transitions := make([]domain.Transition, 0, len(actions))
		for _, action := range actions {
			applied, tr, err := domain.ApplyPaymentAction(next, action, domain.TransitionContext{Now: s.now()})
			if err != nil {
				s.metrics.Rejected(action.Name())
				return nil, err
			}
			next = applied
			transitions = append(transitions, tr)
		}

		err = s.persist(ctx, current, next)
		if err == nil {
			for _, tr := range transitions {
				s.metrics.Transition(string(tr.From), string(tr.To))
				s.logger.Debug("Payment transition applied",
					zap.String("order_key", orderKey),
					zap.String("action", tr.Action),
					zap.String("from", string(tr.From)),
					zap.String("to", string(tr.To)))
			}
			return next, nil
		}
		if errors.Is(err, domain.ErrVersionConflict) || errors.Is(err, domain.ErrPaymentAlreadyExists) {
			s.logger.Warn("Concurrent payment update detected, reloading",
				zap.String("order_key", orderKey), zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrProcessingTransient, err)
	}
	return nil, fmt.Errorf("%w: payment %s kept changing concurrently", domain.ErrProcessingTransient, orderKey)
}

func (s *Service) load(ctx context.Context, orderKey string) (*domain.Payment, error) {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	current, err := s.store.Get(ctx, orderKey)
	if errors.Is(err, domain.ErrPaymentNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrProcessingTransient, err)
	}
	return current, nil
}

func (s *Service) persist(ctx context.Context, current, next *domain.Payment) error {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	if current == nil {
		return s.store.Create(ctx, next)
	}
	return s.store.Put(ctx, next, current.Version)
}
