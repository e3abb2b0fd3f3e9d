package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/anoop387/event-driven-order-payment-system/internal/domain"
	"github.com/anoop387/event-driven-order-payment-system/internal/event"
	kafka_infra "github.com/anoop387/event-driven-order-payment-system/internal/infrastructure/kafka"
	"github.com/anoop387/event-driven-order-payment-system/internal/util"
)

type OrderRepository interface {
	Create(ctx context.Context, o *domain.Order) error
	GetByID(ctx context.Context, id string) (*domain.Order, error)
	GetByNumber(ctx context.Context, orderNumber string) (*domain.Order, error)
	List(ctx context.Context, filter domain.OrderFilter) ([]*domain.Order, error)
	Update(ctx context.Context, o *domain.Order) error
	Delete(ctx context.Context, id string) error
}

type EventPublisher interface {
	Publish(ctx context.Context, e domain.DomainEvent) (*kafka_infra.Delivery, error)
}

// ReconciliationQueue stores events whose delivery failed so they can be
// republished later. While an order has queued events, its newer events are
// queued behind them so they reach the topic in order.
type ReconciliationQueue interface {
	Enqueue(ctx context.Context, msg *domain.OutboxMessage) error
	HasPending(ctx context.Context, aggregateKey string) (bool, error)
}

type OrderService struct {
	orderRepo OrderRepository
	publisher EventPublisher
	outbox    ReconciliationQueue
	source    string
	logger    *zap.Logger
	now       func() time.Time
}

func NewOrderService(orderRepo OrderRepository, publisher EventPublisher, outbox ReconciliationQueue, source string, logger *zap.Logger) *OrderService {
	return &OrderService{
		orderRepo: orderRepo,
		publisher: publisher,
		outbox:    outbox,
		source:    source,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *OrderService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*OrderResponse, error) {
	order, err := domain.NewOrder(util.GenerateUUID(), util.NewOrderNumber(), req.CustomerID, req.Amount, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.orderRepo.Create(ctx, order); err != nil {
		s.logger.Error("Failed to save order", zap.String("order_id", order.ID), zap.Error(err))
		return nil, err
	}
	s.logger.Info("Order created", zap.String("order_id", order.ID), zap.String("order_number", order.OrderNumber))

	return s.publishChange(ctx, order, domain.EventOrderCreated)
}

func (s *OrderService) GetOrder(ctx context.Context, orderID string) (*OrderResponse, error) {
	order, err := s.orderRepo.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return mapOrderToResponse(order), nil
}

func (s *OrderService) GetOrderByNumber(ctx context.Context, orderNumber string) (*OrderResponse, error) {
	order, err := s.orderRepo.GetByNumber(ctx, orderNumber)
	if err != nil {
		return nil, err
	}
	return mapOrderToResponse(order), nil
}

func (s *OrderService) ListOrders(ctx context.Context, filter domain.OrderFilter) ([]*OrderResponse, error) {
	orders, err := s.orderRepo.List(ctx, filter)
	if err != nil {
		s.logger.Error("Failed to list orders", zap.Error(err))
		return nil, err
	}
	return mapOrdersToResponse(orders), nil
}

func (s *OrderService) UpdateOrder(ctx context.Context, orderID string, req *UpdateOrderRequest) (*OrderResponse, error) {
	order, err := s.orderRepo.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := order.Amend(req.CustomerID, req.Amount, s.now()); err != nil {
		return nil, err
	}
	if err := s.orderRepo.Update(ctx, order); err != nil {
		s.logger.Error("Failed to update order", zap.String("order_id", order.ID), zap.Error(err))
		return nil, err
	}
	return s.publishChange(ctx, order, domain.EventOrderUpdated)
}

func (s *OrderService) UpdateOrderStatus(ctx context.Context, orderID, status string) (*OrderResponse, error) {
	target, err := domain.ParseOrderStatus(status)
	if err != nil {
		return nil, err
	}
	order, err := s.orderRepo.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	previous := order.Status
	if err := order.MoveTo(target, s.now()); err != nil {
		return nil, err
	}
	if err := s.orderRepo.Update(ctx, order); err != nil {
		s.logger.Error("Failed to update order status", zap.String("order_id", order.ID), zap.Error(err))
		return nil, err
	}
	s.logger.Info("Order status updated",
		zap.String("order_id", order.ID),
		zap.String("old_status", string(previous)),
		zap.String("new_status", string(order.Status)))
	return s.publishChange(ctx, order, domain.EventTypeForStatus(order.Status))
}

// DeleteOrder removes the order row. No event is emitted, so an existing
// payment keeps its last known state.
func (s *OrderService) DeleteOrder(ctx context.Context, orderID string) error {
	if err := s.orderRepo.Delete(ctx, orderID); err != nil {
		return err
	}
	s.logger.Info("Order deleted", zap.String("order_id", orderID))
	return nil
}

// ResendOrderEvents republishes the current state of every order matching
// filter. Events are published concurrently and then awaited one by one.
func (s *OrderService) ResendOrderEvents(ctx context.Context, filter domain.OrderFilter) (*BulkResendResponse, error) {
	orders, err := s.orderRepo.List(ctx, filter)
	if err != nil {
		return nil, err
	}

	type pending struct {
		order    *domain.Order
		delivery *kafka_infra.Delivery
		err      error
	}
	inFlight := make([]pending, 0, len(orders))
	var queued []*domain.Order
	for _, o := range orders {
		e := domain.NewDomainEvent(domain.EventTypeForStatus(o.Status), o.Snapshot(), s.source, s.now())
		if s.queuedBehind(ctx, e) {
			if err := s.enqueue(ctx, e, errEarlierEventQueued); err != nil {
				inFlight = append(inFlight, pending{order: o, err: err})
				continue
			}
			queued = append(queued, o)
			continue
		}
		d, err := s.publisher.Publish(ctx, e)
		inFlight = append(inFlight, pending{order: o, delivery: d, err: err})
	}

	resp := &BulkResendResponse{
		TotalOrders:      len(orders),
		SuccessfulOrders: []*OrderResponse{},
		FailedOrders:     []FailedOrderInfo{},
	}
	for _, o := range queued {
		r := mapOrderToResponse(o)
		r.EventStatus = EventStatusReconciliationPending
		resp.SuccessfulOrders = append(resp.SuccessfulOrders, r)
	}
	for _, p := range inFlight {
		err := p.err
		if err == nil {
			_, err = p.delivery.Wait(ctx)
		}
		if err != nil {
			resp.FailedOrders = append(resp.FailedOrders, FailedOrderInfo{
				OrderID:      p.order.ID,
				OrderNumber:  p.order.OrderNumber,
				ErrorMessage: err.Error(),
			})
			continue
		}
		r := mapOrderToResponse(p.order)
		r.EventStatus = EventStatusPublished
		resp.SuccessfulOrders = append(resp.SuccessfulOrders, r)
	}
	resp.SuccessfulSends = len(resp.SuccessfulOrders)
	resp.FailedSends = len(resp.FailedOrders)
	resp.Message = fmt.Sprintf("resent %d of %d order events", resp.SuccessfulSends, resp.TotalOrders)

	s.logger.Info("Order events resent",
		zap.Int("total", resp.TotalOrders),
		zap.Int("successful", resp.SuccessfulSends),
		zap.Int("failed", resp.FailedSends))
	return resp, nil
}

var errEarlierEventQueued = errors.New("an earlier event for this order is awaiting reconciliation")

// publishChange emits the event for a committed change and waits for the
// broker. A failed delivery is queued for reconciliation instead of failing
// the request, since the change itself is already durable.
func (s *OrderService) publishChange(ctx context.Context, order *domain.Order, eventType domain.EventType) (*OrderResponse, error) {
	resp := mapOrderToResponse(order)
	e := domain.NewDomainEvent(eventType, order.Snapshot(), s.source, s.now())

	if s.queuedBehind(ctx, e) {
		if err := s.enqueue(ctx, e, errEarlierEventQueued); err != nil {
			return nil, err
		}
		resp.EventStatus = EventStatusReconciliationPending
		return resp, nil
	}

	d, err := s.publisher.Publish(ctx, e)
	if err == nil {
		_, err = d.Wait(ctx)
	}
	if err == nil {
		resp.EventStatus = EventStatusPublished
		return resp, nil
	}

	var encErr *event.EncodeError
	if errors.As(err, &encErr) {
		s.logger.Error("Failed to encode order event", zap.String("order_id", order.ID), zap.Error(err))
		return nil, err
	}

	s.logger.Error("Order event delivery failed, queuing for reconciliation",
		zap.String("order_id", order.ID),
		zap.String("event_id", e.EventID),
		zap.String("event_type", string(eventType)),
		zap.Error(err))
	if err := s.enqueue(ctx, e, err); err != nil {
		return nil, err
	}
	resp.EventStatus = EventStatusReconciliationPending
	return resp, nil
}

// queuedBehind reports whether e must wait in the queue behind earlier events
// of the same order. An unanswered check counts as queued.
func (s *OrderService) queuedBehind(ctx context.Context, e domain.DomainEvent) bool {
	queued, err := s.outbox.HasPending(ctx, e.AggregateKey)
	if err != nil {
		s.logger.Warn("Failed to check reconciliation queue, queuing event",
			zap.String("order_id", e.AggregateKey),
			zap.String("event_id", e.EventID),
			zap.Error(err))
		return true
	}
	if queued {
		s.logger.Info("Order has queued events, queuing new event behind them",
			zap.String("order_id", e.AggregateKey),
			zap.String("event_id", e.EventID),
			zap.String("event_type", string(e.EventType)))
	}
	return queued
}

func (s *OrderService) enqueue(ctx context.Context, e domain.DomainEvent, cause error) error {
	payload, err := event.Encode(e)
	if err != nil {
		return err
	}
	msg := &domain.OutboxMessage{
		ID:           util.GenerateUUID(),
		EventID:      e.EventID,
		AggregateKey: e.AggregateKey,
		EventType:    e.EventType,
		Payload:      payload,
		Status:       domain.OutboxStatusPending,
		LastError:    cause.Error(),
		CreatedAt:    s.now(),
	}
	if !errors.Is(cause, errEarlierEventQueued) {
		msg.Attempts = 1
	}
	// The request may already be cancelled; the queue write must still happen.
	if err := s.outbox.Enqueue(context.WithoutCancel(ctx), msg); err != nil {
		s.logger.Error("Failed to queue order event for reconciliation",
			zap.String("order_id", e.AggregateKey),
			zap.String("event_id", e.EventID),
			zap.Error(err))
		return fmt.Errorf("failed to queue order event %s for reconciliation: %w", e.EventID, err)
	}
	return nil
}
