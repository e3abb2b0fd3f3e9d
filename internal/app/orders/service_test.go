package orders

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/anoop387/event-driven-order-payment-system/internal/domain"
	"github.com/anoop387/event-driven-order-payment-system/internal/event"
	kafka_infra "github.com/anoop387/event-driven-order-payment-system/internal/infrastructure/kafka"
)

type memOrderRepo struct {
	mu     sync.Mutex
	orders map[string]domain.Order
	err    error
}

func newMemOrderRepo() *memOrderRepo {
	return &memOrderRepo{orders: make(map[string]domain.Order)}
}

func (r *memOrderRepo) Create(_ context.Context, o *domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.orders[o.ID] = *o
	return nil
}

func (r *memOrderRepo) GetByID(_ context.Context, id string) (*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return &o, nil
}

func (r *memOrderRepo) GetByNumber(_ context.Context, number string) (*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.orders {
		if o.OrderNumber == number {
			o := o
			return &o, nil
		}
	}
	return nil, domain.ErrOrderNotFound
}

func (r *memOrderRepo) List(_ context.Context, filter domain.OrderFilter) ([]*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Order
	for _, o := range r.orders {
		if filter.Status != "" && o.Status != filter.Status {
			continue
		}
		if filter.CustomerID != "" && o.CustomerID != filter.CustomerID {
			continue
		}
		o := o
		out = append(out, &o)
	}
	return out, nil
}

func (r *memOrderRepo) Update(_ context.Context, o *domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.orders[o.ID]; !ok {
		return domain.ErrOrderNotFound
	}
	r.orders[o.ID] = *o
	return nil
}

func (r *memOrderRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.orders[id]; !ok {
		return domain.ErrOrderNotFound
	}
	delete(r.orders, id)
	return nil
}

type fakePublisher struct {
	mu        sync.Mutex
	events    []domain.DomainEvent
	deliverer func(e domain.DomainEvent) error
}

func (p *fakePublisher) Publish(_ context.Context, e domain.DomainEvent) (*kafka_infra.Delivery, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	var err error
	if p.deliverer != nil {
		err = p.deliverer(e)
	}
	return kafka_infra.ResolvedDelivery(kafka_infra.DeliveryResult{EventID: e.EventID, Err: err}), nil
}

func (p *fakePublisher) published() []domain.DomainEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.DomainEvent(nil), p.events...)
}

type fakeQueue struct {
	msgs     []*domain.OutboxMessage
	err      error
	checkErr error
}

func (q *fakeQueue) HasPending(_ context.Context, aggregateKey string) (bool, error) {
	if q.checkErr != nil {
		return false, q.checkErr
	}
	for _, m := range q.msgs {
		if m.AggregateKey == aggregateKey {
			return true, nil
		}
	}
	return false, nil
}

func (q *fakeQueue) Enqueue(_ context.Context, msg *domain.OutboxMessage) error {
	if q.err != nil {
		return q.err
	}
	q.msgs = append(q.msgs, msg)
	return nil
}

func newTestOrderService(repo OrderRepository, pub EventPublisher, q ReconciliationQueue) *OrderService {
	s := NewOrderService(repo, pub, q, "orders-service", zap.NewNop())
	s.now = func() time.Time { return time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC) }
	return s
}

func TestCreateOrder_PublishesCreatedEvent(t *testing.T) {
	repo := newMemOrderRepo()
	pub := &fakePublisher{}
	svc := newTestOrderService(repo, pub, &fakeQueue{})

	resp, err := svc.CreateOrder(context.Background(), &CreateOrderRequest{CustomerID: "cust-1", Amount: 120})
	require.NoError(t, err)

	assert.Equal(t, EventStatusPublished, resp.EventStatus)
	assert.Equal(t, "PENDING", resp.Status)
	assert.Regexp(t, `^ORD-`, resp.OrderNumber)

	events := pub.published()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventOrderCreated, events[0].EventType)
	assert.Equal(t, resp.ID, events[0].AggregateKey)
	assert.Equal(t, 120.0, events[0].Payload.Amount)
	assert.Equal(t, "orders-service", events[0].Source)
}

func TestCreateOrder_InvalidRequest(t *testing.T) {
	svc := newTestOrderService(newMemOrderRepo(), &fakePublisher{}, &fakeQueue{})
	_, err := svc.CreateOrder(context.Background(), &CreateOrderRequest{CustomerID: "", Amount: 10})
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)

	_, err = svc.CreateOrder(context.Background(), &CreateOrderRequest{CustomerID: "c", Amount: -1})
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)
}

func TestCreateOrder_DeliveryFailureQueuesReconciliation(t *testing.T) {
	pub := &fakePublisher{deliverer: func(domain.DomainEvent) error {
		return kafka_infra.ErrDeliveryFailed
	}}
	q := &fakeQueue{}
	svc := newTestOrderService(newMemOrderRepo(), pub, q)

	resp, err := svc.CreateOrder(context.Background(), &CreateOrderRequest{CustomerID: "cust-1", Amount: 10})
	require.NoError(t, err)
	assert.Equal(t, EventStatusReconciliationPending, resp.EventStatus)

	require.Len(t, q.msgs, 1)
	msg := q.msgs[0]
	assert.Equal(t, domain.OutboxStatusPending, msg.Status)
	assert.Equal(t, resp.ID, msg.AggregateKey)
	assert.Contains(t, msg.LastError, "event delivery failed")

	queued, err := event.Decode(msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, pub.published()[0].EventID, queued.EventID)
	assert.Equal(t, msg.EventID, queued.EventID)
}

func TestCreateOrder_QueueFailureIsError(t *testing.T) {
	pub := &fakePublisher{deliverer: func(domain.DomainEvent) error { return kafka_infra.ErrDeliveryFailed }}
	q := &fakeQueue{err: errors.New("db down")}
	svc := newTestOrderService(newMemOrderRepo(), pub, q)

	_, err := svc.CreateOrder(context.Background(), &CreateOrderRequest{CustomerID: "cust-1", Amount: 10})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reconciliation")
}

func TestUpdateOrder_QueuedBehindEarlierUndeliveredEvent(t *testing.T) {
	repo := newMemOrderRepo()
	pub := &fakePublisher{deliverer: func(domain.DomainEvent) error { return kafka_infra.ErrDeliveryFailed }}
	q := &fakeQueue{}
	svc := newTestOrderService(repo, pub, q)
	ctx := context.Background()

	created, err := svc.CreateOrder(ctx, &CreateOrderRequest{CustomerID: "cust-1", Amount: 100})
	require.NoError(t, err)
	require.Len(t, q.msgs, 1)

	// The broker is back, but the created event has not been republished yet.
	pub.deliverer = nil
	updated, err := svc.UpdateOrder(ctx, created.ID, &UpdateOrderRequest{CustomerID: "cust-1", Amount: 200})
	require.NoError(t, err)
	assert.Equal(t, EventStatusReconciliationPending, updated.EventStatus)

	assert.Len(t, pub.published(), 1, "update must not overtake the queued create")
	require.Len(t, q.msgs, 2)
	assert.Equal(t, domain.EventOrderCreated, q.msgs[0].EventType)
	assert.Equal(t, domain.EventOrderUpdated, q.msgs[1].EventType)
	assert.Equal(t, 0, q.msgs[1].Attempts)

	queued, err := event.Decode(q.msgs[1].Payload)
	require.NoError(t, err)
	assert.Equal(t, 200.0, queued.Payload.Amount)
	assert.Equal(t, q.msgs[1].EventID, queued.EventID)

	// Other orders still publish directly.
	other, err := svc.CreateOrder(ctx, &CreateOrderRequest{CustomerID: "cust-2", Amount: 5})
	require.NoError(t, err)
	assert.Equal(t, EventStatusPublished, other.EventStatus)
}

func TestCreateOrder_QueueCheckFailureQueuesEvent(t *testing.T) {
	pub := &fakePublisher{}
	q := &fakeQueue{checkErr: errors.New("db down")}
	svc := newTestOrderService(newMemOrderRepo(), pub, q)

	resp, err := svc.CreateOrder(context.Background(), &CreateOrderRequest{CustomerID: "cust-1", Amount: 10})
	require.NoError(t, err)
	assert.Equal(t, EventStatusReconciliationPending, resp.EventStatus)
	assert.Empty(t, pub.published())
	require.Len(t, q.msgs, 1)
}

func TestUpdateOrderStatus_EmitsDistinctEventTypes(t *testing.T) {
	repo := newMemOrderRepo()
	pub := &fakePublisher{}
	svc := newTestOrderService(repo, pub, &fakeQueue{})
	ctx := context.Background()

	created, err := svc.CreateOrder(ctx, &CreateOrderRequest{CustomerID: "cust-1", Amount: 10})
	require.NoError(t, err)

	for _, status := range []string{"CONFIRMED", "shipped", "DELIVERED"} {
		_, err := svc.UpdateOrderStatus(ctx, created.ID, status)
		require.NoError(t, err)
	}

	var types []domain.EventType
	for _, e := range pub.published() {
		types = append(types, e.EventType)
		assert.Equal(t, created.ID, e.AggregateKey)
	}
	assert.Equal(t, []domain.EventType{
		domain.EventOrderCreated,
		domain.EventOrderConfirmed,
		domain.EventOrderShipped,
		domain.EventOrderDelivered,
	}, types)

	_, err = svc.UpdateOrderStatus(ctx, created.ID, "CANCELLED")
	assert.ErrorIs(t, err, domain.ErrInvalidOrderStatus)
	assert.Len(t, pub.published(), 4)
}

func TestUpdateOrder_AmendsAndPublishesUpdated(t *testing.T) {
	repo := newMemOrderRepo()
	pub := &fakePublisher{}
	svc := newTestOrderService(repo, pub, &fakeQueue{})
	ctx := context.Background()

	created, err := svc.CreateOrder(ctx, &CreateOrderRequest{CustomerID: "cust-1", Amount: 10})
	require.NoError(t, err)

	updated, err := svc.UpdateOrder(ctx, created.ID, &UpdateOrderRequest{CustomerID: "cust-2", Amount: 25})
	require.NoError(t, err)
	assert.Equal(t, 25.0, updated.Amount)

	events := pub.published()
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventOrderUpdated, events[1].EventType)
	assert.Equal(t, "cust-2", events[1].Payload.CustomerID)

	_, err = svc.UpdateOrder(ctx, "missing", &UpdateOrderRequest{CustomerID: "c", Amount: 1})
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestDeleteOrder_EmitsNoEvent(t *testing.T) {
	repo := newMemOrderRepo()
	pub := &fakePublisher{}
	svc := newTestOrderService(repo, pub, &fakeQueue{})
	ctx := context.Background()

	created, err := svc.CreateOrder(ctx, &CreateOrderRequest{CustomerID: "cust-1", Amount: 10})
	require.NoError(t, err)

	require.NoError(t, svc.DeleteOrder(ctx, created.ID))
	assert.Len(t, pub.published(), 1)

	_, err = svc.GetOrder(ctx, created.ID)
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
	assert.ErrorIs(t, svc.DeleteOrder(ctx, created.ID), domain.ErrOrderNotFound)
}

func TestResendOrderEvents_ReportsPerOrderOutcome(t *testing.T) {
	repo := newMemOrderRepo()
	pub := &fakePublisher{}
	svc := newTestOrderService(repo, pub, &fakeQueue{})
	ctx := context.Background()

	good, err := svc.CreateOrder(ctx, &CreateOrderRequest{CustomerID: "cust-1", Amount: 10})
	require.NoError(t, err)
	bad, err := svc.CreateOrder(ctx, &CreateOrderRequest{CustomerID: "cust-2", Amount: 20})
	require.NoError(t, err)
	_, err = svc.UpdateOrderStatus(ctx, bad.ID, "CANCELLED")
	require.NoError(t, err)

	pub.deliverer = func(e domain.DomainEvent) error {
		if e.AggregateKey == bad.ID {
			return kafka_infra.ErrDeliveryFailed
		}
		return nil
	}

	resp, err := svc.ResendOrderEvents(ctx, domain.OrderFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, resp.TotalOrders)
	assert.Equal(t, 1, resp.SuccessfulSends)
	assert.Equal(t, 1, resp.FailedSends)
	require.Len(t, resp.FailedOrders, 1)
	assert.Equal(t, bad.ID, resp.FailedOrders[0].OrderID)
	require.Len(t, resp.SuccessfulOrders, 1)
	assert.Equal(t, good.ID, resp.SuccessfulOrders[0].ID)

	// Resent events reflect current status.
	var cancelledResent bool
	for _, e := range pub.published()[3:] {
		if e.AggregateKey == bad.ID {
			cancelledResent = e.EventType == domain.EventOrderCancelled
		}
	}
	assert.True(t, cancelledResent)
}
