package domain

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventOrderCreated   EventType = "CREATED"
	EventOrderUpdated   EventType = "UPDATED"
	EventOrderConfirmed EventType = "CONFIRMED"
	EventOrderShipped   EventType = "SHIPPED"
	EventOrderDelivered EventType = "DELIVERED"
	EventOrderCancelled EventType = "CANCELLED"
)

func (t EventType) Valid() bool {
	switch t {
	case EventOrderCreated, EventOrderUpdated, EventOrderConfirmed,
		EventOrderShipped, EventOrderDelivered, EventOrderCancelled:
		return true
	}
	return false
}

// OrderSnapshot is the state of an order at the moment an event was emitted.
type OrderSnapshot struct {
	OrderID     string
	OrderNumber string
	CustomerID  string
	Amount      float64
	Status      OrderStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// DomainEvent is a fact about an order. AggregateKey is the order id and pins
// the Kafka partition, so all events of one order are consumed in publish order.
type DomainEvent struct {
	EventID      string
	AggregateKey string
	EventType    EventType
	Payload      OrderSnapshot
	EmittedAt    time.Time
	Source       string
}

// NewDomainEvent mints a fresh event id for the given order snapshot.
func NewDomainEvent(eventType EventType, snapshot OrderSnapshot, source string, now time.Time) DomainEvent {
	return DomainEvent{
		EventID:      uuid.NewString(),
		AggregateKey: snapshot.OrderID,
		EventType:    eventType,
		Payload:      snapshot,
		EmittedAt:    now.UTC(),
		Source:       source,
	}
}
