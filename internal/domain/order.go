package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrOrderNotFound      = errors.New("order not found")
	ErrOrderAlreadyExists = errors.New("order already exists")
	ErrInvalidOrder       = errors.New("invalid order data")
	ErrInvalidOrderStatus = errors.New("invalid order status transition")
)

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusConfirmed OrderStatus = "CONFIRMED"
	OrderStatusShipped   OrderStatus = "SHIPPED"
	OrderStatusDelivered OrderStatus = "DELIVERED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

func ParseOrderStatus(s string) (OrderStatus, error) {
	status := OrderStatus(strings.ToUpper(strings.TrimSpace(s)))
	switch status {
	case OrderStatusPending, OrderStatusConfirmed, OrderStatusShipped,
		OrderStatusDelivered, OrderStatusCancelled:
		return status, nil
	}
	return "", fmt.Errorf("unknown order status %q: %w", s, ErrInvalidOrder)
}

type Order struct {
	ID          string
	OrderNumber string
	CustomerID  string
	Amount      float64
	Status      OrderStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func NewOrder(id, orderNumber, customerID string, amount float64, now time.Time) (*Order, error) {
	if id == "" || orderNumber == "" || customerID == "" || amount <= 0 {
		return nil, ErrInvalidOrder
	}
	return &Order{
		ID:          id,
		OrderNumber: orderNumber,
		CustomerID:  customerID,
		Amount:      amount,
		Status:      OrderStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Amend changes the billable details of an order that has not shipped yet.
func (o *Order) Amend(customerID string, amount float64, now time.Time) error {
	if customerID == "" || amount <= 0 {
		return ErrInvalidOrder
	}
	if o.Status != OrderStatusPending && o.Status != OrderStatusConfirmed {
		return fmt.Errorf("cannot amend order in status %s: %w", o.Status, ErrInvalidOrderStatus)
	}
	o.CustomerID = customerID
	o.Amount = amount
	o.UpdatedAt = now
	return nil
}

// MoveTo advances the order along PENDING → CONFIRMED → SHIPPED → DELIVERED.
// CANCELLED is reachable from every status except DELIVERED.
func (o *Order) MoveTo(status OrderStatus, now time.Time) error {
	allowed := false
	switch status {
	case OrderStatusConfirmed:
		allowed = o.Status == OrderStatusPending
	case OrderStatusShipped:
		allowed = o.Status == OrderStatusConfirmed
	case OrderStatusDelivered:
		allowed = o.Status == OrderStatusShipped
	case OrderStatusCancelled:
		allowed = o.Status != OrderStatusDelivered && o.Status != OrderStatusCancelled
	}
	if !allowed {
		return fmt.Errorf("cannot move order from %s to %s: %w", o.Status, status, ErrInvalidOrderStatus)
	}
	o.Status = status
	o.UpdatedAt = now
	return nil
}

func (o *Order) Snapshot() OrderSnapshot {
	return OrderSnapshot{
		OrderID:     o.ID,
		OrderNumber: o.OrderNumber,
		CustomerID:  o.CustomerID,
		Amount:      o.Amount,
		Status:      o.Status,
		CreatedAt:   o.CreatedAt,
		UpdatedAt:   o.UpdatedAt,
	}
}

// EventTypeForStatus names the event emitted when an order enters status.
func EventTypeForStatus(status OrderStatus) EventType {
	switch status {
	case OrderStatusConfirmed:
		return EventOrderConfirmed
	case OrderStatusShipped:
		return EventOrderShipped
	case OrderStatusDelivered:
		return EventOrderDelivered
	case OrderStatusCancelled:
		return EventOrderCancelled
	default:
		return EventOrderUpdated
	}
}

// OrderFilter narrows List queries. Empty fields match everything.
type OrderFilter struct {
	CustomerID string
	Status     OrderStatus
	Limit      int
}
