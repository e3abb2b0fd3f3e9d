package orders

import (
	"time"

	"github.com/anoop387/event-driven-order-payment-system/internal/domain"
)

const (
	EventStatusPublished             = "PUBLISHED"
	EventStatusReconciliationPending = "RECONCILIATION_PENDING"
)

type CreateOrderRequest struct {
	CustomerID string  `json:"customer_id"`
	Amount     float64 `json:"amount"`
}

type UpdateOrderRequest struct {
	CustomerID string  `json:"customer_id"`
	Amount     float64 `json:"amount"`
}

type UpdateOrderStatusRequest struct {
	Status string `json:"status"`
}

type OrderResponse struct {
	ID          string    `json:"id"`
	OrderNumber string    `json:"order_number"`
	CustomerID  string    `json:"customer_id"`
	Amount      float64   `json:"amount"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	// EventStatus reports what happened to the event of a mutation.
	EventStatus string `json:"event_status,omitempty"`
}

type FailedOrderInfo struct {
	OrderID      string `json:"order_id"`
	OrderNumber  string `json:"order_number"`
	ErrorMessage string `json:"error_message"`
}

type BulkResendResponse struct {
	TotalOrders      int               `json:"total_orders"`
	SuccessfulSends  int               `json:"successful_sends"`
	FailedSends      int               `json:"failed_sends"`
	SuccessfulOrders []*OrderResponse  `json:"successful_orders"`
	FailedOrders     []FailedOrderInfo `json:"failed_orders"`
	Message          string            `json:"message"`
}

func mapOrderToResponse(o *domain.Order) *OrderResponse {
	return &OrderResponse{
		ID:          o.ID,
		OrderNumber: o.OrderNumber,
		CustomerID:  o.CustomerID,
		Amount:      o.Amount,
		Status:      string(o.Status),
		CreatedAt:   o.CreatedAt,
		UpdatedAt:   o.UpdatedAt,
	}
}

func mapOrdersToResponse(orders []*domain.Order) []*OrderResponse {
	out := make([]*OrderResponse, 0, len(orders))
	for _, o := range orders {
		out = append(out, mapOrderToResponse(o))
	}
	return out
}
