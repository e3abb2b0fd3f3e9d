package event

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/anoop387/event-driven-order-payment-system/internal/domain"
)

// legacyOrderCreated is the flat schema 1 message. It has no order id, so the
// order number doubles as aggregate key.
type legacyOrderCreated struct {
	EventID        string    `json:"eventId"`
	OrderNumber    string    `json:"orderNumber"`
	CustomerID     string    `json:"customerId"`
	TotalAmount    float64   `json:"totalAmount"`
	Status         string    `json:"status"`
	CreatedAt      timestamp `json:"createdAt"`
	EventTimestamp timestamp `json:"eventTimestamp"`
	Source         string    `json:"source"`
}

func decodeLegacy(data []byte) (domain.DomainEvent, error) {
	var legacy legacyOrderCreated
	if err := json.Unmarshal(data, &legacy); err != nil {
		return domain.DomainEvent{}, &DecodeError{Reason: "invalid legacy payload", Err: err}
	}
	if legacy.OrderNumber == "" {
		return domain.DomainEvent{}, &DecodeError{Reason: "aggregate key is missing"}
	}

	status := domain.OrderStatus(strings.ToUpper(legacy.Status))
	eventType := domain.EventOrderCreated
	if status == domain.OrderStatusCancelled {
		eventType = domain.EventOrderCancelled
	}
	source := legacy.Source
	if source == "" {
		source = defaultSource
	}

	return domain.DomainEvent{
		EventID:      legacy.EventID,
		AggregateKey: legacy.OrderNumber,
		EventType:    eventType,
		EmittedAt:    time.Time(legacy.EventTimestamp),
		Source:       source,
		Payload: domain.OrderSnapshot{
			OrderID:     legacy.OrderNumber,
			OrderNumber: legacy.OrderNumber,
			CustomerID:  legacy.CustomerID,
			Amount:      legacy.TotalAmount,
			Status:      status,
			CreatedAt:   time.Time(legacy.CreatedAt),
			UpdatedAt:   time.Time(legacy.CreatedAt),
		},
	}, nil
}
